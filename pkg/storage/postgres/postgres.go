// Package postgres implements the networked storage backend: a PostgreSQL
// server with JSONB columns and tsvector lexical search. Serialization and
// deadlock failures are retried before surfacing as conflicts.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver registration

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
)

// Retriable serialization failures are retried this many times before the
// conflict surfaces to the caller.
const maxTxRetries = 3

// PostgreSQL error codes that mark a transaction as retriable.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// Backend is the networked storage implementation over a pgx connection
// pool exposed through database/sql.
type Backend struct {
	db *sql.DB
	gq goqu.DialectWrapper
}

var (
	_ storage.Backend      = (*Backend)(nil)
	_ storage.DialectHooks = (*Backend)(nil)
)

// New connects to the PostgreSQL server at dsn. maxConns sizes the pool for
// the worker count; non-positive falls back to the driver default.
func New(ctx context.Context, dsn string, maxConns int) (*Backend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, kerrors.NewDependencyUnavailableError("opening postgres pool", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns / 2)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, kerrors.NewDependencyUnavailableError("probing postgres server", err)
	}
	return &Backend{db: db, gq: goqu.Dialect("postgres")}, nil
}

// Get returns the row with the given id.
func (b *Backend) Get(ctx context.Context, table, id string) (storage.Row, error) {
	sqlStr, args, err := b.gq.From(table).
		Where(goqu.C(storage.IDColumn(table)).Eq(id)).
		Limit(1).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, kerrors.NewInternalError("building select", err)
	}
	rows, err := queryRows(ctx, b.db, sqlStr, args)
	if err != nil {
		return nil, mapError(err, "querying "+table)
	}
	if len(rows) == 0 {
		return nil, kerrors.NewNotFoundError(table+": row not found", nil)
	}
	return rows[0], nil
}

// Query returns the rows matching q.
func (b *Backend) Query(ctx context.Context, table string, q storage.Query) ([]storage.Row, error) {
	expr, err := storage.CompilePredicate(q.Predicate, "", b)
	if err != nil {
		return nil, kerrors.NewValidationError("compiling predicate", err)
	}
	ds := b.gq.From(table)
	if expr != nil {
		ds = ds.Where(expr)
	}
	if len(q.OrderBy) > 0 {
		ords := make([]exp.OrderedExpression, 0, len(q.OrderBy))
		for _, o := range q.OrderBy {
			if o.Desc {
				ords = append(ords, goqu.C(o.Column).Desc())
			} else {
				ords = append(ords, goqu.C(o.Column).Asc())
			}
		}
		ds = ds.Order(ords...)
	}
	limit := q.Limit
	if q.Offset > 0 && limit <= 0 {
		limit = math.MaxInt32
	}
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	if q.Offset > 0 {
		ds = ds.Offset(uint(q.Offset))
	}
	sqlStr, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, kerrors.NewInternalError("building query", err)
	}
	rows, err := queryRows(ctx, b.db, sqlStr, args)
	if err != nil {
		return nil, mapError(err, "querying "+table)
	}
	return rows, nil
}

// Count returns the number of rows matching pred.
func (b *Backend) Count(ctx context.Context, table string, pred storage.Predicate) (int64, error) {
	expr, err := storage.CompilePredicate(pred, "", b)
	if err != nil {
		return 0, kerrors.NewValidationError("compiling predicate", err)
	}
	ds := b.gq.From(table).Select(goqu.L("COUNT(*)"))
	if expr != nil {
		ds = ds.Where(expr)
	}
	sqlStr, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, kerrors.NewInternalError("building count", err)
	}
	var n int64
	if err := b.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, mapError(err, "counting "+table)
	}
	return n, nil
}

// Put inserts a new row.
func (b *Backend) Put(ctx context.Context, table, id string, row storage.Row) error {
	return b.withRetry(ctx, func() error {
		return insertRow(ctx, b.db, b.gq, table, id, row)
	})
}

// Upsert inserts the row or replaces the existing one in full, using
// ON CONFLICT on the identifier column.
func (b *Backend) Upsert(ctx context.Context, table, id string, row storage.Row) error {
	return b.withRetry(ctx, func() error {
		return upsertRow(ctx, b.db, b.gq, table, id, row)
	})
}

// Update applies a partial column set to an existing row.
func (b *Backend) Update(ctx context.Context, table, id string, row storage.Row) error {
	return b.withRetry(ctx, func() error {
		return updateRow(ctx, b.db, b.gq, table, id, row)
	})
}

// Delete removes the row.
func (b *Backend) Delete(ctx context.Context, table, id string) error {
	return deleteRow(ctx, b.db, b.gq, table, id)
}

// Begin opens a transaction. Transactions run concurrently; serialization
// conflicts surface as retriable conflict errors.
func (b *Backend) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(err, "beginning transaction")
	}
	return &pgTx{tx: tx, gq: b.gq, hooks: b}, nil
}

// Migrate applies pending schema migrations.
func (b *Backend) Migrate(ctx context.Context) error {
	return runMigrations(ctx, b.db)
}

// Ping reports whether the server is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return kerrors.NewDependencyUnavailableError("postgres ping", err)
	}
	return nil
}

// Close drains and closes the connection pool.
func (b *Backend) Close() error {
	return b.db.Close()
}

// withRetry re-runs fn on serialization and deadlock failures, up to
// maxTxRetries attempts.
func (*Backend) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = fn()
		if err == nil || !isSerializationFailure(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return kerrors.NewTimeoutError("retrying statement", ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	return err
}

// pgTx adapts *sql.Tx to storage.Tx.
type pgTx struct {
	tx    *sql.Tx
	gq    goqu.DialectWrapper
	hooks storage.DialectHooks
}

var _ storage.Tx = (*pgTx)(nil)

func (t *pgTx) Get(ctx context.Context, table, id string) (storage.Row, error) {
	sqlStr, args, err := t.gq.From(table).
		Where(goqu.C(storage.IDColumn(table)).Eq(id)).
		Limit(1).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, kerrors.NewInternalError("building select", err)
	}
	rows, err := queryRows(ctx, t.tx, sqlStr, args)
	if err != nil {
		return nil, mapError(err, "querying "+table)
	}
	if len(rows) == 0 {
		return nil, kerrors.NewNotFoundError(table+": row not found", nil)
	}
	return rows[0], nil
}

func (t *pgTx) Query(ctx context.Context, table string, q storage.Query) ([]storage.Row, error) {
	expr, err := storage.CompilePredicate(q.Predicate, "", t.hooks)
	if err != nil {
		return nil, kerrors.NewValidationError("compiling predicate", err)
	}
	ds := t.gq.From(table)
	if expr != nil {
		ds = ds.Where(expr)
	}
	if len(q.OrderBy) > 0 {
		ords := make([]exp.OrderedExpression, 0, len(q.OrderBy))
		for _, o := range q.OrderBy {
			if o.Desc {
				ords = append(ords, goqu.C(o.Column).Desc())
			} else {
				ords = append(ords, goqu.C(o.Column).Asc())
			}
		}
		ds = ds.Order(ords...)
	}
	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}
	if q.Offset > 0 {
		ds = ds.Offset(uint(q.Offset))
	}
	sqlStr, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, kerrors.NewInternalError("building query", err)
	}
	rows, err := queryRows(ctx, t.tx, sqlStr, args)
	if err != nil {
		return nil, mapError(err, "querying "+table)
	}
	return rows, nil
}

func (t *pgTx) Count(ctx context.Context, table string, pred storage.Predicate) (int64, error) {
	expr, err := storage.CompilePredicate(pred, "", t.hooks)
	if err != nil {
		return 0, kerrors.NewValidationError("compiling predicate", err)
	}
	ds := t.gq.From(table).Select(goqu.L("COUNT(*)"))
	if expr != nil {
		ds = ds.Where(expr)
	}
	sqlStr, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, kerrors.NewInternalError("building count", err)
	}
	var n int64
	if err := t.tx.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, mapError(err, "counting "+table)
	}
	return n, nil
}

func (t *pgTx) Put(ctx context.Context, table, id string, row storage.Row) error {
	return insertRow(ctx, t.tx, t.gq, table, id, row)
}

func (t *pgTx) Upsert(ctx context.Context, table, id string, row storage.Row) error {
	return upsertRow(ctx, t.tx, t.gq, table, id, row)
}

func (t *pgTx) Update(ctx context.Context, table, id string, row storage.Row) error {
	return updateRow(ctx, t.tx, t.gq, table, id, row)
}

func (t *pgTx) Delete(ctx context.Context, table, id string) error {
	return deleteRow(ctx, t.tx, t.gq, table, id)
}

func (t *pgTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return mapError(err, "committing transaction")
	}
	return nil
}

func (t *pgTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return mapError(err, "rolling back transaction")
	}
	return nil
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func insertRow(ctx context.Context, run dbtx, gq goqu.DialectWrapper, table, id string, row storage.Row) error {
	rec, err := record(table, id, row)
	if err != nil {
		return err
	}
	sqlStr, args, err := gq.Insert(table).Rows(rec).Prepared(true).ToSQL()
	if err != nil {
		return kerrors.NewInternalError("building insert", err)
	}
	if _, err := run.ExecContext(ctx, sqlStr, args...); err != nil {
		return mapError(err, "inserting into "+table)
	}
	return nil
}

func upsertRow(ctx context.Context, run dbtx, gq goqu.DialectWrapper, table, id string, row storage.Row) error {
	rec, err := record(table, id, row)
	if err != nil {
		return err
	}
	idCol := storage.IDColumn(table)
	upd := make(goqu.Record, len(rec))
	for col, v := range rec {
		if col != idCol {
			upd[col] = v
		}
	}
	ds := gq.Insert(table).Rows(rec).
		OnConflict(goqu.DoUpdate(idCol, upd))
	sqlStr, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return kerrors.NewInternalError("building upsert", err)
	}
	if _, err := run.ExecContext(ctx, sqlStr, args...); err != nil {
		return mapError(err, "upserting into "+table)
	}
	return nil
}

func updateRow(ctx context.Context, run dbtx, gq goqu.DialectWrapper, table, id string, row storage.Row) error {
	if len(row) == 0 {
		return kerrors.NewValidationError("no columns to update", nil)
	}
	rec, err := record(table, id, row)
	if err != nil {
		return err
	}
	idCol := storage.IDColumn(table)
	delete(rec, idCol)
	sqlStr, args, err := gq.Update(table).Set(rec).
		Where(goqu.C(idCol).Eq(id)).
		Prepared(true).ToSQL()
	if err != nil {
		return kerrors.NewInternalError("building update", err)
	}
	res, err := run.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return mapError(err, "updating "+table)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return kerrors.NewInternalError("checking rows affected", err)
	}
	if n == 0 {
		return kerrors.NewNotFoundError(table+": row not found", nil)
	}
	return nil
}

func deleteRow(ctx context.Context, run dbtx, gq goqu.DialectWrapper, table, id string) error {
	sqlStr, args, err := gq.Delete(table).
		Where(goqu.C(storage.IDColumn(table)).Eq(id)).
		Prepared(true).ToSQL()
	if err != nil {
		return kerrors.NewInternalError("building delete", err)
	}
	res, err := run.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return mapError(err, "deleting from "+table)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return kerrors.NewInternalError("checking rows affected", err)
	}
	if n == 0 {
		return kerrors.NewNotFoundError(table+": row not found", nil)
	}
	return nil
}

func queryRows(ctx context.Context, run dbtx, sqlStr string, args []any) ([]storage.Row, error) {
	rows, err := run.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}
	var out []storage.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		row := make(storage.Row, len(cols))
		for i, col := range cols {
			if bs, ok := vals[i].([]byte); ok {
				row[col] = string(bs)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

func record(table, id string, row storage.Row) (goqu.Record, error) {
	rec := make(goqu.Record, len(row)+1)
	for col, v := range row {
		bound, err := bindValue(v)
		if err != nil {
			return nil, kerrors.NewValidationError("encoding column "+col, err)
		}
		rec[col] = bound
	}
	rec[storage.IDColumn(table)] = id
	return rec, nil
}

// bindValue converts Row values into driver-friendly forms. JSON-ish values
// bind as text and land in JSONB columns through the implicit cast.
func bindValue(v any) (any, error) {
	switch t := v.(type) {
	case json.RawMessage:
		return string(t), nil
	case []string, map[string]any:
		data, err := storage.JSON(t)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return t.UTC(), nil
	case time.Time:
		return t.UTC(), nil
	default:
		return v, nil
	}
}

// mapError converts driver failures into the platform taxonomy.
func mapError(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return kerrors.NewTimeoutError(op, err)
	case errors.Is(err, sql.ErrNoRows):
		return kerrors.NewNotFoundError(op, err)
	case isErrorCode(err, pgUniqueViolation):
		return kerrors.NewConflictError(op, err)
	case isSerializationFailure(err):
		return kerrors.NewConflictError(op, err)
	case isConnectionFailure(err):
		return kerrors.NewDependencyUnavailableError(op, err)
	default:
		return kerrors.NewInternalError(op, err)
	}
}

func isErrorCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func isSerializationFailure(err error) bool {
	return isErrorCode(err, pgSerializationFailure) || isErrorCode(err, pgDeadlockDetected)
}

func isConnectionFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exceptions, 57 operator intervention
		// (shutdown in progress).
		return len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57")
	}
	return pgconn.Timeout(err)
}
