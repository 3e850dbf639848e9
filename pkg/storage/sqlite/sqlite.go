// Package sqlite implements the embedded storage backend: a single SQLite
// file in WAL mode with an FTS5 index over memory keys and values.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3" // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
)

const busyTimeoutMS = 5000

// Backend is the embedded storage implementation. database/sql is capped to
// a single connection, which serializes transactions and keeps the write
// path free of SQLITE_BUSY upgrades.
type Backend struct {
	db *sql.DB
	gq goqu.DialectWrapper
}

var (
	_ storage.Backend      = (*Backend)(nil)
	_ storage.DialectHooks = (*Backend)(nil)
)

// New opens the database file at path, creating the parent directory and
// the file as needed.
func New(ctx context.Context, path string) (*Backend, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, kerrors.NewDependencyUnavailableError("creating data directory", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		path, busyTimeoutMS,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, kerrors.NewDependencyUnavailableError("opening sqlite database", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, kerrors.NewDependencyUnavailableError("probing sqlite database", err)
	}

	return &Backend{db: db, gq: goqu.Dialect("sqlite3")}, nil
}

// Get returns the row with the given id.
func (b *Backend) Get(ctx context.Context, table, id string) (storage.Row, error) {
	return getRow(ctx, b.db, b.gq, table, id)
}

// Query returns the rows matching q.
func (b *Backend) Query(ctx context.Context, table string, q storage.Query) ([]storage.Row, error) {
	return queryTable(ctx, b.db, b.gq, b, table, q)
}

// Count returns the number of rows matching pred.
func (b *Backend) Count(ctx context.Context, table string, pred storage.Predicate) (int64, error) {
	return countRows(ctx, b.db, b.gq, b, table, pred)
}

// Put inserts a new row.
func (b *Backend) Put(ctx context.Context, table, id string, row storage.Row) error {
	return insertRow(ctx, b.db, b.gq, table, id, row)
}

// Upsert inserts the row or replaces the existing one in full.
func (b *Backend) Upsert(ctx context.Context, table, id string, row storage.Row) error {
	return upsertRow(ctx, b.db, b.gq, table, id, row)
}

// Update applies a partial column set to an existing row.
func (b *Backend) Update(ctx context.Context, table, id string, row storage.Row) error {
	return updateRow(ctx, b.db, b.gq, table, id, row)
}

// Delete removes the row.
func (b *Backend) Delete(ctx context.Context, table, id string) error {
	return deleteRow(ctx, b.db, b.gq, table, id)
}

// Begin opens a transaction. With a single connection, transactions are
// serialized with every other statement.
func (b *Backend) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(err, "beginning transaction")
	}
	return &sqliteTx{tx: tx, gq: b.gq, hooks: b}, nil
}

// Migrate applies pending schema migrations.
func (b *Backend) Migrate(ctx context.Context) error {
	return runMigrations(ctx, b.db)
}

// Ping reports whether the database file is usable.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return kerrors.NewDependencyUnavailableError("sqlite ping", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (b *Backend) Close() error {
	return b.db.Close()
}

// sqliteTx adapts *sql.Tx to storage.Tx.
type sqliteTx struct {
	tx    *sql.Tx
	gq    goqu.DialectWrapper
	hooks storage.DialectHooks
}

var _ storage.Tx = (*sqliteTx)(nil)

func (t *sqliteTx) Get(ctx context.Context, table, id string) (storage.Row, error) {
	return getRow(ctx, t.tx, t.gq, table, id)
}

func (t *sqliteTx) Query(ctx context.Context, table string, q storage.Query) ([]storage.Row, error) {
	return queryTable(ctx, t.tx, t.gq, t.hooks, table, q)
}

func (t *sqliteTx) Count(ctx context.Context, table string, pred storage.Predicate) (int64, error) {
	return countRows(ctx, t.tx, t.gq, t.hooks, table, pred)
}

func (t *sqliteTx) Put(ctx context.Context, table, id string, row storage.Row) error {
	return insertRow(ctx, t.tx, t.gq, table, id, row)
}

func (t *sqliteTx) Upsert(ctx context.Context, table, id string, row storage.Row) error {
	return upsertRow(ctx, t.tx, t.gq, table, id, row)
}

func (t *sqliteTx) Update(ctx context.Context, table, id string, row storage.Row) error {
	return updateRow(ctx, t.tx, t.gq, table, id, row)
}

func (t *sqliteTx) Delete(ctx context.Context, table, id string) error {
	return deleteRow(ctx, t.tx, t.gq, table, id)
}

func (t *sqliteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return mapError(err, "committing transaction")
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
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

func getRow(ctx context.Context, run dbtx, gq goqu.DialectWrapper, table, id string) (storage.Row, error) {
	sqlStr, args, err := gq.From(table).
		Where(goqu.C(storage.IDColumn(table)).Eq(id)).
		Limit(1).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, kerrors.NewInternalError("building select", err)
	}
	rows, err := queryRows(ctx, run, sqlStr, args)
	if err != nil {
		return nil, mapError(err, "querying "+table)
	}
	if len(rows) == 0 {
		return nil, kerrors.NewNotFoundError(table+": row not found", nil)
	}
	return rows[0], nil
}

func queryTable(
	ctx context.Context, run dbtx, gq goqu.DialectWrapper, hooks storage.DialectHooks,
	table string, q storage.Query,
) ([]storage.Row, error) {
	expr, err := storage.CompilePredicate(q.Predicate, "", hooks)
	if err != nil {
		return nil, kerrors.NewValidationError("compiling predicate", err)
	}
	ds := gq.From(table)
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
		// SQLite only accepts OFFSET after LIMIT.
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
	rows, err := queryRows(ctx, run, sqlStr, args)
	if err != nil {
		return nil, mapError(err, "querying "+table)
	}
	return rows, nil
}

func countRows(
	ctx context.Context, run dbtx, gq goqu.DialectWrapper, hooks storage.DialectHooks,
	table string, pred storage.Predicate,
) (int64, error) {
	expr, err := storage.CompilePredicate(pred, "", hooks)
	if err != nil {
		return 0, kerrors.NewValidationError("compiling predicate", err)
	}
	ds := gq.From(table).Select(goqu.L("COUNT(*)"))
	if expr != nil {
		ds = ds.Where(expr)
	}
	sqlStr, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, kerrors.NewInternalError("building count", err)
	}
	rows, err := run.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, mapError(err, "counting "+table)
	}
	defer func() { _ = rows.Close() }()

	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, kerrors.NewInternalError("scanning count", err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, mapError(err, "counting "+table)
	}
	return n, nil
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

// upsertRow updates the full row in place, inserting when absent. The
// two-step form keeps the FTS sync triggers firing as plain UPDATE/INSERT;
// INSERT OR REPLACE would re-create the row under a new rowid without
// firing the delete trigger.
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
	if len(upd) > 0 {
		sqlStr, args, err := gq.Update(table).Set(upd).
			Where(goqu.C(idCol).Eq(id)).
			Prepared(true).ToSQL()
		if err != nil {
			return kerrors.NewInternalError("building update", err)
		}
		res, err := run.ExecContext(ctx, sqlStr, args...)
		if err != nil {
			return mapError(err, "updating "+table)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return nil
		}
	}
	return insertRow(ctx, run, gq, table, id, row)
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
				// detach from the driver's scratch buffer
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

// bindValue converts Row values into driver-friendly forms: timestamps as
// RFC 3339 text, JSON-ish values as JSON text, booleans as 0/1.
func bindValue(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	case json.RawMessage:
		return string(t), nil
	case []string, map[string]any:
		data, err := storage.JSON(t)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
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
	case isUniqueViolation(err):
		return kerrors.NewConflictError(op, err)
	case isBusy(err):
		return kerrors.NewDependencyUnavailableError(op, err)
	default:
		return kerrors.NewInternalError(op, err)
	}
}

// isUniqueViolation checks for a SQLite UNIQUE or PRIMARY KEY constraint
// violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func isBusy(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_BUSY || code == sqlite3lib.SQLITE_LOCKED
	}
	return false
}
