// Package storage defines the relational backend abstraction for the memory
// platform: row operations over named tables, a closed predicate algebra
// compiled to backend SQL, and the lexical search contract consumed by
// hybrid retrieval. The embedded implementation lives in the sqlite
// subpackage, the networked one in postgres. Callers never construct
// backend-specific queries.
package storage

import (
	"context"
)

// Reader is the read half of a Backend or Tx.
type Reader interface {
	// Get returns the row with the given id, or a not_found error.
	Get(ctx context.Context, table, id string) (Row, error)
	// Query returns the rows matching q, in q's order.
	Query(ctx context.Context, table string, q Query) ([]Row, error)
	// Count returns the number of rows matching pred.
	Count(ctx context.Context, table string, pred Predicate) (int64, error)
}

// Writer is the write half of a Backend or Tx.
type Writer interface {
	// Put inserts a new row. Inserting an id or unique key that already
	// exists is a conflict error.
	Put(ctx context.Context, table, id string, row Row) error
	// Upsert inserts the row or replaces the existing one in full.
	Upsert(ctx context.Context, table, id string, row Row) error
	// Update applies a partial column set to an existing row, or returns
	// a not_found error.
	Update(ctx context.Context, table, id string, row Row) error
	// Delete removes the row, or returns a not_found error.
	Delete(ctx context.Context, table, id string) error
}

// Backend is a durable relational store. Writes are durable before the call
// returns. Failures are mapped to the platform taxonomy at this boundary.
type Backend interface {
	Reader
	Writer

	// Begin opens a logical transaction. The embedded backend serializes
	// transactions; the networked one runs them concurrently and surfaces
	// conflicts as retriable errors.
	Begin(ctx context.Context) (Tx, error)
	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error
	// SearchText runs the backend's native full-text search over memory
	// keys and values, returning candidate ids with scores normalized
	// to [0,1], best first.
	SearchText(ctx context.Context, q TextQuery) ([]ScoredID, error)
	// Ping reports whether the backend is reachable and healthy.
	Ping(ctx context.Context) error
	// Close releases the underlying pool or file handle.
	Close() error
}

// Tx groups row operations into one atomic unit. Rollback after Commit is a
// no-op, so callers may defer it unconditionally.
type Tx interface {
	Reader
	Writer
	Commit() error
	Rollback() error
}

// Query selects rows from one table.
type Query struct {
	// Predicate filters rows. The zero value matches everything.
	Predicate Predicate
	// OrderBy sorts the result, applied in slice order.
	OrderBy []Order
	// Limit caps the result size. Zero means no limit.
	Limit int
	// Offset skips rows and is honored with or without a Limit.
	Offset int
}

// Order sorts query results by one column.
type Order struct {
	Column string
	Desc   bool
}

// Asc orders by column ascending.
func Asc(column string) Order { return Order{Column: column} }

// Desc orders by column descending.
func Desc(column string) Order { return Order{Column: column, Desc: true} }

// TextQuery is a lexical full-text search over the memories table.
type TextQuery struct {
	// Text is the raw user query. Backends sanitize it into their own
	// match syntax; a query that sanitizes to nothing yields no results.
	Text string
	// Filter is ANDed with the text match. Owner scoping arrives here.
	Filter Predicate
	// Limit caps the candidate set. Non-positive yields no results.
	Limit int
}

// ScoredID is one lexical search candidate.
type ScoredID struct {
	ID string
	// Score is normalized to [0,1]; higher is better.
	Score float64
}
