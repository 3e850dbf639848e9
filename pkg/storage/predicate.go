package storage

// Predicate is one node of the closed filter algebra accepted by Query and
// TextQuery. The zero value matches every row. Predicates are built with the
// constructors below and compiled by each backend into its own dialect; the
// algebra is deliberately small so both backends can express all of it.
type Predicate struct {
	op   predicateOp
	col  string
	val  any
	vals []any
	kids []Predicate
}

type predicateOp int

const (
	opAll predicateOp = iota
	opEq
	opNeq
	opGt
	opGte
	opLt
	opLte
	opIn
	opTagsAny
	opTextMatch
	opAnd
	opOr
)

// All matches every row.
func All() Predicate { return Predicate{} }

// Eq matches rows where col = v.
func Eq(col string, v any) Predicate { return Predicate{op: opEq, col: col, val: v} }

// Neq matches rows where col <> v.
func Neq(col string, v any) Predicate { return Predicate{op: opNeq, col: col, val: v} }

// Gt matches rows where col > v.
func Gt(col string, v any) Predicate { return Predicate{op: opGt, col: col, val: v} }

// Gte matches rows where col >= v.
func Gte(col string, v any) Predicate { return Predicate{op: opGte, col: col, val: v} }

// Lt matches rows where col < v.
func Lt(col string, v any) Predicate { return Predicate{op: opLt, col: col, val: v} }

// Lte matches rows where col <= v.
func Lte(col string, v any) Predicate { return Predicate{op: opLte, col: col, val: v} }

// In matches rows where col equals any of vals. An empty list matches
// nothing.
func In(col string, vals ...any) Predicate { return Predicate{op: opIn, col: col, vals: vals} }

// InStrings is In for a string list.
func InStrings(col string, vals []string) Predicate {
	return In(col, toAny(vals)...)
}

// TagsAny matches rows whose JSON array column contains at least one of
// tags. An empty list matches nothing.
func TagsAny(col string, tags ...string) Predicate {
	return Predicate{op: opTagsAny, col: col, vals: toAny(tags)}
}

// TextMatch matches rows whose text column matches q under the backend's
// full-text syntax. Most callers want SearchText instead, which also
// returns match scores.
func TextMatch(col, q string) Predicate { return Predicate{op: opTextMatch, col: col, val: q} }

// And matches rows satisfying every child. Zero-value children are ignored.
func And(preds ...Predicate) Predicate { return Predicate{op: opAnd, kids: preds} }

// Or matches rows satisfying at least one child. A zero-value child makes
// the disjunction match everything.
func Or(preds ...Predicate) Predicate { return Predicate{op: opOr, kids: preds} }

// IsZero reports whether the predicate matches every row.
func (p Predicate) IsZero() bool { return p.op == opAll }

func toAny(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
