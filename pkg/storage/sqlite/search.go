package sqlite

import (
	"context"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
)

// TagsAnyExpr matches rows whose JSON array column shares at least one
// element with tags. json_each runs over both sides so a single bound
// parameter carries the whole tag list.
func (*Backend) TagsAnyExpr(qualifier, col string, tags []string) (exp.Expression, error) {
	data, err := storage.JSON(tags)
	if err != nil {
		return nil, err
	}
	name := storage.QualifyColumn(qualifier, col)
	return goqu.L(
		"EXISTS (SELECT 1 FROM json_each("+name+") AS t "+
			"WHERE t.value IN (SELECT j.value FROM json_each(?) AS j))",
		string(data),
	), nil
}

// TextMatchExpr matches memory rows against the FTS5 index. The index
// covers key and value, so the nominated column is implicit.
func (*Backend) TextMatchExpr(qualifier, _, query string) (exp.Expression, error) {
	match := sanitizeFTS5Query(query)
	if match == "" {
		return goqu.L("1 = 0"), nil
	}
	rowid := storage.QualifyColumn(qualifier, "rowid")
	return goqu.L(
		rowid+" IN (SELECT rowid FROM memories_fts WHERE memories_fts MATCH ?)",
		match,
	), nil
}

// SearchText runs an FTS5 query over memory keys and values, returning
// candidate ids best first with scores normalized to [0,1].
func (b *Backend) SearchText(ctx context.Context, q storage.TextQuery) ([]storage.ScoredID, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	match := sanitizeFTS5Query(q.Text)
	if match == "" {
		return nil, nil
	}
	filter, err := storage.CompilePredicate(q.Filter, "m", b)
	if err != nil {
		return nil, kerrors.NewValidationError("compiling search filter", err)
	}

	ds := b.gq.From(goqu.T("memories_fts")).
		Join(
			goqu.T(storage.TableMemories).As("m"),
			goqu.On(goqu.L("m.rowid = memories_fts.rowid")),
		).
		Select(goqu.I("m.id"), goqu.L("memories_fts.rank").As("score")).
		Where(goqu.L("memories_fts MATCH ?", match))
	if filter != nil {
		ds = ds.Where(filter)
	}
	// FTS5 rank is bm25: more negative is better, so ascending order puts
	// the best match first. m.id breaks exact ties deterministically.
	ds = ds.Order(goqu.L("memories_fts.rank").Asc(), goqu.I("m.id").Asc()).
		Limit(uint(q.Limit))

	sqlStr, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, kerrors.NewInternalError("building search query", err)
	}
	rows, err := b.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, mapError(err, "searching memories")
	}
	defer func() { _ = rows.Close() }()

	var out []storage.ScoredID
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, kerrors.NewInternalError("scanning search row", err)
		}
		out = append(out, storage.ScoredID{ID: id, Score: normalizeRank(rank)})
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "iterating search rows")
	}
	return out, nil
}

// normalizeRank maps a bm25 rank (negative, more negative is better) onto
// [0,1), preserving order.
func normalizeRank(rank float64) float64 {
	s := -rank
	if s < 0 {
		s = 0
	}
	return s / (1 + s)
}

// sanitizeFTS5Query converts free text into a safe FTS5 MATCH expression.
// Each term is quoted as a phrase and terms are OR-joined, so punctuation
// in user input cannot break the match syntax.
func sanitizeFTS5Query(query string) string {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ReplaceAll(term, `"`, `""`)
		quoted = append(quoted, `"`+term+`"`)
	}
	return strings.Join(quoted, " OR ")
}
