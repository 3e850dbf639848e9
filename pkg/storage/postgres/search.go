package postgres

import (
	"context"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
)

// TagsAnyExpr matches rows whose JSONB array column shares at least one
// element with tags. The function form of the ?| operator keeps the literal
// free of bare question marks, which goqu would treat as placeholders.
func (*Backend) TagsAnyExpr(qualifier, col string, tags []string) (exp.Expression, error) {
	name := storage.QualifyColumn(qualifier, col)
	args := make([]any, len(tags))
	for i, t := range tags {
		args[i] = t
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
	return goqu.L("jsonb_exists_any("+name+", ARRAY["+placeholders+"]::text[])", args...), nil
}

// TextMatchExpr matches memory rows against the generated tsvector column.
func (*Backend) TextMatchExpr(qualifier, _, query string) (exp.Expression, error) {
	if strings.TrimSpace(query) == "" {
		return goqu.L("1 = 0"), nil
	}
	col := storage.QualifyColumn(qualifier, "search_vector")
	return goqu.L(col+" @@ websearch_to_tsquery('english', ?)", query), nil
}

// SearchText runs a tsvector query over memory keys and values, returning
// candidate ids best first with ts_rank scores normalized to [0,1].
func (b *Backend) SearchText(ctx context.Context, q storage.TextQuery) ([]storage.ScoredID, error) {
	if q.Limit <= 0 || strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	filter, err := storage.CompilePredicate(q.Filter, "m", b)
	if err != nil {
		return nil, kerrors.NewValidationError("compiling search filter", err)
	}

	ds := b.gq.From(goqu.T(storage.TableMemories).As("m")).
		Select(
			goqu.I("m.id"),
			goqu.L("ts_rank(m.search_vector, websearch_to_tsquery('english', ?))", q.Text).As("score"),
		).
		Where(goqu.L("m.search_vector @@ websearch_to_tsquery('english', ?)", q.Text))
	if filter != nil {
		ds = ds.Where(filter)
	}
	ds = ds.Order(goqu.L("score").Desc(), goqu.I("m.id").Asc()).Limit(uint(q.Limit))

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

// normalizeRank maps a non-negative ts_rank score onto [0,1), preserving
// order.
func normalizeRank(rank float64) float64 {
	if rank < 0 {
		rank = 0
	}
	return rank / (1 + rank)
}
