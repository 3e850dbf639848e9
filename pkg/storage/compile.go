package storage

import (
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
)

// DialectHooks supplies the two operators of the algebra that plain SQL
// cannot express portably. Each backend implements them in its own dialect.
// qualifier, when non-empty, is the table alias column references must carry
// (joined queries).
type DialectHooks interface {
	// TagsAnyExpr matches rows whose JSON array column contains any of tags.
	TagsAnyExpr(qualifier, col string, tags []string) (exp.Expression, error)
	// TextMatchExpr matches rows whose text column matches query.
	TextMatchExpr(qualifier, col, query string) (exp.Expression, error)
}

// CompilePredicate translates p into a goqu expression tree for the hooks'
// dialect. A predicate that matches every row compiles to nil, meaning no
// WHERE clause.
func CompilePredicate(p Predicate, qualifier string, hooks DialectHooks) (exp.Expression, error) {
	switch p.op {
	case opAll:
		return nil, nil
	case opEq:
		return column(qualifier, p.col).Eq(p.val), nil
	case opNeq:
		return column(qualifier, p.col).Neq(p.val), nil
	case opGt:
		return column(qualifier, p.col).Gt(p.val), nil
	case opGte:
		return column(qualifier, p.col).Gte(p.val), nil
	case opLt:
		return column(qualifier, p.col).Lt(p.val), nil
	case opLte:
		return column(qualifier, p.col).Lte(p.val), nil
	case opIn:
		if len(p.vals) == 0 {
			return matchNothing(), nil
		}
		return column(qualifier, p.col).In(p.vals...), nil
	case opTagsAny:
		tags := make([]string, 0, len(p.vals))
		for _, v := range p.vals {
			if s, ok := v.(string); ok {
				tags = append(tags, s)
			}
		}
		if len(tags) == 0 {
			return matchNothing(), nil
		}
		return hooks.TagsAnyExpr(qualifier, p.col, tags)
	case opTextMatch:
		q, _ := p.val.(string)
		return hooks.TextMatchExpr(qualifier, p.col, q)
	case opAnd:
		kids, matchAll, err := compileChildren(p.kids, qualifier, hooks)
		if err != nil {
			return nil, err
		}
		_ = matchAll // zero-value children drop out of a conjunction
		switch len(kids) {
		case 0:
			return nil, nil
		case 1:
			return kids[0], nil
		default:
			return goqu.And(kids...), nil
		}
	case opOr:
		kids, matchAll, err := compileChildren(p.kids, qualifier, hooks)
		if err != nil {
			return nil, err
		}
		if matchAll {
			return nil, nil
		}
		switch len(kids) {
		case 0:
			return nil, nil
		case 1:
			return kids[0], nil
		default:
			return goqu.Or(kids...), nil
		}
	default:
		return nil, fmt.Errorf("unknown predicate op %d", p.op)
	}
}

// compileChildren compiles each child, dropping ones that match everything.
// matchAll reports whether any child did.
func compileChildren(kids []Predicate, qualifier string, hooks DialectHooks) ([]exp.Expression, bool, error) {
	out := make([]exp.Expression, 0, len(kids))
	matchAll := false
	for _, kid := range kids {
		e, err := CompilePredicate(kid, qualifier, hooks)
		if err != nil {
			return nil, false, err
		}
		if e == nil {
			matchAll = true
			continue
		}
		out = append(out, e)
	}
	return out, matchAll, nil
}

func column(qualifier, col string) exp.IdentifierExpression {
	if qualifier != "" {
		return goqu.T(qualifier).Col(col)
	}
	return goqu.C(col)
}

func matchNothing() exp.Expression { return goqu.L("1 = 0") }

// QualifyColumn renders the raw SQL name of a column for use inside
// dialect-hook literal fragments. Both backends keep column names lowercase
// and unreserved, so no quoting is needed.
func QualifyColumn(qualifier, col string) string {
	if qualifier != "" {
		return qualifier + "." + col
	}
	return col
}
