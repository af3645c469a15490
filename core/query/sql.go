package query

import (
	"regexp"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

// ColumnResolver maps a document field name to the SQL expression of a
// typed column. ok is false when the field has no column and lives in the
// jsonb properties document instead.
type ColumnResolver func(field string) (expr string, ok bool)

// field names become ORDER BY expressions, restrict them to plain
// identifiers. Filter fields need no such restriction, their jsonb path is
// a bound parameter.
var safeField = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Conditions compiles the filter predicates of a spec into squirrel WHERE
// fragments.
func Conditions(spec Spec, resolve ColumnResolver) []sq.Sqlizer {
	var conds []sq.Sqlizer
	for _, p := range spec.Filter {
		if cond := condition(p, resolve); cond != nil {
			conds = append(conds, cond)
		}
	}
	return conds
}

func condition(p Predicate, resolve ColumnResolver) sq.Sqlizer {
	if expr, ok := resolve(p.Field); ok {
		switch p.Op {
		case OpEqual:
			return sq.Eq{expr: p.Text}
		case OpGreater:
			return sq.Gt{expr: columnValue(p)}
		case OpGreaterOrEqual:
			return sq.GtOrEq{expr: columnValue(p)}
		case OpLess:
			return sq.Lt{expr: columnValue(p)}
		case OpLessOrEqual:
			return sq.LtOrEq{expr: columnValue(p)}
		case OpIn:
			return sq.Eq{expr: p.List}
		}
		return nil
	}

	// the jsonb path takes the field name as a bound parameter, so that a
	// filter on a field which does not exist simply matches nothing
	text := "properties->>(?::text)"
	numeric := "(" + text + ")::numeric"

	switch p.Op {
	case OpEqual:
		return sq.Expr(text+" = ?", p.Field, p.Text)
	case OpGreater:
		if p.Numeric {
			return sq.Expr(numeric+" > ?", p.Field, p.Number)
		}
		return sq.Expr(text+" > ?", p.Field, p.Text)
	case OpGreaterOrEqual:
		if p.Numeric {
			return sq.Expr(numeric+" >= ?", p.Field, p.Number)
		}
		return sq.Expr(text+" >= ?", p.Field, p.Text)
	case OpLess:
		if p.Numeric {
			return sq.Expr(numeric+" < ?", p.Field, p.Number)
		}
		return sq.Expr(text+" < ?", p.Field, p.Text)
	case OpLessOrEqual:
		if p.Numeric {
			return sq.Expr(numeric+" <= ?", p.Field, p.Number)
		}
		return sq.Expr(text+" <= ?", p.Field, p.Text)
	case OpIn:
		// matches scalar values as well as membership in jsonb arrays
		return sq.Expr("jsonb_exists_any(properties->(?::text), ?)", p.Field, pq.Array(p.List))
	}
	return nil
}

func columnValue(p Predicate) interface{} {
	if p.Numeric {
		return p.Number
	}
	return p.Text
}

// OrderExpressions compiles the sort specification into ORDER BY
// expressions. Unsafe field names are skipped.
func OrderExpressions(spec Spec, resolve ColumnResolver) []string {
	var exprs []string
	for _, key := range spec.Sort {
		expr, ok := resolve(key.Field)
		if !ok {
			if !safeField.MatchString(key.Field) {
				continue
			}
			expr = "properties->>'" + key.Field + "'"
		}
		if key.Descending {
			expr += " DESC"
		} else {
			expr += " ASC"
		}
		exprs = append(exprs, expr)
	}
	return exprs
}
