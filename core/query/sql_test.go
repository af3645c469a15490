package query

import (
	"net/url"
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolveNone(string) (string, bool) { return "", false }

func resolveCreatedAt(field string) (string, bool) {
	if field == "createdAt" {
		return "created_at", true
	}
	return "", false
}

func buildSQL(t *testing.T, rawQuery string, resolve ColumnResolver) (string, []interface{}) {
	t.Helper()
	params, err := url.ParseQuery(rawQuery)
	require.NoError(t, err)
	spec := Translate(params)

	sb := sq.Select("properties").From(`campdir."bootcamp"`).PlaceholderFormat(sq.Dollar)
	for _, cond := range Conditions(spec, resolve) {
		sb = sb.Where(cond)
	}
	sb = sb.OrderBy(OrderExpressions(spec, resolve)...)
	sql, args, err := sb.ToSql()
	require.NoError(t, err)
	return sql, args
}

func TestConditionsNumericCast(t *testing.T) {
	sql, args := buildSQL(t, "averageCost[gte]=100", resolveCreatedAt)
	assert.Contains(t, sql, "(properties->>($1::text))::numeric >= $2")
	assert.Equal(t, []interface{}{"averageCost", float64(100)}, args)
}

func TestConditionsTextEquality(t *testing.T) {
	sql, args := buildSQL(t, "housing=true", resolveCreatedAt)
	assert.Contains(t, sql, "properties->>($1::text) = $2")
	assert.Equal(t, []interface{}{"housing", "true"}, args)
}

func TestConditionsInSet(t *testing.T) {
	sql, args := buildSQL(t, "careers[in]=Business,Health", resolveCreatedAt)
	assert.Contains(t, sql, "jsonb_exists_any(properties->($1::text), $2)")
	require.Len(t, args, 2)
	assert.Equal(t, "careers", args[0])
}

func TestConditionsColumnResolution(t *testing.T) {
	sql, _ := buildSQL(t, "createdAt[lt]=2024&sort=-createdAt", resolveCreatedAt)
	assert.Contains(t, sql, "created_at < $1")
	assert.Contains(t, sql, "ORDER BY created_at DESC")
}

// A hostile field name stays data, never SQL text: the jsonb path is a
// bound parameter.
func TestConditionsFieldNameIsParameter(t *testing.T) {
	hostile := "x'; DROP TABLE bootcamp; --"
	params := url.Values{hostile: []string{"x"}}
	spec := Translate(params)
	conds := Conditions(spec, resolveNone)
	require.Len(t, conds, 1)
	sql, args, err := conds[0].ToSql()
	require.NoError(t, err)
	assert.NotContains(t, sql, "DROP TABLE")
	assert.Equal(t, []interface{}{hostile, "x"}, args)
}

// An unsafe field name in the sort specification is skipped, order
// expressions cannot be parameterized.
func TestOrderExpressionsSkipUnsafeFields(t *testing.T) {
	params := url.Values{"sort": []string{"name; DROP TABLE,name"}}
	spec := Translate(params)
	assert.Equal(t, []string{"properties->>'name' ASC"}, OrderExpressions(spec, resolveNone))
}

func TestOrderExpressionsDefault(t *testing.T) {
	sql, _ := buildSQL(t, "", resolveCreatedAt)
	assert.Contains(t, sql, "ORDER BY created_at DESC")
}

func TestOrderExpressionsMixed(t *testing.T) {
	sql, _ := buildSQL(t, "sort=-createdAt,name", resolveCreatedAt)
	assert.Contains(t, sql, "ORDER BY created_at DESC, properties->>'name' ASC")
}
