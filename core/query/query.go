/*
Package query translates raw URL query parameters into a structured query
specification: a set of filter predicates, sort keys, a field projection and
a pagination window.

The parameters "select", "sort", "page" and "limit" are reserved; every
other parameter is a filter candidate. Comparison operators are embedded in
the parameter key with a bracket suffix:

	?averageCost[lte]=10000&careers[in]=Business,Data Science
	?select=name,description&sort=-createdAt,name&page=2&limit=10

Translation never fails. Malformed input degrades to defaults: an
unrecognized bracket token is kept as literal key text with equals
semantics, and non-numeric page or limit values fall back to page 1 and
DefaultPageLimit.
*/
package query

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// DefaultPageLimit is the page size used when no valid limit parameter is given.
const DefaultPageLimit = 25

// DefaultSortField is the creation-timestamp field used for the default
// descending sort when no sort parameter is given.
const DefaultSortField = "createdAt"

// Op is a comparison operator of a filter predicate.
type Op int

// the closed operator set
const (
	OpEqual Op = iota
	OpGreater
	OpGreaterOrEqual
	OpLess
	OpLessOrEqual
	OpIn
)

var opTokens = map[string]Op{
	"gt":  OpGreater,
	"gte": OpGreaterOrEqual,
	"lt":  OpLess,
	"lte": OpLessOrEqual,
	"in":  OpIn,
}

func (o Op) String() string {
	switch o {
	case OpEqual:
		return "eq"
	case OpGreater:
		return "gt"
	case OpGreaterOrEqual:
		return "gte"
	case OpLess:
		return "lt"
	case OpLessOrEqual:
		return "lte"
	case OpIn:
		return "in"
	}
	return "unknown"
}

// Predicate is a single comparison on a document field. Multiple predicates
// on the same field are conjunctive.
//
// Text always holds the raw comparison value. For the bare comparisons the
// value is additionally parsed as a number into Number when possible, with
// Numeric set. For OpIn, List holds the non-empty set of values instead.
type Predicate struct {
	Field   string
	Op      Op
	Text    string
	Number  float64
	Numeric bool
	List    []string
}

// SortKey is one (field, direction) entry of the sort specification.
type SortKey struct {
	Field      string
	Descending bool
}

// Page is the pagination window. Number and Size are always positive.
type Page struct {
	Number int
	Size   int
}

// Offset returns the zero-based skip offset for the window.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// Spec is the structured output of Translate and the sole query input to
// the resource repository. It is produced fresh per request and must not be
// modified after construction.
type Spec struct {
	Filter     []Predicate
	Sort       []SortKey
	Projection []string
	Page       Page
}

// Translate builds a Spec from raw query parameters. It is pure and never
// fails; see the package documentation for the degradation rules.
func Translate(params url.Values) Spec {
	spec := Spec{
		Page: Page{Number: 1, Size: DefaultPageLimit},
	}

	// iterate in a stable order, url.Values is a map
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		values := params[key]
		if len(values) == 0 {
			continue
		}
		switch key {
		case "select":
			spec.Projection = splitList(values[0])

		case "sort":
			for _, field := range splitList(values[0]) {
				sortKey := SortKey{Field: field}
				if strings.HasPrefix(field, "-") {
					sortKey = SortKey{Field: field[1:], Descending: true}
				}
				if sortKey.Field == "" {
					continue
				}
				spec.Sort = append(spec.Sort, sortKey)
			}

		case "page":
			if n, err := strconv.Atoi(values[0]); err == nil && n >= 1 {
				spec.Page.Number = n
			}

		case "limit":
			if n, err := strconv.Atoi(values[0]); err == nil && n >= 1 {
				spec.Page.Size = n
			}

		default:
			field, op := splitOperator(key)
			for _, value := range values {
				spec.Filter = append(spec.Filter, newPredicate(field, op, value))
			}
		}
	}

	if len(spec.Sort) == 0 {
		spec.Sort = []SortKey{{Field: DefaultSortField, Descending: true}}
	}
	return spec
}

// splitOperator decodes an embedded operator from a filter candidate key of
// the shape "field[op]". Keys without a recognized operator token are
// returned unchanged with equals semantics.
func splitOperator(key string) (string, Op) {
	if !strings.HasSuffix(key, "]") {
		return key, OpEqual
	}
	i := strings.IndexByte(key, '[')
	if i <= 0 {
		return key, OpEqual
	}
	token := key[i+1 : len(key)-1]
	op, ok := opTokens[token]
	if !ok {
		return key, OpEqual
	}
	return key[:i], op
}

func newPredicate(field string, op Op, value string) Predicate {
	p := Predicate{Field: field, Op: op, Text: value}
	if op == OpIn {
		p.List = splitList(value)
		if len(p.List) == 0 {
			// the in-set value must be a non-empty sequence, degrade to equals
			p.Op = OpEqual
		}
		return p
	}
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		p.Number = n
		p.Numeric = true
	}
	return p
}

func splitList(value string) []string {
	var list []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			list = append(list, item)
		}
	}
	return list
}
