package backend

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/aesyros/align/supabase/client"
)

// Op is a row filter operator.
type Op string

const (
	OpEq    Op = "eq"
	OpNeq   Op = "neq"
	OpGt    Op = "gt"
	OpGte   Op = "gte"
	OpLt    Op = "lt"
	OpLte   Op = "lte"
	OpLike  Op = "like"
	OpILike Op = "ilike"
	OpIs    Op = "is"
	OpIn    Op = "in"
)

// Filter restricts rows by one column.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Eq is shorthand for an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// In matches any of values.
func In(column string, values ...any) Filter {
	return Filter{Column: column, Op: OpIn, Value: values}
}

// String renders the filter as a PostgREST query parameter, e.g.
// "target_app=eq.align".
func (f Filter) String() string {
	return f.Column + "=" + f.operand(false)
}

// Expr renders the filter for use inside or=() groups, e.g.
// "source_app.eq.align". Values holding reserved characters are quoted.
func (f Filter) Expr() string {
	return f.Column + "." + f.operand(true)
}

func (f Filter) operand(grouped bool) string {
	if f.Op == OpIn {
		vals := listValues(f.Value)
		parts := make([]string, len(vals))
		for i, v := range vals {
			parts[i] = client.QuoteValue(formatValue(v))
		}
		return "in.(" + strings.Join(parts, ",") + ")"
	}
	if grouped {
		return string(f.Op) + "." + client.QuoteValue(formatValue(f.Value))
	}
	return string(f.Op) + "." + formatValue(f.Value)
}

// Values returns the operands of an in filter, or the single operand.
func (f Filter) Values() []any {
	return listValues(f.Value)
}

// ValueText returns the operand rendered as text.
func (f Filter) ValueText() string {
	return formatValue(f.Value)
}

// Matches evaluates the filter against a decoded JSON record.
func (f Filter) Matches(record map[string]any) bool {
	got, present := record[f.Column]
	switch f.Op {
	case OpEq:
		return present && equalValues(got, f.Value)
	case OpNeq:
		return !present || !equalValues(got, f.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if !present || got == nil {
			return false
		}
		c := compareValues(got, f.Value)
		switch f.Op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	case OpLike, OpILike:
		if !present || got == nil {
			return false
		}
		return likeMatch(formatValue(got), formatValue(f.Value), f.Op == OpILike)
	case OpIs:
		want := strings.ToLower(formatValue(f.Value))
		switch want {
		case "null":
			return got == nil
		case "true", "false":
			b, ok := got.(bool)
			return ok && strconv.FormatBool(b) == want
		}
		return false
	case OpIn:
		if !present {
			return false
		}
		for _, v := range listValues(f.Value) {
			if equalValues(got, v) {
				return true
			}
		}
		return false
	}
	return false
}

// MatchesAll reports whether record passes every filter.
func MatchesAll(record map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if !f.Matches(record) {
			return false
		}
	}
	return true
}

// Order sorts a query by one column.
type Order struct {
	Column string
	Desc   bool
}

// Query selects rows of one table. Filters are ANDed; when AnyOf is non-empty
// a row must additionally satisfy every filter of at least one group.
type Query struct {
	Columns string
	Filters []Filter
	AnyOf   [][]Filter
	Order   []Order
	Limit   int
	Single  bool
}

// OrExpr renders AnyOf as the body of a PostgREST or=() parameter.
func (q Query) OrExpr() string {
	groups := make([]string, 0, len(q.AnyOf))
	for _, group := range q.AnyOf {
		exprs := make([]string, len(group))
		for i, f := range group {
			exprs[i] = f.Expr()
		}
		if len(exprs) == 1 {
			groups = append(groups, exprs[0])
			continue
		}
		groups = append(groups, "and("+strings.Join(exprs, ",")+")")
	}
	return strings.Join(groups, ",")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprint(x)
	}
}

func listValues(v any) []any {
	if v == nil {
		return nil
	}
	if list, ok := v.([]any); ok {
		return list
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return formatValue(a) == formatValue(b)
}

func compareValues(a, b any) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(formatValue(a), formatValue(b))
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// likeMatch implements LIKE with % and * as multi-character wildcards and
// _ as a single character.
func likeMatch(s, pattern string, fold bool) bool {
	var b strings.Builder
	if fold {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%', '*':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
