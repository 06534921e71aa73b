package postgres

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/aesyros/align/internal/backend"
)

// builder accumulates positional arguments for one statement.
type builder struct {
	args []any
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// columnList quotes a comma separated column list. "*" and empty select all.
func columnList(columns string) string {
	columns = strings.TrimSpace(columns)
	if columns == "" || columns == "*" {
		return "*"
	}
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(strings.TrimSpace(p))
	}
	return strings.Join(parts, ", ")
}

// condition renders one filter. qualifier, when set, prefixes the column.
func (b *builder) condition(f backend.Filter, qualifier string) (string, error) {
	col := pq.QuoteIdentifier(f.Column)
	if qualifier != "" {
		col = qualifier + "." + col
	}

	switch f.Op {
	case backend.OpEq:
		return col + " = " + b.bind(f.ValueText()), nil
	case backend.OpNeq:
		return col + " IS DISTINCT FROM " + b.bind(f.ValueText()), nil
	case backend.OpGt:
		return col + " > " + b.bind(f.ValueText()), nil
	case backend.OpGte:
		return col + " >= " + b.bind(f.ValueText()), nil
	case backend.OpLt:
		return col + " < " + b.bind(f.ValueText()), nil
	case backend.OpLte:
		return col + " <= " + b.bind(f.ValueText()), nil
	case backend.OpLike:
		return col + "::text LIKE " + b.bind(likePattern(f.ValueText())), nil
	case backend.OpILike:
		return col + "::text ILIKE " + b.bind(likePattern(f.ValueText())), nil
	case backend.OpIs:
		switch strings.ToLower(f.ValueText()) {
		case "null":
			return col + " IS NULL", nil
		case "true":
			return col + " IS TRUE", nil
		case "false":
			return col + " IS FALSE", nil
		}
		return "", fmt.Errorf("unsupported is operand %q", f.ValueText())
	case backend.OpIn:
		vals := f.Values()
		text := make([]string, len(vals))
		for i, v := range vals {
			text[i] = backend.Filter{Value: v}.ValueText()
		}
		return col + "::text = ANY(" + b.bind(pq.Array(text)) + ")", nil
	}
	return "", fmt.Errorf("unsupported filter operator %q", f.Op)
}

func (b *builder) where(filters []backend.Filter, anyOf [][]backend.Filter, qualifier string) (string, error) {
	var conds []string
	for _, f := range filters {
		c, err := b.condition(f, qualifier)
		if err != nil {
			return "", err
		}
		conds = append(conds, c)
	}

	if len(anyOf) > 0 {
		groups := make([]string, 0, len(anyOf))
		for _, group := range anyOf {
			parts := make([]string, 0, len(group))
			for _, f := range group {
				c, err := b.condition(f, qualifier)
				if err != nil {
					return "", err
				}
				parts = append(parts, c)
			}
			groups = append(groups, "("+strings.Join(parts, " AND ")+")")
		}
		conds = append(conds, "("+strings.Join(groups, " OR ")+")")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), nil
}

// selectSQL wraps the row query in json_agg so any table decodes into the
// same json-tagged structs as the REST backend.
func selectSQL(table string, q backend.Query) (string, []any, error) {
	var b builder
	where, err := b.where(q.Filters, q.AnyOf, "")
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s%s", columnList(q.Columns), pq.QuoteIdentifier(table), where)

	if len(q.Order) > 0 {
		orders := make([]string, len(q.Order))
		for i, o := range q.Order {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			orders[i] = pq.QuoteIdentifier(o.Column) + " " + dir
		}
		sb.WriteString(" ORDER BY " + strings.Join(orders, ", "))
	}

	limit := q.Limit
	if q.Single {
		limit = 1
	}
	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	}

	return "SELECT COALESCE(json_agg(t), '[]'::json) FROM (" + sb.String() + ") t", b.args, nil
}

// insertSQL inserts only the given columns so column defaults still apply.
func insertSQL(table string, columns []string, payload []byte) (string, []any) {
	var b builder
	quoted := quoteAll(columns)
	tbl := pq.QuoteIdentifier(table)
	arg := b.bind(string(payload))
	query := fmt.Sprintf(
		"WITH ins AS (INSERT INTO %s (%s) SELECT %s FROM json_populate_record(NULL::%s, %s::json) RETURNING *) "+
			"SELECT COALESCE(json_agg(ins), '[]'::json) FROM ins",
		tbl, quoted, quoted, tbl, arg,
	)
	return query, b.args
}

func updateSQL(table string, columns []string, payload []byte, filters []backend.Filter) (string, []any, error) {
	var b builder
	tbl := pq.QuoteIdentifier(table)
	arg := b.bind(string(payload))

	sets := make([]string, len(columns))
	for i, c := range columns {
		q := pq.QuoteIdentifier(c)
		sets[i] = q + " = r." + q
	}

	where, err := b.where(filters, nil, tbl)
	if err != nil {
		return "", nil, err
	}
	query := fmt.Sprintf("UPDATE %s SET %s FROM json_populate_record(NULL::%s, %s::json) r%s",
		tbl, strings.Join(sets, ", "), tbl, arg, where)
	return query, b.args, nil
}

func deleteSQL(table string, filters []backend.Filter) (string, []any, error) {
	var b builder
	where, err := b.where(filters, nil, "")
	if err != nil {
		return "", nil, err
	}
	return "DELETE FROM " + pq.QuoteIdentifier(table) + where, b.args, nil
}

func quoteAll(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(out, ", ")
}

// likePattern accepts * as a wildcard alongside %.
func likePattern(p string) string {
	return strings.ReplaceAll(p, "*", "%")
}
