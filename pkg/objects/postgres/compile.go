package postgres

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/i5heu/ouroboros-graph/pkg/closure"
	"github.com/lib/pq"
)

// compiled is a children query as SQL. Only operators from the closure
// whitelist and fixed fragments reach the statement text; field paths,
// values and cursors are bound parameters.
type compiled struct {
	Query     string
	Args      []any
	Count     string
	CountArgs []any
}

type builder struct {
	args []any
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *builder) path(field string) (string, error) {
	segments, err := closure.ParseField(field)
	if err != nil {
		return "", err
	}
	return "o.data #> " + b.bind(pq.Array(segments)) + "::text[]", nil
}

func (b *builder) jsonValue(v any) (string, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return b.bind(string(raw)) + "::jsonb", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return b.bind(string(raw)) + "::jsonb", nil
}

// compileChildren turns a validated query into a page query fetching
// limit+1 rows and a count query.
func compileChildren(streamID string, q closure.Query) (compiled, error) {
	var b builder
	from := `FROM objects o JOIN objects p ON p."streamId" = o."streamId" AND p.id = ` + b.bind(q.ObjectID) +
		` WHERE o."streamId" = ` + b.bind(streamID) + ` AND (p.data -> '__closure') ? o.id`

	filter, err := b.filter(q)
	if err != nil {
		return compiled{}, err
	}
	countSQL := "SELECT count(*) " + from + filter
	countArgs := append([]any(nil), b.args...)

	var sb strings.Builder
	sb.WriteString("SELECT o.id, o.data " + from + filter)

	var after *closure.Cursor
	if q.Cursor != "" {
		c, err := closure.DecodeCursor(q.Cursor)
		if err != nil {
			return compiled{}, err
		}
		after = &c
	}

	if q.OrderBy == nil {
		if after != nil {
			sb.WriteString(" AND o.id > " + b.bind(after.ID))
		}
		sb.WriteString(" ORDER BY o.id ASC")
	} else {
		expr, err := b.path(q.OrderBy.Field)
		if err != nil {
			return compiled{}, err
		}
		if after != nil {
			keyset, err := b.keyset(expr, q.OrderBy.Direction, *after)
			if err != nil {
				return compiled{}, err
			}
			sb.WriteString(" AND " + keyset)
		}
		dir := "ASC"
		if q.OrderBy.Direction == closure.Desc {
			dir = "DESC"
		}
		sb.WriteString(" ORDER BY " + expr + " " + dir + ", o.id ASC")
	}
	sb.WriteString(" LIMIT " + b.bind(q.Limit+1))

	return compiled{Query: sb.String(), Args: b.args, Count: countSQL, CountArgs: countArgs}, nil
}

func (b *builder) filter(q closure.Query) (string, error) {
	groups := q.Groups()
	if len(groups) == 0 {
		return "", nil
	}
	ors := make([]string, 0, len(groups))
	for _, g := range groups {
		ands := make([]string, 0, len(g))
		for _, p := range g {
			if !p.Operator.Valid() {
				return "", fmt.Errorf("%w: %q", closure.ErrInvalidOperator, string(p.Operator))
			}
			expr, err := b.path(p.Field)
			if err != nil {
				return "", err
			}
			val, err := b.jsonValue(p.Value)
			if err != nil {
				return "", err
			}
			ands = append(ands, expr+" "+string(p.Operator)+" "+val)
		}
		ors = append(ors, "("+strings.Join(ands, " AND ")+")")
	}
	return " AND (" + strings.Join(ors, " OR ") + ")", nil
}

// keyset continues after the cursor row. Postgres sorts NULL last when
// ascending and first when descending, which the conditions mirror.
func (b *builder) keyset(expr string, dir closure.Direction, c closure.Cursor) (string, error) {
	id := b.bind(c.ID)
	if c.Missing || len(c.Value) == 0 {
		if dir == closure.Desc {
			return "(" + expr + " IS NOT NULL OR o.id > " + id + ")", nil
		}
		return "(" + expr + " IS NULL AND o.id > " + id + ")", nil
	}
	val, err := b.jsonValue(c.Value)
	if err != nil {
		return "", err
	}
	if dir == closure.Desc {
		return "(" + expr + " < " + val + " OR (" + expr + " = " + val + " AND o.id > " + id + "))", nil
	}
	return "(" + expr + " > " + val + " OR (" + expr + " = " + val + " AND o.id > " + id + ") OR " + expr + " IS NULL)", nil
}
