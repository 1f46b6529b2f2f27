package closure

import (
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// Row is one stored child: its id and its JSON document.
type Row struct {
	ID   string
	Data []byte
}

type Object struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// Result is one page. Cursor is nil when no rows follow the page;
// TotalCount counts every match regardless of the cursor.
type Result struct {
	Objects    []Object `json:"objects"`
	Cursor     *string  `json:"cursor"`
	TotalCount int      `json:"totalCount"`
}

// Execute runs q over rows in memory.
func Execute(q Query, rows []Row) (Result, error) {
	if err := q.Validate(); err != nil {
		return Result{}, err
	}
	var after *Cursor
	if q.Cursor != "" {
		c, err := DecodeCursor(q.Cursor)
		if err != nil {
			return Result{}, err
		}
		after = &c
	}

	type keyed struct {
		row Row
		key gjson.Result
	}
	ordered := q.OrderBy != nil
	var path string
	if ordered {
		path = gjsonPath(q.OrderBy.Field)
	}

	groups := q.groups()
	matched := make([]keyed, 0, len(rows))
	for _, r := range rows {
		if !matchGroups(groups, r.Data) {
			continue
		}
		k := keyed{row: r}
		if ordered {
			k.key = gjson.GetBytes(r.Data, path)
		}
		matched = append(matched, k)
	}

	desc := ordered && q.OrderBy.Direction == Desc
	cmp := func(ak gjson.Result, aid string, bk gjson.Result, bid string) int {
		if ordered {
			c := compareValues(ak, bk)
			if desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return cmpString(aid, bid)
	}
	sort.Slice(matched, func(i, j int) bool {
		return cmp(matched[i].key, matched[i].row.ID, matched[j].key, matched[j].row.ID) < 0
	})

	start := 0
	if after != nil {
		ck := after.sortValue()
		start = sort.Search(len(matched), func(i int) bool {
			return cmp(matched[i].key, matched[i].row.ID, ck, after.ID) > 0
		})
	}
	remaining := matched[start:]
	page := remaining
	if len(page) > q.Limit {
		page = page[:q.Limit]
	}

	res := Result{Objects: make([]Object, 0, len(page)), TotalCount: len(matched)}
	for _, k := range page {
		data, err := Project(k.row.Data, q.Select)
		if err != nil {
			return Result{}, fmt.Errorf("closure: project %s: %w", k.row.ID, err)
		}
		res.Objects = append(res.Objects, Object{ID: k.row.ID, Data: data})
	}
	if len(remaining) > len(page) {
		last := page[len(page)-1]
		s := newCursor(last.row.ID, last.key, ordered).Encode()
		res.Cursor = &s
	}
	return res, nil
}

// Matches reports whether data satisfies the predicates of q.
func (q *Query) Matches(data []byte) bool {
	return matchGroups(q.groups(), data)
}

func matchGroups(groups [][]Predicate, data []byte) bool {
	if len(groups) == 0 {
		return true
	}
	for _, g := range groups {
		ok := true
		for _, p := range g {
			if !matchPredicate(p, data) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// matchPredicate treats a missing field like SQL NULL: never matches.
func matchPredicate(p Predicate, data []byte) bool {
	v := gjson.GetBytes(data, gjsonPath(p.Field))
	if !v.Exists() {
		return false
	}
	return p.Operator.holds(compareValues(v, literal(p.Value)))
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
