package closure

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Values are ordered like Postgres jsonb, with a missing field acting
// as SQL NULL: greatest in ascending order.
const (
	rankNull = iota
	rankString
	rankNumber
	rankBool
	rankArray
	rankObject
	rankMissing
)

func rank(r gjson.Result) int {
	if !r.Exists() {
		return rankMissing
	}
	switch r.Type {
	case gjson.Null:
		return rankNull
	case gjson.String:
		return rankString
	case gjson.Number:
		return rankNumber
	case gjson.True, gjson.False:
		return rankBool
	}
	if r.IsArray() {
		return rankArray
	}
	return rankObject
}

// compareValues returns -1, 0 or 1.
func compareValues(a, b gjson.Result) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch ra {
	case rankNull, rankMissing:
		return 0
	case rankString:
		return strings.Compare(a.Str, b.Str)
	case rankNumber:
		switch {
		case a.Num < b.Num:
			return -1
		case a.Num > b.Num:
			return 1
		}
		return 0
	case rankBool:
		return cmpBool(a.Bool(), b.Bool())
	case rankArray:
		ea, eb := a.Array(), b.Array()
		if len(ea) != len(eb) {
			return cmpInt(len(ea), len(eb))
		}
		for i := range ea {
			if c := compareValues(ea[i], eb[i]); c != 0 {
				return c
			}
		}
		return 0
	default:
		ma, mb := a.Map(), b.Map()
		if len(ma) != len(mb) {
			return cmpInt(len(ma), len(mb))
		}
		ka, kb := sortedKeys(ma), sortedKeys(mb)
		for i := range ka {
			if c := strings.Compare(ka[i], kb[i]); c != 0 {
				return c
			}
		}
		for _, k := range ka {
			if c := compareValues(ma[k], mb[k]); c != 0 {
				return c
			}
		}
		return 0
	}
}

// literal turns a predicate or cursor value into a comparable result.
func literal(v any) gjson.Result {
	if raw, ok := v.(json.RawMessage); ok {
		return gjson.ParseBytes(raw)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return gjson.Result{}
	}
	return gjson.ParseBytes(raw)
}

func sortedKeys(m map[string]gjson.Result) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}
