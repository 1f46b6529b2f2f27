package closure

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Project builds the data of a result row. Without a selection the
// whole object is returned. Selected paths are rebuilt as nested
// objects, array indices as arrays; paths missing from raw are left out.
func Project(raw []byte, selection []string) (map[string]any, error) {
	if len(selection) == 0 {
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	out := map[string]any{}
	for _, field := range selection {
		segments, err := ParseField(field)
		if err != nil {
			return nil, err
		}
		r := gjson.GetBytes(raw, strings.Join(segments, "."))
		if !r.Exists() {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(r.Raw), &v); err != nil {
			return nil, err
		}
		out = setPath(out, segments, v, raw, nil).(map[string]any)
	}
	return out, nil
}

// setPath stores v below node and returns the possibly new node. Whether
// a missing level becomes an array follows the source document.
func setPath(node any, segments []string, v any, raw []byte, at []string) any {
	if len(segments) == 0 {
		return v
	}
	if node == nil {
		if len(at) > 0 && gjson.GetBytes(raw, strings.Join(at, ".")).IsArray() {
			node = []any{}
		} else {
			node = map[string]any{}
		}
	}

	seg := segments[0]
	here := append(append([]string{}, at...), seg)
	switch n := node.(type) {
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil {
			return n
		}
		for len(n) <= idx {
			n = append(n, nil)
		}
		n[idx] = setPath(n[idx], segments[1:], v, raw, here)
		return n
	case map[string]any:
		n[seg] = setPath(n[seg], segments[1:], v, raw, here)
		return n
	}
	return node
}
