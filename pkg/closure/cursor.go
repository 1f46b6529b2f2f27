package closure

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var ErrInvalidCursor = errors.New("closure: invalid cursor")

// Cursor marks the last row of a page. Clients treat the encoded form
// as opaque.
type Cursor struct {
	ID string `json:"id"`
	// Value is the sort value of the row, absent for id ordering.
	Value json.RawMessage `json:"value,omitempty"`
	// Missing is set when the row had no value at the sort field.
	Missing bool `json:"missing,omitempty"`
}

func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(raw)
}

func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.ID == "" {
		return Cursor{}, fmt.Errorf("%w: no id", ErrInvalidCursor)
	}
	return c, nil
}

func newCursor(id string, value gjson.Result, ordered bool) Cursor {
	c := Cursor{ID: id}
	if !ordered {
		return c
	}
	if !value.Exists() {
		c.Missing = true
		return c
	}
	c.Value = json.RawMessage(value.Raw)
	return c
}

// sortValue is the cursor value as a comparable result.
func (c Cursor) sortValue() gjson.Result {
	if c.Missing || len(c.Value) == 0 {
		return gjson.Result{}
	}
	return gjson.ParseBytes(c.Value)
}

// NextCursor builds the cursor following the row id/data under the
// ordering of q.
func NextCursor(q Query, id string, data []byte) string {
	if q.OrderBy == nil {
		return newCursor(id, gjson.Result{}, false).Encode()
	}
	return newCursor(id, gjson.GetBytes(data, gjsonPath(q.OrderBy.Field)), true).Encode()
}
