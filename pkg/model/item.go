package model

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidLine = errors.New("model: invalid item line")

// Item wraps a Base for storage and transport.
// An Item without a Base is known to exist but not yet materialized.
type Item struct {
	// BaseID equals Base.ID when Base is set.
	BaseID string

	// Base is the parsed payload, nil while unresolved.
	Base *Base

	// Size is the payload size in bytes, used for cache accounting.
	Size int
}

// NewItem wraps a resolved base.
func NewItem(b *Base) *Item {
	return &Item{
		BaseID: b.ID,
		Base:   b,
		Size:   len(b.Raw()),
	}
}

// ParseItem decodes one line of the batch download format: "<id>\t<json>".
func ParseItem(line string) (*Item, error) {
	id, payload, ok := strings.Cut(line, "\t")
	if !ok || id == "" || payload == "" {
		return nil, ErrInvalidLine
	}
	b, err := ParseBase([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", id, err)
	}
	if b.ID != id {
		return nil, fmt.Errorf("%w: id %s does not match payload id %s", ErrInvalidLine, id, b.ID)
	}
	return NewItem(b), nil
}

// Line encodes the item in the batch download format.
func (i *Item) Line() string {
	if i.Base == nil {
		return ""
	}
	return i.BaseID + "\t" + string(i.Base.Raw())
}
