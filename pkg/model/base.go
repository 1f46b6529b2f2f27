// Package model defines the core data types used throughout the object graph.
// These types represent immutable, content-addressed nodes and the wrappers
// used to move them between storage, transport and the in-memory cache.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

const (
	// FieldID is the payload key holding the content hash of a Base.
	FieldID = "id"

	// FieldReferencedID is the payload key that marks a Reference.
	FieldReferencedID = "referencedId"

	// FieldClosure is the payload key holding the flattened descendant closure.
	FieldClosure = "__closure"
)

var (
	ErrMissingID      = errors.New("model: base has no id")
	ErrInvalidClosure = errors.New("model: invalid closure")
)

// Base is an immutable node in the object graph.
//
// A Base is identified by a content hash assigned by its producer before it is
// stored. Once constructed none of its fields change; accessors hand out
// copies where mutation would otherwise leak into shared state.
type Base struct {
	// ID is the content hash of this base.
	ID string

	// Fields holds the decoded payload, including the id and closure keys.
	Fields map[string]any

	closure map[string]int
	raw     []byte
}

// NewBase builds a Base from decoded fields. The fields must contain an id.
func NewBase(fields map[string]any) (*Base, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal base: %w", err)
	}
	return newBase(fields, raw)
}

// ParseBase decodes a JSON payload into a Base, keeping the raw bytes as they
// were received.
func ParseBase(raw []byte) (*Base, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal base: %w", err)
	}
	kept := make([]byte, len(raw))
	copy(kept, raw)
	return newBase(fields, kept)
}

func newBase(fields map[string]any, raw []byte) (*Base, error) {
	if Classify(fields) != KindBase {
		return nil, ErrMissingID
	}
	closure, err := decodeClosure(fields[FieldClosure])
	if err != nil {
		return nil, err
	}
	return &Base{
		ID:      fields[FieldID].(string),
		Fields:  fields,
		closure: closure,
		raw:     raw,
	}, nil
}

func decodeClosure(v any) (map[string]int, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected object, got %T", ErrInvalidClosure, v)
	}
	closure := make(map[string]int, len(m))
	for id, depth := range m {
		switch d := depth.(type) {
		case float64:
			closure[id] = int(d)
		case int:
			closure[id] = d
		case json.Number:
			n, err := d.Int64()
			if err != nil {
				return nil, fmt.Errorf("%w: depth of %s: %v", ErrInvalidClosure, id, err)
			}
			closure[id] = int(n)
		default:
			return nil, fmt.Errorf("%w: depth of %s is %T", ErrInvalidClosure, id, depth)
		}
	}
	return closure, nil
}

// Raw returns the JSON encoding of the base.
func (b *Base) Raw() []byte {
	return b.raw
}

// HasClosure reports whether the base carries a __closure.
func (b *Base) HasClosure() bool {
	return b.closure != nil
}

// Closure returns a copy of the descendant closure.
func (b *Base) Closure() map[string]int {
	if b.closure == nil {
		return nil
	}
	out := make(map[string]int, len(b.closure))
	for id, depth := range b.closure {
		out[id] = depth
	}
	return out
}

// ClosureLen returns the number of descendants in the closure.
func (b *Base) ClosureLen() int {
	return len(b.closure)
}

// ClosureIDs returns the closure members ordered by depth, then id.
func (b *Base) ClosureIDs() []string {
	ids := make([]string, 0, len(b.closure))
	for id := range b.closure {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		di, dj := b.closure[ids[i]], b.closure[ids[j]]
		if di != dj {
			return di < dj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// References returns the distinct ids this base points to: every Reference in
// the payload, followed by the closure members not already seen.
func (b *Base) References() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if id == "" || id == b.ID {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	keys := sortedKeys(b.Fields)
	for _, k := range keys {
		if k == FieldClosure || k == FieldID {
			continue
		}
		walkReferences(b.Fields[k], add)
	}
	for _, id := range b.ClosureIDs() {
		add(id)
	}
	return out
}

func walkReferences(v any, add func(string)) {
	switch Classify(v) {
	case KindReference:
		add(v.(map[string]any)[FieldReferencedID].(string))
	case KindBase, KindObject:
		m := v.(map[string]any)
		for _, k := range sortedKeys(m) {
			if k == FieldClosure {
				continue
			}
			walkReferences(m[k], add)
		}
	case KindArray:
		for _, e := range v.([]any) {
			walkReferences(e, add)
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
