package store

import (
	"context"
	"sync"

	"github.com/i5heu/ouroboros-graph/pkg/model"
)

// MemoryDatabase keeps items in a map. Used by tests and ephemeral
// sessions.
type MemoryDatabase struct {
	mu     sync.RWMutex
	items  map[string]*model.Item
	closed bool
}

func NewMemoryDatabase(items ...*model.Item) *MemoryDatabase {
	d := &MemoryDatabase{items: make(map[string]*model.Item, len(items))}
	for _, item := range items {
		d.items[item.BaseID] = item
	}
	return d
}

func (d *MemoryDatabase) GetAll(_ context.Context, keys []string) ([]*model.Item, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	out := make([]*model.Item, len(keys))
	for i, id := range keys {
		out[i] = d.items[id]
	}
	return out, nil
}

func (d *MemoryDatabase) SaveBatch(_ context.Context, batch []*model.Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	for _, item := range batch {
		if item == nil || item.Base == nil {
			return ErrUnresolved
		}
		if _, ok := d.items[item.BaseID]; ok {
			continue
		}
		d.items[item.BaseID] = item
	}
	return nil
}

// Len returns the number of stored items.
func (d *MemoryDatabase) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.items)
}

func (d *MemoryDatabase) Close(context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
