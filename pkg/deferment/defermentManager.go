// Package deferment deduplicates concurrent requests for the same base
// and releases waiters once the base has been cached.
package deferment

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-graph/pkg/cache"
	"github.com/i5heu/ouroboros-graph/pkg/logging"
	"github.com/i5heu/ouroboros-graph/pkg/model"
)

var (
	ErrDisposed      = errors.New("deferment: manager is disposed")
	ErrMalformedItem = errors.New("deferment: item has no base")
)

// Manager tracks one outstanding future per base id on top of a
// MemoryCache. Lock order is Manager before cache; the cache never
// calls back into the Manager while holding its own lock.
type Manager struct {
	mu          sync.Mutex
	cache       *cache.MemoryCache
	outstanding map[string]*DeferredBase
	disposed    bool
	log         logrus.FieldLogger
}

func NewManager(c *cache.MemoryCache, log logrus.FieldLogger) *Manager {
	return &Manager{
		cache:       c,
		outstanding: make(map[string]*DeferredBase),
		log:         logging.OrDefault(log),
	}
}

// Defer returns the future for id. known is false only for the caller
// that created a new pending future; that caller must schedule the
// fetch.
func (m *Manager) Defer(id string) (d *DeferredBase, known bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return nil, false, ErrDisposed
	}
	if item, ok := m.cache.Get(id); ok && item.Base != nil {
		return resolvedDeferredBase(item.Base), true, nil
	}
	if d, ok := m.outstanding[id]; ok {
		return d, true, nil
	}

	d = newDeferredBase(id)
	m.outstanding[id] = d
	m.cache.Pin(id)
	return d, false, nil
}

// Undefer caches item, hands every newly discovered id that has no
// outstanding future to requestItem and only then resolves the future
// waiting on item. Waiters therefore always find the base in the cache.
//
// An item without a base is logged and rejected with ErrMalformedItem;
// its future stays pending.
func (m *Manager) Undefer(item *model.Item, requestItem func(id string)) error {
	m.mu.Lock()
	disposed := m.disposed
	m.mu.Unlock()
	if disposed {
		return ErrDisposed
	}

	if item == nil || item.Base == nil {
		var id string
		if item != nil {
			id = item.BaseID
		}
		m.log.WithField("id", id).Warn("undefer called with no base")
		return ErrMalformedItem
	}

	discovered := m.cache.Add(item, nil)

	m.mu.Lock()
	toRequest := discovered[:0:0]
	for _, id := range discovered {
		if _, ok := m.outstanding[id]; !ok {
			toRequest = append(toRequest, id)
		}
	}
	d, ok := m.outstanding[item.BaseID]
	if ok {
		delete(m.outstanding, item.BaseID)
	}
	m.mu.Unlock()

	if requestItem != nil {
		for _, id := range toRequest {
			requestItem(id)
		}
	}
	if ok {
		d.found(item.Base)
		m.cache.Unpin(item.BaseID)
	}
	return nil
}

// Fail abandons the pending future of id with err and unpins it. A
// later Defer of id starts over. It reports whether a future was
// pending.
func (m *Manager) Fail(id string, err error) bool {
	m.mu.Lock()
	d, ok := m.outstanding[id]
	if ok {
		delete(m.outstanding, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	d.abandon(err)
	m.cache.Unpin(id)
	return true
}

// Outstanding returns the number of pending futures.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outstanding)
}

// Dispose abandons every pending future with ErrDisposed. Later calls
// are no-ops.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.disposed = true

	m.log.WithField("left", len(m.outstanding)).Debug("cleared deferments")
	for id, d := range m.outstanding {
		d.abandon(ErrDisposed)
		m.cache.Unpin(id)
	}
	m.outstanding = make(map[string]*DeferredBase)
}
