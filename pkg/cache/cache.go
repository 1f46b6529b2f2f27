// Package cache holds resolved items of a load session in a bounded
// least-recently-used cache.
package cache

import (
	"container/list"
	"sync"

	"github.com/i5heu/ouroboros-graph/pkg/model"
)

const DefaultMaxItems = 10_000

// MemoryCache is a bounded LRU cache of resolved items.
//
// Capacity is bounded by entry count and, optionally, by the summed
// Item.Size. Pinned ids are never evicted, so the cache may exceed its
// bounds while many futures are outstanding.
type MemoryCache struct {
	mu       sync.Mutex
	maxItems int
	maxBytes int64
	bytes    int64
	items    map[string]*list.Element
	order    *list.List // front is most recently used
	pinned   map[string]int
	stats    Stats
	metrics  *cacheMetrics
}

// New creates a cache. maxItems <= 0 selects DefaultMaxItems.
func New(maxItems int, opts ...Option) (*MemoryCache, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}

	c := &MemoryCache{
		maxItems: maxItems,
		maxBytes: o.maxBytes,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		pinned:   make(map[string]int),
	}
	if o.registerer != nil {
		m, err := newCacheMetrics(o.registerer, o.namespace)
		if err != nil {
			return nil, err
		}
		c.metrics = m
	}
	return c, nil
}

// Get returns the cached item for id and marks it as recently used.
func (c *MemoryCache) Get(id string) (*model.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		c.stats.Misses++
		c.metrics.recordMiss()
		return nil, false
	}
	c.order.MoveToFront(el)
	c.stats.Hits++
	c.metrics.recordHit()
	return el.Value.(*model.Item), true
}

// Has reports whether id is cached without touching its recency.
func (c *MemoryCache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[id]
	return ok
}

// Add inserts or replaces the entry for item.BaseID, then evicts down to
// capacity. onNewReferenceDiscovered is called once for every distinct
// id referenced by item.Base that was not cached at insertion time. The
// callback runs after the cache lock is released and may call back
// into the cache. Add returns the discovered ids in callback order.
func (c *MemoryCache) Add(item *model.Item, onNewReferenceDiscovered func(id string)) []string {
	if item == nil || item.BaseID == "" {
		return nil
	}

	var refs []string
	if item.Base != nil {
		refs = item.Base.References()
	}

	c.mu.Lock()
	if el, ok := c.items[item.BaseID]; ok {
		old := el.Value.(*model.Item)
		c.bytes += int64(item.Size - old.Size)
		el.Value = item
		c.order.MoveToFront(el)
	} else {
		c.items[item.BaseID] = c.order.PushFront(item)
		c.bytes += int64(item.Size)
	}
	c.stats.Adds++
	c.metrics.recordAdd()

	discovered := refs[:0:0]
	for _, id := range refs {
		if _, ok := c.items[id]; !ok {
			discovered = append(discovered, id)
		}
	}

	c.evictLocked()
	c.metrics.updateSize(len(c.items), c.bytes)
	c.mu.Unlock()

	if onNewReferenceDiscovered != nil {
		for _, id := range discovered {
			onNewReferenceDiscovered(id)
		}
	}
	return discovered
}

// Pin protects id from eviction until a matching Unpin. Pins nest.
func (c *MemoryCache) Pin(id string) {
	c.mu.Lock()
	c.pinned[id]++
	c.mu.Unlock()
}

// Unpin releases one Pin of id and evicts if the cache is over capacity.
func (c *MemoryCache) Unpin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch n := c.pinned[id]; {
	case n <= 1:
		delete(c.pinned, id)
	default:
		c.pinned[id] = n - 1
	}
	c.evictLocked()
	c.metrics.updateSize(len(c.items), c.bytes)
}

func (c *MemoryCache) overLocked() bool {
	if len(c.items) > c.maxItems {
		return true
	}
	return c.maxBytes > 0 && c.bytes > c.maxBytes
}

// evictLocked walks from the least recently used end and removes
// unpinned entries until the cache fits. The most recent entry is kept
// even when it alone exceeds the byte budget.
func (c *MemoryCache) evictLocked() {
	el := c.order.Back()
	for c.overLocked() && el != nil && el != c.order.Front() {
		prev := el.Prev()
		item := el.Value.(*model.Item)
		if c.pinned[item.BaseID] == 0 {
			c.order.Remove(el)
			delete(c.items, item.BaseID)
			c.bytes -= int64(item.Size)
			c.stats.Evictions++
			c.metrics.recordEviction()
		}
		el = prev
	}
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Bytes returns the summed size of the cached entries.
func (c *MemoryCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Stats returns a snapshot of the cache counters.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.items)
	s.Bytes = c.bytes
	s.Pinned = len(c.pinned)
	return s
}

// Clear drops every entry. Pins are kept.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.bytes = 0
	c.metrics.updateSize(0, 0)
}
