// Package downloader provides the sources a load session pulls objects
// from: an HTTP object server or a local Database.
package downloader

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-graph/pkg/interfaces"
	"github.com/i5heu/ouroboros-graph/pkg/model"
)

const (
	MinBatchSize        = 100
	DefaultMaxBatchSize = 5000
	DefaultBatchWait    = 200 * time.Millisecond
)

var (
	ErrNotInitialized = errors.New("downloader: pool not initialized")
	ErrRootNotFound   = errors.New("downloader: root object not found")
	ErrObjectNotFound = errors.New("downloader: object not found")
)

var (
	_ interfaces.Downloader = (*HTTPDownloader)(nil)
	_ interfaces.Downloader = (*StoreDownloader)(nil)
)

// batchSizeFor spreads an expected total over roughly ten requests,
// clamped to [MinBatchSize, max].
func batchSizeFor(total, max int) int {
	if max <= 0 {
		max = DefaultMaxBatchSize
	}
	size := total / 10
	if size < MinBatchSize {
		size = MinBatchSize
	}
	if size > max {
		size = max
	}
	return size
}

// backlog holds ids added before InitializePool.
type backlog struct {
	mu  sync.Mutex
	ids []string
}

func (b *backlog) push(id string) {
	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()
}

func (b *backlog) drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.ids
	b.ids = nil
	return ids
}

// failures reports ids a download pool could not deliver.
type failures func(id string, err error)

// batch fails every id of a batch that could not be downloaded.
func (f failures) batch(ids []string, err error) {
	if f == nil {
		return
	}
	for _, id := range ids {
		f(id, err)
	}
}

// missing fails every requested id that is not among items.
func (f failures) missing(requested []string, items []*model.Item) {
	if f == nil {
		return
	}
	received := make(map[string]struct{}, len(items))
	for _, item := range items {
		received[item.BaseID] = struct{}{}
	}
	for _, id := range requested {
		if _, ok := received[id]; !ok {
			f(id, fmt.Errorf("%w: %s", ErrObjectNotFound, id))
		}
	}
}
