// Package interfaces defines the narrow collaborator
// boundaries of the object loader: the results queue,
// the downloader and the persistence backend.
package interfaces

import (
	"context"
	"time"

	"github.com/i5heu/ouroboros-graph/pkg/model"
)

// Queue accepts values for asynchronous processing.
type Queue[T any] interface {
	Add(value T)
}

// QueueFunc adapts a function to the Queue interface.
type QueueFunc[T any] func(value T)

func (f QueueFunc[T]) Add(value T) { f(value) }

// PoolParams configures the download pool of a Downloader.
type PoolParams struct {
	// Results receives every downloaded item.
	Results Queue[*model.Item]

	// Total is the expected number of objects, used to size batches.
	Total int

	// MaxDownloadBatchWait bounds how long a partial batch waits
	// before it is sent. Zero selects the downloader default.
	MaxDownloadBatchWait time.Duration

	// Failed is called once for every id that cannot be delivered,
	// either because its batch failed or because the source does not
	// have it. May be nil.
	Failed func(id string, err error)
}

// Downloader pulls batches of objects from a remote or local
// source. Ids handed to Add are fetched in batches once the pool
// is initialized and pushed into PoolParams.Results; ids that cannot
// be fetched are reported to PoolParams.Failed.
type Downloader interface {
	Queue[string]

	InitializePool(params PoolParams)

	// DownloadSingle fetches the root object of the session.
	DownloadSingle(ctx context.Context) (*model.Item, error)

	Close(ctx context.Context) error
}
