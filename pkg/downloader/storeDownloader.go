package downloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-graph/pkg/batching"
	"github.com/i5heu/ouroboros-graph/pkg/interfaces"
	"github.com/i5heu/ouroboros-graph/pkg/logging"
	"github.com/i5heu/ouroboros-graph/pkg/model"
)

// StoreDownloader serves a session from a Database, for offline use
// and tests.
type StoreDownloader struct {
	db      interfaces.Database
	rootID  string
	log     logrus.FieldLogger
	backlog backlog

	mu      sync.Mutex
	queue   *batching.Queue[string]
	results interfaces.Queue[*model.Item]
	failed  failures
	closed  bool
}

func NewStoreDownloader(db interfaces.Database, rootID string, log logrus.FieldLogger) *StoreDownloader {
	return &StoreDownloader{
		db:     db,
		rootID: rootID,
		log:    logging.OrDefault(log),
	}
}

func (d *StoreDownloader) InitializePool(params interfaces.PoolParams) {
	wait := params.MaxDownloadBatchWait
	if wait <= 0 {
		wait = 10 * time.Millisecond
	}
	q, err := batching.New(batching.Config[string]{
		Name:        "store-download",
		BatchSize:   batchSizeFor(params.Total, DefaultMaxBatchSize),
		MaxWaitTime: wait,
		Process:     d.processBatch,
		OnError:     failures(params.Failed).batch,
		Logger:      d.log,
	})
	if err != nil {
		d.log.WithError(err).Error("Could not create download queue")
		return
	}

	d.mu.Lock()
	d.queue = q
	d.results = params.Results
	d.failed = params.Failed
	d.mu.Unlock()

	for _, id := range d.backlog.drain() {
		d.Add(id)
	}
}

func (d *StoreDownloader) Add(id string) {
	d.mu.Lock()
	q, closed := d.queue, d.closed
	d.mu.Unlock()

	switch {
	case closed:
		return
	case q == nil:
		d.backlog.push(id)
	default:
		if err := q.Add(id, id); err != nil {
			d.log.WithError(err).WithField("id", id).Warn("Could not queue download")
		}
	}
}

func (d *StoreDownloader) DownloadSingle(ctx context.Context) (*model.Item, error) {
	items, err := d.db.GetAll(ctx, []string{d.rootID})
	if err != nil {
		return nil, err
	}
	if items[0] == nil {
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, d.rootID)
	}
	return items[0], nil
}

func (d *StoreDownloader) processBatch(ctx context.Context, ids []string) error {
	d.mu.Lock()
	results, failed := d.results, d.failed
	d.mu.Unlock()

	items, err := d.db.GetAll(ctx, ids)
	if err != nil {
		return err
	}
	found := make([]*model.Item, 0, len(items))
	for i, item := range items {
		if item == nil {
			d.log.WithField("id", ids[i]).Warn("Object missing from source store")
			continue
		}
		results.Add(item)
		found = append(found, item)
	}
	failed.missing(ids, found)
	return nil
}

func (d *StoreDownloader) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	q := d.queue
	d.mu.Unlock()

	if q == nil {
		return nil
	}
	return q.Close(ctx)
}
