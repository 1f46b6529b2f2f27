// Package loader resolves the object graph below a root object for one
// load session. Objects come from the local Database when present and
// from a Downloader otherwise; downloads are saved back in batches.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-graph/pkg/batching"
	"github.com/i5heu/ouroboros-graph/pkg/cache"
	"github.com/i5heu/ouroboros-graph/pkg/deferment"
	"github.com/i5heu/ouroboros-graph/pkg/interfaces"
	"github.com/i5heu/ouroboros-graph/pkg/logging"
	"github.com/i5heu/ouroboros-graph/pkg/model"
)

var ErrClosed = errors.New("loader: closed")

type Options struct {
	RootID     string
	Database   interfaces.Database
	Downloader interfaces.Downloader

	CacheMaxItems   int
	CacheMaxBytes   int64
	LookupBatchSize int
	SaveBatchSize   int
	MaxWait         time.Duration

	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer
}

// Loader is one load session. It owns its cache, deferments and
// queues; nothing is shared between sessions.
type Loader struct {
	opts       Options
	log        logrus.FieldLogger
	db         interfaces.Database
	downloader interfaces.Downloader

	cache      *cache.MemoryCache
	deferments *deferment.Manager
	lookups    *batching.Queue[string]
	saves      *batching.Queue[*model.Item]

	rootMu sync.Mutex
	root   *model.Item

	poolOnce sync.Once

	requestedMu sync.Mutex
	requested   map[string]struct{}

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func New(opts Options) (*Loader, error) {
	if opts.RootID == "" {
		return nil, errors.New("loader: no root id")
	}
	if opts.Database == nil || opts.Downloader == nil {
		return nil, errors.New("loader: database and downloader are required")
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 50 * time.Millisecond
	}
	log := logging.OrDefault(opts.Logger).WithField("root", opts.RootID)

	c, err := cache.New(opts.CacheMaxItems,
		cache.WithMaxBytes(opts.CacheMaxBytes),
		cache.WithMetrics(opts.Registerer, "loader"))
	if err != nil {
		return nil, fmt.Errorf("loader cache: %w", err)
	}

	l := &Loader{
		opts:       opts,
		log:        log,
		db:         opts.Database,
		downloader: opts.Downloader,
		cache:      c,
		deferments: deferment.NewManager(c, log),
		requested:  make(map[string]struct{}),
		closed:     make(chan struct{}),
	}

	l.lookups, err = batching.New(batching.Config[string]{
		Name:        "lookup",
		BatchSize:   opts.LookupBatchSize,
		MaxWaitTime: opts.MaxWait,
		Process:     l.lookup,
		OnError:     l.failBatch,
		Logger:      log,
		Registerer:  opts.Registerer,
	})
	if err != nil {
		return nil, err
	}
	l.saves, err = batching.New(batching.Config[*model.Item]{
		Name:        "save",
		BatchSize:   opts.SaveBatchSize,
		MaxWaitTime: opts.MaxWait,
		Process:     l.db.SaveBatch,
		Logger:      log,
		Registerer:  opts.Registerer,
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// GetRootObject returns the root item, reading the Database first and
// downloading (and saving) it otherwise.
func (l *Loader) GetRootObject(ctx context.Context) (*model.Item, error) {
	l.rootMu.Lock()
	defer l.rootMu.Unlock()
	if l.root != nil {
		return l.root, nil
	}
	if l.isClosed() {
		return nil, ErrClosed
	}

	items, err := l.db.GetAll(ctx, []string{l.opts.RootID})
	if err != nil {
		return nil, fmt.Errorf("read root: %w", err)
	}
	root := items[0]
	if root == nil {
		root, err = l.downloader.DownloadSingle(ctx)
		if err != nil {
			return nil, err
		}
		if err := l.db.SaveBatch(ctx, []*model.Item{root}); err != nil {
			return nil, fmt.Errorf("save root: %w", err)
		}
	}
	if root.Base == nil {
		return nil, fmt.Errorf("%w: root %s", deferment.ErrMalformedItem, root.BaseID)
	}

	l.cache.Pin(root.BaseID)
	l.cache.Add(root, nil)
	l.root = root
	return root, nil
}

// GetTotalObjectCount returns the root plus the size of its closure.
func (l *Loader) GetTotalObjectCount(ctx context.Context) (int, error) {
	root, err := l.GetRootObject(ctx)
	if err != nil {
		return 0, err
	}
	return 1 + root.Base.ClosureLen(), nil
}

// GetObject resolves one object of the graph.
func (l *Loader) GetObject(ctx context.Context, id string) (*model.Base, error) {
	d, err := l.schedule(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.Wait(ctx)
}

// Iterate calls fn with the root and then every member of its closure
// ordered by depth and id. All fetches are scheduled before the first
// child is awaited.
func (l *Loader) Iterate(ctx context.Context, fn func(*model.Base) error) error {
	root, err := l.GetRootObject(ctx)
	if err != nil {
		return err
	}
	if err := fn(root.Base); err != nil {
		return err
	}

	ids := root.Base.ClosureIDs()
	futures := make([]*deferment.DeferredBase, 0, len(ids))
	for _, id := range ids {
		d, err := l.schedule(ctx, id)
		if err != nil {
			return err
		}
		futures = append(futures, d)
	}

	for _, d := range futures {
		base, err := d.Wait(ctx)
		if err != nil {
			return fmt.Errorf("object %s: %w", d.ID(), err)
		}
		if err := fn(base); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) schedule(ctx context.Context, id string) (*deferment.DeferredBase, error) {
	if err := l.ensurePool(ctx); err != nil {
		return nil, err
	}
	l.markRequested(id)

	d, known, err := l.deferments.Defer(id)
	if err != nil {
		return nil, err
	}
	if !known {
		if err := l.lookups.Add(id, id); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// ensurePool initializes the download pool once and schedules every
// reference of the root.
func (l *Loader) ensurePool(ctx context.Context) error {
	root, err := l.GetRootObject(ctx)
	if err != nil {
		return err
	}
	l.poolOnce.Do(func() {
		l.downloader.InitializePool(interfaces.PoolParams{
			Results:              interfaces.QueueFunc[*model.Item](l.onDownloaded),
			Total:                1 + root.Base.ClosureLen(),
			MaxDownloadBatchWait: l.opts.MaxWait,
			Failed:               l.fail,
		})
		for _, id := range root.Base.References() {
			l.requestDiscovered(id)
		}
	})
	return nil
}

// markRequested records id and reports whether it was new.
func (l *Loader) markRequested(id string) bool {
	l.requestedMu.Lock()
	defer l.requestedMu.Unlock()
	if _, ok := l.requested[id]; ok {
		return false
	}
	l.requested[id] = struct{}{}
	return true
}

// requestDiscovered schedules an id found inside a resolved object.
// Every id is scheduled at most once per session, so evicted objects
// that reference each other cannot refetch one another forever.
func (l *Loader) requestDiscovered(id string) {
	if !l.markRequested(id) {
		return
	}
	_, known, err := l.deferments.Defer(id)
	if err != nil || known {
		return
	}
	if err := l.lookups.Add(id, id); err != nil {
		l.log.WithError(err).WithField("id", id).Debug("Discovered object not scheduled")
	}
}

// lookup reads a batch of ids from the Database and hands the misses
// to the downloader.
func (l *Loader) lookup(ctx context.Context, ids []string) error {
	items, err := l.db.GetAll(ctx, ids)
	if err != nil {
		return err
	}
	for i, item := range items {
		if item == nil {
			l.downloader.Add(ids[i])
			continue
		}
		l.undefer(item)
	}
	return nil
}

func (l *Loader) onDownloaded(item *model.Item) {
	if err := l.saves.Add(item.BaseID, item); err != nil {
		l.log.WithError(err).WithField("id", item.BaseID).Warn("Downloaded object not saved")
	}
	l.undefer(item)
}

// fail abandons the future of an object that could not be loaded. A
// later GetObject of the same id tries again.
func (l *Loader) fail(id string, err error) {
	if l.deferments.Fail(id, err) {
		l.log.WithError(err).WithField("id", id).Warn("Object could not be loaded")
	}
}

func (l *Loader) failBatch(ids []string, err error) {
	for _, id := range ids {
		l.fail(id, err)
	}
}

func (l *Loader) undefer(item *model.Item) {
	err := l.deferments.Undefer(item, l.requestDiscovered)
	if err != nil && !errors.Is(err, deferment.ErrDisposed) {
		l.log.WithError(err).WithField("id", item.BaseID).Warn("Could not release object")
	}
}

func (l *Loader) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Close drains the queues, closes the downloader, abandons unresolved
// futures and closes the Database. Only the first call does work.
func (l *Loader) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		close(l.closed)
		var errs []error
		if err := l.lookups.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close lookups: %w", err))
		}
		if err := l.downloader.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close downloader: %w", err))
		}
		if err := l.saves.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close saves: %w", err))
		}
		l.deferments.Dispose()
		if err := l.db.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		l.closeErr = errors.Join(errs...)

		stats := l.cache.Stats()
		l.log.WithFields(logrus.Fields{
			"cached":    stats.Size,
			"hitRatio":  fmt.Sprintf("%.2f", stats.HitRatio()),
			"evictions": stats.Evictions,
		}).Debug("Load session closed")
	})
	return l.closeErr
}
