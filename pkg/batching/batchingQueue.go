// Package batching implements a keyed micro-batcher that flushes on
// size or age and never runs two batches of one queue at once.
package batching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-graph/pkg/logging"
)

const (
	DefaultBatchSize   = 100
	DefaultMaxWaitTime = 100 * time.Millisecond
)

var (
	ErrClosed    = errors.New("batching: queue is closed")
	ErrNoProcess = errors.New("batching: no process function")
)

// BatchError is handed to Config.OnError when Process fails. The items
// of the failed batch are dropped.
type BatchError struct {
	Queue string
	Size  int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batching: %s: batch of %d failed: %v", e.Queue, e.Size, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

type Config[T any] struct {
	// Name labels log entries and metrics.
	Name string

	BatchSize   int
	MaxWaitTime time.Duration

	// Process handles one batch. Calls never overlap.
	Process func(ctx context.Context, batch []T) error

	// OnError receives the failed batch and a *BatchError.
	OnError func(batch []T, err error)

	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer
}

type pending struct {
	key string
	at  time.Time
}

// Queue accumulates keyed items and hands them to Process in batches.
type Queue[T any] struct {
	conf    Config[T]
	log     logrus.FieldLogger
	metrics *queueMetrics

	mu         sync.Mutex
	order      []pending
	items      map[string]T
	timer      *time.Timer
	processing bool
	closed     bool
	wg         sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New[T any](conf Config[T]) (*Queue[T], error) {
	if conf.Process == nil {
		return nil, ErrNoProcess
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = DefaultBatchSize
	}
	if conf.MaxWaitTime <= 0 {
		conf.MaxWaitTime = DefaultMaxWaitTime
	}
	if conf.Name == "" {
		conf.Name = "default"
	}

	metrics, err := newQueueMetrics(conf.Registerer, conf.Name)
	if err != nil {
		return nil, fmt.Errorf("batching metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue[T]{
		conf:    conf,
		log:     logging.OrDefault(conf.Logger).WithField("queue", conf.Name),
		metrics: metrics,
		items:   make(map[string]T),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Add stores item under key and schedules a flush. Adding a key that is
// still pending replaces its item and keeps its position.
func (q *Queue[T]) Add(key string, item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, ok := q.items[key]; !ok {
		q.order = append(q.order, pending{key: key, at: time.Now()})
	}
	q.items[key] = item
	q.metrics.setPending(len(q.order))

	if q.processing {
		// the running batch loop picks these up when it finishes
		return nil
	}
	if len(q.order) >= q.conf.BatchSize {
		q.startLocked()
		return nil
	}
	if q.timer == nil {
		q.timer = time.AfterFunc(q.conf.MaxWaitTime, q.onTimer)
	}
	return nil
}

// Get returns an item that has not been handed to Process yet.
func (q *Queue[T]) Get(key string) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[key]
	return item, ok
}

// Count returns the number of pending items.
func (q *Queue[T]) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func (q *Queue[T]) onTimer() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timer = nil
	if q.closed || q.processing || len(q.order) == 0 {
		return
	}
	q.startLocked()
}

func (q *Queue[T]) startLocked() {
	q.stopTimerLocked()
	q.processing = true
	q.wg.Add(1)
	go q.run()
}

func (q *Queue[T]) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// run processes batches until nothing is due, then re-arms the timer
// for whatever is left.
func (q *Queue[T]) run() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		batch := q.takeLocked()
		q.mu.Unlock()

		q.process(batch)

		q.mu.Lock()
		if !q.dueLocked() {
			q.processing = false
			if len(q.order) > 0 && !q.closed {
				wait := q.conf.MaxWaitTime - time.Since(q.order[0].at)
				q.timer = time.AfterFunc(wait, q.onTimer)
			}
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
	}
}

func (q *Queue[T]) takeLocked() []T {
	n := len(q.order)
	if n > q.conf.BatchSize {
		n = q.conf.BatchSize
	}
	batch := make([]T, 0, n)
	for _, p := range q.order[:n] {
		batch = append(batch, q.items[p.key])
		delete(q.items, p.key)
	}
	q.order = append(q.order[:0:0], q.order[n:]...)
	q.metrics.setPending(len(q.order))
	return batch
}

func (q *Queue[T]) dueLocked() bool {
	switch {
	case len(q.order) == 0:
		return false
	case q.closed, len(q.order) >= q.conf.BatchSize:
		return true
	default:
		return time.Since(q.order[0].at) >= q.conf.MaxWaitTime
	}
}

func (q *Queue[T]) process(batch []T) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	err := q.conf.Process(q.ctx, batch)
	q.metrics.observe(len(batch), time.Since(start), err)
	if err == nil {
		return
	}

	bErr := &BatchError{Queue: q.conf.Name, Size: len(batch), Err: err}
	q.log.WithError(err).WithField("size", len(batch)).Error("Batch processing failed, items dropped")
	if q.conf.OnError != nil {
		q.conf.OnError(batch, bErr)
	}
}

// Close stops accepting items, waits for the running batch and drains
// everything still pending. If ctx ends first, the context passed to
// Process is cancelled and ctx.Err() is returned.
func (q *Queue[T]) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.stopTimerLocked()
		if !q.processing && len(q.order) > 0 {
			q.startLocked()
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}
