// Package workerpool runs short CPU-bound tasks, such as record
// compression, on a fixed set of goroutines shared by many callers.
package workerpool

import (
	"errors"
	"runtime"
	"sync"
)

var ErrBufferFull = errors.New("workerpool: buffer is full")

type WorkerPool struct {
	config    Config
	taskQueue chan func()
	closeOnce sync.Once
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room groups the tasks of one caller and collects their results.
type Room[T any] struct {
	results chan T
	wg      sync.WaitGroup
	wp      *WorkerPool
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan func(), config.GlobalBuffer),
	}
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	for run := range wp.taskQueue {
		run()
	}
}

// Close stops the workers once queued tasks are done. Submitting after
// Close panics.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() { close(wp.taskQueue) })
}

// NewRoom creates a room whose result buffer holds size results.
func NewRoom[T any](wp *WorkerPool, size int) *Room[T] {
	return &Room[T]{
		results: make(chan T, size),
		wp:      wp,
	}
}

// NewTaskWaitForFreeSlot queues job, blocking while the pool buffer is
// full.
func (ro *Room[T]) NewTaskWaitForFreeSlot(job func() T) {
	ro.wg.Add(1)
	ro.wp.taskQueue <- func() {
		defer ro.wg.Done()
		ro.results <- job()
	}
}

// NewTask queues job or fails with ErrBufferFull instead of blocking.
func (ro *Room[T]) NewTask(job func() T) error {
	if len(ro.wp.taskQueue) == cap(ro.wp.taskQueue) || len(ro.results) == cap(ro.results) {
		return ErrBufferFull
	}
	ro.NewTaskWaitForFreeSlot(job)
	return nil
}

// Collect waits for every task of the room and returns the results in
// completion order.
func (ro *Room[T]) Collect() []T {
	go func() {
		ro.wg.Wait()
		close(ro.results)
	}()

	results := make([]T, 0, cap(ro.results))
	for r := range ro.results {
		results = append(results, r)
	}
	return results
}
