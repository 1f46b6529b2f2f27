package deferment

import (
	"context"
	"sync"

	"github.com/i5heu/ouroboros-graph/pkg/model"
)

// DeferredBase is a single-assignment future for one base id. It is
// either resolved with a base or abandoned with an error, once.
type DeferredBase struct {
	id   string
	done chan struct{}
	once sync.Once
	base *model.Base
	err  error
}

func newDeferredBase(id string) *DeferredBase {
	return &DeferredBase{id: id, done: make(chan struct{})}
}

func resolvedDeferredBase(b *model.Base) *DeferredBase {
	d := newDeferredBase(b.ID)
	d.found(b)
	return d
}

func (d *DeferredBase) ID() string { return d.id }

// Done is closed once the future is resolved or abandoned.
func (d *DeferredBase) Done() <-chan struct{} { return d.done }

// Resolved reports whether a base has been delivered.
func (d *DeferredBase) Resolved() bool {
	select {
	case <-d.done:
		return d.err == nil
	default:
		return false
	}
}

// Wait blocks until the base is available, the future is abandoned or
// ctx is done.
func (d *DeferredBase) Wait(ctx context.Context) (*model.Base, error) {
	select {
	case <-d.done:
		return d.base, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *DeferredBase) found(b *model.Base) {
	d.once.Do(func() {
		d.base = b
		close(d.done)
	})
}

func (d *DeferredBase) abandon(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}
