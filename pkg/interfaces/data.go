package interfaces

import (
	"context"

	"github.com/i5heu/ouroboros-graph/pkg/model"
)

// Database persists and retrieves immutable items by id.
//
// GetAll returns one entry per key, in key order; a nil entry means
// the key is not stored. Saving an id that already exists is a
// no-op, objects are content addressed.
type Database interface {
	GetAll(ctx context.Context, keys []string) ([]*model.Item, error)
	SaveBatch(ctx context.Context, batch []*model.Item) error
	Close(ctx context.Context) error
}
