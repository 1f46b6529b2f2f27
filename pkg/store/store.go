// Package store provides the persistence backends of a load session.
// Every backend implements interfaces.Database and stores items as
// compressed records keyed by their content id.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-graph/internal/binaryCoder"
	"github.com/i5heu/ouroboros-graph/pkg/interfaces"
	"github.com/i5heu/ouroboros-graph/pkg/model"
)

var (
	ErrClosed     = errors.New("store: closed")
	ErrUnresolved = errors.New("store: item has no base")
)

var (
	_ interfaces.Database = (*BadgerDatabase)(nil)
	_ interfaces.Database = (*BoltDatabase)(nil)
	_ interfaces.Database = (*MemoryDatabase)(nil)
)

var itemPrefix = []byte("item/")

func itemKey(id string) []byte {
	key := make([]byte, 0, len(itemPrefix)+len(id))
	key = append(key, itemPrefix...)
	return append(key, id...)
}

func encodeItem(coder *binaryCoder.Coder, item *model.Item) ([]byte, error) {
	if item == nil || item.Base == nil {
		return nil, ErrUnresolved
	}
	b, err := coder.Encode(binaryCoder.Record{
		ID:                 item.BaseID,
		Payload:            item.Base.Raw(),
		StoredAt:           time.Now().UnixMilli(),
		TotalChildrenCount: int64(item.Base.ClosureLen()),
	})
	if err != nil {
		return nil, fmt.Errorf("encode item %s: %w", item.BaseID, err)
	}
	return b, nil
}

func decodeItem(coder *binaryCoder.Coder, raw []byte) (*model.Item, error) {
	rec, err := coder.Decode(raw)
	if err != nil {
		return nil, err
	}
	b, err := model.ParseBase(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode item %s: %w", rec.ID, err)
	}
	return model.NewItem(b), nil
}
