package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/i5heu/ouroboros-graph/internal/binaryCoder"
	"github.com/i5heu/ouroboros-graph/internal/keyValStore"
	"github.com/i5heu/ouroboros-graph/pkg/model"
)

// BadgerDatabase persists items in a badger key-value store.
type BadgerDatabase struct {
	kv    *keyValStore.KeyValStore
	coder *binaryCoder.Coder
	once  sync.Once
}

// NewBadgerDatabase wraps an open store. Closing the database closes
// the store.
func NewBadgerDatabase(kv *keyValStore.KeyValStore, compression binaryCoder.Compression) *BadgerDatabase {
	return &BadgerDatabase{
		kv:    kv,
		coder: binaryCoder.NewCoder(compression),
	}
}

// OpenBadgerDatabase opens a store with the given config.
func OpenBadgerDatabase(conf keyValStore.StoreConfig, compression binaryCoder.Compression) (*BadgerDatabase, error) {
	kv, err := keyValStore.NewKeyValStore(conf)
	if err != nil {
		return nil, err
	}
	return NewBadgerDatabase(kv, compression), nil
}

func (d *BadgerDatabase) GetAll(ctx context.Context, keys []string) ([]*model.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw := make([][]byte, len(keys))
	for i, id := range keys {
		raw[i] = itemKey(id)
	}
	values, err := d.kv.ReadBatch(raw)
	if err != nil {
		return nil, fmt.Errorf("badger get all: %w", err)
	}

	out := make([]*model.Item, len(keys))
	for i, v := range values {
		if v == nil {
			continue
		}
		item, err := decodeItem(d.coder, v)
		if err != nil {
			return nil, err
		}
		out[i] = item
	}
	return out, nil
}

func (d *BadgerDatabase) SaveBatch(ctx context.Context, batch []*model.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kvs := make([]keyValStore.KV, 0, len(batch))
	for _, item := range batch {
		v, err := encodeItem(d.coder, item)
		if err != nil {
			return err
		}
		kvs = append(kvs, keyValStore.KV{Key: itemKey(item.BaseID), Value: v})
	}
	if _, err := d.kv.WriteBatchNonExisting(kvs); err != nil {
		return fmt.Errorf("badger save batch: %w", err)
	}
	return nil
}

func (d *BadgerDatabase) Close(context.Context) error {
	var err error
	d.once.Do(func() {
		err = d.kv.Close()
	})
	return err
}
