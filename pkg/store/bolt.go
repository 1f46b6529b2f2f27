package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/i5heu/ouroboros-graph/internal/binaryCoder"
	"github.com/i5heu/ouroboros-graph/pkg/model"
)

var itemsBucket = []byte("items")

// BoltDatabase persists items in a single bbolt file.
type BoltDatabase struct {
	db    *bolt.DB
	coder *binaryCoder.Coder
	once  sync.Once
}

func OpenBoltDatabase(path string, compression binaryCoder.Compression) (*BoltDatabase, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(itemsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init items bucket: %w", err)
	}
	return &BoltDatabase{db: db, coder: binaryCoder.NewCoder(compression)}, nil
}

func (d *BoltDatabase) GetAll(ctx context.Context, keys []string) ([]*model.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*model.Item, len(keys))
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket)
		for i, id := range keys {
			// bbolt values are only valid inside the transaction
			v := b.Get([]byte(id))
			if v == nil {
				continue
			}
			item, err := decodeItem(d.coder, v)
			if err != nil {
				return err
			}
			out[i] = item
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt get all: %w", err)
	}
	return out, nil
}

func (d *BoltDatabase) SaveBatch(ctx context.Context, batch []*model.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded := make([][]byte, len(batch))
	for i, item := range batch {
		v, err := encodeItem(d.coder, item)
		if err != nil {
			return err
		}
		encoded[i] = v
	}
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket)
		for i, item := range batch {
			key := []byte(item.BaseID)
			if b.Get(key) != nil {
				continue
			}
			if err := b.Put(key, encoded[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bolt save batch: %w", err)
	}
	return nil
}

func (d *BoltDatabase) Close(context.Context) error {
	var err error
	d.once.Do(func() {
		err = d.db.Close()
	})
	return err
}
