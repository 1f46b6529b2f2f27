package keyValStore

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var (
	ErrKeyNotFound = errors.New("keyValStore: key not found")
	ErrClosed      = errors.New("keyValStore: closed")
)

type StoreConfig struct {
	Paths            []string // only the first path is used
	MinimumFreeSpace int      // in GB
	InMemory         bool     // skips the path and disk checks
	Logger           logrus.FieldLogger
}

type KeyValStore struct {
	config       StoreConfig
	log          logrus.FieldLogger
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64

	closeOnce sync.Once
	closed    atomic.Bool
	stop      chan struct{}
}

// KV is one key/value pair of a batch write or a prefix scan.
type KV struct {
	Key   []byte
	Value []byte
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log := config.Logger

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Paths[0])
		opts.ValueLogFileSize = 1024 * 1024 * 100 // 100MB value log files
	}
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	if !config.InMemory {
		if err := displayDiskUsage(log, config.Paths); err != nil {
			log.WithError(err).Warn("Could not read disk usage")
		}
	}

	return &KeyValStore{
		config:   config,
		log:      log,
		badgerDB: db,
		stop:     make(chan struct{}),
	}, nil
}

// StartTransactionCounter logs read and write operations per interval
// at debug level until the store is closed.
func (k *KeyValStore) StartTransactionCounter(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-k.stop:
				return
			case <-ticker.C:
				readOps := atomic.SwapUint64(&k.readCounter, 0)
				writeOps := atomic.SwapUint64(&k.writeCounter, 0)
				k.log.WithFields(logrus.Fields{
					"reads":    readOps,
					"writes":   writeOps,
					"interval": interval.String(),
				}).Debug("KeyValStore operations")
			}
		}
	}()
}

func (k *KeyValStore) Write(key []byte, content []byte) error {
	if k.closed.Load() {
		return ErrClosed
	}
	atomic.AddUint64(&k.writeCounter, 1)

	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, content)
	})
	if err != nil {
		return fmt.Errorf("error writing key %x: %w", key, err)
	}
	return nil
}

func (k *KeyValStore) WriteBatch(batch []KV) error {
	if k.closed.Load() {
		return ErrClosed
	}

	wb := k.badgerDB.NewWriteBatch()
	defer wb.Cancel()

	for _, kv := range batch {
		atomic.AddUint64(&k.writeCounter, 1)
		if err := wb.Set(kv.Key, kv.Value); err != nil {
			return fmt.Errorf("error writing batch: %w", err)
		}
	}
	return wb.Flush()
}

// WriteBatchNonExisting writes only the pairs whose key is not stored
// yet and returns how many were written.
func (k *KeyValStore) WriteBatchNonExisting(batch []KV) (int, error) {
	keys := make([][]byte, 0, len(batch))
	for _, kv := range batch {
		keys = append(keys, kv.Key)
	}

	existsMap, err := k.BatchCheckKeyExistence(keys)
	if err != nil {
		return 0, fmt.Errorf("error checking key existence: %w", err)
	}

	missing := make([]KV, 0, len(batch))
	queued := make(map[string]struct{}, len(batch))
	for _, kv := range batch {
		key := string(kv.Key)
		if existsMap[key] {
			continue
		}
		if _, dup := queued[key]; dup {
			continue
		}
		queued[key] = struct{}{}
		missing = append(missing, kv)
	}
	if len(missing) == 0 {
		return 0, nil
	}

	if err := k.WriteBatch(missing); err != nil {
		return 0, err
	}
	return len(missing), nil
}

func (k *KeyValStore) BatchCheckKeyExistence(keys [][]byte) (map[string]bool, error) {
	if k.closed.Load() {
		return nil, ErrClosed
	}
	existsMap := make(map[string]bool, len(keys))

	err := k.badgerDB.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			atomic.AddUint64(&k.readCounter, 1)
			_, err := txn.Get(key)
			switch {
			case err == nil:
				existsMap[string(key)] = true
			case errors.Is(err, badger.ErrKeyNotFound):
				existsMap[string(key)] = false
			default:
				return err
			}
		}
		return nil
	})

	return existsMap, err
}

func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	if k.closed.Load() {
		return nil, ErrClosed
	}
	atomic.AddUint64(&k.readCounter, 1)
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading key %s: %w", key, err)
	}
	return value, nil
}

// ReadBatch returns one value per key in a single read transaction.
// Missing keys yield a nil value.
func (k *KeyValStore) ReadBatch(keys [][]byte) ([][]byte, error) {
	if k.closed.Load() {
		return nil, ErrClosed
	}
	values := make([][]byte, len(keys))
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		for i, key := range keys {
			atomic.AddUint64(&k.readCounter, 1)
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			values[i], err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error reading batch: %w", err)
	}
	return values, nil
}

// IteratePrefix calls fn for every pair whose key starts with prefix, in
// key order. Returning an error from fn stops the scan.
func (k *KeyValStore) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	if k.closed.Load() {
		return ErrClosed
	}
	atomic.AddUint64(&k.readCounter, 1)
	return k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetItemsWithPrefix returns all pairs whose key starts with prefix.
func (k *KeyValStore) GetItemsWithPrefix(prefix []byte) ([]KV, error) {
	var out []KV
	err := k.IteratePrefix(prefix, func(key, value []byte) error {
		out = append(out, KV{Key: key, Value: value})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (k *KeyValStore) Close() error {
	var err error
	k.closeOnce.Do(func() {
		k.closed.Store(true)
		close(k.stop)
		if !k.config.InMemory {
			if cerr := k.Clean(); cerr != nil {
				k.log.WithError(cerr).Warn("Clean on close failed")
			}
		}
		err = k.badgerDB.Close()
	})
	return err
}

// Clean syncs, flattens and garbage collects the value log.
func (k *KeyValStore) Clean() error {
	if k.config.InMemory {
		return nil
	}
	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	err = k.badgerDB.Flatten(runtime.NumCPU())
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	k.log.Debug("DB flattened")

	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}
