// Package objects is the server side repository of stream objects. It
// stores JSON documents under their content id, computes descendant
// closures on insert and answers children queries over those closures.
package objects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-graph/internal/binaryCoder"
	"github.com/i5heu/ouroboros-graph/internal/keyValStore"
	"github.com/i5heu/ouroboros-graph/pkg/closure"
	"github.com/i5heu/ouroboros-graph/pkg/model"
	workerpool "github.com/i5heu/ouroboros-graph/pkg/workerPool"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultChunkSize is the number of objects per write batch.
	DefaultChunkSize = 500
	readChunkSize    = 500
)

var (
	ErrNotFound   = errors.New("objects: object not found")
	ErrNoStreamID = errors.New("objects: stream id is empty")
)

// Object is a stored document with its bookkeeping.
type Object struct {
	ID                        string
	Data                      json.RawMessage
	StoredAt                  time.Time
	TotalChildrenCount        int
	TotalChildrenCountByDepth map[int]int
}

type Config struct {
	KV          *keyValStore.KeyValStore
	Compression binaryCoder.Compression
	// Pool encodes records; a private pool is created when nil.
	Pool      *workerpool.WorkerPool
	ChunkSize int
	Logger    logrus.FieldLogger
}

type Store struct {
	kv        *keyValStore.KeyValStore
	coder     *binaryCoder.Coder
	pool      *workerpool.WorkerPool
	ownPool   bool
	chunkSize int
	log       logrus.FieldLogger
}

func NewStore(conf Config) (*Store, error) {
	if conf.KV == nil {
		return nil, errors.New("objects: no key value store configured")
	}
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}
	if conf.ChunkSize <= 0 {
		conf.ChunkSize = DefaultChunkSize
	}
	s := &Store{
		kv:        conf.KV,
		coder:     binaryCoder.NewCoder(conf.Compression),
		pool:      conf.Pool,
		chunkSize: conf.ChunkSize,
		log:       conf.Logger.WithField("component", "objects"),
	}
	if s.pool == nil {
		s.pool = workerpool.NewWorkerPool(workerpool.Config{})
		s.ownPool = true
	}
	return s, nil
}

// Close stops a private worker pool. The key value store belongs to the
// caller.
func (s *Store) Close() {
	if s.ownPool {
		s.pool.Close()
	}
}

func objectKey(streamID, id string) []byte {
	return []byte("o/" + streamID + "/" + id)
}

func (s *Store) decode(raw []byte) (Object, error) {
	rec, err := s.coder.Decode(raw)
	if err != nil {
		return Object{}, err
	}
	return Object{
		ID:                        rec.ID,
		Data:                      rec.Payload,
		StoredAt:                  time.UnixMilli(rec.StoredAt),
		TotalChildrenCount:        int(rec.TotalChildrenCount),
		TotalChildrenCountByDepth: rec.TotalChildrenCountByDepth,
	}, nil
}

func (s *Store) GetObject(ctx context.Context, streamID, id string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	raw, err := s.kv.Read(objectKey(streamID, id))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Object{}, err
	}
	return s.decode(raw)
}

// GetStreamObjects returns the stored objects among ids in request
// order. Unknown ids are skipped.
func (s *Store) GetStreamObjects(ctx context.Context, streamID string, ids []string) ([]Object, error) {
	out := make([]Object, 0, len(ids))
	err := s.GetObjectsBatch(ctx, streamID, ids, func(o Object) error {
		out = append(out, o)
		return nil
	})
	return out, err
}

// GetObjectsBatch reads ids in chunks and calls fn for every stored one.
func (s *Store) GetObjectsBatch(ctx context.Context, streamID string, ids []string, fn func(Object) error) error {
	for start := 0; start < len(ids); start += readChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+readChunkSize, len(ids))
		keys := make([][]byte, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, objectKey(streamID, id))
		}
		values, err := s.kv.ReadBatch(keys)
		if err != nil {
			return err
		}
		for _, raw := range values {
			if raw == nil {
				continue
			}
			o, err := s.decode(raw)
			if err != nil {
				return err
			}
			if err := fn(o); err != nil {
				return err
			}
		}
	}
	return nil
}

// childIDs returns the closure of a stored object ordered by depth, then
// id.
func (s *Store) childIDs(ctx context.Context, streamID, id string) ([]string, error) {
	parent, err := s.GetObject(ctx, streamID, id)
	if err != nil {
		return nil, err
	}
	b, err := model.ParseBase(parent.Data)
	if err != nil {
		return nil, fmt.Errorf("objects: parent %s: %w", id, err)
	}
	return b.ClosureIDs(), nil
}

// GetObjectChildrenStream calls fn for every member of the closure of
// objectID.
func (s *Store) GetObjectChildrenStream(ctx context.Context, streamID, objectID string, fn func(Object) error) error {
	ids, err := s.childIDs(ctx, streamID, objectID)
	if err != nil {
		return err
	}
	return s.GetObjectsBatch(ctx, streamID, ids, fn)
}

type ChildrenParams struct {
	ObjectID string
	Select   []string
	Limit    int
	Cursor   string
}

// GetObjectChildren pages through the closure of an object in id order.
func (s *Store) GetObjectChildren(ctx context.Context, streamID string, p ChildrenParams) (closure.Result, error) {
	return s.GetObjectChildrenQuery(ctx, streamID, closure.Query{
		ObjectID: p.ObjectID,
		Select:   p.Select,
		Limit:    p.Limit,
		Cursor:   p.Cursor,
	})
}

// GetObjectChildrenQuery filters, sorts and pages the closure of
// q.ObjectID. The query is validated before anything is read.
func (s *Store) GetObjectChildrenQuery(ctx context.Context, streamID string, q closure.Query) (closure.Result, error) {
	if err := q.Validate(); err != nil {
		return closure.Result{}, err
	}
	ids, err := s.childIDs(ctx, streamID, q.ObjectID)
	if err != nil {
		return closure.Result{}, err
	}

	rows := make([]closure.Row, 0, len(ids))
	err = s.GetObjectsBatch(ctx, streamID, ids, func(o Object) error {
		rows = append(rows, closure.Row{ID: o.ID, Data: o.Data})
		return nil
	})
	if err != nil {
		return closure.Result{}, err
	}
	return closure.Execute(q, rows)
}
