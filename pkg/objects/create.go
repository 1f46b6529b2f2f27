package objects

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-graph/internal/binaryCoder"
	"github.com/i5heu/ouroboros-graph/internal/keyValStore"
	"github.com/i5heu/ouroboros-graph/pkg/model"
	workerpool "github.com/i5heu/ouroboros-graph/pkg/workerPool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// prepared is an object ready to be written.
type prepared struct {
	id      string
	raw     []byte
	closure map[string]int
}

func (s *Store) CreateObject(ctx context.Context, streamID string, object map[string]any) (string, error) {
	ids, err := s.CreateObjects(ctx, streamID, []map[string]any{object})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// CreateObjects stores objects in order and returns their ids. Objects
// without an id get their content id. Objects without a closure get one
// computed from the objects they reference, which must be stored or
// come earlier in the same call. Ids already stored are left alone.
func (s *Store) CreateObjects(ctx context.Context, streamID string, objects []map[string]any) ([]string, error) {
	if streamID == "" {
		return nil, ErrNoStreamID
	}
	batchClosures := make(map[string]map[string]int, len(objects))
	items := make([]prepared, 0, len(objects))
	ids := make([]string, 0, len(objects))

	for i, object := range objects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := prepare(object)
		if err != nil {
			return nil, fmt.Errorf("objects: object %d: %w", i, err)
		}
		if p.closure == nil {
			if err := s.computeClosure(ctx, streamID, &p, batchClosures); err != nil {
				return nil, err
			}
		}
		batchClosures[p.id] = p.closure
		items = append(items, p)
		ids = append(ids, p.id)
	}

	written, err := s.write(ctx, streamID, items)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"stream":  streamID,
		"objects": len(objects),
		"written": written,
	}).Debug("Objects created")
	return ids, nil
}

// CreateObjectsBatched stores objects as given, without computing
// closures, in parallel chunks.
func (s *Store) CreateObjectsBatched(ctx context.Context, streamID string, objects []map[string]any) error {
	if streamID == "" {
		return ErrNoStreamID
	}
	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(objects); start += s.chunkSize {
		chunk := objects[start:min(start+s.chunkSize, len(objects))]
		g.Go(func() error {
			items := make([]prepared, 0, len(chunk))
			for _, object := range chunk {
				p, err := prepare(object)
				if err != nil {
					return fmt.Errorf("objects: %w", err)
				}
				items = append(items, p)
			}
			_, err := s.write(ctx, streamID, items)
			return err
		})
	}
	return g.Wait()
}

// prepare assigns the content id and reads an existing closure.
func prepare(object map[string]any) (prepared, error) {
	fields := make(map[string]any, len(object)+1)
	for k, v := range object {
		fields[k] = v
	}
	if _, err := model.EnsureID(fields); err != nil {
		return prepared{}, err
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return prepared{}, err
	}
	b, err := model.ParseBase(raw)
	if err != nil {
		return prepared{}, err
	}
	return prepared{id: b.ID, raw: raw, closure: b.Closure()}, nil
}

// computeClosure gives every referenced object depth 1 and each of their
// descendants one more than its depth below the reference. The smallest
// depth wins.
func (s *Store) computeClosure(ctx context.Context, streamID string, p *prepared, batch map[string]map[string]int) error {
	b, err := model.ParseBase(p.raw)
	if err != nil {
		return err
	}
	refs := b.References()
	if len(refs) == 0 {
		return nil
	}

	closure := make(map[string]int)
	merge := func(id string, depth int) {
		if d, ok := closure[id]; !ok || depth < d {
			closure[id] = depth
		}
	}

	var unknown []string
	for _, ref := range refs {
		merge(ref, 1)
		if c, ok := batch[ref]; ok {
			for id, d := range c {
				merge(id, d+1)
			}
			continue
		}
		unknown = append(unknown, ref)
	}

	err = s.GetObjectsBatch(ctx, streamID, unknown, func(o Object) error {
		child, err := model.ParseBase(o.Data)
		if err != nil {
			return err
		}
		for id, d := range child.Closure() {
			merge(id, d+1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("objects: closure of %s: %w", p.id, err)
	}

	p.closure = closure
	var fields map[string]any
	if err := json.Unmarshal(p.raw, &fields); err != nil {
		return err
	}
	fields[model.FieldClosure] = closure
	p.raw, err = json.Marshal(fields)
	return err
}

// write encodes items on the worker pool and stores the ones not yet
// present.
func (s *Store) write(ctx context.Context, streamID string, items []prepared) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	type encoded struct {
		kv  keyValStore.KV
		err error
	}
	now := time.Now().UnixMilli()
	room := workerpool.NewRoom[encoded](s.pool, len(items))
	for _, it := range items {
		room.NewTaskWaitForFreeSlot(func() encoded {
			value, err := s.coder.Encode(binaryCoder.Record{
				ID:                        it.id,
				Payload:                   it.raw,
				StoredAt:                  now,
				TotalChildrenCount:        int64(len(it.closure)),
				TotalChildrenCountByDepth: countByDepth(it.closure),
			})
			return encoded{kv: keyValStore.KV{Key: objectKey(streamID, it.id), Value: value}, err: err}
		})
	}

	batch := make([]keyValStore.KV, 0, len(items))
	for _, e := range room.Collect() {
		if e.err != nil {
			return 0, e.err
		}
		batch = append(batch, e.kv)
	}
	return s.kv.WriteBatchNonExisting(batch)
}

func countByDepth(closure map[string]int) map[int]int {
	if len(closure) == 0 {
		return nil
	}
	out := make(map[int]int)
	for _, d := range closure {
		out[d]++
	}
	return out
}
