package objects

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/i5heu/ouroboros-graph/internal/binaryCoder"
	"github.com/i5heu/ouroboros-graph/internal/keyValStore"
	"github.com/i5heu/ouroboros-graph/pkg/closure"
	"github.com/i5heu/ouroboros-graph/pkg/model"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const stream = "stream-1"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger, _ := test.NewNullLogger()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{InMemory: true, Logger: logger})
	require.NoError(t, err)
	s, err := NewStore(Config{KV: kv, Compression: binaryCoder.CompressionZstd, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		_ = kv.Close()
	})
	return s
}

// createManyObjects returns a base object followed by num children. The
// base carries the closure of all children: depth 1, or 2 past the
// first thousand.
func createManyObjects(t *testing.T, num int, noise string) []map[string]any {
	t.Helper()
	closureOfBase := map[string]any{}
	children := make([]map[string]any, 0, num)
	similar := 0
	for i := 0; i < num; i++ {
		child := map[string]any{
			"name": fmt.Sprintf("mr. %d", i),
			"nest": map[string]any{
				"duck":    i%2 == 0,
				"mallard": "falsey",
				"arr":     []any{i + 42, i, i},
			},
			"test": map[string]any{
				"value":       i,
				"secondValue": fmt.Sprintf("mallard %d", i%10),
			},
			"similar":    similar,
			"even":       i%2 == 0,
			"objArr":     []any{map[string]any{"a": i}, map[string]any{"b": i * i}, map[string]any{"c": true}},
			"noise":      noise,
			"sortValueA": i,
			"sortValueB": float64(i) * 0.42 * float64(i),
		}
		if i%3 == 0 {
			similar++
		}
		id, err := model.EnsureID(child)
		require.NoError(t, err)
		depth := 1
		if i > 1000 {
			depth = 2
		}
		closureOfBase[id] = depth
		children = append(children, child)
	}

	base := map[string]any{
		"name":             "base bastard 2",
		"noise":            noise,
		model.FieldClosure: closureOfBase,
	}
	_, err := model.EnsureID(base)
	require.NoError(t, err)
	return append([]map[string]any{base}, children...)
}

func createMany(t *testing.T, s *Store, num int) []string {
	t.Helper()
	ids, err := s.CreateObjects(context.Background(), stream, createManyObjects(t, num, t.Name()))
	require.NoError(t, err)
	return ids
}

func value(t *testing.T, o closure.Object, path ...string) any {
	t.Helper()
	var cur any = o.Data
	for _, p := range path {
		m, ok := cur.(map[string]any)
		require.True(t, ok, "no object at %v", path)
		cur = m[p]
	}
	return cur
}

func TestCreateAndGetObject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateObject(ctx, stream, map[string]any{"name": "x"})
	require.NoError(t, err)
	want, err := model.HashObject(map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, want, id)

	o, err := s.GetObject(ctx, stream, id)
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"id":%q,"name":"x"}`, id), string(o.Data))
	assert.Zero(t, o.TotalChildrenCount)

	_, err = s.GetObject(ctx, "other-stream", id)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.CreateObject(ctx, "", map[string]any{"name": "x"})
	assert.ErrorIs(t, err, ErrNoStreamID)
}

func TestCreateObjectsComputesClosure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref := func(id string) map[string]any { return map[string]any{"referencedId": id} }
	d := map[string]any{"name": "d"}
	dID, err := model.EnsureID(d)
	require.NoError(t, err)
	b := map[string]any{"name": "b", "child": ref(dID)}
	bID, err := model.EnsureID(b)
	require.NoError(t, err)
	c := map[string]any{"name": "c", "also": []any{ref(dID)}}
	cID, err := model.EnsureID(c)
	require.NoError(t, err)

	_, err = s.CreateObjects(ctx, stream, []map[string]any{d, b})
	require.NoError(t, err)

	// b is stored, c comes earlier in the same call
	a := map[string]any{"name": "a", "children": []any{ref(bID), ref(cID)}}
	ids, err := s.CreateObjects(ctx, stream, []map[string]any{c, a})
	require.NoError(t, err)
	aID := ids[1]

	stored, err := s.GetObject(ctx, stream, aID)
	require.NoError(t, err)
	base, err := model.ParseBase(stored.Data)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{bID: 1, cID: 1, dID: 2}, base.Closure())
	assert.Equal(t, 3, stored.TotalChildrenCount)
	assert.Equal(t, map[int]int{1: 2, 2: 1}, stored.TotalChildrenCountByDepth)

	first, err := s.GetObjectChildren(ctx, stream, ChildrenParams{ObjectID: aID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Objects, 2)
	require.NotNil(t, first.Cursor)

	second, err := s.GetObjectChildren(ctx, stream, ChildrenParams{ObjectID: aID, Limit: 2, Cursor: *first.Cursor})
	require.NoError(t, err)
	require.Len(t, second.Objects, 1)
	assert.Nil(t, second.Cursor)

	seen := map[string]bool{}
	for _, o := range append(first.Objects, second.Objects...) {
		seen[o.ID] = true
	}
	assert.Equal(t, map[string]bool{bID: true, cID: true, dID: true}, seen)
}

func TestGetObjectChildrenPages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ids := createMany(t, s, 100)

	first, err := s.GetObjectChildren(ctx, stream, ChildrenParams{ObjectID: ids[0], Limit: 50})
	require.NoError(t, err)
	require.Len(t, first.Objects, 50)
	require.NotNil(t, first.Cursor)
	assert.Equal(t, 100, first.TotalCount)

	second, err := s.GetObjectChildren(ctx, stream, ChildrenParams{ObjectID: ids[0], Limit: 50, Cursor: *first.Cursor})
	require.NoError(t, err)
	require.Len(t, second.Objects, 50)
	assert.Nil(t, second.Cursor)
	assert.Less(t, first.Objects[49].ID, second.Objects[0].ID)

	all, err := s.GetObjectChildren(ctx, stream, ChildrenParams{ObjectID: ids[0], Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, all.Objects, 100)

	_, err = s.GetObjectChildren(ctx, stream, ChildrenParams{ObjectID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ids := createMany(t, s, 100)
	parent := ids[0]

	t.Run("and binds tighter than or", func(t *testing.T) {
		q := closure.Query{
			ObjectID: parent,
			Select:   []string{"test.value", "nest.mallard", "nest.arr[0]"},
			Where: []closure.Predicate{
				{Field: "test.value", Operator: closure.OpGt, Value: 1},
				{Field: "test.value", Operator: closure.OpLt, Value: 24, Verb: closure.VerbAnd},
				{Field: "test.value", Operator: closure.OpEq, Value: 42, Verb: closure.VerbOr},
			},
			OrderBy: &closure.OrderBy{Field: "test.value", Direction: closure.Asc},
			Limit:   3,
		}
		first, err := s.GetObjectChildrenQuery(ctx, stream, q)
		require.NoError(t, err)
		require.Len(t, first.Objects, 3)
		assert.Equal(t, 23, first.TotalCount)
		assert.Equal(t, "falsey", value(t, first.Objects[0], "nest", "mallard"))
		assert.Equal(t, []any{float64(44)}, value(t, first.Objects[0], "nest", "arr"))

		q.Cursor = *first.Cursor
		q.Limit = 40
		second, err := s.GetObjectChildrenQuery(ctx, stream, q)
		require.NoError(t, err)
		require.Len(t, second.Objects, 20)
		assert.Nil(t, second.Cursor)
		assert.Equal(t, 23, second.TotalCount)
		assert.Equal(t,
			value(t, first.Objects[2], "test", "value").(float64)+1,
			value(t, second.Objects[0], "test", "value"))
	})

	t.Run("similar values page on id", func(t *testing.T) {
		q := closure.Query{
			ObjectID: parent,
			Select:   []string{"similar"},
			Where: []closure.Predicate{
				{Field: "similar", Operator: closure.OpGte, Value: 0},
				{Field: "similar", Operator: closure.OpLt, Value: 100},
			},
			OrderBy: &closure.OrderBy{Field: "similar"},
			Limit:   5,
		}
		first, err := s.GetObjectChildrenQuery(ctx, stream, q)
		require.NoError(t, err)
		assert.Equal(t, 100, first.TotalCount)

		q.Cursor = *first.Cursor
		second, err := s.GetObjectChildrenQuery(ctx, stream, q)
		require.NoError(t, err)
		require.Len(t, second.Objects, 5)
		assert.Equal(t, float64(2), value(t, second.Objects[1], "similar"))
		assert.Equal(t, float64(3), value(t, second.Objects[2], "similar"))
	})

	t.Run("no results", func(t *testing.T) {
		res, err := s.GetObjectChildrenQuery(ctx, stream, closure.Query{
			ObjectID: parent,
			Where:    []closure.Predicate{{Field: "test.value", Operator: closure.OpGt, Value: 1000}},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, res.TotalCount)
		assert.Empty(t, res.Objects)
		assert.Nil(t, res.Cursor)
	})

	t.Run("invalid operator is rejected before reading", func(t *testing.T) {
		_, err := s.GetObjectChildrenQuery(ctx, stream, closure.Query{
			ObjectID: "does-not-exist",
			Where:    []closure.Predicate{{Field: "test.value", Operator: "= 1; DROP TABLE objects", Value: 1}},
		})
		assert.ErrorIs(t, err, closure.ErrInvalidOperator)
	})

	t.Run("boolean descending", func(t *testing.T) {
		q := closure.Query{
			ObjectID: parent,
			Select:   []string{"nest.duck", "test.value"},
			Where:    []closure.Predicate{{Field: "test.value", Operator: closure.OpLt, Value: 10}},
			OrderBy:  &closure.OrderBy{Field: "nest.duck", Direction: closure.Desc},
			Limit:    5,
		}
		first, err := s.GetObjectChildrenQuery(ctx, stream, q)
		require.NoError(t, err)
		assert.Equal(t, true, value(t, first.Objects[0], "nest", "duck"))

		q.Cursor = *first.Cursor
		second, err := s.GetObjectChildrenQuery(ctx, stream, q)
		require.NoError(t, err)
		assert.Equal(t, false, value(t, second.Objects[4], "nest", "duck"))
		assert.Nil(t, second.Cursor)
	})

	t.Run("names sort lexicographically", func(t *testing.T) {
		q := closure.Query{
			ObjectID: parent,
			Select:   []string{"name"},
			OrderBy:  &closure.OrderBy{Field: "name"},
			Limit:    5,
		}
		first, err := s.GetObjectChildrenQuery(ctx, stream, q)
		require.NoError(t, err)
		var names []any
		for _, o := range first.Objects {
			names = append(names, value(t, o, "name"))
		}
		assert.Equal(t, []any{"mr. 0", "mr. 1", "mr. 10", "mr. 11", "mr. 12"}, names)

		q.Cursor = *first.Cursor
		second, err := s.GetObjectChildrenQuery(ctx, stream, q)
		require.NoError(t, err)
		assert.Equal(t, "mr. 13", value(t, second.Objects[0], "name"))
	})

	t.Run("default order is id", func(t *testing.T) {
		res, err := s.GetObjectChildrenQuery(ctx, stream, closure.Query{
			ObjectID: parent,
			Where: []closure.Predicate{
				{Field: "test.value", Operator: closure.OpGte, Value: 10},
				{Field: "test.value", Operator: closure.OpLt, Value: 100},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 90, res.TotalCount)
		for i := 1; i < len(res.Objects); i++ {
			assert.Less(t, res.Objects[i-1].ID, res.Objects[i].ID)
		}
	})

	t.Run("order only", func(t *testing.T) {
		q := closure.Query{
			ObjectID: parent,
			Select:   []string{"test.value"},
			OrderBy:  &closure.OrderBy{Field: "test.value", Direction: closure.Desc},
			Limit:    2,
		}
		first, err := s.GetObjectChildrenQuery(ctx, stream, q)
		require.NoError(t, err)
		q.Cursor = *first.Cursor
		second, err := s.GetObjectChildrenQuery(ctx, stream, q)
		require.NoError(t, err)
		assert.Equal(t, float64(99), value(t, first.Objects[0], "test", "value"))
		assert.Equal(t,
			value(t, first.Objects[1], "test", "value").(float64)-1,
			value(t, second.Objects[0], "test", "value"))

		q = closure.Query{
			ObjectID: parent,
			Select:   []string{"nest.duck"},
			OrderBy:  &closure.OrderBy{Field: "nest.duck", Direction: closure.Desc},
			Limit:    50,
		}
		third, err := s.GetObjectChildrenQuery(ctx, stream, q)
		require.NoError(t, err)
		assert.Equal(t, true, value(t, third.Objects[49], "nest", "duck"))
		q.Cursor = *third.Cursor
		fourth, err := s.GetObjectChildrenQuery(ctx, stream, q)
		require.NoError(t, err)
		assert.Equal(t, false, value(t, fourth.Objects[0], "nest", "duck"))
	})
}

func TestCreateObjectsBatchedKeepsGivenClosure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	objs := createManyObjects(t, 3333, t.Name())
	require.NoError(t, s.CreateObjectsBatched(ctx, stream, objs))
	parent := objs[0][model.FieldID].(string)

	res, err := s.GetObjectChildren(ctx, stream, ChildrenParams{ObjectID: parent, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res.Objects, 2)
	assert.Equal(t, 3333, res.TotalCount)

	count := 0
	require.NoError(t, s.GetObjectChildrenStream(ctx, stream, parent, func(Object) error {
		count++
		return nil
	}))
	assert.Equal(t, 3333, count)
}

func TestConcurrentShuffledBatchedInserts(t *testing.T) {
	s := newTestStore(t)
	objs := createManyObjects(t, 5000, t.Name())

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 3; i++ {
		shuffled := append([]map[string]any(nil), objs...)
		rand.New(rand.NewSource(int64(i))).Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		g.Go(func() error { return s.CreateObjectsBatched(ctx, stream, shuffled) })
	}
	require.NoError(t, g.Wait())

	count := 0
	require.NoError(t, s.GetObjectChildrenStream(context.Background(), stream, objs[0][model.FieldID].(string), func(Object) error {
		count++
		return nil
	}))
	assert.Equal(t, 5000, count)
}

func TestGetStreamObjectsSkipsUnknown(t *testing.T) {
	s := newTestStore(t)
	ids := createMany(t, s, 3)

	got, err := s.GetStreamObjects(context.Background(), stream, []string{ids[2], "missing", ids[1]})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[1], got[1].ID)
}

func TestCanceledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.CreateObjects(ctx, stream, []map[string]any{{"name": "x"}})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.GetObject(ctx, stream, "x")
	assert.ErrorIs(t, err, context.Canceled)
}
