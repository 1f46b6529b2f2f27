package cache

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-graph/pkg/model"
)

func item(t *testing.T, raw string) *model.Item {
	t.Helper()
	b, err := model.ParseBase([]byte(raw))
	require.NoError(t, err)
	return model.NewItem(b)
}

func leaf(t *testing.T, id string) *model.Item {
	return item(t, fmt.Sprintf(`{"id":%q}`, id))
}

func newCache(t *testing.T, maxItems int, opts ...Option) *MemoryCache {
	t.Helper()
	c, err := New(maxItems, opts...)
	require.NoError(t, err)
	return c
}

func TestGetTouchesRecency(t *testing.T) {
	c := newCache(t, 2)
	c.Add(leaf(t, "a"), nil)
	c.Add(leaf(t, "b"), nil)

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Add(leaf(t, "c"), nil)

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.True(t, c.Has("c"))
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestAddReportsOnlyUncachedReferences(t *testing.T) {
	c := newCache(t, 10)
	c.Add(leaf(t, "known"), nil)

	root := item(t, `{
		"id": "root",
		"elements": [{"referencedId": "known"}, {"referencedId": "new1"}],
		"__closure": {"known": 1, "new1": 1, "new2": 2}
	}`)

	var got []string
	returned := c.Add(root, func(id string) { got = append(got, id) })

	assert.Equal(t, []string{"new1", "new2"}, got)
	assert.Equal(t, got, returned)
}

func TestAddCallbackMayReenterCache(t *testing.T) {
	c := newCache(t, 10)
	root := item(t, `{"id":"root","__closure":{"child":1}}`)

	c.Add(root, func(id string) {
		// would deadlock if called under the cache lock
		c.Add(leaf(t, id), nil)
	})

	assert.True(t, c.Has("child"))
}

func TestPinnedEntriesSurviveEviction(t *testing.T) {
	c := newCache(t, 1)
	c.Pin("a")
	c.Add(leaf(t, "a"), nil)
	c.Add(leaf(t, "b"), nil)
	c.Add(leaf(t, "c"), nil)

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.True(t, c.Has("c"))
	assert.Equal(t, 2, c.Len())

	c.Unpin("a")
	assert.False(t, c.Has("a"))
	assert.Equal(t, 1, c.Len())
}

func TestByteBudget(t *testing.T) {
	a, b := leaf(t, "a"), leaf(t, "b")
	c := newCache(t, 100, WithMaxBytes(int64(a.Size+b.Size)))

	c.Add(a, nil)
	c.Add(b, nil)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(a.Size+b.Size), c.Bytes())

	c.Add(leaf(t, "c"), nil)
	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Has("a"))
}

func TestOverwriteKeepsSingleEntry(t *testing.T) {
	c := newCache(t, 10)
	c.Add(item(t, `{"id":"a"}`), nil)
	c.Add(item(t, `{"id":"a","x":1}`), nil)

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(got.Size), c.Bytes())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newCache(t, 10, WithMetrics(reg, "test"))

	c.Add(leaf(t, "a"), nil)
	c.Get("a")
	c.Get("missing")

	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.hits))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.misses))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.size))
	assert.InDelta(t, 0.5, c.Stats().HitRatio(), 0.0001)

	second := newCache(t, 10, WithMetrics(reg, "test"))
	second.Get("a")
	assert.Equal(t, float64(2), testutil.ToFloat64(c.metrics.misses))
}
