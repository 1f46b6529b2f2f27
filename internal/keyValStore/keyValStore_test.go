package keyValStore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *KeyValStore {
	t.Helper()
	logger, _ := test.NewNullLogger()
	kv, err := NewKeyValStore(StoreConfig{
		Paths:  []string{t.TempDir()},
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestWriteAndRead(t *testing.T) {
	kv := newTestStore(t)

	require.NoError(t, kv.Write([]byte("a"), []byte("1")))
	v, err := kv.Read([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	_, err = kv.Read([]byte("missing"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestReadBatchKeepsKeyOrder(t *testing.T) {
	kv := newTestStore(t)
	require.NoError(t, kv.WriteBatch([]KV{
		{Key: []byte("x"), Value: []byte("X")},
		{Key: []byte("z"), Value: []byte("Z")},
	}))

	values, err := kv.ReadBatch([][]byte{[]byte("z"), []byte("y"), []byte("x")})
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, []byte("Z"), values[0])
	assert.Nil(t, values[1])
	assert.Equal(t, []byte("X"), values[2])
}

func TestWriteBatchNonExistingSkipsStoredAndDuplicateKeys(t *testing.T) {
	kv := newTestStore(t)
	require.NoError(t, kv.Write([]byte("k1"), []byte("original")))

	n, err := kv.WriteBatchNonExisting([]KV{
		{Key: []byte("k1"), Value: []byte("overwrite")},
		{Key: []byte("k2"), Value: []byte("first")},
		{Key: []byte("k2"), Value: []byte("second")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err := kv.Read([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), v)

	v, err = kv.Read([]byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), v)
}

func TestIteratePrefix(t *testing.T) {
	kv := newTestStore(t)
	var batch []KV
	for i := 0; i < 5; i++ {
		batch = append(batch, KV{Key: []byte(fmt.Sprintf("p/%d", i)), Value: []byte{byte(i)}})
	}
	batch = append(batch, KV{Key: []byte("q/0"), Value: []byte{9}})
	require.NoError(t, kv.WriteBatch(batch))

	items, err := kv.GetItemsWithPrefix([]byte("p/"))
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, []byte("p/0"), items[0].Key)
	assert.Equal(t, []byte("p/4"), items[4].Key)

	stop := errors.New("stop")
	seen := 0
	err = kv.IteratePrefix([]byte("p/"), func(_, _ []byte) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
}

func TestClosedStoreRejectsCalls(t *testing.T) {
	logger, _ := test.NewNullLogger()
	kv, err := NewKeyValStore(StoreConfig{InMemory: true, Logger: logger})
	require.NoError(t, err)

	require.NoError(t, kv.Close())
	require.NoError(t, kv.Close())

	assert.ErrorIs(t, kv.Write([]byte("a"), nil), ErrClosed)
	_, err = kv.Read([]byte("a"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCheckConfig(t *testing.T) {
	sc := StoreConfig{}
	assert.Error(t, sc.checkConfig())

	sc = StoreConfig{Paths: []string{t.TempDir() + "/nope"}}
	assert.EqualError(t, sc.checkConfig(), "path does not exist")

	sc = StoreConfig{Paths: []string{t.TempDir()}, MinimumFreeSpace: 1 << 30}
	assert.ErrorContains(t, sc.checkConfig(), "not enough space")
}

func TestDiskUsageIsLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	require.NoError(t, displayDiskUsage(logger, []string{t.TempDir()}))

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, "Disk Usage", hook.LastEntry().Message)
}
