package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-graph/internal/binaryCoder"
	"github.com/i5heu/ouroboros-graph/internal/keyValStore"
	"github.com/i5heu/ouroboros-graph/pkg/interfaces"
	"github.com/i5heu/ouroboros-graph/pkg/model"
)

func mustItem(t *testing.T, raw string) *model.Item {
	t.Helper()
	b, err := model.ParseBase([]byte(raw))
	require.NoError(t, err)
	return model.NewItem(b)
}

func backends(t *testing.T) map[string]func(t *testing.T) interfaces.Database {
	return map[string]func(t *testing.T) interfaces.Database{
		"badger": func(t *testing.T) interfaces.Database {
			logger, _ := test.NewNullLogger()
			db, err := OpenBadgerDatabase(keyValStore.StoreConfig{
				Paths:  []string{t.TempDir()},
				Logger: logger,
			}, binaryCoder.CompressionZstd)
			require.NoError(t, err)
			return db
		},
		"bolt": func(t *testing.T) interfaces.Database {
			db, err := OpenBoltDatabase(filepath.Join(t.TempDir(), "items.db"), binaryCoder.CompressionLzma)
			require.NoError(t, err)
			return db
		},
		"memory": func(t *testing.T) interfaces.Database {
			return NewMemoryDatabase()
		},
	}
}

func TestDatabaseRoundTrip(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db := open(t)
			defer db.Close(ctx)

			root := mustItem(t, `{"id":"root","__closure":{"a":1,"b":2}}`)
			a := mustItem(t, `{"id":"a","child":{"referencedId":"b"}}`)
			require.NoError(t, db.SaveBatch(ctx, []*model.Item{root, a}))

			got, err := db.GetAll(ctx, []string{"a", "missing", "root"})
			require.NoError(t, err)
			require.Len(t, got, 3)
			require.NotNil(t, got[0])
			assert.Nil(t, got[1])
			require.NotNil(t, got[2])

			assert.Equal(t, "a", got[0].BaseID)
			assert.Equal(t, []string{"b"}, got[0].Base.References())
			assert.Equal(t, map[string]int{"a": 1, "b": 2}, got[2].Base.Closure())
			assert.Equal(t, root.Size, got[2].Size)
		})
	}
}

func TestDatabaseSaveIsIdempotent(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db := open(t)
			defer db.Close(ctx)

			item := mustItem(t, `{"id":"x","v":1}`)
			require.NoError(t, db.SaveBatch(ctx, []*model.Item{item}))
			require.NoError(t, db.SaveBatch(ctx, []*model.Item{item, item}))

			got, err := db.GetAll(ctx, []string{"x"})
			require.NoError(t, err)
			require.NotNil(t, got[0])
			assert.JSONEq(t, `{"id":"x","v":1}`, string(got[0].Base.Raw()))
		})
	}
}

func TestDatabaseRejectsUnresolvedItems(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db := open(t)
			defer db.Close(ctx)

			err := db.SaveBatch(ctx, []*model.Item{{BaseID: "nobase"}})
			assert.ErrorIs(t, err, ErrUnresolved)
		})
	}
}

func TestDatabaseCloseIsIdempotent(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db := open(t)
			require.NoError(t, db.Close(ctx))
			require.NoError(t, db.Close(ctx))
		})
	}
}
