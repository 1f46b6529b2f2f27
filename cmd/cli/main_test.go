package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-graph/internal/binaryCoder"
	"github.com/i5heu/ouroboros-graph/internal/config"
	"github.com/i5heu/ouroboros-graph/pkg/store"
)

func TestOpenDatabaseBackends(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	for backend, path := range map[string]string{
		"badger": t.TempDir(),
		"bolt":   filepath.Join(t.TempDir(), "graph.db"),
		"memory": "",
	} {
		db, err := openDatabase(backend, path, binaryCoder.CompressionZstd, logger)
		require.NoError(t, err, backend)
		require.NoError(t, db.Close(ctx), backend)
	}

	_, err := openDatabase("sqlite", "", binaryCoder.CompressionZstd, logger)
	assert.ErrorContains(t, err, "unknown backend")
}

func TestLoaderOptionsFollowConfig(t *testing.T) {
	logger, _ := test.NewNullLogger()
	conf := config.Default()
	conf.Loader.CacheMaxItems = 7
	conf.Loader.BatchSize = 11

	opts := loaderOptions(conf, "s", "root", store.NewMemoryDatabase(), logger)
	assert.Equal(t, "root", opts.RootID)
	assert.Equal(t, 7, opts.CacheMaxItems)
	assert.Equal(t, 11, opts.LookupBatchSize)
	assert.Equal(t, 11, opts.SaveBatchSize)
	assert.Equal(t, conf.Loader.MaxWait, opts.MaxWait)
	assert.NotNil(t, opts.Downloader)
}
