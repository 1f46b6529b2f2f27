package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-graph/internal/binaryCoder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	conf, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), conf)
}

func TestLoadOverridesDefaults(t *testing.T) {
	conf, err := Load(writeConfig(t, `
server:
  listen: ":9000"
storage:
  path: /var/lib/graph
  compression: lzma
  gcSchedule: "*/5 * * * *"
loader:
  cacheMaxItems: 0
  maxWait: 250ms
downloader:
  requestsPerSecond: 20
postgres:
  dsn: postgres://localhost/graph
log:
  level: debug
`))
	require.NoError(t, err)
	assert.Equal(t, ":9000", conf.Server.Listen)
	assert.Equal(t, "/var/lib/graph", conf.Storage.Path)
	assert.Equal(t, 250*time.Millisecond, conf.Loader.MaxWait)
	assert.Equal(t, 10000, conf.Loader.CacheMaxItems)
	assert.Equal(t, 100, conf.Loader.BatchSize)
	assert.Equal(t, 20.0, conf.Downloader.RequestsPerSecond)
	assert.Equal(t, 5000, conf.Downloader.MaxBatchSize)
	assert.Equal(t, "postgres://localhost/graph", conf.Postgres.DSN)

	c, err := conf.Compression()
	require.NoError(t, err)
	assert.Equal(t, binaryCoder.CompressionLzma, c)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	_, err := Load(writeConfig(t, `
storage:
  compression: brotli
  gcSchedule: "every tuesday"
log:
  level: loud
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, binaryCoder.ErrUnknownCompression)
	assert.ErrorContains(t, err, "storage.gcSchedule")
	assert.ErrorContains(t, err, "log.level")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
