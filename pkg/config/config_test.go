package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFileDefaults(t *testing.T) {
	path := writeConfig(t, `
[indexer]
base_url = "http://localhost:9200"
`)

	config, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", config.Server.Addr)
	assert.Equal(t, "localhost:6379", config.Redis.Addr)
	assert.Equal(t, 10, config.Sync.BatchSize)
	assert.Equal(t, 4, config.Sync.MaxConcurrentConnections)
	assert.Equal(t, 120, config.Sync.OperationTimeoutSeconds)
	assert.Equal(t, 30, config.Sync.ListingCacheTTLMinutes)
	assert.Empty(t, config.Sync.Schedule)
	assert.Equal(t, "http://localhost:9200", config.Indexer.BaseURL)
	assert.Equal(t, 60, config.Indexer.TimeoutSeconds)
	assert.Equal(t, "info", config.Daemon.LogLevel)
	assert.Equal(t, 8, config.Daemon.Concurrency)
}

func TestLoadFromFileOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9090"

[sync]
batch_size = 25
schedule = "0 3 * * *"

[indexer]
base_url = "http://indexer.internal:8000"
timeout_seconds = 120

[daemon]
log_level = "debug"
concurrency = 16
`)

	config, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", config.Server.Addr)
	assert.Equal(t, 25, config.Sync.BatchSize)
	assert.Equal(t, "0 3 * * *", config.Sync.Schedule)
	assert.Equal(t, "http://indexer.internal:8000", config.Indexer.BaseURL)
	assert.Equal(t, 120, config.Indexer.TimeoutSeconds)
	assert.Equal(t, "debug", config.Daemon.LogLevel)
	assert.Equal(t, 16, config.Daemon.Concurrency)
}

func TestLoadFromFileValidation(t *testing.T) {
	// indexer.base_url has no default and is required.
	path := writeConfig(t, `
[daemon]
log_level = "info"
`)
	_, err := LoadFromFile(path)
	assert.ErrorContains(t, err, "config validation failed")

	path = writeConfig(t, `
[indexer]
base_url = "http://localhost:9200"

[daemon]
log_level = "verbose"
`)
	_, err = LoadFromFile(path)
	assert.ErrorContains(t, err, "config validation failed")

	path = writeConfig(t, `
[indexer]
base_url = "http://localhost:9200"

[sync]
batch_size = 0
`)
	_, err = LoadFromFile(path)
	assert.ErrorContains(t, err, "config validation failed")
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
