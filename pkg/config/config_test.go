package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
common:
  workers: "worker1 worker2"
  request_buf_size_bytes: 1024
controller:
  num_threads: 4
worker:
  svc_port: 25002
  data_dir: "/data/{worker}"
workers:
  worker2:
    is_enabled: false
    svc_port: 25102
families:
  f1:
    min_replication_level: 3
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTemp(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Common.RequestBufSizeBytes)
	assert.Equal(t, []string{"worker1", "worker2"}, Fields(cfg.Common.Workers))
	assert.Equal(t, 4, cfg.Controller.NumThreads)
	assert.Equal(t, 25002, cfg.Worker.SvcPort)
	assert.Equal(t, "/data/worker1", cfg.Worker.DataDirFor("worker1"))

	override, ok := cfg.Workers["worker2"]
	require.True(t, ok)
	require.NotNil(t, override.IsEnabled)
	assert.False(t, *override.IsEnabled)
	assert.Equal(t, 25102, override.SvcPort)

	assert.Equal(t, 3, cfg.Families["f1"].MinReplicationLevel())
}

func TestFamily_DefaultsWhenUnset(t *testing.T) {
	assert.Equal(t, DefaultMinReplicationLevel, Family{}.MinReplicationLevel())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
