package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 4, cfg.Crawl.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Crawl.HeartbeatTimeout)
	assert.Equal(t, "health_based", cfg.Proxy.Strategy)
	assert.True(t, cfg.API.Enabled)
}

func TestLoad_FileValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
crawl:
  partitions: ["springfield|plumbers", "shelbyville|electricians"]
  workers: 8
  heartbeat_timeout: 10m
proxy:
  file: proxies.txt
  strategy: round_robin
database:
  host: db.internal
  password: hunter2
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"springfield|plumbers", "shelbyville|electricians"}, cfg.Crawl.Partitions)
	assert.Equal(t, 8, cfg.Crawl.Workers)
	assert.Equal(t, 10*time.Minute, cfg.Crawl.HeartbeatTimeout)
	assert.Equal(t, "round_robin", cfg.Proxy.Strategy)
	assert.Equal(t, "db.internal", cfg.Database.Host)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("BIZCRAWL_DATABASE_HOST", "env.internal")
	t.Setenv("BIZCRAWL_CRAWL_WORKERS", "16")

	cfg, err := Load(writeConfig(t, "database:\n  host: file.internal\n"))
	require.NoError(t, err)

	assert.Equal(t, "env.internal", cfg.Database.Host)
	assert.Equal(t, 16, cfg.Crawl.Workers)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
crawl:
  partitions: ["springfield|plumbers"]
proxy:
  file: proxies.txt
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	cfg.Crawl.Partitions = nil
	assert.ErrorContains(t, cfg.Validate(), "partition")

	cfg.Crawl.Partitions = []string{"p"}
	cfg.Proxy.Strategy = "fastest"
	assert.ErrorContains(t, cfg.Validate(), "strategy")

	cfg.Proxy.Strategy = "round_robin"
	cfg.Database.Host = ""
	assert.ErrorContains(t, cfg.Validate(), "host")
}

func TestWorkerConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
crawl:
  partitions: ["springfield|plumbers"]
  workers: 6
  max_pages: 25
proxy:
  file: proxies.txt
  strategy: round_robin
`))
	require.NoError(t, err)

	wc := cfg.WorkerConfig()
	assert.Equal(t, []string{"springfield|plumbers"}, wc.PartitionKeys)
	assert.Equal(t, 6, wc.Workers)
	assert.Equal(t, 25, wc.MaxPages)
	assert.Equal(t, "round_robin", wc.ProxyStrategy)
	require.NoError(t, wc.Validate())
}
