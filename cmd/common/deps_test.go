package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewCommandDeps_LoadsValidConfig(t *testing.T) {
	CfgFile = writeConfig(t, `
crawl:
  partitions: ["springfield|plumbers"]
proxy:
  file: proxies.txt
`)
	defer func() { CfgFile = "" }()

	deps, err := NewCommandDeps()
	require.NoError(t, err)
	assert.Equal(t, []string{"springfield|plumbers"}, deps.Config.Crawl.Partitions)
	assert.NotNil(t, deps.Logger)
}

func TestNewCommandDeps_RejectsInvalidConfig(t *testing.T) {
	// No proxy file configured: validation must fail before any command
	// touches the database.
	CfgFile = writeConfig(t, `
crawl:
  partitions: ["springfield|plumbers"]
`)
	defer func() { CfgFile = "" }()

	_, err := NewCommandDeps()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy")
}
