package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOptional_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), DefaultConfigFilename))
	require.NoError(t, err)

	d := cfg.WithDefaults()
	require.Equal(t, DefaultDebounce, d.Sync.Debounce)
	require.Equal(t, DefaultPollInterval, d.Pipeline.PollInterval)
	require.Equal(t, DefaultMaxDrafts, d.Drafts.MaxDrafts)
	require.Equal(t, "file", d.Drafts.Backend)
}

func TestLoadFromFile_ParsesDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigFilename)
	body := []byte(`server:
  url: http://localhost:15000
sync:
  debounce: 250ms
pipeline:
  poll_interval: 1s
  retry_delay: 5s
drafts:
  backend: sqlite
  max_drafts: 3
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:15000", cfg.Server.URL)
	require.Equal(t, 250*time.Millisecond, cfg.Sync.Debounce)
	require.Equal(t, time.Second, cfg.Pipeline.PollInterval)
	require.Equal(t, "sqlite", cfg.Drafts.Backend)
	require.Equal(t, 3, cfg.WithDefaults().Drafts.MaxDrafts)
}

func TestLoadFromFile_RejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigFilename)
	require.NoError(t, os.WriteFile(path, []byte("drafts:\n  backend: redis\n"), 0o644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
}
