package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, 4, cfg.Checker.Workers)
	require.Equal(t, 2, cfg.Pipeline.ImageConcurrency)
	require.Equal(t, "memory", cfg.Storage.Provider)
	require.Equal(t, "memory", cfg.DB.Provider)
	require.Equal(t, 15*time.Second, cfg.PageTimeout())

	base, spread := cfg.ImageTimeoutWindow()
	require.Equal(t, 30*time.Second, base)
	require.Equal(t, 15*time.Second, spread)
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
server:
  port: 9090
checker:
  workers: 2
  batch_max: 3
http:
  user_agent: test-agent/1.0
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 2, cfg.Checker.Workers)
	require.Equal(t, 3, cfg.Checker.BatchMax)
	require.Equal(t, "test-agent/1.0", cfg.HTTP.UserAgent)
	// Untouched keys keep defaults.
	require.Equal(t, 16, cfg.Checker.QueueDepth)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Checker.Workers = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Storage.Provider = "gcs"
	bad.Storage.GCSBucket = ""
	require.Error(t, bad.Validate())

	bad = cfg
	bad.DB.Provider = "postgres"
	bad.DB.DSN = ""
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Transcode.JPEGQuality = 101
	require.Error(t, bad.Validate())
}
