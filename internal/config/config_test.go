package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Collector.GraceWindow)
	assert.Equal(t, time.Second, cfg.Collector.SweepInterval)
	assert.Equal(t, 3, cfg.Collector.FinalizeAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Collector.FinalizeBackoff)
	assert.Equal(t, 30*time.Second, cfg.Registry.HeartbeatTimeout)
	assert.Equal(t, 10*time.Second, cfg.Registry.CleanupInterval)
	assert.Equal(t, 0.5, cfg.Router.ConfidenceThreshold)
	assert.Equal(t, 60*time.Second, cfg.Dispatch.DefaultTimeout)
	assert.False(t, cfg.Archive.Enabled)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifold.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: ":9999"
collector:
  grace_window: 10s
  finalize_attempts: 5
router:
  llm_service_url: "http://llm:8000"
  confidence_threshold: 0.7
archive:
  enabled: true
  driver: postgres
  dsn: "host=db user=manifold dbname=manifold"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.Collector.GraceWindow)
	assert.Equal(t, 5, cfg.Collector.FinalizeAttempts)
	// Untouched keys keep defaults.
	assert.Equal(t, 250*time.Millisecond, cfg.Collector.FinalizeBackoff)
	assert.Equal(t, "http://llm:8000", cfg.Router.LLMServiceURL)
	assert.Equal(t, 0.7, cfg.Router.ConfidenceThreshold)
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, "postgres", cfg.Archive.Driver)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifold.yaml")
	require.NoError(t, os.WriteFile(path, []byte("router:\n  confidence_threshold: 2.0\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("collector:\n  finalize_attempts: 0\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("archive:\n  enabled: true\n  dsn: \"\"\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MANIFOLD_SERVER_LISTEN_ADDR", ":7777")
	t.Setenv("MANIFOLD_COLLECTOR_GRACE_WINDOW", "8s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.ListenAddr)
	assert.Equal(t, 8*time.Second, cfg.Collector.GraceWindow)
}
