package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
lease:
  heartbeat: "500ms"
  expiry: "3s"
routing:
  request_timeout: "2s"
  max_retries: 5
storage:
  medium: "file"
  data_dir: "/tmp/nexuslocal_test"
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	assert.Equal(t, "500ms", cfg.Lease.Heartbeat)
	assert.Equal(t, "3s", cfg.Lease.Expiry)
	assert.Equal(t, 5, cfg.Routing.MaxRetries)
	assert.Equal(t, "file", cfg.Storage.Medium)
	assert.Equal(t, "/tmp/nexuslocal_test", cfg.Storage.DataDir)

	// Check a default value that was not overridden
	assert.Equal(t, "30s", cfg.Shape.BackoffMax)
	assert.Equal(t, "writer", cfg.Lease.Name)
}

func TestLoad_PartialConfig(t *testing.T) {
	yamlContent := `
shape:
  backoff_max: "10s"
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "10s", cfg.Shape.BackoffMax)
	// Check default values are still there
	assert.Equal(t, "1s", cfg.Lease.Heartbeat)
	assert.Equal(t, "10s", cfg.Routing.RequestTimeout)
	assert.Equal(t, "memory", cfg.Storage.Medium)
}

func TestLoad_EmptyReader(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "5s", cfg.Lease.Expiry)

	reader := strings.NewReader("")
	cfg, err = Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 3, cfg.Routing.MaxRetries)
}

func TestLoad_InvalidYAML(t *testing.T) {
	reader := strings.NewReader("lease: [not a map")
	_, err := Load(reader)
	require.Error(t, err)
}

func TestLoad_ExpiryMustExceedHeartbeat(t *testing.T) {
	yamlContent := `
lease:
  heartbeat: "5s"
  expiry: "2s"
`
	_, err := Load(strings.NewReader(yamlContent))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expiry")
}

func TestLoad_InvalidMedium(t *testing.T) {
	yamlContent := `
storage:
  medium: "browser"
`
	_, err := Load(strings.NewReader(yamlContent))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "medium")
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "1s", cfg.Lease.Heartbeat)
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routing:\n  request_timeout: \"4s\"\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, cfg.RequestTimeout(nil))
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, time.Second, ParseDuration("", time.Second, nil))
	assert.Equal(t, time.Second, ParseDuration("0", time.Second, nil))
	assert.Equal(t, 2*time.Second, ParseDuration("2s", time.Second, nil))
	assert.Equal(t, time.Second, ParseDuration("garbage", time.Second, nil))
}

func TestParsedAccessors(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.HeartbeatInterval(nil))
	assert.Equal(t, 5*time.Second, cfg.LeaseExpiry(nil))
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout(nil))
	assert.Equal(t, 30*time.Second, cfg.ShapeBackoffMax(nil))
}
