// ABOUTME: Tests for configuration loading and validation.
// ABOUTME: Covers defaults, duration parsing, env expansion, and bad input.

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
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, `
bridge:
  dir: /tmp/proj/.bridge
  preferred_port: 9100
  request_timeout: 45s
  poll_interval: 250ms
agent:
  tick_interval: 5s
history:
  path: /tmp/proj/.bridge/history.db
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/proj/.bridge", cfg.Bridge.Dir)
	assert.Equal(t, 9100, cfg.Bridge.PreferredPort)
	assert.Equal(t, 45*time.Second, cfg.Bridge.RequestTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Bridge.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Agent.TickInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_DefaultsPreserved(t *testing.T) {
	path := writeConfig(t, `
bridge:
  preferred_port: 9200
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ".bridge", cfg.Bridge.Dir)
	assert.Equal(t, 30*time.Second, cfg.Bridge.RequestTimeout)
	assert.Equal(t, 2*time.Second, cfg.Agent.TickInterval)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("BRIDGE_TEST_DIR", "/var/tmp/bridged")
	path := writeConfig(t, `
bridge:
  dir: ${BRIDGE_TEST_DIR}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/tmp/bridged", cfg.Bridge.Dir)
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
bridge:
  request_timeout: soon
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "request_timeout")
}

func TestLoad_PortOutOfRange(t *testing.T) {
	path := writeConfig(t, `
bridge:
  preferred_port: 80
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "preferred_port")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8769, cfg.Bridge.PreferredPort)
}
