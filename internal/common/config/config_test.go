package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithEnvInterpolation(t *testing.T) {
	t.Setenv("MIDDLED_PORT", "7000")

	dir := t.TempDir()
	path := filepath.Join(dir, "middled.yaml")
	content := `
state_dir: ` + dir + `
transport:
  port: ${MIDDLED_PORT:6000}
  ping_interval: 10s
logger:
  level: ${MIDDLED_LOG_LEVEL:debug}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Transport.Port)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, 10*time.Second, cfg.Transport.PingInterval)
}

func TestDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	assert.Equal(t, 6000, cfg.Transport.Port)
	assert.Equal(t, "/var/lib/middled/middled.sock", cfg.Transport.UnixSocket)
	assert.Equal(t, 1000, cfg.Jobs.Retention)
	assert.Equal(t, 1024, cfg.Events.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.Failover.ReconnectMax)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/middled.yaml")
	assert.Error(t, err)
}
