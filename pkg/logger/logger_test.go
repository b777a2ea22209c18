package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"

	"github.com/stratonas/middled/internal/common/config"
)

func TestNewLoggerStdout(t *testing.T) {
	cfg := &config.LoggerConfig{}
	lg, err := NewLogger(cfg)
	assert.NoError(t, err)
	assert.NotNil(t, lg)

	// defaults applied in place
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
}

func TestNewLoggerFile(t *testing.T) {
	cfg := &config.LoggerConfig{
		Output:   "file",
		FilePath: filepath.Join(t.TempDir(), "logs", "middled.log"),
		Level:    "debug",
	}
	lg, err := NewLogger(cfg)
	assert.NoError(t, err)
	lg.Debug("hello")
	assert.NoError(t, lg.Sync())
}

func TestGetLogLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, getLogLevel("debug"))
	assert.Equal(t, zapcore.ErrorLevel, getLogLevel("ERROR"))
	assert.Equal(t, zapcore.InfoLevel, getLogLevel("nonsense"))
}
