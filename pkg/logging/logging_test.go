package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orneryd/nornicdb-driver/pkg/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewWithOutput_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", zap.String("request_id", "r-1"))
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"request_id":"r-1"`)
}

func TestNewWithOutput_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(config.LoggingConfig{Level: "debug"}, &buf)
	require.NoError(t, err)

	logger.Debug("page received", zap.Int("page", 3))
	assert.Contains(t, buf.String(), "DEBUG")
	assert.Contains(t, buf.String(), "page received")
}

func TestNewWithOutput_RotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "driver.log")
	var buf bytes.Buffer
	logger, err := NewWithOutput(config.LoggingConfig{
		Level:      "info",
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
	}, &buf)
	require.NoError(t, err)

	logger.Info("to both outputs")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to both outputs"`)
	assert.Contains(t, buf.String(), "to both outputs")
}

func TestNew_Errors(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "nope"})
	assert.Error(t, err)

	_, err = New(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}
