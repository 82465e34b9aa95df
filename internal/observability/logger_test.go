// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/arkenar/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	t.Run("console format colorizes the level", func(t *testing.T) {
		var buf bytes.Buffer
		cfg := config.NewDefaultConfig().Logger
		logger := NewLogger(cfg, zapcore.AddSync(&buf))

		logger.Named("engine").Info("target complete", zap.String("target", "http://x.test/"))
		require.NoError(t, logger.Sync())

		out := buf.String()
		assert.Contains(t, out, colorMap["green"]+"INFO"+colorReset)
		assert.Contains(t, out, "arkenar.engine.")
		assert.Contains(t, out, "target complete")
		assert.Contains(t, out, `"target": "http://x.test/"`)
	})

	t.Run("json format emits parseable records", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "svc"}, zapcore.AddSync(&buf))

		logger.Debug("probe", zap.Int("status", 429))
		require.NoError(t, logger.Sync())

		var record map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "DEBUG", record["level"])
		assert.Equal(t, "svc", record["logger"])
		assert.Equal(t, float64(429), record["status"])
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(config.LoggerConfig{Level: "loud", Format: "json"}, zapcore.AddSync(&buf))

		logger.Debug("hidden")
		logger.Info("shown")
		require.NoError(t, logger.Sync())

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("log file receives json", func(t *testing.T) {
		dir := t.TempDir()
		logPath := filepath.Join(dir, "arkenar.log")
		var console bytes.Buffer

		cfg := config.LoggerConfig{Level: "info", Format: "console", LogFile: logPath, MaxSize: 1}
		logger := NewLogger(cfg, zapcore.AddSync(&console))
		logger.Warn("written twice")
		require.NoError(t, logger.Sync())

		data, err := os.ReadFile(logPath)
		require.NoError(t, err)
		line := strings.TrimSpace(string(data))
		var record map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		assert.Equal(t, "written twice", record["msg"])
		assert.Contains(t, console.String(), "written twice")
	})
}

func TestGlobalLogger(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	fallback := GetLogger()
	require.NotNil(t, fallback)

	var buf bytes.Buffer
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "first"}, zapcore.AddSync(&buf))
	// A second call is ignored.
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "second"}, zapcore.AddSync(&buf))

	GetLogger().Info("hello")
	Sync()

	assert.Contains(t, buf.String(), `"logger":"first"`)
	assert.NotContains(t, buf.String(), "second")
}
