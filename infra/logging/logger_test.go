package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitbook/config"
)

func TestLoggerRespectsLevel(t *testing.T) {
	cfg := config.Defaults()
	cfg.LogLevel = "warn"

	var buf bytes.Buffer
	log, closer := NewWithWriter(&cfg, &buf)
	defer closer.Close()

	log.Info("dropped")
	log.Warn("kept", "seq", 7)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.EqualValues(t, 7, line["seq"])
}

func TestLoggerWritesRotatedFile(t *testing.T) {
	cfg := config.Defaults()
	cfg.Log.File = filepath.Join(t.TempDir(), "logs", "limitbook.log")

	var buf bytes.Buffer
	log, closer := NewWithWriter(&cfg, &buf)
	log.Info("hello")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(cfg.Log.File)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
