// ABOUTME: Tests for log level parsing and the logger handlers
// ABOUTME: Checks JSON output and the colorized text handler with groups

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatline/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel("loud"))
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Debug("hidden")
	logger.Info("message recorded", "message_id", "abc")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "message recorded", entry["msg"])
	assert.Equal(t, "abc", entry["message_id"])
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)

	logger.With("component", "webhook").
		WithGroup("delivery").
		Warn("media fetch failed", "media_id", "m1", slog.Group("http", "status", 404))

	out := buf.String()
	assert.Contains(t, out, "WRN media fetch failed")
	assert.Contains(t, out, " component=webhook")
	assert.Contains(t, out, " delivery.media_id=m1")
	assert.Contains(t, out, " delivery.http.status=404")
	assert.True(t, strings.HasSuffix(out, "\n"))
}
