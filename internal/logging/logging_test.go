package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"donationcore/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, config.LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("order not found", "session_id", "cs_1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "order not found", rec["msg"])
	assert.Equal(t, "cs_1", rec["session_id"])
	assert.Equal(t, "donationcore", rec["service"])
}

func TestNewWithWriterText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, config.LogConfig{Level: "debug", Format: "text"})
	require.NoError(t, err)
	logger.Debug("hello", "k", 1)
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestParseLevelAndFormatErrors(t *testing.T) {
	lvl, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("chatty")
	require.Error(t, err)
	_, err = NewWithWriter(&bytes.Buffer{}, config.LogConfig{Format: "xml"})
	require.Error(t, err)
}

func TestNoopAndOrNoop(t *testing.T) {
	l := OrNoop(nil)
	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")
	assert.Equal(t, Noop(), l)

	base := slog.Default()
	assert.Same(t, base, OrNoop(base))
}
