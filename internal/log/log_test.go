package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "guestcheck.log")
	logger := Setup(Options{Writer: &buf, File: logFile})

	logger.Debug("hidden on console", "cmd", "uname -r")
	Info("shown on console", "instance", "i-0123456789abcdef0")

	assert.NotContains(t, buf.String(), "hidden on console")
	assert.Contains(t, buf.String(), "shown on console")
	assert.Contains(t, buf.String(), "i-0123456789abcdef0")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hidden on console", "file handler keeps debug records")
	assert.Contains(t, string(data), "shown on console")
}

func TestSetup_Verbose(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	Setup(Options{Writer: &buf, Verbose: true})
	Debug("debug record")

	assert.Contains(t, buf.String(), "debug record")
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	assert.False(t, logger.Enabled(t.Context(), slog.LevelError))
}
