package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_DisabledDiscards(t *testing.T) {
	require.NoError(t, Init(Options{Enabled: false}))
	assert.False(t, DebugEnabled())
}

func TestInit_Writer(t *testing.T) {
	t.Cleanup(func() { _ = Init(Options{}) })

	var out bytes.Buffer
	require.NoError(t, Init(Options{Enabled: true, Level: slog.LevelDebug, Writer: &out}))
	assert.True(t, DebugEnabled())

	Debug("retire tlab", "start", 4096)
	assert.Contains(t, out.String(), "retire tlab")
	assert.Contains(t, out.String(), "start=4096")
}

func TestInit_JSON(t *testing.T) {
	t.Cleanup(func() { _ = Init(Options{}) })

	var out bytes.Buffer
	require.NoError(t, Init(Options{Enabled: true, JSON: true, Writer: &out}))
	Info("collection", "generation", "nursery")
	Debug("hidden")
	assert.Contains(t, out.String(), `"generation":"nursery"`)
	assert.NotContains(t, out.String(), "hidden")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestInit_LogDirCleansOldLogs(t *testing.T) {
	t.Cleanup(func() { _ = Init(Options{}) })

	dir := t.TempDir()
	old := filepath.Join(dir, logPrefix+time.Now().AddDate(0, 0, -60).Format("2006-01-02")+logSuffix)
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))

	require.NoError(t, Init(Options{Enabled: true, LogDir: dir}))

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "old log should be removed")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
