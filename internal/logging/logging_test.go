package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davitacols/supawave-sub002/internal/config"
)

func TestConsoleLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(config.LoggerConfig{Level: "warn"}, &buf, false)
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("drain halted", "pending", 3)
	require.NoError(t, l.Close())

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "drain halted")
	require.Contains(t, out, "pending")
}

func TestProductionModeWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(config.LoggerConfig{Level: "info", Mode: "production"}, &buf, false)
	require.NoError(t, err)

	l.Info("sale committed", "sale_id", "s-1")
	require.NoError(t, l.Close())
	require.Contains(t, buf.String(), `"sale_id":"s-1"`)
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pos.log")
	var buf bytes.Buffer
	l, err := newLogger(config.LoggerConfig{Level: "debug", FileEnable: true, Filename: path}, &buf, false)
	require.NoError(t, err)

	l.Debug("probe", "online", true)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"probe"`)
	require.Contains(t, buf.String(), "probe")
}

func TestBadLevel(t *testing.T) {
	_, err := New(config.LoggerConfig{Level: "loud"})
	require.Error(t, err)
}
