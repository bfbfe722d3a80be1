package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{"OPENCODE_DB", "OPENCODE_TRACE_DATA", "OPENCODE_TRACE_LOG_FILE", "OPENCODE_TRACE_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	return home
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load(Overrides{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".local/share/opencode/opencode.db"), cfg.UpstreamDB)
	assert.Equal(t, filepath.Join(home, ".local/share/opencode-trace/main.db"), cfg.ExtensionDB)
	assert.Equal(t, filepath.Join(home, ".local/share/opencode-trace/search_index.db"), cfg.MirrorDB)
	assert.Equal(t, filepath.Join(home, ".local/share/opencode-trace/opencode-trace.log"), cfg.LogFile)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, DefaultGlamourStyle, cfg.GlamourStyle)
	assert.Empty(t, cfg.ConfigFile)
	assert.DirExists(t, cfg.DataDir)
}

func TestLoadLayering(t *testing.T) {
	home := isolate(t)
	cfgFile := filepath.Join(home, ".config", "opencode-trace", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(cfgFile), 0o755))
	require.NoError(t, os.WriteFile(cfgFile, []byte(strings.Join([]string{
		"upstream_db: ~/from-file.db",
		"data_dir: ~/file-data",
		"log_level: warn",
		"glamour_style: light",
	}, "\n")), 0o644))

	cfg, err := Load(Overrides{})
	require.NoError(t, err)
	assert.Equal(t, cfgFile, cfg.ConfigFile)
	assert.Equal(t, filepath.Join(home, "from-file.db"), cfg.UpstreamDB)
	assert.Equal(t, filepath.Join(home, "file-data"), cfg.DataDir)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
	assert.Equal(t, "light", cfg.GlamourStyle)

	t.Setenv("OPENCODE_DB", filepath.Join(home, "env.db"))
	t.Setenv("OPENCODE_TRACE_LOG_LEVEL", "debug")
	cfg, err = Load(Overrides{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "env.db"), cfg.UpstreamDB)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)

	cfg, err = Load(Overrides{UpstreamDB: filepath.Join(home, "flag.db"), LogLevel: "error"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "flag.db"), cfg.UpstreamDB)
	assert.Equal(t, slog.LevelError, cfg.LogLevel)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	home := isolate(t)
	_, err := Load(Overrides{ConfigFile: filepath.Join(home, "nope.yaml")})
	require.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Fatalf("level %q: got %v want %v", in, got, want)
		}
	}
}

func TestNewLoggerFansOut(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := NewLogger(&stderr, &file, slog.LevelInfo)
	logger.Info("synced", "conversations", 2)
	logger.Debug("hidden")

	assert.Contains(t, stderr.String(), "msg=synced")
	assert.NotContains(t, stderr.String(), "hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(file.Bytes()), &rec))
	assert.Equal(t, "synced", rec["msg"])
	assert.Equal(t, float64(2), rec["conversations"])
}

func TestSetupLoggerQuietWritesFileOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "trace.log")
	logger, cleanup := SetupLogger(path, slog.LevelInfo, true)
	logger.Info("hello")
	require.NoError(t, cleanup())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"msg":"hello"`)
}
