package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultGlamourStyle = "dark"

const (
	extensionDBName = "main.db"
	mirrorDBName    = "search_index.db"
	logFileName     = "opencode-trace.log"
)

type AppConfig struct {
	UpstreamDB   string
	DataDir      string
	ExtensionDB  string
	MirrorDB     string
	ExportDir    string
	LogFile      string
	LogLevel     slog.Level
	GlamourStyle string
	// ConfigFile is the YAML file that was read, empty if none.
	ConfigFile string
}

// Overrides are command-line values. Empty fields leave lower layers alone.
type Overrides struct {
	ConfigFile string
	UpstreamDB string
	DataDir    string
	ExportDir  string
	LogLevel   string
}

type fileConfig struct {
	UpstreamDB   string `yaml:"upstream_db"`
	DataDir      string `yaml:"data_dir"`
	ExportDir    string `yaml:"export_dir"`
	LogFile      string `yaml:"log_file"`
	LogLevel     string `yaml:"log_level"`
	GlamourStyle string `yaml:"glamour_style"`
}

// Load layers defaults, the YAML file, environment and overrides, in that
// order, and creates the data directory. A missing default config file is
// fine; a missing explicit one is an error.
func Load(o Overrides) (AppConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return AppConfig{}, fmt.Errorf("resolve home directory: %w", err)
	}

	fc := fileConfig{
		UpstreamDB:   filepath.Join(home, ".local", "share", "opencode", "opencode.db"),
		DataDir:      filepath.Join(home, ".local", "share", "opencode-trace"),
		LogLevel:     "info",
		GlamourStyle: DefaultGlamourStyle,
	}

	cfgPath := o.ConfigFile
	explicit := cfgPath != ""
	if !explicit {
		cfgPath = filepath.Join(home, ".config", "opencode-trace", "config.yaml")
	}
	read, err := readFile(cfgPath, &fc)
	if err != nil && (explicit || !errors.Is(err, os.ErrNotExist)) {
		return AppConfig{}, err
	}

	fc.UpstreamDB = getEnv("OPENCODE_DB", fc.UpstreamDB)
	fc.DataDir = getEnv("OPENCODE_TRACE_DATA", fc.DataDir)
	fc.LogFile = getEnv("OPENCODE_TRACE_LOG_FILE", fc.LogFile)
	fc.LogLevel = getEnv("OPENCODE_TRACE_LOG_LEVEL", fc.LogLevel)

	fc.UpstreamDB = pick(o.UpstreamDB, fc.UpstreamDB)
	fc.DataDir = pick(o.DataDir, fc.DataDir)
	fc.ExportDir = pick(o.ExportDir, fc.ExportDir)
	fc.LogLevel = pick(o.LogLevel, fc.LogLevel)

	cfg := AppConfig{
		UpstreamDB:   expandHome(fc.UpstreamDB, home),
		DataDir:      expandHome(fc.DataDir, home),
		ExportDir:    expandHome(fc.ExportDir, home),
		LogFile:      expandHome(fc.LogFile, home),
		LogLevel:     ParseLogLevel(fc.LogLevel),
		GlamourStyle: fc.GlamourStyle,
	}
	if read {
		cfg.ConfigFile = cfgPath
	}
	cfg.ExtensionDB = filepath.Join(cfg.DataDir, extensionDBName)
	cfg.MirrorDB = filepath.Join(cfg.DataDir, mirrorDBName)
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.DataDir, logFileName)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

func readFile(path string, into *fileConfig) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, into); err != nil {
		return false, fmt.Errorf("parse config %s: %w", path, err)
	}
	return true, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func pick(override, fallback string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return fallback
}

func expandHome(p, home string) string {
	if p == "" {
		return ""
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return filepath.Clean(p)
}

func ParseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
