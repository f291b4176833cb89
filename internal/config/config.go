// Package config handles configuration loading and defaults.
//
// Values are resolved in priority order: defaults, user config file,
// project config file, environment variables, CLI flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/testherd/testherd/internal/execlocal"
	"github.com/testherd/testherd/internal/provider"
)

// Default values.
const (
	DefaultProvider = "claude"
	DefaultLogDir   = "~/.testherd"
	DefaultLogLevel = "info"
)

// ProviderConfig holds per-backend settings.
type ProviderConfig struct {
	Binary     string `toml:"binary"`
	Model      string `toml:"model"`
	Reasoning  string `toml:"reasoning"`
	AllowWrite bool   `toml:"allow_write"`
}

// Config holds the full configuration for testherd.
type Config struct {
	// Provider is the default backend kind for runs.
	Provider string `toml:"provider"`

	// LogDir is where per-run JSONL event logs go.
	LogDir string `toml:"log_dir"`

	// LogLevel controls console verbosity (debug|info|warn|error).
	LogLevel string `toml:"log_level"`

	// SilenceTimeoutSeconds is the watchdog threshold; zero means the
	// built-in default.
	SilenceTimeoutSeconds int `toml:"silence_timeout_seconds"`

	// OutputByteCap bounds local-runner capture per stream; zero means
	// the built-in default.
	OutputByteCap int `toml:"output_byte_cap"`

	// Providers maps backend kind to its settings.
	Providers map[string]ProviderConfig `toml:"providers"`
}

// Load resolves configuration from all sources. The flag set gains the
// global flags; remaining arguments stay available via fs.Args.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	setDefaults(cfg)

	if userFile := findUserConfigFile(); userFile != "" {
		if err := loadConfigFile(cfg, userFile); err != nil {
			return nil, fmt.Errorf("loading user config file %s: %w", userFile, err)
		}
	}
	if projectFile := findProjectConfigFile(); projectFile != "" {
		if err := loadConfigFile(cfg, projectFile); err != nil {
			return nil, fmt.Errorf("loading project config file %s: %w", projectFile, err)
		}
	}

	loadFromEnv(cfg)

	if err := parseFlags(cfg, fs, args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	cfg.LogDir = expandHome(cfg.LogDir)
	return cfg, nil
}

// SilenceTimeout returns the configured watchdog threshold, or the provider
// default when unset.
func (c *Config) SilenceTimeout() time.Duration {
	if c.SilenceTimeoutSeconds > 0 {
		return time.Duration(c.SilenceTimeoutSeconds) * time.Second
	}
	return provider.DefaultSilenceTimeout
}

// ByteCap returns the configured capture cap, or the runner default when
// unset.
func (c *Config) ByteCap() int {
	if c.OutputByteCap > 0 {
		return c.OutputByteCap
	}
	return execlocal.DefaultOutputByteCap
}

// ProviderSettings returns the settings for a backend kind, zero-valued
// when not configured.
func (c *Config) ProviderSettings(kind string) ProviderConfig {
	if c.Providers == nil {
		return ProviderConfig{}
	}
	return c.Providers[kind]
}

func setDefaults(cfg *Config) {
	cfg.Provider = DefaultProvider
	cfg.LogDir = DefaultLogDir
	cfg.LogLevel = DefaultLogLevel
	cfg.Providers = map[string]ProviderConfig{}
}

func loadConfigFile(cfg *Config, path string) error {
	_, err := toml.DecodeFile(path, cfg)
	return err
}

// findUserConfigFile looks for ~/.testherd/testherd.toml.
func findUserConfigFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, ".testherd", "testherd.toml")
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

// findProjectConfigFile looks for testherd.toml or .testherd.toml in the
// current directory.
func findProjectConfigFile() string {
	for _, name := range []string{"testherd.toml", ".testherd.toml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("TESTHERD_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("TESTHERD_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("TESTHERD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TESTHERD_SILENCE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SilenceTimeoutSeconds = n
		}
	}
	if v := os.Getenv("TESTHERD_OUTPUT_BYTE_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OutputByteCap = n
		}
	}
	for _, kind := range []string{"claude", "codex", "generic"} {
		if v := os.Getenv("TESTHERD_" + strings.ToUpper(kind) + "_BINARY"); v != "" {
			pc := cfg.Providers[kind]
			pc.Binary = v
			cfg.Providers[kind] = pc
		}
	}
}

func parseFlags(cfg *Config, fs *flag.FlagSet, args []string) error {
	providerFlag := fs.String("provider", cfg.Provider, "Provider backend (claude|codex|generic)")
	logDir := fs.String("log-dir", cfg.LogDir, "Directory for run logs")
	logLevel := fs.String("log-level", cfg.LogLevel, "Log level (debug|info|warn|error)")
	silence := fs.Int("silence-timeout", cfg.SilenceTimeoutSeconds, "Watchdog silence timeout in seconds (0 = default)")
	byteCap := fs.Int("output-byte-cap", cfg.OutputByteCap, "Per-stream output capture cap in bytes (0 = default)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg.Provider = *providerFlag
	cfg.LogDir = *logDir
	cfg.LogLevel = *logLevel
	cfg.SilenceTimeoutSeconds = *silence
	cfg.OutputByteCap = *byteCap
	return nil
}

func expandHome(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
