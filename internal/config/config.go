// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package config loads host configuration from a YAML file and command
// line flags. Flags set explicitly override the file; the file overrides
// flag defaults.
package config

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/keystone-run/keystone/internal/logging"
	"github.com/keystone-run/keystone/internal/plugin/namespace"
	"github.com/keystone-run/keystone/internal/xdg"
)

// Status store backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Defaults.
const (
	DefaultMetricsAddr    = "127.0.0.1:9100"
	DefaultLogFormat      = "json"
	DefaultLogLevel       = "info"
	DefaultEventBuffer    = 256
	DefaultHandlerTimeout = 5 * time.Second
	DefaultStopTimeout    = 30 * time.Second
)

// Config is the host configuration.
type Config struct {
	// PluginDirs are the plugin repository roots, searched in order.
	PluginDirs []string `koanf:"plugin-dirs"`
	// Ignore holds glob patterns of package directories to skip.
	Ignore []string `koanf:"ignore"`

	StatusBackend string `koanf:"status-backend"`
	StatusDir     string `koanf:"status-dir"`
	WatchStatus   bool   `koanf:"watch-status"`
	DatabaseURL   string `koanf:"database-url"`

	// SystemVersion is the host version checked against plugin
	// requirements. Empty disables the check.
	SystemVersion       string `koanf:"system-version"`
	ExactVersionAllowed bool   `koanf:"exact-version-allowed"`
	NamespaceMode       string `koanf:"namespace-mode"`

	SingletonExtensions bool `koanf:"singleton-extensions"`

	MetricsAddr    string        `koanf:"metrics-addr"`
	LogFormat      string        `koanf:"log-format"`
	LogLevel       string        `koanf:"log-level"`
	EventBuffer    int           `koanf:"event-buffer"`
	HandlerTimeout time.Duration `koanf:"handler-timeout"`
	StopTimeout    time.Duration `koanf:"stop-timeout"`
}

// RegisterFlags adds a flag for every configuration key to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSlice("plugin-dirs", nil, "plugin repository roots (default: $XDG_DATA_HOME/keystone/plugins)")
	fs.StringSlice("ignore", nil, "glob patterns of package directories to skip")
	fs.String("status-backend", BackendFile, "plugin status store: file or postgres")
	fs.String("status-dir", "", "directory of the file status store (default: $XDG_STATE_HOME/keystone)")
	fs.Bool("watch-status", false, "reload the file status store when it changes on disk")
	fs.String("database-url", "", "PostgreSQL URL for the postgres status store")
	fs.String("system-version", "", "host version checked against plugin requirements")
	fs.Bool("exact-version-allowed", false, "accept exact versions as plugin requirements")
	fs.String("namespace-mode", namespace.HostFirst.String(), "default delegation mode: host-first or package-first")
	fs.Bool("singleton-extensions", false, "reuse one extension instance per started plugin")
	fs.String("metrics-addr", DefaultMetricsAddr, "metrics and health HTTP address (empty disables)")
	fs.String("log-format", DefaultLogFormat, "log format: json or text")
	fs.String("log-level", DefaultLogLevel, "log level: debug, info, warn or error")
	fs.Int("event-buffer", DefaultEventBuffer, "state event queue length")
	fs.Duration("handler-timeout", DefaultHandlerTimeout, "time limit for each state event handler")
	fs.Duration("stop-timeout", DefaultStopTimeout, "time limit for stopping all plugins on shutdown")
}

// Load reads path, when set, then the flags in fs, when non-nil. Unset
// values take their defaults and the result is validated.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_READ_FAILED").With("path", path).Wrap(err)
		}
	}
	if fs != nil {
		if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
			return nil, oops.Code("CONFIG_READ_FAILED").Wrap(err)
		}
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_INVALID").With("path", path).Wrap(err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if len(c.PluginDirs) == 0 {
		dir, err := xdg.PluginsDir()
		if err != nil {
			return err
		}
		c.PluginDirs = []string{dir}
	}
	if c.StatusBackend == "" {
		c.StatusBackend = BackendFile
	}
	if c.StatusDir == "" && c.StatusBackend == BackendFile {
		dir, err := xdg.StateDir()
		if err != nil {
			return err
		}
		c.StatusDir = dir
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.HandlerTimeout == 0 {
		c.HandlerTimeout = DefaultHandlerTimeout
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return nil
}

// Validate checks values that cannot be checked by type alone.
func (c *Config) Validate() error {
	invalid := func(key string, value any, format string, args ...any) error {
		return oops.Code("CONFIG_INVALID").With("key", key).With("value", value).Errorf(format, args...)
	}

	switch c.StatusBackend {
	case BackendFile:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return invalid("database-url", "", "database-url is required by the postgres status store")
		}
	default:
		return invalid("status-backend", c.StatusBackend, "status-backend must be %q or %q, got %q",
			BackendFile, BackendPostgres, c.StatusBackend)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return invalid("log-format", c.LogFormat, "log-format must be 'json' or 'text', got %q", c.LogFormat)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return invalid("log-level", c.LogLevel, "log-level %q is not a level", c.LogLevel)
	}
	if _, err := namespace.ParseMode(c.NamespaceMode); err != nil {
		return invalid("namespace-mode", c.NamespaceMode, "namespace-mode %q is not a mode", c.NamespaceMode)
	}
	if c.EventBuffer < 0 {
		return invalid("event-buffer", c.EventBuffer, "event-buffer must not be negative")
	}
	if c.HandlerTimeout < 0 || c.StopTimeout < 0 {
		return invalid("timeout", c.HandlerTimeout, "timeouts must not be negative")
	}
	return nil
}

// Mode returns the parsed namespace mode.
func (c *Config) Mode() namespace.Mode {
	m, _ := namespace.ParseMode(c.NamespaceMode)
	return m
}
