// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for taskwatch.
//
// Configuration is loaded from a single file specified by:
//   - TASKWATCH_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The file is the
// source of truth; the only implicit inputs are ${VAR} expansions in
// path values and the explicit, documented overrides applied by
// ApplyEnvironment. This keeps configuration deterministic and
// auditable.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the taskwatch daemon.
type Config struct {
	// Paths configures where taskwatch keeps its data.
	Paths PathsConfig `yaml:"paths"`

	// Watch configures transcript change detection.
	Watch WatchConfig `yaml:"watch"`

	// Monitor configures correlation and task lifecycle timing.
	Monitor MonitorConfig `yaml:"monitor"`

	// Index configures the step search index.
	Index IndexConfig `yaml:"index"`

	// Server configures the HTTP query and push API.
	Server ServerConfig `yaml:"server"`

	// Log configures daemon logging.
	Log LogConfig `yaml:"log"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for taskwatch data. Task records
	// live under <root>/tasks.
	Root string `yaml:"root"`

	// Index is the step search database file.
	// Default: <root>/index.db
	Index string `yaml:"index"`
}

// WatchConfig configures the transcript change detector.
type WatchConfig struct {
	// Root is the transcript tree to watch. Required. The agent
	// writes one <root>/<project>/<session>.jsonl per work session.
	Root string `yaml:"root"`

	// Suffix selects which files produce change events.
	// Default: .jsonl
	Suffix string `yaml:"suffix"`

	// PollInterval is the scan cadence of the polling detector.
	// Default: 2s
	PollInterval Duration `yaml:"poll_interval"`

	// ForcePoll selects the polling detector even where inotify is
	// available.
	// Default: false
	ForcePoll bool `yaml:"force_poll"`

	// QueueSize bounds the change event queue.
	// Default: 256
	QueueSize int `yaml:"queue_size"`
}

// MonitorConfig configures correlation and task lifecycle timing.
type MonitorConfig struct {
	// CorrelationWindow is the maximum distance between a registered
	// start time and a transcript's first timestamp for the two to
	// bind.
	// Default: 10s
	CorrelationWindow Duration `yaml:"correlation_window"`

	// PendingExpiry is how long a registration waits for its
	// transcript before the task is recorded as never started.
	// Default: 2m
	PendingExpiry Duration `yaml:"pending_expiry"`

	// IdleTimeout is the transcript silence after which a running
	// task is considered finished.
	// Default: 5m
	IdleTimeout Duration `yaml:"idle_timeout"`

	// SweepInterval is the cadence of the expiry sweep.
	// Default: 20s
	SweepInterval Duration `yaml:"sweep_interval"`

	// ArchiveAge is the age past completion at which a task's step
	// log is compacted into an archive. Zero disables archiving.
	// Default: 24h
	ArchiveAge Duration `yaml:"archive_age"`
}

// IndexConfig configures the step search index.
type IndexConfig struct {
	// Enabled turns the search index on. When false the daemon runs
	// without search; everything else works.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// PoolSize is the SQLite connection count.
	// Default: 4
	PoolSize int `yaml:"pool_size"`
}

// ServerConfig configures the HTTP query and push API.
type ServerConfig struct {
	// Listen is the TCP address the daemon serves on.
	// Default: 127.0.0.1:7700
	Listen string `yaml:"listen"`

	// KeepAlive is the idle interval between keep-alive comments on
	// event stream connections.
	// Default: 15s
	KeepAlive Duration `yaml:"keep_alive"`

	// ShutdownGrace is how long in-flight requests get to finish
	// during shutdown.
	// Default: 5s
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	// Level is the minimum severity: debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is the handler style: text or json.
	// Default: text
	Format string `yaml:"format"`
}

// Duration is a time.Duration that unmarshals from YAML duration
// strings ("30s", "2m") as well as bare nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements custom unmarshaling for both forms.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar value")
	}
	if parsed, err := time.ParseDuration(value.Value); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var nanos int64
	if err := value.Decode(&nanos); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(nanos)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// Watch.Root has no default: there is no universal transcript
// location, so the config file must name one.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "taskwatch")

	return &Config{
		Paths: PathsConfig{
			Root: defaultRoot,
		},
		Watch: WatchConfig{
			Suffix:       ".jsonl",
			PollInterval: Duration(2 * time.Second),
			QueueSize:    256,
		},
		Monitor: MonitorConfig{
			CorrelationWindow: Duration(10 * time.Second),
			PendingExpiry:     Duration(2 * time.Minute),
			IdleTimeout:       Duration(5 * time.Minute),
			SweepInterval:     Duration(20 * time.Second),
			ArchiveAge:        Duration(24 * time.Hour),
		},
		Index: IndexConfig{
			Enabled:  true,
			PoolSize: 4,
		},
		Server: ServerConfig{
			Listen:        "127.0.0.1:7700",
			KeepAlive:     Duration(15 * time.Second),
			ShutdownGrace: Duration(5 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the TASKWATCH_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks: if TASKWATCH_CONFIG is not set, this
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("TASKWATCH_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("TASKWATCH_CONFIG environment variable not set; " +
			"set it to the path of your taskwatch.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The file is merged over Default(). The only expansion performed is
// ${HOME} and similar path variables for portability; process
// environment overrides are a separate, explicit step
// (ApplyEnvironment).
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// ApplyEnvironment applies TASKWATCH_* process environment overrides
// on top of loaded values. Commands call this after LoadFile and
// before applying flags, so the precedence is flag > environment >
// file > default. Recognized variables:
//
//	TASKWATCH_ROOT        paths.root
//	TASKWATCH_WATCH_ROOT  watch.root
//	TASKWATCH_LISTEN      server.listen
//	TASKWATCH_LOG_LEVEL   log.level
func (c *Config) ApplyEnvironment() {
	if v := os.Getenv("TASKWATCH_ROOT"); v != "" {
		c.Paths.Root = v
	}
	if v := os.Getenv("TASKWATCH_WATCH_ROOT"); v != "" {
		c.Watch.Root = v
	}
	if v := os.Getenv("TASKWATCH_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("TASKWATCH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"TASKWATCH_ROOT": c.Paths.Root,
		"HOME":           os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["TASKWATCH_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Index = expandVars(c.Paths.Index, vars)
	c.Watch.Root = expandVars(c.Watch.Root, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// IndexPath returns the step index database file, defaulting to
// index.db under the data root.
func (c *Config) IndexPath() string {
	if c.Paths.Index != "" {
		return c.Paths.Index
	}
	return filepath.Join(c.Paths.Root, "index.db")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}

	if c.Watch.Root == "" {
		errs = append(errs, fmt.Errorf("watch.root is required"))
	}
	if c.Watch.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("watch.poll_interval must be positive"))
	}

	if c.Monitor.CorrelationWindow <= 0 {
		errs = append(errs, fmt.Errorf("monitor.correlation_window must be positive"))
	}
	if c.Monitor.PendingExpiry <= 0 {
		errs = append(errs, fmt.Errorf("monitor.pending_expiry must be positive"))
	}
	if c.Monitor.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("monitor.idle_timeout must be positive"))
	}
	if c.Monitor.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("monitor.sweep_interval must be positive"))
	}
	if c.Monitor.ArchiveAge < 0 {
		errs = append(errs, fmt.Errorf("monitor.archive_age must not be negative"))
	}

	if c.Server.Listen == "" {
		errs = append(errs, fmt.Errorf("server.listen is required"))
	}

	levels := []string{"debug", "info", "warn", "error"}
	if !contains(levels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", levels))
	}
	formats := []string{"text", "json"}
	if !contains(formats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", formats))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the configured directories if they don't exist.
// The watch root is not created: the agent owns that tree.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		filepath.Dir(c.IndexPath()),
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

// SlogLevel maps the configured level name to a slog.Level. Unknown
// names map to info; Validate rejects them before this matters.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
