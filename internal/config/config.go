// Package config loads the bot configuration from a YAML file and
// fills in defaults for anything left unset.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the file leaves a setting unset.
const (
	DefaultPluginDir       = "plugins"
	DefaultDebounceSeconds = 0.5
	DefaultHistoryCapacity = 100
	DefaultCommandPrefix   = "!"
	DefaultLogLevel        = "info"
)

// ErrValidation is the class of configuration validation failures.
var ErrValidation = errors.New("invalid configuration")

// Config is the full bot configuration.
type Config struct {
	Bot     Bot     `yaml:"bot"`
	Plugins Plugins `yaml:"plugins"`
	Events  Events  `yaml:"events"`
	Log     Log     `yaml:"log"`
}

// Bot configures the chat-facing host.
type Bot struct {
	// Name is the bot's display name.
	Name string `yaml:"name"`

	// CommandPrefix introduces admin commands, e.g. "!" for "!plugins".
	CommandPrefix string `yaml:"command_prefix"`

	// Admins are the users allowed to run plugin control commands.
	Admins []string `yaml:"admins"`
}

// Plugins configures the plugin runtime.
type Plugins struct {
	// Dir is the plugin source directory.
	Dir string `yaml:"dir"`

	// HotReload enables the file watcher.
	HotReload bool `yaml:"hot_reload"`

	// DebounceSeconds is the quiet period before a change reloads.
	DebounceSeconds float64 `yaml:"debounce_seconds"`

	// Configs holds each plugin's own configuration sub-object, keyed
	// by plugin name and passed through opaquely.
	Configs map[string]map[string]any `yaml:"configs"`
}

// Events configures the event bus.
type Events struct {
	// HistoryCapacity bounds the event history ring buffer.
	HistoryCapacity int `yaml:"history_capacity"`
}

// Log configures logging.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches from text to JSON output.
	JSON bool `yaml:"json"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Bot: Bot{
			Name:          "wren",
			CommandPrefix: DefaultCommandPrefix,
		},
		Plugins: Plugins{
			Dir:             DefaultPluginDir,
			HotReload:       true,
			DebounceSeconds: DefaultDebounceSeconds,
		},
		Events: Events{
			HistoryCapacity: DefaultHistoryCapacity,
		},
		Log: Log{
			Level: DefaultLogLevel,
		},
	}
}

// Load reads a configuration file over the defaults. A missing path is
// not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the settings a typo would most likely break.
func (c *Config) Validate() error {
	if c.Plugins.Dir == "" {
		return fmt.Errorf("%w: plugins.dir must not be empty", ErrValidation)
	}
	if c.Plugins.DebounceSeconds < 0 {
		return fmt.Errorf("%w: plugins.debounce_seconds must not be negative", ErrValidation)
	}
	if c.Events.HistoryCapacity < 0 {
		return fmt.Errorf("%w: events.history_capacity must not be negative", ErrValidation)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Debounce returns the reload debounce as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Plugins.DebounceSeconds * float64(time.Second))
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
