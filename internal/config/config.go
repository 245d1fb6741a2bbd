// Package config loads gsync settings from a TOML file, the environment and
// built-in defaults.
//
// Keys are grouped by section ("server.url", "sync.echo_window", ...). An
// environment variable named GSYNC_<SECTION>_<KEY> overrides the file, and the
// file overrides the defaults. The sync section can be reloaded while the
// engine runs, see Source.Watch.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/godiwi/statesync/internal/syncer"
	"github.com/godiwi/statesync/internal/transport"
)

const (
	// FileName is the config file looked up when no path is given.
	FileName = "gsync.toml"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "GSYNC"

	// DefaultServerURL is where the job server listens by default.
	DefaultServerURL = "http://localhost:9078"
)

// Example is a commented config file holding the defaults.
//
//go:embed gsync.example.toml
var Example []byte

// ErrExists is returned by WriteExample when the target file is already there.
var ErrExists = errors.New("config file already exists")

// Config is the decoded configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Log    LogConfig    `mapstructure:"log"`
	Serve  ServeConfig  `mapstructure:"serve"`
}

// ServerConfig locates the job server.
type ServerConfig struct {
	URL         string `mapstructure:"url"`
	StatePath   string `mapstructure:"state_path"`
	DirListPath string `mapstructure:"dirlist_path"`
}

// SyncConfig tunes the sync engine and its transport.
type SyncConfig struct {
	EchoWindow        time.Duration `mapstructure:"echo_window"`
	OriginFilter      string        `mapstructure:"origin_filter"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// LogConfig selects level and destination of the log.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// ServeConfig configures `gsync serve`.
type ServeConfig struct {
	Addr string `mapstructure:"addr"`
}

// defaults mirror gsync.example.toml. Durations are strings so that Settings
// shows them the way a user writes them.
var defaults = map[string]any{
	"server.url":               DefaultServerURL,
	"server.state_path":        transport.DefaultStatePath,
	"server.dirlist_path":      transport.DefaultDirListPath,
	"sync.echo_window":         "1s",
	"sync.origin_filter":       string(syncer.FilterForeign),
	"sync.reconnect_delay":     "0s",
	"sync.request_timeout":     "30s",
	"sync.requests_per_second": 0,
	"log.level":                "info",
	"log.file":                 "",
	"log.max_size_mb":          10,
	"log.max_backups":          3,
	"serve.addr":               ":9078",
}

// Validate checks values that decoding alone cannot.
func (c *Config) Validate() error {
	if _, err := syncer.ParseOriginFilter(c.Sync.OriginFilter); err != nil {
		return fmt.Errorf("sync.origin_filter: %w", err)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Sync.EchoWindow < 0 {
		return fmt.Errorf("sync.echo_window must not be negative, got %s", c.Sync.EchoWindow)
	}
	if c.Sync.RequestsPerSecond < 0 {
		return fmt.Errorf("sync.requests_per_second must not be negative, got %v", c.Sync.RequestsPerSecond)
	}
	return nil
}

// Policy returns the engine policy of the sync section.
func (c *Config) Policy() (syncer.Policy, error) {
	filter, err := syncer.ParseOriginFilter(c.Sync.OriginFilter)
	if err != nil {
		return syncer.Policy{}, err
	}
	return syncer.Policy{
		EchoWindow:     c.Sync.EchoWindow,
		OriginFilter:   filter,
		ReconnectDelay: c.Sync.ReconnectDelay,
	}, nil
}

// ClientOptions returns transport options for the configured server.
func (c *Config) ClientOptions(logger *log.Logger) transport.Options {
	return transport.Options{
		BaseURL:           c.Server.URL,
		StatePath:         c.Server.StatePath,
		DirListPath:       c.Server.DirListPath,
		Timeout:           c.Sync.RequestTimeout,
		RequestsPerSecond: c.Sync.RequestsPerSecond,
		Logger:            logger,
	}
}

// Source is a loaded configuration that can be re-read and watched.
type Source struct {
	v *viper.Viper
}

// Open reads the config file at path. An empty path looks for gsync.toml in the
// working directory and the user config directory; not finding one there is
// not an error.
func Open(path string) (*Source, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "gsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return &Source{v: v}, nil
}

// Load is Open followed by Config.
func Load(path string) (*Config, error) {
	src, err := Open(path)
	if err != nil {
		return nil, err
	}
	return src.Config()
}

// File returns the config file in use, or "" when running on defaults.
func (s *Source) File() string {
	return s.v.ConfigFileUsed()
}

// Config decodes and validates the current settings.
func (s *Source) Config() (*Config, error) {
	var cfg Config
	if err := s.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Settings returns the effective settings as nested maps.
func (s *Source) Settings() map[string]any {
	return s.v.AllSettings()
}

// EncodeTOML writes the effective settings as TOML.
func (s *Source) EncodeTOML() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s.Settings()); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// Watch calls fn with the new configuration whenever the config file changes.
// Invalid edits are logged and skipped. Watching a Source without a file does
// nothing and returns false.
func (s *Source) Watch(logger *log.Logger, fn func(*Config)) bool {
	if s.File() == "" {
		return false
	}

	s.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := s.Config()
		if err != nil {
			logger.Warn("Ignoring config change", "file", e.Name, "err", err)
			return
		}
		logger.Info("Config reloaded", "file", e.Name)
		fn(cfg)
	})
	s.v.WatchConfig()
	return true
}

// WriteExample writes the example config to path with serverURL filled in. An
// existing file is left alone and ErrExists returned.
func WriteExample(path, serverURL string) error {
	data := Example
	if serverURL != "" && serverURL != DefaultServerURL {
		data = bytes.Replace(Example, []byte(`"`+DefaultServerURL+`"`), []byte(`"`+serverURL+`"`), 1)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
		return fmt.Errorf("failed to create config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}
