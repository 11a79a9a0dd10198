// Package config handles configuration loading, validation, and management for trustd.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configuration for document persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Capture configuration for the raw input source.
	Capture CaptureConfig `toml:"capture" json:"capture" yaml:"capture"`

	// Engine configuration for the analysis loop.
	Engine EngineConfig `toml:"engine" json:"engine" yaml:"engine"`

	// Settings seeds the user-facing settings document when none is stored.
	Settings Settings `toml:"settings" json:"settings" yaml:"settings"`

	// IPC configuration for the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Bus configuration for publishing UI events to NATS.
	Bus BusConfig `toml:"bus" json:"bus" yaml:"bus"`

	// Metrics configuration for the Prometheus endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Desktop integration over D-Bus.
	Desktop DesktopConfig `toml:"desktop" json:"desktop" yaml:"desktop"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Backend is "sqlite", "redis" or "memory".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	RedisAddr     string `toml:"redis_addr" json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `toml:"redis_password" json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `toml:"redis_db" json:"redis_db" yaml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix" json:"redis_prefix" yaml:"redis_prefix"`

	// Encrypt seals every document with a key stored at KeyPath.
	Encrypt bool   `toml:"encrypt" json:"encrypt" yaml:"encrypt"`
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`
}

// CaptureConfig holds raw input capture configuration.
type CaptureConfig struct {
	// Source is "evdev" or "none".
	Source string `toml:"source" json:"source" yaml:"source"`

	// Devices optionally restricts capture to these device globs,
	// e.g. "/dev/input/by-id/*-kbd". Empty means autodetect.
	Devices []string `toml:"devices" json:"devices" yaml:"devices"`

	// QueueHint is the initial capacity of the event queue.
	QueueHint int `toml:"queue_hint" json:"queue_hint" yaml:"queue_hint"`
}

// EngineConfig holds analysis loop configuration.
type EngineConfig struct {
	// TickMs is the evaluation cadence in milliseconds.
	TickMs int `toml:"tick_ms" json:"tick_ms" yaml:"tick_ms"`

	// UserID is stamped on new profiles. Defaults to the login name.
	UserID string `toml:"user_id" json:"user_id" yaml:"user_id"`
}

// Settings are the user-facing toggles persisted in the settings document.
type Settings struct {
	Enabled       bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Sensitivity   string `toml:"sensitivity" json:"sensitivity" yaml:"sensitivity"`
	Notifications bool   `toml:"notifications" json:"notifications" yaml:"notifications"`
	AutoBlock     bool   `toml:"auto_block" json:"autoBlock" yaml:"auto_block"`
	PrivacyMode   bool   `toml:"privacy_mode" json:"privacyMode" yaml:"privacy_mode"`
	AutoStart     bool   `toml:"auto_start" json:"autoStart" yaml:"auto_start"`
	LaunchAtLogin bool   `toml:"launch_at_login" json:"launchAtLogin" yaml:"launch_at_login"`
}

// IPCConfig holds control socket configuration.
type IPCConfig struct {
	// Enabled determines whether the IPC server is started.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// MaxConnections is the maximum concurrent connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
}

// BusConfig holds NATS publishing configuration.
type BusConfig struct {
	Enabled       bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	URL           string `toml:"url" json:"url" yaml:"url"`
	SubjectPrefix string `toml:"subject_prefix" json:"subject_prefix" yaml:"subject_prefix"`
}

// MetricsConfig holds Prometheus exporter configuration.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DesktopConfig toggles D-Bus integrations.
type DesktopConfig struct {
	// Notifications sends alerts to org.freedesktop.Notifications.
	Notifications bool `toml:"notifications" json:"notifications" yaml:"notifications"`

	// Lock locks the session through logind on auto-block.
	Lock bool `toml:"lock" json:"lock" yaml:"lock"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file" or "both").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// DefaultSettings returns the settings a fresh install starts with.
func DefaultSettings() Settings {
	return Settings{
		Enabled:       true,
		Sensitivity:   "medium",
		Notifications: true,
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := TrustdDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Backend:     "sqlite",
			Path:        filepath.Join(dir, "trustd.db"),
			RedisAddr:   "localhost:6379",
			RedisPrefix: "trustd:",
			Encrypt:     true,
			KeyPath:     filepath.Join(dir, "store.key"),
		},
		Capture: CaptureConfig{
			Source:    "evdev",
			Devices:   []string{},
			QueueHint: 1024,
		},
		Engine: EngineConfig{
			TickMs: 3000,
			UserID: defaultUserID(),
		},
		Settings: DefaultSettings(),
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     defaultSocketPath(),
			MaxConnections: 16,
		},
		Bus: BusConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "trustd",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9477",
		},
		Desktop: DesktopConfig{
			Notifications: true,
			Lock:          true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "trustd.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path, applies environment
// overrides and validates the result. A missing file yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.KeyPath),
		filepath.Dir(c.IPC.SocketPath),
	}
	if c.Storage.Backend == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// TrustdDir returns the base data directory.
// Uses platform-specific paths or the TRUSTD_DATA_DIR environment override.
func TrustdDir() string {
	if envDir := os.Getenv("TRUSTD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with TRUSTD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Storage overrides
	if v := os.Getenv("TRUSTD_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("TRUSTD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("TRUSTD_REDIS_ADDR"); v != "" {
		c.Storage.RedisAddr = v
	}
	// Credentials from env (for security)
	if v := os.Getenv("TRUSTD_REDIS_PASSWORD"); v != "" {
		c.Storage.RedisPassword = v
	}

	if v := os.Getenv("TRUSTD_CAPTURE_SOURCE"); v != "" {
		c.Capture.Source = v
	}

	// Logging overrides
	if v := os.Getenv("TRUSTD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TRUSTD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("TRUSTD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("TRUSTD_NATS_URL"); v != "" {
		c.Bus.URL = v
		c.Bus.Enabled = true
	}
	if v := os.Getenv("TRUSTD_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
		c.Metrics.Enabled = true
	}
	if v := os.Getenv("TRUSTD_ENCRYPT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Storage.Encrypt = b
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:  c.Version,
		Storage:  c.Storage,
		Capture:  c.Capture,
		Engine:   c.Engine,
		Settings: c.Settings,
		IPC:      c.IPC,
		Bus:      c.Bus,
		Metrics:  c.Metrics,
		Desktop:  c.Desktop,
		Logging:  c.Logging,
	}
	clone.Capture.Devices = append([]string{}, c.Capture.Devices...)
	return clone
}

// SaveConfig writes cfg to path in the format implied by its extension.
func SaveConfig(cfg *Config, path string) error {
	data, err := encode(cfg, filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func encodeTOML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# trustd configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
