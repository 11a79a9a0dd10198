package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidConfig is matched by every ValidationErrors value.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is reports whether target is ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ValidateConfig checks every section. Warnings alone do not fail
// validation.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateCapture(&c.Capture)...)
	errs = append(errs, validateEngine(&c.Engine)...)
	errs = append(errs, ValidateSettings(c.Settings)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateBus(&c.Bus)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if errs.HasErrors() {
		return errs.Errors()
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Backend {
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, *RequiredFieldError("storage.path"))
			break
		}
		dir := filepath.Dir(expandPath(s.Path))
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: fmt.Sprintf("parent path is not a directory: %s", dir),
			})
		}
	case "redis":
		if s.RedisAddr == "" {
			errs = append(errs, *RequiredFieldError("storage.redis_addr"))
		}
		if s.RedisDB < 0 || s.RedisDB > 15 {
			errs = append(errs, *RangeError("storage.redis_db", 0, 15))
		}
	case "memory":
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: "memory backend does not survive restarts",
		})
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid storage backend: %s (valid: sqlite, redis, memory)", s.Backend),
		})
	}

	if s.Encrypt && s.KeyPath == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.key_path",
			Message: "key path is required when encryption is enabled",
		})
	}
	return errs
}

func validateCapture(c *CaptureConfig) ValidationErrors {
	var errs ValidationErrors

	switch c.Source {
	case "evdev", "none":
	default:
		errs = append(errs, ValidationError{
			Field:   "capture.source",
			Message: fmt.Sprintf("invalid capture source: %s (valid: evdev, none)", c.Source),
		})
	}

	for i, pattern := range c.Devices {
		if !isValidGlobPattern(pattern) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("capture.devices[%d]", i),
				Message: fmt.Sprintf("invalid glob pattern: %s", pattern),
			})
		}
	}

	if c.QueueHint < 0 {
		errs = append(errs, ValidationError{
			Field:   "capture.queue_hint",
			Message: "queue hint cannot be negative",
		})
	}
	return errs
}

func validateEngine(e *EngineConfig) ValidationErrors {
	var errs ValidationErrors
	if e.TickMs < 100 || e.TickMs > 60_000 {
		errs = append(errs, *RangeError("engine.tick_ms", 100, 60_000))
	}
	if e.UserID == "" {
		errs = append(errs, *RequiredFieldError("engine.user_id"))
	}
	return errs
}

// ValidateSettings checks a settings document.
func ValidateSettings(s Settings) ValidationErrors {
	switch s.Sensitivity {
	case "low", "medium", "high":
		return nil
	}
	return ValidationErrors{{
		Field:   "settings.sensitivity",
		Message: fmt.Sprintf("invalid sensitivity: %s (valid: low, medium, high)", s.Sensitivity),
	}}
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}
	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}
	return errs
}

func validateBus(b *BusConfig) ValidationErrors {
	var errs ValidationErrors
	if !b.Enabled {
		return errs
	}
	if !isValidURL(b.URL, "nats", "tls", "ws", "wss") {
		errs = append(errs, ValidationError{
			Field:   "bus.url",
			Message: fmt.Sprintf("invalid NATS URL: %s", b.URL),
		})
	}
	if b.SubjectPrefix == "" || strings.ContainsAny(b.SubjectPrefix, " *>") {
		errs = append(errs, ValidationError{
			Field:   "bus.subject_prefix",
			Message: "subject prefix must be a non-empty literal token",
		})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if m.Enabled && m.ListenAddr == "" {
		return ValidationErrors{*RequiredFieldError("metrics.listen_addr")}
	}
	return nil
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	return errs
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isValidGlobPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	_, err := filepath.Match(pattern, "test")
	return err == nil
}

func isValidURL(rawURL string, schemes ...string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	return e.Field == "storage.backend" && strings.HasPrefix(e.Message, "memory")
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
