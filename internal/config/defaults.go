package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
)

const appName = "trustd"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/trustd/
//   - Linux:   $XDG_DATA_HOME/trustd/ or ~/.local/share/trustd/
//
// Falls back to ~/.trustd elsewhere.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	case "linux":
		return xdgDir("XDG_DATA_HOME", ".local", "share")
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return PlatformDataDir()
	case "linux":
		return xdgDir("XDG_CONFIG_HOME", ".config")
	default:
		return fallbackDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	if runtime.GOOS == "darwin" {
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	}
	return filepath.Join(PlatformDataDir(), "logs")
}

// PlatformRuntimeDir returns the directory for the control socket:
// $XDG_RUNTIME_DIR/trustd when set, else /tmp/trustd-$UID.
func PlatformRuntimeDir() string {
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, appName)
	}
	return filepath.Join(os.TempDir(), appName+"-"+strconv.Itoa(os.Getuid()))
}

// xdgDir resolves an XDG base directory, falling back to a path under $HOME.
func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, appName)
	}
	parts := append([]string{homeDir()}, fallback...)
	return filepath.Join(append(parts, appName)...)
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), "."+appName)
}

func defaultSocketPath() string {
	return filepath.Join(PlatformRuntimeDir(), appName+".sock")
}

func defaultUserID() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "uid-" + strconv.Itoa(os.Getuid())
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches for a config file in the current directory, then
// the config directory. It returns "" when none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
