// Package paths provides XDG Base Directory Specification compliant path resolution.
// On macOS, it falls back to standard macOS locations when XDG variables are not set.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const appName = "sniproxy"

// Paths holds all resolved paths for the application.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// XDG: $XDG_CONFIG_HOME/sniproxy or ~/.config/sniproxy
	ConfigDir string

	// DataDir is the directory for persistent data (logs).
	// XDG: $XDG_DATA_HOME/sniproxy or ~/.local/share/sniproxy
	// macOS fallback: ~/Library/Application Support/sniproxy
	DataDir string

	// RuntimeDir is the directory for runtime files (PID, sockets).
	// XDG: $XDG_RUNTIME_DIR/sniproxy or fallback to DataDir
	RuntimeDir string

	// ConfigFile is the path to the main configuration file.
	ConfigFile string

	// PIDFile is the path to the daemon PID file.
	PIDFile string

	// LogFile is the path to the daemon log file.
	LogFile string
}

var (
	defaultPaths *Paths
	pathsOnce    sync.Once
)

// Default returns the default paths for the current system.
// The result is cached after the first call.
func Default() *Paths {
	pathsOnce.Do(func() {
		defaultPaths = resolve()
	})
	return defaultPaths
}

// resolve determines all paths based on environment and platform.
func resolve() *Paths {
	home := homeDir()

	p := &Paths{}

	// When running as root, use system-wide paths
	if os.Geteuid() == 0 {
		p.ConfigDir = "/etc/sniproxy"
		p.DataDir = "/var/lib/sniproxy"
		p.RuntimeDir = "/var/run/sniproxy"
	} else {
		p.ConfigDir = resolveConfigDir(home)
		p.DataDir = resolveDataDir(home)
		p.RuntimeDir = resolveRuntimeDir(home, p.DataDir)
	}

	// Files
	p.ConfigFile = filepath.Join(p.ConfigDir, "config.toml")
	p.PIDFile = filepath.Join(p.RuntimeDir, "sniproxy.pid")
	p.LogFile = filepath.Join(p.DataDir, "sniproxy.log")

	return p
}

// resolveConfigDir determines the configuration directory.
func resolveConfigDir(home string) string {
	// Check XDG_CONFIG_HOME first (works on all platforms)
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	// Default: ~/.config/sniproxy (same on macOS and Linux)
	return filepath.Join(home, ".config", appName)
}

// resolveDataDir determines the data directory.
func resolveDataDir(home string) string {
	// Check XDG_DATA_HOME first
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	// Platform-specific defaults
	if runtime.GOOS == "darwin" {
		// macOS: ~/Library/Application Support/sniproxy
		return filepath.Join(home, "Library", "Application Support", appName)
	}

	// Linux/others: ~/.local/share/sniproxy
	return filepath.Join(home, ".local", "share", appName)
}

// resolveRuntimeDir determines the runtime directory.
func resolveRuntimeDir(home string, dataDir string) string {
	// Check XDG_RUNTIME_DIR first
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	// Linux: /run/user/<uid> is typically set as XDG_RUNTIME_DIR.
	// If not set, fall back to the data directory.
	// macOS: no standard runtime dir, use the data directory.
	return dataDir
}

// homeDir returns the user's home directory.
func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	// Fallback for Windows (though we don't officially support it)
	if home := os.Getenv("USERPROFILE"); home != "" {
		return home
	}
	return "/"
}

// EnsureDirectories creates all necessary directories with proper permissions.
func (p *Paths) EnsureDirectories() error {
	dirs := []string{
		p.ConfigDir,
		p.DataDir,
		p.RuntimeDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	return nil
}

// Reset clears the cached default paths.
// Useful for testing with different environment variables.
func Reset() {
	defaultPaths = nil
	pathsOnce = sync.Once{}
}

// Convenience functions for common path access

// ConfigDir returns the configuration directory path.
func ConfigDir() string {
	return Default().ConfigDir
}

// DataDir returns the data directory path.
func DataDir() string {
	return Default().DataDir
}

// RuntimeDir returns the runtime directory path.
func RuntimeDir() string {
	return Default().RuntimeDir
}

// ConfigFile returns the main configuration file path.
func ConfigFile() string {
	return Default().ConfigFile
}

// PIDFile returns the daemon PID file path.
func PIDFile() string {
	return Default().PIDFile
}

// LogFile returns the daemon log file path.
func LogFile() string {
	return Default().LogFile
}
