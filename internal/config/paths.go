package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "localsync"

// Config file name.
const configFileName = "config.toml"

// State database file name inside the state directory.
const stateFileName = "state.db"

// DefaultConfigDir returns the platform-specific directory for config
// files. On Linux, respects XDG_CONFIG_HOME (defaults to
// ~/.config/localsync). On macOS, uses ~/Library/Application Support.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}

		return filepath.Join(home, ".config", appName)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DefaultDataDir returns the platform-specific directory for application
// data (the state database and backups). On Linux, respects XDG_DATA_HOME
// (defaults to ~/.local/share/localsync).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}

		return filepath.Join(home, ".local", "share", appName)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// StatePath returns the state database path for the given config,
// creating nothing.
func StatePath(cfg *Config) string {
	dir := cfg.Storage.StateDir
	if dir == "" {
		dir = DefaultDataDir()
	}

	return filepath.Join(dir, stateFileName)
}

// BackupDir returns the snapshot directory for the given config.
func BackupDir(cfg *Config) string {
	if cfg.Backup.Dir != "" {
		return cfg.Backup.Dir
	}

	dir := cfg.Storage.StateDir
	if dir == "" {
		dir = DefaultDataDir()
	}

	return filepath.Join(dir, "backups")
}
