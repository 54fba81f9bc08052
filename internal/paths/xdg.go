package paths

import (
	"os"
	"path/filepath"
)

// System locations used by the daemon.
const (
	systemConfigDir = "/etc/privd"
	systemRunDir    = "/run/privd"
	systemStateDir  = "/var/lib/privd"
)

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}

func xdgDir(envVar, fallbackSuffix string) string {
	if v := os.Getenv(envVar); v != "" {
		return filepath.Join(v, "privd")
	}
	return filepath.Join(homeDir(), fallbackSuffix, "privd")
}

// ConfigFile returns the configuration path: $PRIVD_CONFIG, or
// /etc/privd/privd.toml. Both processes read the same file.
func ConfigFile() string {
	if v := os.Getenv("PRIVD_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(systemConfigDir, "privd.toml")
}

// DefaultSocketPath returns the daemon socket path used when the config
// does not set one.
func DefaultSocketPath() string {
	return filepath.Join(systemRunDir, "privd.sock")
}

// DefaultAuditDB returns the default audit journal location.
func DefaultAuditDB() string {
	return filepath.Join(systemStateDir, "audit.db")
}

// StateDir returns the per-user state directory ($XDG_STATE_HOME/privd).
func StateDir() string {
	return xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

// RuntimeDir returns the per-user runtime directory of the calling process.
// Falls back to $XDG_STATE_HOME/privd if XDG_RUNTIME_DIR is unset.
func RuntimeDir() string {
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, "privd")
	}
	return StateDir()
}

// LockPath returns the lock serialising daemon activation by one user.
func LockPath() string {
	return filepath.Join(RuntimeDir(), "activate.lock")
}

// EnsureDir creates a directory and parents if needed.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}
