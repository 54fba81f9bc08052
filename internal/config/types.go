package config

import "time"

// Activation modes for a client that cannot reach the daemon.
const (
	ActivationSystemd = "systemd"
	ActivationSpawn   = "spawn"
	ActivationNone    = "none"
)

// Config is the privd configuration shared by the daemon and its clients.
type Config struct {
	// Transport
	SocketPath string `toml:"socket_path"`

	// Authorisation: root, the uid of ServiceUser and ExtraAllowedUIDs may
	// call the daemon.
	ServiceUser      string   `toml:"service_user"`
	ExtraAllowedUIDs []uint32 `toml:"extra_allowed_uids"`

	// Lifecycle
	IdleTimeout       string `toml:"idle_timeout"`
	ForceIdleShutdown bool   `toml:"force_idle_shutdown"`

	// Client side
	CallTimeout       string `toml:"call_timeout"`
	Activation        string `toml:"activation"`
	ActivationUnit    string `toml:"activation_unit"`
	ActivationTimeout string `toml:"activation_timeout"`

	AuditDB  string `toml:"audit_db"`
	LogLevel string `toml:"log_level"`

	// Operations
	ManagedServices []string `toml:"managed_services"`
	BackupsRoot     string   `toml:"backups_root"`
}

// IdleWindow returns the parsed idle timeout. Call Validate first.
func (c *Config) IdleWindow() time.Duration {
	return durationOr(c.IdleTimeout, defaultIdleTimeout)
}

// CallDeadline returns the parsed client round-trip timeout.
func (c *Config) CallDeadline() time.Duration {
	return durationOr(c.CallTimeout, defaultCallTimeout)
}

// ActivationDeadline returns how long a client waits for the daemon to
// come up after activation.
func (c *Config) ActivationDeadline() time.Duration {
	return durationOr(c.ActivationTimeout, defaultActivationTimeout)
}

func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
