package config

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// maxSocketPath is the usable length of sun_path.
const maxSocketPath = 107

// Validate checks configuration invariants and returns actionable errors.
func Validate(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var errs []error

	switch {
	case strings.TrimSpace(cfg.SocketPath) == "":
		errs = append(errs, fmt.Errorf("socket_path: must be set"))
	case !filepath.IsAbs(cfg.SocketPath):
		errs = append(errs, fmt.Errorf("socket_path: must be absolute, got %q", cfg.SocketPath))
	case len(cfg.SocketPath) > maxSocketPath:
		errs = append(errs, fmt.Errorf("socket_path: %d bytes exceeds the unix socket limit of %d", len(cfg.SocketPath), maxSocketPath))
	}

	if strings.TrimSpace(cfg.ServiceUser) == "" {
		errs = append(errs, fmt.Errorf("service_user: must be set"))
	}

	errs = append(errs, validateDuration("idle_timeout", cfg.IdleTimeout))
	errs = append(errs, validateDuration("call_timeout", cfg.CallTimeout))
	errs = append(errs, validateDuration("activation_timeout", cfg.ActivationTimeout))

	switch cfg.Activation {
	case ActivationSystemd:
		if strings.TrimSpace(cfg.ActivationUnit) == "" {
			errs = append(errs, fmt.Errorf("activation_unit: required when activation = %q", ActivationSystemd))
		}
	case ActivationSpawn, ActivationNone:
	default:
		errs = append(errs, fmt.Errorf("activation: unknown mode %q, want %s, %s or %s", cfg.Activation, ActivationSystemd, ActivationSpawn, ActivationNone))
	}

	if cfg.AuditDB != "" && !filepath.IsAbs(cfg.AuditDB) {
		errs = append(errs, fmt.Errorf("audit_db: must be absolute or empty, got %q", cfg.AuditDB))
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", cfg.LogLevel))
	}

	for i, pattern := range cfg.ManagedServices {
		if strings.TrimSpace(pattern) == "" || strings.ContainsAny(pattern, "/ ") {
			errs = append(errs, fmt.Errorf("managed_services[%d]: invalid unit pattern %q", i, pattern))
			continue
		}
		if _, err := path.Match(pattern, "probe"); err != nil {
			errs = append(errs, fmt.Errorf("managed_services[%d]: invalid glob %q: %w", i, pattern, err))
		}
	}

	if cfg.BackupsRoot != "" && !filepath.IsAbs(cfg.BackupsRoot) {
		errs = append(errs, fmt.Errorf("backups_root: must be absolute or empty, got %q", cfg.BackupsRoot))
	}

	return errors.Join(errs...)
}

func validateDuration(key, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s: must be > 0, got %q", key, value)
	}
	return nil
}

// ServiceManaged reports whether unit matches one of the managed_services
// patterns.
func (c *Config) ServiceManaged(unit string) bool {
	for _, pattern := range c.ManagedServices {
		if ok, _ := path.Match(pattern, unit); ok {
			return true
		}
	}
	return false
}
