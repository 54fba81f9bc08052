package config

import (
	"strings"
	"testing"
)

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("Validate(Default()) error = %v, want nil", err)
	}
}

func TestValidateRejectsBadTransportAndActivation(t *testing.T) {
	cfg := Default()
	cfg.SocketPath = "run/privd.sock"
	cfg.ServiceUser = " "
	cfg.Activation = "inetd"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error = nil, want non-nil")
	}

	msg := err.Error()
	for _, want := range []string{
		"socket_path: must be absolute",
		"service_user: must be set",
		`activation: unknown mode "inetd"`,
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("Validate() error = %q, want %q", msg, want)
		}
	}
}

func TestValidateRejectsLongSocketPath(t *testing.T) {
	cfg := Default()
	cfg.SocketPath = "/" + strings.Repeat("a", 120)
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "unix socket limit") {
		t.Fatalf("Validate() error = %v, want socket length error", err)
	}
}

func TestValidateRejectsInvalidDurationsAndGlobs(t *testing.T) {
	cfg := Default()
	cfg.IdleTimeout = "abc"
	cfg.CallTimeout = "0s"
	cfg.ManagedServices = []string{"[", "a/b"}
	cfg.ActivationUnit = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error = nil, want non-nil")
	}

	msg := err.Error()
	for _, want := range []string{
		"idle_timeout: invalid duration",
		"call_timeout: must be > 0",
		"managed_services[0]: invalid glob",
		"managed_services[1]: invalid unit pattern",
		"activation_unit: required",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("Validate() error = %q, want %q", msg, want)
		}
	}
}
