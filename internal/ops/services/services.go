// Package services starts, stops and inspects systemd units. Only units
// listed in managed_services may be touched.
package services

import (
	"context"
	"errors"
	"regexp"
	"sync/atomic"

	"github.com/boxadmin/privd/internal/config"
	"github.com/boxadmin/privd/internal/fault"
	"github.com/boxadmin/privd/internal/privileged"
	"github.com/boxadmin/privd/internal/registry"
	"github.com/boxadmin/privd/internal/sysexec"
)

// ErrNotManaged is raised for a unit outside managed_services.
var ErrNotManaged = fault.Define("services.NotManaged")

var runFn = sysexec.Run

var current atomic.Pointer[config.Config]

var unitRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9@._:-]*$`)

// Configure sets the configuration consulted for managed units.
func Configure(cfg *config.Config) { current.Store(cfg) }

var unitParam = []registry.Param{{Name: "service", Type: registry.String}}

var (
	Start   = privileged.Define("services.start", unitParam, action("start"))
	Stop    = privileged.Define("services.stop", unitParam, action("stop"))
	Restart = privileged.Define("services.restart", unitParam, action("restart"))
	Enable  = privileged.Define("services.enable", unitParam, action("enable"))
	Disable = privileged.Define("services.disable", unitParam, action("disable"))

	IsEnabled = privileged.Define("services.is_enabled", unitParam, query("is-enabled"), privileged.SuppressErrorLog())
	IsRunning = privileged.Define("services.is_running", unitParam, query("is-active"), privileged.SuppressErrorLog())
)

// Module lists the operations of this package.
var Module = &privileged.Module{
	Name:       "services",
	Operations: []*privileged.Operation{Start, Stop, Restart, Enable, Disable, IsEnabled, IsRunning},
}

func managedUnit(args registry.Args) (string, error) {
	unit := args.String("service")
	if !unitRe.MatchString(unit) {
		return "", fault.Errorf(fault.InvalidArgument, "invalid unit name %q", unit)
	}
	cfg := current.Load()
	if cfg == nil || !cfg.ServiceManaged(unit) {
		return "", fault.New(ErrNotManaged, unit)
	}
	return unit, nil
}

func action(verb string) registry.Func {
	return func(ctx context.Context, args registry.Args) (any, error) {
		unit, err := managedUnit(args)
		if err != nil {
			return nil, err
		}
		if _, err := runFn(ctx, "systemctl", []string{verb, unit}, sysexec.Options{}); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// query runs a systemctl check whose exit status is the answer.
func query(verb string) registry.Func {
	return func(ctx context.Context, args registry.Args) (any, error) {
		unit, err := managedUnit(args)
		if err != nil {
			return nil, err
		}
		_, err = runFn(ctx, "systemctl", []string{verb, "--quiet", unit}, sysexec.Options{})
		var exitErr *sysexec.ExitError
		switch {
		case err == nil:
			return true, nil
		case errors.As(err, &exitErr):
			return false, nil
		}
		return nil, err
	}
}
