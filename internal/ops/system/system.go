// Package system holds host-level privileged operations.
package system

import (
	"context"
	"os"
	"regexp"

	"github.com/boxadmin/privd/internal/fault"
	"github.com/boxadmin/privd/internal/privileged"
	"github.com/boxadmin/privd/internal/registry"
	"github.com/boxadmin/privd/internal/sysexec"
	"github.com/boxadmin/privd/internal/version"
)

var runFn = sysexec.Run

// A single DNS label.
var hostnameRe = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// Ping reports the identity of the daemon. It is the cheapest call and is
// used to check that the daemon is reachable.
var Ping = privileged.Define("system.ping", nil, ping, privileged.SuppressErrorLog())

// SetHostname changes the static hostname.
var SetHostname = privileged.Define("system.set_hostname",
	[]registry.Param{{Name: "hostname", Type: registry.String}},
	setHostname,
)

// Module lists the operations of this package.
var Module = &privileged.Module{
	Name:       "system",
	Operations: []*privileged.Operation{Ping, SetHostname},
}

func ping(context.Context, registry.Args) (any, error) {
	return map[string]any{
		"pid":     os.Getpid(),
		"uid":     os.Getuid(),
		"version": version.String(),
	}, nil
}

func setHostname(ctx context.Context, args registry.Args) (any, error) {
	hostname := args.String("hostname")
	if !hostnameRe.MatchString(hostname) {
		return nil, fault.Errorf(fault.InvalidArgument, "invalid hostname %q", hostname)
	}
	if _, err := runFn(ctx, "hostnamectl", []string{"set-hostname", hostname}, sysexec.Options{}); err != nil {
		return nil, err
	}
	return nil, nil
}
