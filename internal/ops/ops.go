// Package ops collects the privileged operation modules shipped with privd.
package ops

import (
	"github.com/boxadmin/privd/internal/config"
	"github.com/boxadmin/privd/internal/ops/backups"
	"github.com/boxadmin/privd/internal/ops/services"
	"github.com/boxadmin/privd/internal/ops/system"
	"github.com/boxadmin/privd/internal/privileged"
)

// All returns every built-in module in registration order.
func All() []*privileged.Module {
	return []*privileged.Module{system.Module, services.Module, backups.Module}
}

// Configure hands cfg to the modules that consult configuration.
func Configure(cfg *config.Config) {
	services.Configure(cfg)
	backups.Configure(cfg.BackupsRoot)
}
