package privileged

import (
	"fmt"

	"github.com/boxadmin/privd/internal/registry"
)

// Module groups the operations of one area, e.g. "backups".
type Module struct {
	Name       string
	Operations []*Operation
}

// Register adds every operation of every module to r. It is the only place
// where operations become remotely callable.
func Register(r *registry.Registry, modules ...*Module) error {
	for _, m := range modules {
		for _, op := range m.Operations {
			if got := op.desc.Module(); got != m.Name {
				return fmt.Errorf("module %s: operation %s belongs to module %s", m.Name, op.Name(), got)
			}
			if err := r.Register(op.desc); err != nil {
				return fmt.Errorf("module %s: %w", m.Name, err)
			}
		}
	}
	return nil
}

// WithDirectDispatch makes every operation of modules run in-process until
// restore is called.
func WithDirectDispatch(modules ...*Module) (restore func()) {
	var restores []func()
	for _, m := range modules {
		for _, op := range m.Operations {
			restores = append(restores, op.WithDirectDispatch())
		}
	}
	return func() {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
	}
}

// Lookup finds the handle named name among modules.
func Lookup(name string, modules ...*Module) (*Operation, bool) {
	for _, m := range modules {
		for _, op := range m.Operations {
			if op.Name() == name {
				return op, true
			}
		}
	}
	return nil, false
}
