// Package registry holds the privileged operations known to the daemon.
//
// The registry is filled by an explicit walk over the operation modules at
// startup and sealed before the first connection is accepted. After Seal it
// is read-only, so lookups need no locking.
package registry

import (
	"fmt"
	"sort"

	"github.com/boxadmin/privd/internal/fault"
)

// Registry maps operation names to descriptors.
type Registry struct {
	ops    map[string]*Descriptor
	sealed bool
}

// New returns an empty, unsealed registry.
func New() *Registry {
	return &Registry{ops: make(map[string]*Descriptor)}
}

// Register adds d. A second registration under the same name fails with
// DuplicateOperation. Register must not be called concurrently or after
// Seal.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil {
		return fmt.Errorf("registering nil descriptor")
	}
	if r.sealed {
		return fmt.Errorf("registering %s: registry is sealed", d.name)
	}
	if _, exists := r.ops[d.name]; exists {
		return fault.New(fault.DuplicateOperation, d.name)
	}
	r.ops[d.name] = d
	return nil
}

// MustRegister is Register for startup code where a failure is a
// programming error.
func (r *Registry) MustRegister(ds ...*Descriptor) {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Seal ends registration.
func (r *Registry) Seal() { r.sealed = true }

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool { return r.sealed }

// Resolve looks up name. It is a pure lookup; callers turn a miss into an
// UnknownOperation fault.
func (r *Registry) Resolve(name string) (*Descriptor, bool) {
	d, ok := r.ops[name]
	return d, ok
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.ops))
	for name := range r.ops {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered operations.
func (r *Registry) Len() int { return len(r.ops) }
