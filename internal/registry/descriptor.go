package registry

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/boxadmin/privd/internal/envelope"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Func is the body of an operation returning a JSON-representable value.
type Func func(ctx context.Context, args Args) (any, error)

// StreamFunc is the body of a raw-output operation. The daemon copies the
// returned stream to the caller and closes it.
type StreamFunc func(ctx context.Context, args Args) (io.ReadCloser, error)

// Flags are the policy flags of an operation.
type Flags = envelope.Flags

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// Descriptor identifies a privileged operation: its dotted name, ordered
// parameters, policy flags and implementation. It is immutable once built.
type Descriptor struct {
	name    string
	params  []Param
	flags   Flags
	timeout time.Duration
	fn      Func
	stream  StreamFunc
	schema  *jsonschema.Schema
}

// Spec collects what is needed to build a Descriptor.
type Spec struct {
	Name    string
	Params  []Param
	Flags   Flags
	Timeout time.Duration
	Func    Func
	Stream  StreamFunc
}

// NewDescriptor validates spec and compiles its argument schema.
func NewDescriptor(spec Spec) (*Descriptor, error) {
	if !nameRe.MatchString(spec.Name) {
		return nil, fmt.Errorf("operation name %q must be dotted lower_snake_case, e.g. module.action", spec.Name)
	}
	if (spec.Func == nil) == (spec.Stream == nil) {
		return nil, fmt.Errorf("operation %s: exactly one of Func or Stream must be set", spec.Name)
	}

	seen := make(map[string]struct{}, len(spec.Params))
	for _, p := range spec.Params {
		if !paramNameRe.MatchString(p.Name) {
			return nil, fmt.Errorf("operation %s: invalid parameter name %q", spec.Name, p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("operation %s: duplicate parameter %q", spec.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
		if !p.Type.valid() {
			return nil, fmt.Errorf("operation %s: parameter %q has unknown type %q", spec.Name, p.Name, p.Type)
		}
	}

	schema, err := compileSchema(spec.Name, spec.Params)
	if err != nil {
		return nil, fmt.Errorf("operation %s: %w", spec.Name, err)
	}

	flags := spec.Flags
	flags.RawOutput = spec.Stream != nil

	return &Descriptor{
		name:    spec.Name,
		params:  append([]Param(nil), spec.Params...),
		flags:   flags,
		timeout: spec.Timeout,
		fn:      spec.Func,
		stream:  spec.Stream,
		schema:  schema,
	}, nil
}

// Name returns the dotted operation name.
func (d *Descriptor) Name() string { return d.name }

// Module returns the part of the name before the last dot.
func (d *Descriptor) Module() string {
	for i := len(d.name) - 1; i >= 0; i-- {
		if d.name[i] == '.' {
			return d.name[:i]
		}
	}
	return ""
}

// Params returns a copy of the ordered parameter list.
func (d *Descriptor) Params() []Param { return append([]Param(nil), d.params...) }

// Flags returns the declared policy flags.
func (d *Descriptor) Flags() Flags { return d.flags }

// Timeout is the optional bound on one execution; zero means unbounded.
func (d *Descriptor) Timeout() time.Duration { return d.timeout }

// Raw reports whether the operation returns a raw byte stream.
func (d *Descriptor) Raw() bool { return d.stream != nil }

// Func returns the value-returning implementation, nil for raw operations.
func (d *Descriptor) Func() Func { return d.fn }

// Stream returns the raw-output implementation, nil otherwise.
func (d *Descriptor) Stream() StreamFunc { return d.stream }

// EffectiveFlags merges call-time flags into the declared ones. Raw output
// is a property of the operation and cannot be toggled by a caller.
func (d *Descriptor) EffectiveFlags(call Flags) Flags {
	out := d.flags
	out.SuppressErrorLog = out.SuppressErrorLog || call.SuppressErrorLog
	if call.RunAsUser != "" {
		out.RunAsUser = call.RunAsUser
	}
	return out
}

// Signature renders the descriptor for listings, e.g.
// "backups.mount(mountpoint: string, ssh_keyfile: string? = null)".
func (d *Descriptor) Signature() string {
	s := d.name + "("
	for i, p := range d.params {
		if i > 0 {
			s += ", "
		}
		s += p.String()
	}
	s += ")"
	if d.Raw() {
		s += " -> stream"
	}
	return s
}
