// Package privileged declares operations that run in the privileged daemon
// and makes them callable from the unprivileged process.
//
// An Operation is a handle: calling it from the web process sends a call
// envelope to the daemon and returns the decoded result, while calling it
// inside the daemon runs the body directly. Declaring a handle has no side
// effect; the daemon registers modules explicitly at startup.
package privileged

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boxadmin/privd/internal/envelope"
	"github.com/boxadmin/privd/internal/fault"
	"github.com/boxadmin/privd/internal/registry"
)

// Caller delivers a request to the daemon. It returns the result envelope,
// and for raw-output results the stream that follows it. Transport failures
// are returned as ServiceUnavailable, Timeout or UnauthorizedPeer faults.
type Caller interface {
	Call(ctx context.Context, req *envelope.Request) (*envelope.Result, io.ReadCloser, error)
}

var (
	callerMu sync.RWMutex
	caller   Caller

	dispatcherProcess atomic.Bool
)

// SetCaller installs the transport used by remote calls and returns a func
// restoring the previous one.
func SetCaller(c Caller) (restore func()) {
	callerMu.Lock()
	prev := caller
	caller = c
	callerMu.Unlock()
	return func() {
		callerMu.Lock()
		caller = prev
		callerMu.Unlock()
	}
}

func currentCaller() Caller {
	callerMu.RLock()
	defer callerMu.RUnlock()
	return caller
}

// MarkDispatcherProcess records that this process is the daemon. From then
// on every call runs in-process.
func MarkDispatcherProcess() { dispatcherProcess.Store(true) }

// InDispatcher reports whether MarkDispatcherProcess was called.
func InDispatcher() bool { return dispatcherProcess.Load() }

// Option customises an operation declaration.
type Option func(*registry.Spec)

// SuppressErrorLog keeps failures of this operation out of the daemon's
// error log. Used for probes where failure is an expected answer.
func SuppressErrorLog() Option {
	return func(s *registry.Spec) { s.Flags.SuppressErrorLog = true }
}

// RunAs executes the operation as user instead of root.
func RunAs(user string) Option {
	return func(s *registry.Spec) { s.Flags.RunAsUser = user }
}

// WithTimeout bounds one execution of the operation in the daemon.
func WithTimeout(d time.Duration) Option {
	return func(s *registry.Spec) { s.Timeout = d }
}

// Operation is a callable handle on a privileged operation.
type Operation struct {
	desc   *registry.Descriptor
	direct atomic.Int32
}

// Define declares a value-returning operation. An invalid declaration is a
// programming error and panics.
func Define(name string, params []registry.Param, fn registry.Func, opts ...Option) *Operation {
	return define(registry.Spec{Name: name, Params: params, Func: fn}, opts)
}

// DefineStream declares a raw-output operation.
func DefineStream(name string, params []registry.Param, fn registry.StreamFunc, opts ...Option) *Operation {
	return define(registry.Spec{Name: name, Params: params, Stream: fn}, opts)
}

func define(spec registry.Spec, opts []Option) *Operation {
	for _, opt := range opts {
		opt(&spec)
	}
	d, err := registry.NewDescriptor(spec)
	if err != nil {
		panic("privileged: " + err.Error())
	}
	return &Operation{desc: d}
}

// Name returns the dotted operation name.
func (o *Operation) Name() string { return o.desc.Name() }

// Original returns the descriptor, including the undecorated body. Tests
// and the daemon use it; the web process should not.
func (o *Operation) Original() *registry.Descriptor { return o.desc }

// WithDirectDispatch makes calls on o run in-process until restore is
// called. Nested substitutions restore in any order.
func (o *Operation) WithDirectDispatch() (restore func()) {
	o.direct.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { o.direct.Add(-1) })
	}
}

func (o *Operation) runsInProcess() bool {
	return InDispatcher() || o.direct.Load() > 0
}

// CallOption supplies arguments and call-time flags.
type CallOption func(*callConfig)

type callConfig struct {
	args   []any
	kwargs map[string]any
	flags  envelope.Flags
}

// Args appends positional arguments.
func Args(v ...any) CallOption {
	return func(c *callConfig) { c.args = append(c.args, v...) }
}

// Kwargs merges keyword arguments.
func Kwargs(m map[string]any) CallOption {
	return func(c *callConfig) {
		for k, v := range m {
			c.kw()[k] = v
		}
	}
}

// Kw sets one keyword argument.
func Kw(name string, v any) CallOption {
	return func(c *callConfig) { c.kw()[name] = v }
}

// QuietErrors suppresses the daemon's error log line for this call.
func QuietErrors() CallOption {
	return func(c *callConfig) { c.flags.SuppressErrorLog = true }
}

// AsUser runs this call as user.
func AsUser(user string) CallOption {
	return func(c *callConfig) { c.flags.RunAsUser = user }
}

func (c *callConfig) kw() map[string]any {
	if c.kwargs == nil {
		c.kwargs = map[string]any{}
	}
	return c.kwargs
}

// Result is the decoded success value of a call.
type Result struct {
	raw json.RawMessage
}

// Decode unmarshals the value into v.
func (r Result) Decode(v any) error {
	if len(r.raw) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(r.raw, v)
}

// Raw returns the JSON encoding of the value.
func (r Result) Raw() json.RawMessage { return r.raw }

// Call invokes a value-returning operation. Arguments are validated before
// anything is sent; a fault raised by the body is returned as a
// *fault.Fault of the same kind.
func (o *Operation) Call(ctx context.Context, opts ...CallOption) (Result, error) {
	if o.desc.Raw() {
		return Result{}, fault.Errorf(fault.InvalidArgument, "%s returns a raw stream; use Stream", o.Name())
	}
	cfg := o.collect(opts)
	args, err := o.desc.Bind(cfg.args, cfg.kwargs)
	if err != nil {
		return Result{}, err
	}

	if o.runsInProcess() {
		v, err := o.desc.Invoke(ctx, args)
		if err != nil {
			return Result{}, err
		}
		// Round-trip the value so in-process callers observe exactly what
		// a remote caller would.
		raw, err := json.Marshal(v)
		if err != nil {
			return Result{}, fault.Errorf(fault.OperationFailure, "result is not JSON-representable: %v", err)
		}
		return Result{raw: raw}, nil
	}

	res, stream, err := o.send(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	if stream != nil {
		_ = stream.Close()
		return Result{}, fault.Errorf(fault.OperationFailure, "%s: unexpected raw stream in reply", o.Name())
	}
	return Result{raw: res.Value}, nil
}

// Stream invokes a raw-output operation. The caller must close the stream.
func (o *Operation) Stream(ctx context.Context, opts ...CallOption) (io.ReadCloser, error) {
	if !o.desc.Raw() {
		return nil, fault.Errorf(fault.InvalidArgument, "%s does not return a raw stream; use Call", o.Name())
	}
	cfg := o.collect(opts)
	args, err := o.desc.Bind(cfg.args, cfg.kwargs)
	if err != nil {
		return nil, err
	}

	if o.runsInProcess() {
		return o.desc.OpenStream(ctx, args)
	}

	_, stream, err := o.send(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if stream == nil {
		return nil, fault.Errorf(fault.OperationFailure, "%s: reply carried no stream", o.Name())
	}
	return stream, nil
}

func (o *Operation) collect(opts []CallOption) *callConfig {
	cfg := &callConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (o *Operation) send(ctx context.Context, cfg *callConfig) (*envelope.Result, io.ReadCloser, error) {
	c := currentCaller()
	if c == nil {
		return nil, nil, fault.Errorf(fault.ServiceUnavailable, "no connection to the privileged daemon is configured")
	}

	req := envelope.NewRequest(o.Name(), cfg.args, cfg.kwargs, o.desc.EffectiveFlags(cfg.flags))
	res, stream, err := c.Call(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if ferr := res.Err(); ferr != nil {
		if stream != nil {
			_ = stream.Close()
		}
		return nil, nil, ferr
	}
	return res, stream, nil
}
