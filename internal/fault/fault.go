// Package fault defines the closed set of error kinds that cross the
// boundary between the web process and the privileged daemon.
//
// Both processes run the same binary, so the kind catalog built at package
// init is identical on both sides of the socket. A fault raised by an
// operation body is encoded as (kind, args, message, traceback) and rebuilt
// by the caller into an error that errors.Is matches against the same Kind.
package fault

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
)

// Kind names a category of failure. A Kind is itself an error so it can be
// used as an errors.Is target.
type Kind string

func (k Kind) Error() string { return string(k) }

// Framework kinds.
const (
	MalformedRequest   Kind = "MalformedRequest"
	UnauthorizedPeer   Kind = "UnauthorizedPeer"
	UnknownOperation   Kind = "UnknownOperation"
	InvalidArgument    Kind = "InvalidArgument"
	OperationFailure   Kind = "OperationFailure"
	ServiceUnavailable Kind = "ServiceUnavailable"
	Timeout            Kind = "Timeout"
	DuplicateOperation Kind = "DuplicateOperation"
)

var (
	catalogMu sync.RWMutex
	catalog   = map[Kind]struct{}{
		MalformedRequest:   {},
		UnauthorizedPeer:   {},
		UnknownOperation:   {},
		InvalidArgument:    {},
		OperationFailure:   {},
		ServiceUnavailable: {},
		Timeout:            {},
		DuplicateOperation: {},
	}
)

// Define adds an application kind to the catalog. It is meant to be called
// from package-level var declarations. Defining the same kind twice panics.
func Define(name string) Kind {
	k := Kind(strings.TrimSpace(name))
	if k == "" {
		panic("fault: empty kind name")
	}

	catalogMu.Lock()
	defer catalogMu.Unlock()
	if _, exists := catalog[k]; exists {
		panic(fmt.Sprintf("fault: duplicate kind %q", k))
	}
	catalog[k] = struct{}{}
	return k
}

// Known reports whether k is in the catalog of this process.
func Known(k Kind) bool {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	_, ok := catalog[k]
	return ok
}

// Kinds returns every cataloged kind, sorted.
func Kinds() []Kind {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	out := make([]Kind, 0, len(catalog))
	for k := range catalog {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fault is an error carrying enough structure to be rebuilt in another
// process: its kind and the arguments it was constructed with.
type Fault struct {
	Kind    Kind
	Args    []any
	Message string

	// Traceback is the diagnostic text captured where the fault was raised.
	Traceback string

	// Origin is set when a fault of a kind unknown to this process was
	// received; Kind is then OperationFailure.
	Origin Kind

	cause error
}

// New builds a fault of kind k. The message is derived from the arguments.
func New(k Kind, args ...any) *Fault {
	return &Fault{Kind: k, Args: args, Message: messageFromArgs(args)}
}

// Errorf builds a fault whose single constructor argument is the formatted
// message.
func Errorf(k Kind, format string, a ...any) *Fault {
	msg := fmt.Sprintf(format, a...)
	return &Fault{Kind: k, Args: []any{msg}, Message: msg}
}

// Wrap builds a fault of kind k that unwraps to err. When no args are given
// the error text becomes the only argument.
func Wrap(k Kind, err error, args ...any) *Fault {
	if len(args) == 0 && err != nil {
		args = []any{err.Error()}
	}
	return &Fault{Kind: k, Args: args, Message: messageFromArgs(args), cause: err}
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	if f.Origin != "" {
		return fmt.Sprintf("%s: %s: %s", f.Kind, f.Origin, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Is matches a Kind target, or a *Fault target of the same kind.
func (f *Fault) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return f.Kind == t || (f.Origin != "" && f.Origin == t)
	case *Fault:
		return t != nil && f.Kind == t.Kind
	}
	return false
}

func (f *Fault) Unwrap() error { return f.cause }

// KindOf returns the kind of the first fault in err's chain, a bare Kind in
// the chain, or OperationFailure for any other non-nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return OperationFailure
}

// FromError converts an error escaping an operation body into a fault. A
// fault already in the chain is kept with its kind and args; anything else
// becomes OperationFailure.
func FromError(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		out := *f
		if out.Traceback == "" {
			out.Traceback = Trace(err)
		}
		return &out
	}
	var k Kind
	if errors.As(err, &k) {
		return &Fault{Kind: k, Args: []any{err.Error()}, Message: err.Error(), Traceback: Trace(err), cause: err}
	}
	return &Fault{
		Kind:      OperationFailure,
		Args:      []any{err.Error()},
		Message:   err.Error(),
		Traceback: Trace(err),
		cause:     err,
	}
}

// FromPanic converts a recovered panic value into an OperationFailure with
// the current goroutine stack as traceback.
func FromPanic(v any) *Fault {
	msg := fmt.Sprintf("panic: %v", v)
	return &Fault{
		Kind:      OperationFailure,
		Args:      []any{msg},
		Message:   msg,
		Traceback: msg + "\n\n" + string(debug.Stack()),
	}
}

// Reconstruct rebuilds a fault received from the other process. Kinds unknown
// to this process collapse into OperationFailure with Origin set.
func Reconstruct(kind Kind, args []any, message, traceback string) *Fault {
	if message == "" {
		message = messageFromArgs(args)
	}
	if Known(kind) {
		return &Fault{Kind: kind, Args: args, Message: message, Traceback: traceback}
	}
	return &Fault{
		Kind:      OperationFailure,
		Args:      args,
		Message:   message,
		Traceback: traceback,
		Origin:    kind,
	}
}

// Trace renders the error chain, one link per line.
func Trace(err error) string {
	var b strings.Builder
	depth := 0
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%s%T: %v\n", strings.Repeat("  ", depth), e, e)
		depth++
		if depth > 32 {
			break
		}
	}
	return b.String()
}

func messageFromArgs(args []any) string {
	switch len(args) {
	case 0:
		return ""
	case 1:
		if s, ok := args[0].(string); ok {
			return s
		}
	}
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	return strings.Join(parts, ", ")
}
