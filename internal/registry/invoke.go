package registry

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/boxadmin/privd/internal/fault"
)

// Invoke runs a value-returning operation. Panics are recovered into
// OperationFailure faults and errors are normalised with fault.FromError,
// so the result is the same whether the body runs in the daemon, in a
// run-as child or in-process.
func (d *Descriptor) Invoke(ctx context.Context, args Args) (value any, err error) {
	if d.fn == nil {
		return nil, fault.Errorf(fault.InvalidArgument, "%s returns a raw stream", d.name)
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fault.FromPanic(r)
		}
	}()

	value, err = d.fn(ctx, args)
	if err != nil {
		return nil, d.normalize(ctx, err)
	}
	return value, nil
}

// OpenStream runs a raw-output operation and returns its stream.
func (d *Descriptor) OpenStream(ctx context.Context, args Args) (rc io.ReadCloser, err error) {
	if d.stream == nil {
		return nil, fault.Errorf(fault.InvalidArgument, "%s does not return a raw stream", d.name)
	}
	defer func() {
		if r := recover(); r != nil {
			rc, err = nil, fault.FromPanic(r)
		}
	}()

	// The stream outlives this call, so the per-operation timeout is not
	// applied here; bodies bound their own subprocesses.
	rc, err = d.stream(ctx, args)
	if err != nil {
		return nil, d.normalize(ctx, err)
	}
	if rc == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return rc, nil
}

func (d *Descriptor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

func (d *Descriptor) normalize(ctx context.Context, err error) error {
	if fault.KindOf(err) == fault.OperationFailure && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var f *fault.Fault
		if !errors.As(err, &f) {
			return fault.FromError(fault.Wrap(fault.Timeout, err, d.name+" timed out"))
		}
	}
	return fault.FromError(err)
}
