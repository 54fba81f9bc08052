package daemon

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/boxadmin/privd/internal/audit"
	"github.com/boxadmin/privd/internal/envelope"
	"github.com/boxadmin/privd/internal/fault"
	"github.com/boxadmin/privd/internal/ipc"
	"github.com/boxadmin/privd/internal/privileged"
	"github.com/boxadmin/privd/internal/registry"
)

// Dispatcher executes decoded requests against a sealed registry.
type Dispatcher struct {
	registry *registry.Registry
	logger   *slog.Logger
	journal  *audit.Journal

	// childMode is set in a run-as child: run_as_user is already in effect
	// and the call runs in-process.
	childMode bool
}

// NewDispatcher creates a dispatcher. journal may be nil.
func NewDispatcher(reg *registry.Registry, logger *slog.Logger, journal *audit.Journal) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: reg, logger: logger, journal: journal}
}

// BuildRegistry registers modules into a fresh registry and seals it.
func BuildRegistry(modules ...*privileged.Module) (*registry.Registry, error) {
	reg := registry.New()
	if err := privileged.Register(reg, modules...); err != nil {
		return nil, err
	}
	reg.Seal()
	return reg, nil
}

// Handle is the ipc.Handler of the daemon.
func (d *Dispatcher) Handle(ctx context.Context, peer ipc.Peer, body []byte, w io.Writer) {
	d.serve(ctx, peer.UID, body, w)
}

type call struct {
	id      string
	name    string
	peerUID uint32
	runAs   string
	digest  string
	started time.Time
}

func (d *Dispatcher) serve(ctx context.Context, peerUID uint32, body []byte, w io.Writer) {
	c := call{peerUID: peerUID, started: time.Now()}

	req, err := envelope.DecodeRequest(body)
	if err != nil {
		d.fail(ctx, c, w, err, false)
		return
	}
	c.id, c.name = req.ID, req.Name

	desc, ok := d.registry.Resolve(req.Name)
	if !ok {
		d.fail(ctx, c, w, fault.New(fault.UnknownOperation, req.Name), req.Flags.SuppressErrorLog)
		return
	}
	flags := desc.EffectiveFlags(req.Flags)
	c.runAs = flags.RunAsUser

	args, err := desc.Bind(req.Args, req.Kwargs)
	if err != nil {
		d.fail(ctx, c, w, err, flags.SuppressErrorLog)
		return
	}
	c.digest = audit.DigestArgs(args.Redacted())

	d.logger.Debug("dispatching",
		"operation", c.name,
		"request_id", c.id,
		"peer_uid", c.peerUID,
		"args", args.Redacted(),
	)

	switch {
	case flags.RunAsUser != "" && !d.childMode:
		d.runAsChild(ctx, c, flags, body, w)
	case desc.Raw():
		d.stream(ctx, c, desc, args, flags, w)
	default:
		value, err := desc.Invoke(ctx, args)
		if err != nil {
			d.fail(ctx, c, w, err, flags.SuppressErrorLog)
			return
		}
		d.write(c, w, envelope.EncodeSuccess(value))
		d.record(ctx, c, audit.OutcomeSuccess, "")
	}
}

func (d *Dispatcher) stream(ctx context.Context, c call, desc *registry.Descriptor, args registry.Args, flags registry.Flags, w io.Writer) {
	rc, err := desc.OpenStream(ctx, args)
	if err != nil {
		d.fail(ctx, c, w, err, flags.SuppressErrorLog)
		return
	}
	defer rc.Close()

	if !d.write(c, w, envelope.EncodeStreamHeader()) {
		d.record(ctx, c, audit.OutcomeFault, string(fault.OperationFailure))
		return
	}
	n, err := io.Copy(w, rc)
	if err != nil {
		// The header is already out; the client sees a truncated stream.
		d.logger.Error("raw output interrupted",
			"operation", c.name,
			"request_id", c.id,
			"bytes", n,
			"error", err,
		)
		d.record(ctx, c, audit.OutcomeFault, string(fault.OperationFailure))
		return
	}
	d.record(ctx, c, audit.OutcomeSuccess, "")
}

func (d *Dispatcher) runAsChild(ctx context.Context, c call, flags registry.Flags, body []byte, w io.Writer) {
	if flags.RawOutput {
		cw := &countingWriter{w: w}
		err := runAsFn(ctx, flags.RunAsUser, c.peerUID, body, cw)
		switch {
		case err != nil && cw.n == 0:
			d.fail(ctx, c, w, err, flags.SuppressErrorLog)
		case err != nil:
			d.logger.Error("run-as child failed mid-stream",
				"operation", c.name,
				"request_id", c.id,
				"bytes", cw.n,
				"error", err,
			)
			d.record(ctx, c, audit.OutcomeFault, string(fault.OperationFailure))
		default:
			d.record(ctx, c, audit.OutcomeSuccess, "")
		}
		return
	}

	var out bytes.Buffer
	if err := runAsFn(ctx, flags.RunAsUser, c.peerUID, body, &out); err != nil && out.Len() == 0 {
		d.fail(ctx, c, w, err, flags.SuppressErrorLog)
		return
	}
	// Relay the child's envelope unchanged.
	d.write(c, w, out.Bytes())

	res, _, err := envelope.DecodeResult(bytes.NewReader(out.Bytes()))
	switch {
	case err != nil:
		d.record(ctx, c, audit.OutcomeFault, string(fault.KindOf(err)))
	case res.Err() != nil:
		d.record(ctx, c, audit.OutcomeFault, string(res.Fault.Kind))
	default:
		d.record(ctx, c, audit.OutcomeSuccess, "")
	}
}

func (d *Dispatcher) fail(ctx context.Context, c call, w io.Writer, err error, quiet bool) {
	f := fault.FromError(err)
	if !quiet {
		d.logger.Error("operation failed",
			"operation", c.name,
			"request_id", c.id,
			"peer_uid", c.peerUID,
			"kind", string(f.Kind),
			"error", f.Message,
		)
		if f.Traceback != "" {
			d.logger.Debug("fault traceback", "request_id", c.id, "traceback", f.Traceback)
		}
	}
	d.write(c, w, envelope.EncodeFault(f))
	d.record(ctx, c, audit.OutcomeFault, string(f.Kind))
}

func (d *Dispatcher) write(c call, w io.Writer, data []byte) bool {
	if _, err := w.Write(data); err != nil {
		d.logger.Debug("writing response", "operation", c.name, "request_id", c.id, "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) record(ctx context.Context, c call, outcome, kind string) {
	if d.journal == nil {
		return
	}
	name := c.name
	if name == "" {
		name = "-"
	}
	err := d.journal.Record(ctx, audit.Entry{
		RequestID:  c.id,
		Operation:  name,
		PeerUID:    c.peerUID,
		RunAsUser:  c.runAs,
		Outcome:    outcome,
		FaultKind:  kind,
		ArgsDigest: c.digest,
		StartedAt:  c.started,
		Duration:   time.Since(c.started),
	})
	if err != nil {
		d.logger.Warn("recording audit entry", "operation", name, "error", err)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
