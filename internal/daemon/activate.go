package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/boxadmin/privd/internal/config"
	"github.com/boxadmin/privd/internal/envelope"
	"github.com/boxadmin/privd/internal/fault"
	"github.com/boxadmin/privd/internal/ipc"
	"github.com/boxadmin/privd/internal/paths"
	"github.com/boxadmin/privd/internal/sysexec"
)

const (
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = time.Second
)

var (
	acquireActivationLockFn = acquireActivationLock
	startUnitFn             = startUnit
	spawnDaemonFn           = spawnDaemon
	execCommandFn           = exec.Command
)

// Client is the transport of the unprivileged process. It opens one
// connection per call and, when the daemon is not running, activates it
// once and retries.
type Client struct {
	cfg    *config.Config
	conn   *ipc.Client
	logger *slog.Logger
}

// NewClient creates a client for the daemon described by cfg.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, conn: ipc.NewClient(cfg.SocketPath), logger: logger}
}

// Call sends req and decodes the result. For a raw-output result the
// returned stream yields the bytes that follow; closing it closes the
// connection. The call timeout covers everything up to the result
// envelope, not the stream after it.
func (c *Client) Call(ctx context.Context, req *envelope.Request) (*envelope.Result, io.ReadCloser, error) {
	data, err := envelope.EncodeRequest(req)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallDeadline())
	defer cancel()

	conn, err := c.connect(ctx, data)
	if err != nil {
		return nil, nil, err
	}
	res, stream, err := envelope.DecodeResult(conn)
	if err != nil {
		conn.Close()
		return nil, nil, classifyReadError(req.Name, err)
	}
	if stream == nil {
		conn.Close()
		return res, nil, nil
	}
	_ = conn.SetDeadline(time.Time{})
	return res, &streamConn{Reader: stream, conn: conn}, nil
}

type streamConn struct {
	io.Reader
	conn net.Conn
}

func (s *streamConn) Close() error { return s.conn.Close() }

func (c *Client) connect(ctx context.Context, data []byte) (*net.UnixConn, error) {
	conn, err := c.conn.Send(ctx, data)
	if err == nil {
		return conn, nil
	}
	if !needsActivation(err) {
		return nil, classifySendError(err)
	}

	if err := c.activate(ctx); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.ActivationDeadline())
	backoff := initialBackoff
	for {
		conn, err = c.conn.Send(ctx, data)
		if err == nil {
			return conn, nil
		}
		if !needsActivation(err) {
			return nil, classifySendError(err)
		}
		if time.Now().Add(backoff).After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.Timeout, ctx.Err(), "timed out waiting for the privileged daemon")
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, fault.Errorf(fault.ServiceUnavailable,
		"privileged daemon at %s did not come up within %s: %v",
		c.cfg.SocketPath, c.cfg.ActivationDeadline(), err)
}

// activate starts the daemon according to the configured mode. Concurrent
// callers of the same user are serialised so only one of them starts it.
func (c *Client) activate(ctx context.Context) error {
	if c.cfg.Activation == config.ActivationNone {
		return fault.Errorf(fault.ServiceUnavailable,
			"privileged daemon is not running at %s and activation is disabled", c.cfg.SocketPath)
	}

	if err := paths.EnsureDir(paths.RuntimeDir()); err != nil {
		return fault.Wrap(fault.ServiceUnavailable, err, fmt.Sprintf("creating runtime dir: %v", err))
	}
	release, err := acquireActivationLockFn(paths.LockPath())
	if err != nil {
		return fault.Wrap(fault.ServiceUnavailable, err, fmt.Sprintf("acquiring activation lock: %v", err))
	}
	defer release() //nolint:errcheck

	// Another caller may have started it while we waited for the lock.
	if isListening(c.cfg.SocketPath) {
		return nil
	}

	c.logger.Debug("activating privileged daemon", "mode", c.cfg.Activation, "socket", c.cfg.SocketPath)
	switch c.cfg.Activation {
	case config.ActivationSpawn:
		err = spawnDaemonFn()
	default:
		err = startUnitFn(ctx, c.cfg.ActivationUnit)
	}
	if err != nil {
		return fault.Wrap(fault.ServiceUnavailable, err, fmt.Sprintf("activating privileged daemon: %v", err))
	}
	return nil
}

func needsActivation(err error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
}

func classifySendError(err error) error {
	switch {
	case isTimeout(err):
		return fault.Wrap(fault.Timeout, err, fmt.Sprintf("sending request: %v", err))
	case errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		return fault.Wrap(fault.UnauthorizedPeer, err, "privileged daemon refused the connection")
	case errors.Is(err, syscall.EACCES):
		return fault.Wrap(fault.UnauthorizedPeer, err, fmt.Sprintf("cannot open daemon socket: %v", err))
	}
	return fault.Wrap(fault.ServiceUnavailable, err, err.Error())
}

// classifyReadError maps a failure to read the result. The daemon closes
// the connection without a reply only for a peer it does not accept.
func classifyReadError(op string, err error) error {
	var f *fault.Fault
	switch {
	case errors.As(err, &f):
		return f
	case isTimeout(err):
		return fault.Wrap(fault.Timeout, err, fmt.Sprintf("%s: no reply from privileged daemon: %v", op, err))
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF), errors.Is(err, syscall.ECONNRESET):
		return fault.Wrap(fault.UnauthorizedPeer, err, "privileged daemon closed the connection without a reply; this user is not allowed to call it")
	}
	return fault.Wrap(fault.ServiceUnavailable, err, fmt.Sprintf("%s: reading reply: %v", op, err))
}

func isListening(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func acquireActivationLock(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return func() error {
		unlockErr := unlockFile(f)
		closeErr := f.Close()
		if unlockErr != nil {
			return unlockErr
		}
		return closeErr
	}, nil
}

// startUnit asks systemd to start unit without waiting for it; the caller
// polls the socket instead.
func startUnit(ctx context.Context, unit string) error {
	_, err := sysexec.Run(ctx, "systemctl", []string{"start", "--no-block", unit}, sysexec.Options{Timeout: 10 * time.Second})
	return err
}

// spawnDaemon starts "privd serve" detached. Used in development, where
// there is no socket unit.
func spawnDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}

	cmd, cleanup, err := newDaemonCommand(exe)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning daemon: %w", err)
	}
	go cmd.Wait() //nolint:errcheck
	return nil
}

func newDaemonCommand(exe string) (*exec.Cmd, func(), error) {
	cmd := execCommandFn(exe, "serve")
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}

	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	detach(cmd)
	return cmd, func() {
		_ = devNull.Close()
	}, nil
}
