// Package daemon is the privileged side of privd: it owns the socket,
// authorises peers, dispatches calls and shuts itself down when idle. It
// also holds the client that activates and talks to it.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/boxadmin/privd/internal/audit"
	"github.com/boxadmin/privd/internal/config"
	"github.com/boxadmin/privd/internal/envelope"
	"github.com/boxadmin/privd/internal/ipc"
	"github.com/boxadmin/privd/internal/privileged"
	"github.com/boxadmin/privd/internal/systemd"
)

var (
	listenFileFn = systemd.ListenFile
	notifyFn     = systemd.Notify
)

// Options configure a daemon.
type Options struct {
	Config  *config.Config
	Modules []*privileged.Module
	Logger  *slog.Logger
	// Develop shortens the idle window for interactive work.
	Develop bool
}

// Daemon is a running dispatcher.
type Daemon struct {
	logger    *slog.Logger
	listener  *ipc.Listener
	server    *ipc.Server
	lifecycle *Lifecycle
	journal   *audit.Journal

	idle     chan struct{}
	stopOnce sync.Once
}

// Start builds the registry, acquires the listening socket (inherited from
// the init system when socket-activated, created otherwise) and begins
// serving.
func Start(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reg, err := BuildRegistry(opts.Modules...)
	if err != nil {
		return nil, fmt.Errorf("registering operations: %w", err)
	}

	allowed, err := allowedUIDs(cfg)
	if err != nil {
		return nil, err
	}

	ln, err := acquireListener(cfg.SocketPath)
	if err != nil {
		return nil, err
	}

	var journal *audit.Journal
	if cfg.AuditDB != "" {
		journal, err = audit.Open(cfg.AuditDB)
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("opening audit journal: %w", err)
		}
	}

	window := cfg.IdleWindow()
	if opts.Develop {
		window = developIdleWindow
	}
	idleShutdown := ln.Adopted() || cfg.ForceIdleShutdown

	d := &Daemon{
		logger:    logger,
		listener:  ln,
		lifecycle: NewLifecycle(window, idleShutdown),
		journal:   journal,
		idle:      make(chan struct{}),
	}
	d.lifecycle.SetOnIdle(func() {
		logger.Info("idle window elapsed, shutting down", "window", window.String())
		close(d.idle)
	})

	dispatcher := NewDispatcher(reg, logger, journal)
	d.server = ipc.NewServer(ln, dispatcher.Handle,
		ipc.WithAuthorizer(func(uid uint32) bool { return allowed[uid] }),
		ipc.WithHooks(d.lifecycle.Begin, d.lifecycle.End),
		ipc.WithRejectHook(d.rejected),
		ipc.WithMaxRequestSize(envelope.MaxRequestSize),
		ipc.WithLogger(logger),
	)
	d.server.Start()
	d.lifecycle.MarkServing()

	logger.Info("privd serving",
		"socket", ln.Path(),
		"socket_activated", ln.Adopted(),
		"idle_shutdown", idleShutdown,
		"operations", reg.Len(),
	)
	if err := notifyFn(systemd.Ready); err != nil {
		logger.Warn("notifying service manager", "error", err)
	}
	return d, nil
}

// Run starts the daemon and serves until ctx is done or the idle window
// elapses.
func Run(ctx context.Context, opts Options) error {
	// Operations calling other operations run in-process from here on.
	privileged.MarkDispatcherProcess()

	d, err := Start(opts)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		d.logger.Info("shutdown requested")
	case <-d.Idle():
	}
	d.Stop()
	return nil
}

// Idle is closed when the daemon shut down for lack of work.
func (d *Daemon) Idle() <-chan struct{} { return d.idle }

// State returns the lifecycle state.
func (d *Daemon) State() State { return d.lifecycle.State() }

// SocketPath returns the path of the listening socket.
func (d *Daemon) SocketPath() string { return d.listener.Path() }

// Stop stops accepting, waits for in-flight calls and releases resources.
// An inherited socket is left open for the init system.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.lifecycle.Shutdown()
		if err := notifyFn(systemd.Stopping); err != nil {
			d.logger.Debug("notifying service manager", "error", err)
		}
		d.server.Stop()
		if d.journal != nil {
			if err := d.journal.Close(); err != nil {
				d.logger.Warn("closing audit journal", "error", err)
			}
		}
		d.logger.Info("privd stopped")
	})
}

func (d *Daemon) rejected(peer ipc.Peer, reason error) {
	if ipc.IsUnauthorized(reason) {
		d.logger.Error("rejected connection from unauthorised peer", "peer_uid", peer.UID)
		if d.journal != nil {
			_ = d.journal.Record(context.Background(), audit.Entry{
				Operation: "-",
				PeerUID:   peer.UID,
				Outcome:   audit.OutcomeRejected,
				FaultKind: "UnauthorizedPeer",
			})
		}
		return
	}
	d.logger.Warn("dropped connection", "peer_uid", peer.UID, "error", reason)
}

func acquireListener(socketPath string) (*ipc.Listener, error) {
	f, err := listenFileFn()
	if err != nil {
		return nil, fmt.Errorf("socket activation: %w", err)
	}
	if f != nil {
		return ipc.Adopt(f)
	}
	return ipc.Listen(socketPath)
}

// allowedUIDs returns the peers allowed to call: root, the service user
// and any extra uids from the config.
func allowedUIDs(cfg *config.Config) (map[uint32]bool, error) {
	allowed := map[uint32]bool{0: true}
	if cfg.ServiceUser != "" {
		u, err := lookupUserFn(cfg.ServiceUser)
		if err != nil {
			return nil, fmt.Errorf("resolving service_user %q: %w", cfg.ServiceUser, err)
		}
		uid, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("resolving service_user %q: parsing uid %q: %w", cfg.ServiceUser, u.Uid, err)
		}
		allowed[uint32(uid)] = true
	}
	for _, uid := range cfg.ExtraAllowedUIDs {
		allowed[uid] = true
	}
	return allowed, nil
}
