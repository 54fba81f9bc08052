package ipc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Peer identifies the caller of a connection.
type Peer struct {
	UID uint32
}

// Handler processes one request and writes the response to w. The request
// body has been read to EOF and is at most the configured size.
type Handler func(ctx context.Context, peer Peer, req []byte, w io.Writer)

// ErrRequestTooLarge is reported to the rejection hook for oversized
// requests; the connection is closed without a response.
var ErrRequestTooLarge = errors.New("request exceeds size limit")

var peerUIDFn = PeerUID

// readTimeout bounds how long a client may take to send its request.
const readTimeout = 30 * time.Second

// Server accepts one request per connection on a Listener.
type Server struct {
	listener   *Listener
	handler    Handler
	logger     *slog.Logger
	authorize  func(uid uint32) bool
	onBegin    func()
	onEnd      func()
	onReject   func(peer Peer, reason error)
	maxRequest int64

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithAuthorizer sets the peer check run before any byte is read. Without
// one, every peer is rejected.
func WithAuthorizer(fn func(uid uint32) bool) Option {
	return func(s *Server) { s.authorize = fn }
}

// WithHooks sets callbacks run when a connection is accepted and when it is
// done, authorised or not.
func WithHooks(onBegin, onEnd func()) Option {
	return func(s *Server) {
		s.onBegin = onBegin
		s.onEnd = onEnd
	}
}

// WithRejectHook is called for connections dropped without a response.
func WithRejectHook(fn func(peer Peer, reason error)) Option {
	return func(s *Server) { s.onReject = fn }
}

// WithMaxRequestSize bounds the request body.
func WithMaxRequestSize(n int64) Option {
	return func(s *Server) { s.maxRequest = n }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a server on l.
func NewServer(l *Listener, handler Handler, opts ...Option) *Server {
	s := &Server{
		listener:   l,
		handler:    handler,
		logger:     slog.Default(),
		authorize:  func(uint32) bool { return false },
		onBegin:    func() {},
		onEnd:      func() {},
		onReject:   func(Peer, error) {},
		maxRequest: 1 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins accepting connections.
func (s *Server) Start() {
	// Handlers run on this context, not on one tied to the client
	// connection: a privileged mutation runs to completion even if the
	// caller goes away.
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
}

// Stop stops accepting, waits for in-flight connections and releases the
// listener. An adopted listener stays open for its activator.
func (s *Server) Stop() {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	s.listener.interrupt()
	s.wg.Wait()
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.listener.Close(); err != nil {
		s.logger.Debug("closing listener", "error", err)
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.accept()
		if err != nil {
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	s.onBegin()
	defer s.onEnd()

	uid, err := peerUIDFn(conn)
	if err != nil {
		s.onReject(Peer{}, err)
		return
	}
	peer := Peer{UID: uid}
	if !s.authorize(uid) {
		s.onReject(peer, errUnauthorized)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	body, err := io.ReadAll(io.LimitReader(conn, s.maxRequest+1))
	if err != nil {
		s.onReject(peer, err)
		return
	}
	if int64(len(body)) > s.maxRequest {
		s.onReject(peer, ErrRequestTooLarge)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.handler(s.ctx, peer, body, conn)
}

var errUnauthorized = errors.New("peer not authorised")

// IsUnauthorized reports whether a rejection reason is an authorisation
// failure.
func IsUnauthorized(reason error) bool { return errors.Is(reason, errUnauthorized) }
