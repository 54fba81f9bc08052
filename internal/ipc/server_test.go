package ipc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "privd-ipc")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) }) //nolint:errcheck
	return filepath.Join(dir, "privd.sock")
}

func selfOnly(uid uint32) bool { return uid == uint32(os.Getuid()) }

func echoUpper(_ context.Context, _ Peer, req []byte, w io.Writer) {
	_, _ = w.Write(bytes.ToUpper(req))
}

func TestHandleConnRejectsUnauthorizedPeerBeforeReading(t *testing.T) {
	restorePeer := peerUIDFn
	peerUIDFn = func(net.Conn) (uint32, error) { return 4242, nil }
	defer func() {
		peerUIDFn = restorePeer
	}()

	var rejected error
	var begins, ends int
	s := NewServer(nil, func(context.Context, Peer, []byte, io.Writer) {
		t.Fatal("handler should not be called for an unauthorized peer")
	},
		WithAuthorizer(func(uid uint32) bool { return uid == 0 }),
		WithHooks(func() { begins++ }, func() { ends++ }),
		WithRejectHook(func(_ Peer, reason error) { rejected = reason }),
	)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	// net.Pipe is synchronous: the write only completes if the server reads.
	wrote := make(chan error, 1)
	go func() {
		_, err := clientConn.Write([]byte(`{"name":"backups.mount","args":["/m"]}`))
		wrote <- err
	}()

	s.handleConn(serverConn)
	serverConn.Close()

	if !IsUnauthorized(rejected) {
		t.Fatalf("reject reason = %v, want unauthorized", rejected)
	}
	if begins != 1 || ends != 1 {
		t.Fatalf("hooks = %d begins, %d ends; want 1 and 1", begins, ends)
	}
	select {
	case err := <-wrote:
		if err == nil {
			t.Fatal("client write succeeded, want the request to stay unread")
		}
	case <-time.After(time.Second):
		t.Fatal("client write did not fail after the server closed")
	}
}

func TestServerRoundTrip(t *testing.T) {
	socketPath := shortSocketPath(t)
	ln, err := Listen(socketPath)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	s := NewServer(ln, echoUpper, WithAuthorizer(selfOnly))
	s.Start()
	defer s.Stop()

	conn, err := NewClient(socketPath).Send(context.Background(), []byte("ping"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	defer conn.Close()
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if string(got) != "PING" {
		t.Fatalf("response = %q, want PING", got)
	}
}

func TestServerDropsOversizedRequest(t *testing.T) {
	socketPath := shortSocketPath(t)
	ln, err := Listen(socketPath)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	rejected := make(chan error, 1)
	s := NewServer(ln, func(context.Context, Peer, []byte, io.Writer) {
		t.Error("handler should not be called for an oversized request")
	},
		WithAuthorizer(selfOnly),
		WithMaxRequestSize(16),
		WithRejectHook(func(_ Peer, reason error) { rejected <- reason }),
	)
	s.Start()
	defer s.Stop()

	conn, err := NewClient(socketPath).Send(context.Background(), bytes.Repeat([]byte("x"), 64))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	defer conn.Close()
	got, _ := io.ReadAll(conn)
	if len(got) != 0 {
		t.Fatalf("response = %q, want connection closed without response", got)
	}
	if reason := <-rejected; !errors.Is(reason, ErrRequestTooLarge) {
		t.Fatalf("reject reason = %v, want ErrRequestTooLarge", reason)
	}
}

func TestListenSetsSocketMode0666AndRemovesOnStop(t *testing.T) {
	socketPath := shortSocketPath(t)
	ln, err := Listen(socketPath)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	s := NewServer(ln, echoUpper, WithAuthorizer(selfOnly))
	s.Start()

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o666 {
		t.Fatalf("socket mode = %o, want %o", got, 0o666)
	}

	s.Stop()
	if _, err := os.Stat(socketPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stat after Stop() error = %v, want not exist", err)
	}
}

func TestListenRefusesNonSocketPath(t *testing.T) {
	path := shortSocketPath(t)
	if err := os.WriteFile(path, []byte("keep me"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := Listen(path); err == nil {
		t.Fatal("Listen() over a regular file error = nil, want error")
	}
}

func TestAdoptedListenerSurvivesStop(t *testing.T) {
	socketPath := shortSocketPath(t)
	orig, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		t.Fatalf("ListenUnix() error = %v", err)
	}
	defer orig.Close()
	f, err := orig.File()
	if err != nil {
		t.Fatalf("File() error = %v", err)
	}

	ln, err := Adopt(f)
	if err != nil {
		t.Fatalf("Adopt() error = %v", err)
	}
	if !ln.Adopted() || ln.Path() != socketPath {
		t.Fatalf("Adopt() = adopted %v path %q, want adopted %q", ln.Adopted(), ln.Path(), socketPath)
	}

	var served atomic.Int32
	s := NewServer(ln, func(ctx context.Context, p Peer, req []byte, w io.Writer) {
		served.Add(1)
		echoUpper(ctx, p, req, w)
	}, WithAuthorizer(selfOnly))
	s.Start()

	conn, err := NewClient(socketPath).Send(context.Background(), []byte("a"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	_, _ = io.ReadAll(conn)
	conn.Close()

	s.Stop()
	if served.Load() != 1 {
		t.Fatalf("served = %d, want 1", served.Load())
	}
	if _, err := os.Stat(socketPath); err != nil {
		t.Fatalf("adopted socket removed on Stop(): %v", err)
	}
}

func TestStopWaitsForInFlightHandler(t *testing.T) {
	socketPath := shortSocketPath(t)
	ln, err := Listen(socketPath)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	s := NewServer(ln, func(ctx context.Context, _ Peer, _ []byte, w io.Writer) {
		close(started)
		<-release
		if ctx.Err() != nil {
			t.Error("handler context canceled before the handler finished")
		}
		finished.Store(true)
		_, _ = w.Write([]byte("done"))
	}, WithAuthorizer(selfOnly))
	s.Start()

	conn, err := NewClient(socketPath).Send(context.Background(), []byte("slow"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	defer conn.Close()
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop() returned while a handler was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-stopped
	if !finished.Load() {
		t.Fatal("handler did not finish")
	}
	got, _ := io.ReadAll(conn)
	if string(got) != "done" {
		t.Fatalf("response = %q, want done", got)
	}
}
