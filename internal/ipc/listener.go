package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Listener is the daemon's listening socket. It is either created by the
// daemon (Listen) or inherited from the init system (Adopt). An adopted
// socket belongs to the activator: it is never closed or unlinked here.
type Listener struct {
	ln      *net.UnixListener
	path    string
	adopted bool
}

// Listen creates the socket at path. Any local user may connect; callers
// are authorised by peer credential, not by file permissions. A stale
// socket left by a previous run is removed first.
func Listen(path string) (*Listener, error) {
	if path == "" {
		return nil, fmt.Errorf("listen: empty socket path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}
	ln.SetUnlinkOnClose(true)
	return &Listener{ln: ln, path: path}, nil
}

// Adopt wraps an inherited listening socket.
func Adopt(f *os.File) (*Listener, error) {
	if f == nil {
		return nil, fmt.Errorf("adopt: nil file")
	}
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("adopting inherited socket: %w", err)
	}
	ul, ok := ln.(*net.UnixListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("adopting inherited socket: %T is not a unix listener", ln)
	}
	ul.SetUnlinkOnClose(false)
	// net.FileListener duplicated the descriptor.
	_ = f.Close()

	path := ""
	if addr, ok := ul.Addr().(*net.UnixAddr); ok {
		path = addr.Name
	}
	return &Listener{ln: ul, path: path, adopted: true}, nil
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking socket path: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	return nil
}

// Path returns the socket path, or "" for an unnamed adopted socket.
func (l *Listener) Path() string { return l.path }

// Adopted reports whether the socket was inherited.
func (l *Listener) Adopted() bool { return l.adopted }

func (l *Listener) accept() (*net.UnixConn, error) { return l.ln.AcceptUnix() }

// interrupt wakes a blocked accept without closing the socket.
func (l *Listener) interrupt() {
	_ = l.ln.SetDeadline(time.Unix(1, 0))
}

// Close releases a socket created by Listen and removes its file. For an
// adopted socket it only stops pending accepts.
func (l *Listener) Close() error {
	if l.adopted {
		l.interrupt()
		return nil
	}
	return l.ln.Close()
}
