package ipc

import (
	"context"
	"fmt"
	"net"
)

// Client opens one connection per request to the daemon socket.
type Client struct {
	socketPath string
	dialer     net.Dialer
}

// NewClient creates a client for socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// SocketPath returns the path the client dials.
func (c *Client) SocketPath() string { return c.socketPath }

// Send writes req on a fresh connection and half-closes it. The returned
// connection yields the response; the caller must close it. Dial errors
// wrap the underlying syscall error.
func (c *Client) Send(ctx context.Context, req []byte) (*net.UnixConn, error) {
	conn, err := c.dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon: %w", err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("connecting to daemon: %T is not a unix connection", conn)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = unixConn.SetDeadline(deadline)
	}

	if _, err := unixConn.Write(req); err != nil {
		unixConn.Close()
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if err := unixConn.CloseWrite(); err != nil {
		unixConn.Close()
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return unixConn, nil
}
