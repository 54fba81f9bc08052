//go:build linux || darwin

package ipc

import (
	"errors"
	"fmt"
	"net"
)

// PeerUID returns the kernel-reported uid of the process on the other end
// of conn. It reads nothing from the connection.
func PeerUID(conn net.Conn) (uint32, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("peer credentials need a unix connection, got %T", conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("peer credentials: %w", err)
	}

	var uid uint32
	var credErr error
	ctlErr := raw.Control(func(fd uintptr) {
		uid, credErr = peerCredUID(int(fd))
	})
	if err := errors.Join(ctlErr, credErr); err != nil {
		return 0, fmt.Errorf("peer credentials: %w", err)
	}
	return uid, nil
}
