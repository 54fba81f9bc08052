//go:build linux || darwin

package systemd

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func checkListeningUnixStream(fd int) error {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fmt.Errorf("not a socket: %w", err)
	}
	if _, ok := sa.(*unix.SockaddrUnix); !ok {
		return fmt.Errorf("not an AF_UNIX socket (%T)", sa)
	}
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return fmt.Errorf("reading socket type: %w", err)
	}
	if typ != unix.SOCK_STREAM {
		return fmt.Errorf("socket type %d is not SOCK_STREAM", typ)
	}
	listening, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
	if err != nil {
		return fmt.Errorf("reading listen state: %w", err)
	}
	if listening == 0 {
		return fmt.Errorf("socket is not listening")
	}
	return nil
}

func setCloseOnExec(fd int) { unix.CloseOnExec(fd) }
