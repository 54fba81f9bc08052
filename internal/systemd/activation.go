// Package systemd implements the two pieces of the init-system protocol the
// daemon needs: adopting a socket passed by socket activation and sending
// readiness notifications.
package systemd

import (
	"fmt"
	"os"
	"strconv"
)

// fdStart is the first inherited descriptor (SD_LISTEN_FDS_START).
var fdStart = 3

var getpid = os.Getpid

// ListenFile returns the listening socket passed by socket activation, or
// nil when the process was not socket-activated. Exactly one inherited
// descriptor is accepted and it must be a listening AF_UNIX stream socket.
// The activation variables are removed from the environment so children
// do not inherit them.
func ListenFile() (*os.File, error) {
	pidStr, fdsStr := os.Getenv("LISTEN_PID"), os.Getenv("LISTEN_FDS")
	defer func() {
		os.Unsetenv("LISTEN_PID")     //nolint:errcheck
		os.Unsetenv("LISTEN_FDS")     //nolint:errcheck
		os.Unsetenv("LISTEN_FDNAMES") //nolint:errcheck
	}()
	if pidStr == "" || fdsStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("parsing LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != getpid() {
		// Meant for another process.
		return nil, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("parsing LISTEN_FDS %q: %w", fdsStr, err)
	}
	switch {
	case n == 0:
		return nil, nil
	case n > 1:
		return nil, fmt.Errorf("socket activation passed %d sockets, want exactly 1", n)
	}

	fd := fdStart
	if err := checkListeningUnixStream(fd); err != nil {
		return nil, fmt.Errorf("inherited descriptor %d: %w", fd, err)
	}
	setCloseOnExec(fd)
	return os.NewFile(uintptr(fd), "systemd-listen-fd"), nil
}

// Activated reports whether activation variables addressed to this
// process are present. It does not consume them.
func Activated() bool {
	pid, err := strconv.Atoi(os.Getenv("LISTEN_PID"))
	if err != nil || pid != getpid() {
		return false
	}
	n, err := strconv.Atoi(os.Getenv("LISTEN_FDS"))
	return err == nil && n > 0
}
