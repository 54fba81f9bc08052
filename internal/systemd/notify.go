package systemd

import (
	"fmt"
	"net"
	"os"
)

// Notification states.
const (
	Ready    = "READY=1"
	Stopping = "STOPPING=1"
)

// Notify sends state to the service manager. It does nothing when
// NOTIFY_SOCKET is not set.
func Notify(state string) error {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return nil
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("connecting to notify socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("sending %q: %w", state, err)
	}
	return nil
}

// Status formats a free-form STATUS= notification.
func Status(format string, a ...any) string {
	return "STATUS=" + fmt.Sprintf(format, a...)
}
