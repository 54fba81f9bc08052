//go:build !linux && !darwin

package ipc

import (
	"fmt"
	"net"
	"runtime"
)

// PeerUID is unsupported on this platform; every peer is rejected.
func PeerUID(net.Conn) (uint32, error) {
	return 0, fmt.Errorf("peer credentials are not supported on %s", runtime.GOOS)
}
