//go:build !linux && !darwin

package systemd

import (
	"fmt"
	"runtime"
)

func checkListeningUnixStream(int) error {
	return fmt.Errorf("socket activation is not supported on %s", runtime.GOOS)
}

func setCloseOnExec(int) {}
