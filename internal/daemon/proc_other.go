//go:build !linux && !darwin

package daemon

import (
	"os"
	"os/exec"
	"runtime"

	"github.com/boxadmin/privd/internal/fault"
)

func setCredential(*exec.Cmd, uint32, uint32, []uint32) error {
	return fault.Errorf(fault.OperationFailure, "run_as_user is not supported on %s", runtime.GOOS)
}

func detach(*exec.Cmd) {}

func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
