//go:build linux || darwin

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// setCredential makes cmd run as uid:gid. Nothing changes when the target
// is the current user.
func setCredential(cmd *exec.Cmd, uid, gid uint32, groups []uint32) error {
	if int(uid) == os.Getuid() && int(gid) == os.Getgid() {
		return nil
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uid, Gid: gid, Groups: groups}
	return nil
}

// detach starts cmd in its own session so it outlives the caller's
// terminal.
func detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
}

func lockFile(f *os.File) error   { return syscall.Flock(int(f.Fd()), syscall.LOCK_EX) }
func unlockFile(f *os.File) error { return syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }
