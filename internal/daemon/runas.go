package daemon

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"strconv"

	"github.com/boxadmin/privd/internal/envelope"
	"github.com/boxadmin/privd/internal/fault"
	"github.com/boxadmin/privd/internal/privileged"
)

// ExecCommand is the hidden subcommand a run-as child is started with.
const ExecCommand = "__exec"

// peerUIDEnv carries the original caller's uid into a run-as child so its
// log lines name the right peer.
const peerUIDEnv = "PRIVD_PEER_UID"

var (
	runAsFn        = runAs
	childCommandFn = exec.CommandContext
	lookupUserFn   = user.Lookup
	executableFn   = os.Executable

	// childEnvPassthrough lists the variables a run-as child inherits.
	childEnvPassthrough = []string{"PATH", "LANG", "TZ", "PRIVD_CONFIG", "PRIVD_DEVELOP"}
)

// runAs re-executes the binary as username, feeds it body on stdin and
// copies its stdout to w. The child answers with a complete result
// envelope, so w receives it verbatim.
func runAs(ctx context.Context, username string, peerUID uint32, body []byte, w io.Writer) error {
	u, err := lookupUserFn(username)
	if err != nil {
		return fault.Errorf(fault.OperationFailure, "run as %s: %v", username, err)
	}
	uid, gid, groups, err := userIDs(u)
	if err != nil {
		return fault.Errorf(fault.OperationFailure, "run as %s: %v", username, err)
	}
	exe, err := executableFn()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}

	cmd := childCommandFn(ctx, exe, ExecCommand)
	cmd.Stdin = bytes.NewReader(body)
	cmd.Stdout = w
	cmd.Stderr = os.Stderr
	cmd.Dir = "/"
	cmd.Env = childEnv(u, peerUID)
	if err := setCredential(cmd, uid, gid, groups); err != nil {
		return err
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run-as child for %s: %w", username, err)
	}
	return nil
}

func userIDs(u *user.User) (uid, gid uint32, groups []uint32, err error) {
	uid64, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}
	gid64, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("parsing gid %q: %w", u.Gid, err)
	}
	ids, _ := u.GroupIds()
	for _, id := range ids {
		g, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			continue
		}
		groups = append(groups, uint32(g))
	}
	return uint32(uid64), uint32(gid64), groups, nil
}

func childEnv(u *user.User, peerUID uint32) []string {
	env := []string{
		"HOME=" + u.HomeDir,
		"USER=" + u.Username,
		"LOGNAME=" + u.Username,
		peerUIDEnv + "=" + strconv.FormatUint(uint64(peerUID), 10),
	}
	for _, key := range childEnvPassthrough {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// ExecChild serves a single request read from in and writes its result to
// out. It is the body of the hidden __exec command and runs with the
// credentials its parent dropped to.
func ExecChild(ctx context.Context, in io.Reader, out io.Writer, modules []*privileged.Module, logger *slog.Logger) error {
	reg, err := BuildRegistry(modules...)
	if err != nil {
		return fmt.Errorf("building registry: %w", err)
	}
	privileged.MarkDispatcherProcess()

	d := NewDispatcher(reg, logger, nil)
	d.childMode = true

	peer, _ := strconv.ParseUint(os.Getenv(peerUIDEnv), 10, 32)
	body, err := envelope.ReadRequest(in)
	if err != nil {
		d.fail(ctx, call{peerUID: uint32(peer)}, out, err, false)
		return nil
	}
	d.serve(ctx, uint32(peer), body, out)
	return nil
}
