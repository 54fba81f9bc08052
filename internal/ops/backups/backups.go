// Package backups mounts remote backup locations over sshfs and exports
// local backup data as a compressed tar stream.
package backups

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/boxadmin/privd/internal/fault"
	"github.com/boxadmin/privd/internal/privileged"
	"github.com/boxadmin/privd/internal/registry"
	"github.com/boxadmin/privd/internal/sysexec"
)

const mountTimeout = 30 * time.Second

var (
	runFn       = sysexec.Run
	isMountedFn = isMounted
)

var root atomic.Value

// Configure restricts mountpoints and exported paths to dir. An empty dir
// lifts the restriction.
func Configure(dir string) { root.Store(filepath.Clean(dir)) }

func backupsRoot() string {
	dir, _ := root.Load().(string)
	if dir == "." {
		return ""
	}
	return dir
}

// Mount mounts remote_path on mountpoint with sshfs. Mounting an already
// mounted mountpoint succeeds without doing anything.
var Mount = privileged.Define("backups.mount",
	[]registry.Param{
		{Name: "mountpoint", Type: registry.String},
		{Name: "remote_path", Type: registry.String},
		{Name: "ssh_keyfile", Type: registry.String, Nullable: true, Optional: true},
		{Name: "password", Type: registry.Secret, Nullable: true, Optional: true},
		{Name: "user_known_hosts_file", Type: registry.String, Optional: true, Default: "/dev/null"},
	},
	wrap(mount),
)

// Umount unmounts mountpoint.
var Umount = privileged.Define("backups.umount",
	[]registry.Param{{Name: "mountpoint", Type: registry.String}},
	wrap(umount),
)

// IsMounted reports whether mountpoint is a mount point.
var IsMounted = privileged.Define("backups.is_mounted",
	[]registry.Param{{Name: "mountpoint", Type: registry.String}},
	wrap(func(ctx context.Context, args registry.Args) (any, error) {
		return isMountedFn(ctx, args.String("mountpoint"))
	}),
	privileged.SuppressErrorLog(),
)

// ExportTar streams path as a zstd-compressed tar archive.
var ExportTar = privileged.DefineStream("backups.export_tar",
	[]registry.Param{{Name: "path", Type: registry.String}},
	exportTar,
)

// Module lists the operations of this package.
var Module = &privileged.Module{
	Name:       "backups",
	Operations: []*privileged.Operation{Mount, Umount, IsMounted, ExportTar},
}

func wrap(fn registry.Func) registry.Func {
	return func(ctx context.Context, args registry.Args) (any, error) {
		v, err := fn(ctx, args)
		if err != nil {
			return nil, reraiseKnown(err)
		}
		return v, nil
	}
}

func mount(ctx context.Context, args registry.Args) (any, error) {
	mountpoint := args.String("mountpoint")
	if err := validateMountpoint(ctx, mountpoint); err != nil {
		if errors.Is(err, ErrAlreadyMounted) {
			return nil, nil
		}
		return nil, err
	}

	// The remote shell would expand ~ to its own home directory.
	remotePath := strings.ReplaceAll(args.String("remote_path"), "~/", "")
	remotePath = strings.ReplaceAll(remotePath, "~", "")

	// reconnect and the keepalive options stop a misbehaving server from
	// blocking every later stat of the mountpoint.
	cmd := []string{
		remotePath, mountpoint,
		"-o", "UserKnownHostsFile=" + args.String("user_known_hosts_file"),
		"-o", "StrictHostKeyChecking=yes",
		"-o", "reconnect",
		"-o", "ServerAliveInterval=15",
		"-o", "ServerAliveCountMax=3",
	}
	opts := sysexec.Options{Timeout: mountTimeout}
	keyfile, hasKey := args.OptString("ssh_keyfile")
	password, hasPassword := args.OptString("password")
	switch {
	case hasKey && keyfile != "":
		cmd = append(cmd, "-o", "IdentityFile="+keyfile)
	case hasPassword && password != "":
		cmd = append(cmd, "-o", "password_stdin")
		opts.Stdin = strings.NewReader(password)
	default:
		return nil, fault.Errorf(fault.InvalidArgument, "mount requires either a password or ssh_keyfile")
	}

	if _, err := runFn(ctx, "sshfs", cmd, opts); err != nil {
		return nil, err
	}
	return nil, nil
}

func umount(ctx context.Context, args registry.Args) (any, error) {
	mountpoint := args.String("mountpoint")
	if err := checkUnderRoot(mountpoint); err != nil {
		return nil, err
	}
	if _, err := runFn(ctx, "umount", []string{mountpoint}, sysexec.Options{}); err != nil {
		return nil, err
	}
	return nil, nil
}

// validateMountpoint creates mountpoint if missing and requires an empty
// directory otherwise.
func validateMountpoint(ctx context.Context, mountpoint string) error {
	if err := checkUnderRoot(mountpoint); err != nil {
		return err
	}
	info, err := os.Stat(mountpoint)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(mountpoint, 0o755); err != nil {
			return fmt.Errorf("creating mountpoint: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	mounted, err := isMountedFn(ctx, mountpoint)
	if err != nil {
		return err
	}
	if mounted {
		return fault.New(ErrAlreadyMounted, mountpoint)
	}
	if !info.IsDir() {
		return fault.Errorf(fault.InvalidArgument, "mountpoint %s is not an empty directory", mountpoint)
	}
	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return fault.Errorf(fault.InvalidArgument, "mountpoint %s is not an empty directory", mountpoint)
	}
	return nil
}

func isMounted(ctx context.Context, mountpoint string) (bool, error) {
	_, err := runFn(ctx, "mountpoint", []string{"-q", mountpoint}, sysexec.Options{Timeout: mountTimeout})
	var exitErr *sysexec.ExitError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &exitErr):
		return false, nil
	}
	return false, err
}

func checkUnderRoot(p string) error {
	if !filepath.IsAbs(p) {
		return fault.Errorf(fault.InvalidArgument, "%s is not an absolute path", p)
	}
	dir := backupsRoot()
	if dir == "" {
		return nil
	}
	rel, err := filepath.Rel(dir, filepath.Clean(p))
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return fault.Errorf(fault.InvalidArgument, "%s is outside %s", p, dir)
	}
	return nil
}
