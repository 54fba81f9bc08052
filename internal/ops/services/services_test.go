package services

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/boxadmin/privd/internal/config"
	"github.com/boxadmin/privd/internal/fault"
	"github.com/boxadmin/privd/internal/privileged"
	"github.com/boxadmin/privd/internal/sysexec"
)

type recordedRun struct {
	name string
	args []string
}

func withFakeSystemctl(t *testing.T, fn func(args []string) error) *[]recordedRun {
	t.Helper()
	restoreRun := runFn
	restoreCfg := current.Load()
	restoreDispatch := privileged.WithDirectDispatch(Module)
	t.Cleanup(func() {
		runFn = restoreRun
		current.Store(restoreCfg)
		restoreDispatch()
	})

	cfg := config.Default()
	cfg.ManagedServices = []string{"nginx.service", "privd-*.service"}
	Configure(cfg)

	var runs []recordedRun
	runFn = func(_ context.Context, name string, args []string, _ sysexec.Options) (*sysexec.Result, error) {
		runs = append(runs, recordedRun{name: name, args: args})
		return &sysexec.Result{}, fn(args)
	}
	return &runs
}

func TestStartRunsSystemctlForManagedUnit(t *testing.T) {
	runs := withFakeSystemctl(t, func([]string) error { return nil })

	if _, err := Start.Call(context.Background(), privileged.Args("privd-web.service")); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	want := []recordedRun{{name: "systemctl", args: []string{"start", "privd-web.service"}}}
	if !reflect.DeepEqual(*runs, want) {
		t.Fatalf("runs = %+v, want %+v", *runs, want)
	}
}

func TestUnmanagedUnitIsRefused(t *testing.T) {
	runs := withFakeSystemctl(t, func([]string) error { return nil })

	_, err := Stop.Call(context.Background(), privileged.Args("sshd.service"))
	if !errors.Is(err, ErrNotManaged) {
		t.Fatalf("Call() error = %v, want %s", err, ErrNotManaged)
	}
	if len(*runs) != 0 {
		t.Fatalf("runs = %+v, want none", *runs)
	}
}

func TestInvalidUnitNameIsRejected(t *testing.T) {
	withFakeSystemctl(t, func([]string) error { return nil })

	_, err := Restart.Call(context.Background(), privileged.Args("--now"))
	if !errors.Is(err, fault.InvalidArgument) {
		t.Fatalf("Call() error = %v, want InvalidArgument", err)
	}
}

func TestIsRunningMapsExitStatus(t *testing.T) {
	active := true
	withFakeSystemctl(t, func(args []string) error {
		if args[0] != "is-active" || args[1] != "--quiet" {
			t.Errorf("args = %v, want is-active --quiet", args)
		}
		if active {
			return nil
		}
		return &sysexec.ExitError{Name: "systemctl", Args: args, Code: 3}
	})

	for _, want := range []bool{true, false} {
		active = want
		res, err := IsRunning.Call(context.Background(), privileged.Args("nginx.service"))
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		var got bool
		if err := res.Decode(&got); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if got != want {
			t.Fatalf("is_running = %v, want %v", got, want)
		}
	}
}

func TestIsEnabledPropagatesExecFailure(t *testing.T) {
	withFakeSystemctl(t, func([]string) error { return errors.New("running systemctl: not found") })

	_, err := IsEnabled.Call(context.Background(), privileged.Args("nginx.service"))
	if !errors.Is(err, fault.OperationFailure) {
		t.Fatalf("Call() error = %v, want OperationFailure", err)
	}
}

func TestQueriesSuppressErrorLog(t *testing.T) {
	for _, op := range []*privileged.Operation{IsEnabled, IsRunning} {
		if !op.Original().Flags().SuppressErrorLog {
			t.Fatalf("%s does not suppress error logging", op.Name())
		}
	}
}
