package daemon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/boxadmin/privd/internal/audit"
	"github.com/boxadmin/privd/internal/config"
	"github.com/boxadmin/privd/internal/envelope"
	"github.com/boxadmin/privd/internal/fault"
	"github.com/boxadmin/privd/internal/ipc"
	"github.com/boxadmin/privd/internal/privileged"
	"github.com/boxadmin/privd/internal/registry"
)

var errTestBusy = fault.Define("daemon_test.Busy")

var (
	echoOp = privileged.Define("testmod.echo",
		[]registry.Param{{Name: "value", Type: registry.Any}},
		func(_ context.Context, args registry.Args) (any, error) {
			return args.Value("value"), nil
		},
	)
	failOp = privileged.Define("testmod.fail",
		[]registry.Param{{Name: "target", Type: registry.String}},
		func(_ context.Context, args registry.Args) (any, error) {
			return nil, fault.New(errTestBusy, args.String("target"), 3)
		},
	)
	panicOp = privileged.Define("testmod.panic", nil,
		func(context.Context, registry.Args) (any, error) {
			panic("kaboom")
		},
	)
	loginOp = privileged.Define("testmod.login",
		[]registry.Param{
			{Name: "user", Type: registry.String},
			{Name: "password", Type: registry.Secret},
		},
		func(context.Context, registry.Args) (any, error) {
			return true, nil
		},
	)
	whoamiOp = privileged.Define("testmod.whoami", nil,
		func(context.Context, registry.Args) (any, error) {
			return map[string]any{"uid": os.Getuid(), "peer": os.Getenv(peerUIDEnv)}, nil
		},
	)
	dumpOp = privileged.DefineStream("testmod.dump",
		[]registry.Param{{Name: "size", Type: registry.Int}},
		func(_ context.Context, args registry.Args) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(bytes.Repeat([]byte("z"), int(args.Int("size"))))), nil
		},
	)

	testModules = []*privileged.Module{{
		Name:       "testmod",
		Operations: []*privileged.Operation{echoOp, failOp, panicOp, loginOp, whoamiOp, dumpOp},
	}}
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "privd-d")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) }) //nolint:errcheck
	return filepath.Join(dir, "privd.sock")
}

// currentUserAs resolves any user name to the uid and gid of the test
// process, so the service user is authorised and run-as needs no
// privileges.
func currentUserAs(name string) (*user.User, error) {
	return &user.User{
		Uid:      strconv.Itoa(os.Getuid()),
		Gid:      strconv.Itoa(os.Getgid()),
		Username: name,
		HomeDir:  "/",
	}, nil
}

func saveDaemonHooks(t *testing.T) {
	t.Helper()
	oldLookup := lookupUserFn
	oldListen := listenFileFn
	oldNotify := notifyFn
	t.Cleanup(func() {
		lookupUserFn = oldLookup
		listenFileFn = oldListen
		notifyFn = oldNotify
	})
	lookupUserFn = currentUserAs
	listenFileFn = func() (*os.File, error) { return nil, nil }
	notifyFn = func(string) error { return nil }
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.SocketPath = shortSocketPath(t)
	cfg.ServiceUser = "privd-test"
	cfg.AuditDB = ""
	cfg.Activation = config.ActivationNone
	return cfg
}

func startTestDaemon(t *testing.T, cfg *config.Config, logs io.Writer) *Daemon {
	t.Helper()
	if logs == nil {
		logs = io.Discard
	}
	d, err := Start(Options{
		Config:  cfg,
		Modules: testModules,
		Logger:  slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func useClient(t *testing.T, cfg *config.Config) *Client {
	t.Helper()
	c := NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(privileged.SetCaller(c))
	return c
}

func TestCallRoundTripMatchesDirectDispatch(t *testing.T) {
	saveDaemonHooks(t)
	cfg := testConfig(t)
	startTestDaemon(t, cfg, nil)
	useClient(t, cfg)

	value := map[string]any{"nested": []any{1, "two", nil, true}, "n": 2.5}
	res, err := echoOp.Call(context.Background(), privileged.Args(value))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	var remote any
	if err := res.Decode(&remote); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	restore := echoOp.WithDirectDispatch()
	res, err = echoOp.Call(context.Background(), privileged.Args(value))
	restore()
	if err != nil {
		t.Fatalf("direct Call() error = %v", err)
	}
	var direct any
	if err := res.Decode(&direct); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if !reflect.DeepEqual(remote, direct) {
		t.Fatalf("remote value = %#v, direct value = %#v; want equal", remote, direct)
	}
	want := map[string]any{"nested": []any{1.0, "two", nil, true}, "n": 2.5}
	if !reflect.DeepEqual(remote, want) {
		t.Fatalf("remote value = %#v, want %#v", remote, want)
	}
}

func TestUnknownOperationReturnsFault(t *testing.T) {
	saveDaemonHooks(t)
	cfg := testConfig(t)
	startTestDaemon(t, cfg, nil)
	c := NewClient(cfg, nil)

	res, stream, err := c.Call(context.Background(), envelope.NewRequest("frobnicate", nil, nil, envelope.Flags{}))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if stream != nil {
		t.Fatal("Call() returned a stream for a fault")
	}
	if ferr := res.Err(); !errors.Is(ferr, fault.UnknownOperation) {
		t.Fatalf("result error = %v, want UnknownOperation", ferr)
	}
}

func TestApplicationFaultKeepsKindAndArgs(t *testing.T) {
	saveDaemonHooks(t)
	cfg := testConfig(t)
	logs := &lockedBuffer{}
	startTestDaemon(t, cfg, logs)
	useClient(t, cfg)

	_, err := failOp.Call(context.Background(), privileged.Args("/mnt/backups"))
	if !errors.Is(err, errTestBusy) {
		t.Fatalf("Call() error = %v, want %s", err, errTestBusy)
	}
	var f *fault.Fault
	if !errors.As(err, &f) {
		t.Fatalf("Call() error = %T, want *fault.Fault", err)
	}
	if want := []any{"/mnt/backups", 3.0}; !reflect.DeepEqual(f.Args, want) {
		t.Fatalf("fault args = %#v, want %#v", f.Args, want)
	}
	if out := logs.String(); !strings.Contains(out, "operation failed") || !strings.Contains(out, "daemon_test.Busy") {
		t.Fatalf("daemon log = %q, want an error line with the fault kind", out)
	}
}

func TestQuietErrorsSuppressesErrorLog(t *testing.T) {
	saveDaemonHooks(t)
	cfg := testConfig(t)
	logs := &lockedBuffer{}
	startTestDaemon(t, cfg, logs)
	useClient(t, cfg)

	_, err := failOp.Call(context.Background(), privileged.Args("/mnt/backups"), privileged.QuietErrors())
	if !errors.Is(err, errTestBusy) {
		t.Fatalf("Call() error = %v, want %s", err, errTestBusy)
	}
	if out := logs.String(); strings.Contains(out, "operation failed") {
		t.Fatalf("daemon log = %q, want no error line", out)
	}
}

func TestPanicBecomesOperationFailure(t *testing.T) {
	saveDaemonHooks(t)
	cfg := testConfig(t)
	startTestDaemon(t, cfg, nil)
	useClient(t, cfg)

	_, err := panicOp.Call(context.Background())
	if !errors.Is(err, fault.OperationFailure) {
		t.Fatalf("Call() error = %v, want OperationFailure", err)
	}
	var f *fault.Fault
	if !errors.As(err, &f) || !strings.Contains(f.Traceback, "kaboom") {
		t.Fatalf("Call() error = %#v, want traceback naming the panic", err)
	}

	// The daemon survives the panic.
	if _, err := echoOp.Call(context.Background(), privileged.Args("still here")); err != nil {
		t.Fatalf("Call() after panic error = %v", err)
	}
}

func TestDaemonValidatesArgumentsItself(t *testing.T) {
	saveDaemonHooks(t)
	cfg := testConfig(t)
	startTestDaemon(t, cfg, nil)
	c := NewClient(cfg, nil)

	res, _, err := c.Call(context.Background(), envelope.NewRequest("testmod.fail", []any{42}, nil, envelope.Flags{}))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if ferr := res.Err(); !errors.Is(ferr, fault.InvalidArgument) {
		t.Fatalf("result error = %v, want InvalidArgument", ferr)
	}
}

func TestMalformedRequestGetsFaultEnvelope(t *testing.T) {
	saveDaemonHooks(t)
	cfg := testConfig(t)
	startTestDaemon(t, cfg, nil)

	conn, err := ipc.NewClient(cfg.SocketPath).Send(context.Background(), []byte(`{"name":`))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	defer conn.Close()
	res, _, err := envelope.DecodeResult(conn)
	if err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	if ferr := res.Err(); !errors.Is(ferr, fault.MalformedRequest) {
		t.Fatalf("result error = %v, want MalformedRequest", ferr)
	}
}

func TestOversizedRequestDroppedWithoutReply(t *testing.T) {
	saveDaemonHooks(t)
	cfg := testConfig(t)
	startTestDaemon(t, cfg, nil)

	conn, err := ipc.NewClient(cfg.SocketPath).Send(context.Background(), bytes.Repeat([]byte("a"), envelope.MaxRequestSize+1))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	defer conn.Close()
	got, _ := io.ReadAll(conn)
	if len(got) != 0 {
		t.Fatalf("reply = %d bytes, want connection closed without reply", len(got))
	}
}

func TestConcurrentCallsGetTheirOwnResults(t *testing.T) {
	saveDaemonHooks(t)
	cfg := testConfig(t)
	startTestDaemon(t, cfg, nil)
	useClient(t, cfg)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := echoOp.Call(context.Background(), privileged.Kw("value", i))
			if err != nil {
				errs <- err
				return
			}
			var got int
			if err := res.Decode(&got); err != nil {
				errs <- err
				return
			}
			if got != i {
				errs <- errors.New("call " + strconv.Itoa(i) + " got " + strconv.Itoa(got))
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent call: %v", err)
	}
}

func TestStreamOperationRoundTrip(t *testing.T) {
	saveDaemonHooks(t)
	cfg := testConfig(t)
	startTestDaemon(t, cfg, nil)
	useClient(t, cfg)

	rc, err := dumpOp.Stream(context.Background(), privileged.Args(70000))
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if len(got) != 70000 || bytes.Count(got, []byte("z")) != 70000 {
		t.Fatalf("stream = %d bytes, want 70000 z bytes", len(got))
	}
}

func TestForcedIdleShutdown(t *testing.T) {
	saveDaemonHooks(t)
	cfg := testConfig(t)
	cfg.ForceIdleShutdown = true
	cfg.IdleTimeout = "50ms"
	d := startTestDaemon(t, cfg, nil)

	select {
	case <-d.Idle():
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not shut down after the idle window")
	}
	if d.State() != StateShuttingDown {
		t.Fatalf("State() = %s, want shutting-down", d.State())
	}
}

func TestNoIdleShutdownWithoutActivation(t *testing.T) {
	saveDaemonHooks(t)
	cfg := testConfig(t)
	cfg.IdleTimeout = "30ms"
	d := startTestDaemon(t, cfg, nil)

	select {
	case <-d.Idle():
		t.Fatal("daemon shut down although it was not socket-activated")
	case <-time.After(150 * time.Millisecond):
	}
	if d.State() != StateServing {
		t.Fatalf("State() = %s, want serving", d.State())
	}
}

func TestStartAdoptsInheritedSocketAndNotifies(t *testing.T) {
	saveDaemonHooks(t)
	cfg := testConfig(t)
	cfg.IdleTimeout = "50ms"

	orig, err := net.ListenUnix("unix", &net.UnixAddr{Name: cfg.SocketPath, Net: "unix"})
	if err != nil {
		t.Fatalf("ListenUnix() error = %v", err)
	}
	defer orig.Close()
	f, err := orig.File()
	if err != nil {
		t.Fatalf("File() error = %v", err)
	}
	listenFileFn = func() (*os.File, error) { return f, nil }

	var mu sync.Mutex
	var states []string
	notifyFn = func(state string) error {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state)
		return nil
	}

	d := startTestDaemon(t, cfg, nil)
	if d.SocketPath() != cfg.SocketPath {
		t.Fatalf("SocketPath() = %q, want %q", d.SocketPath(), cfg.SocketPath)
	}
	select {
	case <-d.Idle():
	case <-time.After(2 * time.Second):
		t.Fatal("socket-activated daemon did not shut down when idle")
	}
	d.Stop()

	if _, err := os.Stat(cfg.SocketPath); err != nil {
		t.Fatalf("inherited socket removed on Stop(): %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if want := []string{"READY=1", "STOPPING=1"}; !reflect.DeepEqual(states, want) {
		t.Fatalf("notifications = %v, want %v", states, want)
	}
}

func TestAuditJournalRecordsRedactedCalls(t *testing.T) {
	saveDaemonHooks(t)
	cfg := testConfig(t)
	cfg.AuditDB = filepath.Join(t.TempDir(), "audit.db")
	d := startTestDaemon(t, cfg, nil)
	useClient(t, cfg)

	if _, err := loginOp.Call(context.Background(), privileged.Args("backup", "hunter2")); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	_, _ = failOp.Call(context.Background(), privileged.Args("/m"), privileged.QuietErrors())
	d.Stop()

	j, err := audit.Open(cfg.AuditDB)
	if err != nil {
		t.Fatalf("audit.Open() error = %v", err)
	}
	defer j.Close()
	entries, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}

	byOp := map[string]audit.Entry{}
	for _, e := range entries {
		byOp[e.Operation] = e
	}
	login, ok := byOp["testmod.login"]
	if !ok || login.Outcome != audit.OutcomeSuccess {
		t.Fatalf("login entry = %+v, want a success entry", login)
	}
	if want := audit.DigestArgs(map[string]any{"user": "backup", "password": registry.Redacted}); login.ArgsDigest != want {
		t.Fatalf("login digest = %s, want digest of redacted args %s", login.ArgsDigest, want)
	}
	if login.RequestID == "" || login.PeerUID != uint32(os.Getuid()) {
		t.Fatalf("login entry = %+v, want request id and caller uid", login)
	}
	fail, ok := byOp["testmod.fail"]
	if !ok || fail.Outcome != audit.OutcomeFault || fail.FaultKind != string(errTestBusy) {
		t.Fatalf("fail entry = %+v, want fault %s", fail, errTestBusy)
	}
}

func TestClientClassifiesDroppedConnectionAsUnauthorized(t *testing.T) {
	cfg := testConfig(t)
	ln, err := ipc.Listen(cfg.SocketPath)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	srv := ipc.NewServer(ln, func(context.Context, ipc.Peer, []byte, io.Writer) {
		t.Error("handler called for a rejected peer")
	}, ipc.WithAuthorizer(func(uint32) bool { return false }))
	srv.Start()
	defer srv.Stop()

	_, _, err = NewClient(cfg, nil).Call(context.Background(), envelope.NewRequest("testmod.echo", []any{1}, nil, envelope.Flags{}))
	if !errors.Is(err, fault.UnauthorizedPeer) {
		t.Fatalf("Call() error = %v, want UnauthorizedPeer", err)
	}
	if got := ExitCode(err); got != ExitPermission {
		t.Fatalf("ExitCode() = %d, want %d", got, ExitPermission)
	}
}

func TestAllowedUIDs(t *testing.T) {
	saveDaemonHooks(t)
	lookupUserFn = func(name string) (*user.User, error) {
		if name != "privd-web" {
			return nil, user.UnknownUserError(name)
		}
		return &user.User{Uid: "33", Gid: "33", Username: name}, nil
	}

	cfg := config.Default()
	cfg.ExtraAllowedUIDs = []uint32{1001}
	allowed, err := allowedUIDs(cfg)
	if err != nil {
		t.Fatalf("allowedUIDs() error = %v", err)
	}
	for _, uid := range []uint32{0, 33, 1001} {
		if !allowed[uid] {
			t.Fatalf("allowedUIDs()[%d] = false, want true", uid)
		}
	}
	if allowed[4242] {
		t.Fatal("allowedUIDs()[4242] = true, want false")
	}

	cfg.ServiceUser = "nobody-here"
	if _, err := allowedUIDs(cfg); err == nil {
		t.Fatal("allowedUIDs() with unknown service user error = nil, want error")
	}
}
