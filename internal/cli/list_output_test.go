package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/boxadmin/privd/internal/daemon"
	"github.com/boxadmin/privd/internal/privileged"
	"github.com/boxadmin/privd/internal/registry"
)

var (
	listPing = privileged.Define("probe.ping", nil, func(context.Context, registry.Args) (any, error) { return nil, nil })
	listDump = privileged.DefineStream("probe.dump",
		[]registry.Param{{Name: "path", Type: registry.String}},
		func(context.Context, registry.Args) (io.ReadCloser, error) { return nil, nil },
		privileged.RunAs("backup"),
	)
	listModule = &privileged.Module{Name: "probe", Operations: []*privileged.Operation{listPing, listDump}}
)

func TestOperationEntriesFiltersByModule(t *testing.T) {
	reg, err := daemon.BuildRegistry(listModule)
	if err != nil {
		t.Fatalf("BuildRegistry() error = %v", err)
	}

	if got := operationEntries(reg, "other"); len(got) != 0 {
		t.Fatalf("operationEntries(other) = %+v, want none", got)
	}
	got := operationEntries(reg, "probe")
	if len(got) != 2 || got[0].Name != "probe.dump" || got[1].Name != "probe.ping" {
		t.Fatalf("operationEntries(probe) = %+v, want dump then ping", got)
	}
	if !got[0].Raw || got[0].RunAs != "backup" {
		t.Fatalf("dump entry = %+v, want raw run as backup", got[0])
	}
}

func TestOperationEntriesEncodeAsEmptyJSONList(t *testing.T) {
	reg, err := daemon.BuildRegistry()
	if err != nil {
		t.Fatalf("BuildRegistry() error = %v", err)
	}
	encoded, err := json.Marshal(operationEntries(reg, ""))
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if string(encoded) != "[]" {
		t.Fatalf("json.Marshal(entries) = %q, want %q", string(encoded), "[]")
	}
}

func TestWriteOperationListTextRendersSignatureAndUser(t *testing.T) {
	entries := []operationEntry{
		{Name: "probe.dump", Signature: "probe.dump(path: string) -> stream", RunAs: "backup"},
		{Name: "probe.ping", Signature: "probe.ping()"},
	}

	var out bytes.Buffer
	if err := writeOperationListText(&out, entries); err != nil {
		t.Fatalf("writeOperationListText() error = %v", err)
	}

	want := "probe.dump(path: string) -> stream\tas backup\nprobe.ping()\n"
	if out.String() != want {
		t.Fatalf("writeOperationListText() = %q, want %q", out.String(), want)
	}
}

func TestListCommandUsesBuiltInModules(t *testing.T) {
	code, stdout, _ := runCLI(t, "", "list", "system")
	if code != daemon.ExitOK {
		t.Fatalf("Run() = %d, want %d", code, daemon.ExitOK)
	}
	if !strings.Contains(stdout, "system.ping()") {
		t.Fatalf("stdout = %q, want system.ping()", stdout)
	}
	if strings.Contains(stdout, "backups.") {
		t.Fatalf("stdout = %q, want only the system module", stdout)
	}
}
