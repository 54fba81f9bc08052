package cli

import (
	"fmt"
	"io"

	"github.com/boxadmin/privd/internal/daemon"
	"github.com/boxadmin/privd/internal/ops"
	"github.com/boxadmin/privd/internal/privileged"
	"github.com/boxadmin/privd/internal/registry"
	"github.com/spf13/cobra"
)

type operationEntry struct {
	Name      string `json:"name"`
	Signature string `json:"signature"`
	Raw       bool   `json:"raw,omitempty"`
	RunAs     string `json:"run_as_user,omitempty"`
	Quiet     bool   `json:"suppress_error_log,omitempty"`
}

var modulesFn = defaultModules

func newListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list [module]",
		Short: "List the operations the dispatcher serves",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := daemon.BuildRegistry(modulesFn()...)
			if err != nil {
				return fail(daemon.ExitFailure, "%v", err)
			}
			module := ""
			if len(args) == 1 {
				module = args[0]
			}
			entries := operationEntries(reg, module)
			if modeFor(jsonOutput).isJSON() {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			return writeOperationListText(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of text")
	return cmd
}

func defaultModules() []*privileged.Module { return ops.All() }

// operationEntries returns the sorted operations of reg, limited to module
// when it is non-empty.
func operationEntries(reg *registry.Registry, module string) []operationEntry {
	out := make([]operationEntry, 0, reg.Len())
	for _, name := range reg.Names() {
		d, ok := reg.Resolve(name)
		if !ok || (module != "" && d.Module() != module) {
			continue
		}
		flags := d.Flags()
		out = append(out, operationEntry{
			Name:      name,
			Signature: d.Signature(),
			Raw:       d.Raw(),
			RunAs:     flags.RunAsUser,
			Quiet:     flags.SuppressErrorLog,
		})
	}
	return out
}

func writeOperationListText(w io.Writer, entries []operationEntry) error {
	for _, entry := range entries {
		line := entry.Signature
		if entry.RunAs != "" {
			line += "\tas " + entry.RunAs
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return fmt.Errorf("writing operation list: %w", err)
		}
	}
	return nil
}
