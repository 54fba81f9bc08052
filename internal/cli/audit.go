package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/boxadmin/privd/internal/audit"
	"github.com/boxadmin/privd/internal/daemon"
	"github.com/spf13/cobra"
)

type auditRow struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id,omitempty"`
	Operation  string    `json:"operation"`
	PeerUID    uint32    `json:"peer_uid"`
	RunAsUser  string    `json:"run_as_user,omitempty"`
	Outcome    string    `json:"outcome"`
	FaultKind  string    `json:"fault_kind,omitempty"`
	ArgsDigest string    `json:"args_digest,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

func newAuditCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recently dispatched calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.AuditDB == "" {
				return fail(daemon.ExitFailure, "audit journal is disabled (audit_db is empty)")
			}
			journal, err := audit.Open(cfg.AuditDB)
			if err != nil {
				return fail(daemon.ExitFailure, "%v", err)
			}
			defer journal.Close()

			entries, err := journal.Recent(cmd.Context(), limit)
			if err != nil {
				return fail(daemon.ExitFailure, "%v", err)
			}
			rows := auditRows(entries)
			if modeFor(jsonOutput).isJSON() {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			return writeAuditText(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of text")
	return cmd
}

func auditRows(entries []audit.Entry) []auditRow {
	rows := make([]auditRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, auditRow{
			ID:         e.ID,
			RequestID:  e.RequestID,
			Operation:  e.Operation,
			PeerUID:    e.PeerUID,
			RunAsUser:  e.RunAsUser,
			Outcome:    e.Outcome,
			FaultKind:  e.FaultKind,
			ArgsDigest: e.ArgsDigest,
			StartedAt:  e.StartedAt.UTC(),
			DurationMS: e.Duration.Milliseconds(),
		})
	}
	return rows
}

func writeAuditText(w io.Writer, rows []auditRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tOPERATION\tPEER\tOUTCOME\tDURATION")
	for _, r := range rows {
		outcome := r.Outcome
		if r.FaultKind != "" {
			outcome += " (" + r.FaultKind + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%dms\n",
			r.StartedAt.Format(time.RFC3339), r.Operation, r.PeerUID, outcome, r.DurationMS)
	}
	return tw.Flush()
}
