package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tandem/pkg/eventlog"
	"tandem/pkg/store"
)

// statusReport is the JSON shape of `tandem status`.
type statusReport struct {
	Counts        map[store.Status]int `json:"counts"`
	Active        []*store.WorkItem    `json:"active"`
	AuditFile     string               `json:"audit_file,omitempty"`
	AuditMessages int                  `json:"audit_messages"`
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show work item counts and active items",
		Long: `Show work item counts by status, the items currently pending, in progress
or in review, and how many messages today's audit log holds.

Output is a table on a terminal and JSON otherwise (or with --json).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			report, err := buildStatus(cmd, st, cfg.Bus.AuditDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON || !isTerminal(out) {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return printStatusTable(out, report)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Always print JSON")
	return cmd
}

func buildStatus(cmd *cobra.Command, st store.Store, auditDir string) (*statusReport, error) {
	ctx := cmd.Context()
	counts, err := st.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	report := &statusReport{Counts: counts, Active: []*store.WorkItem{}}
	for _, status := range []store.Status{store.StatusInProgress, store.StatusInReview, store.StatusPending} {
		items, err := st.ListByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		report.Active = append(report.Active, items...)
	}

	if auditDir != "" {
		files, err := eventlog.ListLogFiles(auditDir)
		if err != nil {
			return nil, err
		}
		if len(files) > 0 {
			latest := files[len(files)-1]
			records, err := eventlog.ReadRecords(latest)
			if err != nil {
				return nil, err
			}
			report.AuditFile = latest
			report.AuditMessages = len(records)
		}
	}
	return report, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printStatusTable(w io.Writer, r *statusReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCOUNT")
	for _, status := range store.AllStatuses {
		fmt.Fprintf(tw, "%s\t%d\n", status, r.Counts[status])
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tTYPE\tTITLE")
	for _, item := range r.Active {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", item.ID, item.Status, item.Priority, item.Type, item.Title)
	}
	if r.AuditFile != "" {
		fmt.Fprintf(tw, "\nAudit log %s: %d messages\n", r.AuditFile, r.AuditMessages)
	}
	return tw.Flush()
}
