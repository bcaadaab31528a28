package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/runs"
)

var (
	runsStatus string
	runsLimit  int
	runsJSON   bool

	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "List recent runs and status counts",
		Args:  cobra.NoArgs,
		RunE:  runRuns,
	}
)

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter: queued, running, succeeded or failed")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 0, "maximum runs to list (default ROSTER_LIMIT)")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "print JSON instead of a table")
}

func runRuns(cmd *cobra.Command, _ []string) error {
	var status runs.Status
	if runsStatus != "" {
		s, ok := runs.ParseStatus(strings.ToLower(runsStatus))
		if !ok {
			return fmt.Errorf("unknown status %q", runsStatus)
		}
		status = s
	}
	limit := runsLimit
	if limit <= 0 {
		limit = cfg.rosterLimit
	}

	client := newAPIClient(cfg)
	ctx := cmd.Context()
	list, err := client.ListRuns(ctx, limit, status)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	stats, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("run stats: %w", err)
	}

	out := cmd.OutOrStdout()
	if runsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"runs": list, "stats": stats})
	}
	return printRuns(out, list, stats)
}

func printRuns(out io.Writer, list []runs.Run, stats runs.Stats) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tUPDATED\tITERATIONS\tERROR")
	for _, r := range list {
		iterations := "-"
		if r.Result != nil {
			iterations = fmt.Sprint(len(r.Result.History))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Status, stamp(r.CreatedAt), stamp(r.UpdatedAt), iterations, r.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	counts := make([]string, 0, len(runs.Statuses))
	for _, s := range runs.Statuses {
		counts = append(counts, fmt.Sprintf("%s=%d", s, stats.Counts[s]))
	}
	_, err := fmt.Fprintf(out, "\n%s total=%d\n", strings.Join(counts, " "), stats.Total)
	return err
}

func stamp(unix float64) string {
	if unix <= 0 {
		return "-"
	}
	return time.Unix(0, int64(unix*1e9)).UTC().Format(time.RFC3339)
}
