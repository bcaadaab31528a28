package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/archive"
)

var (
	historyLimit  int
	historyOffset int

	historyCmd = &cobra.Command{
		Use:   "history [run-id]",
		Short: "List archived runs, or show one with its iteration history",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
)

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", defaultArchiveLimit, "maximum runs to list")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "runs to skip")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if cfg.archiveDSN == "" {
		return errors.New("archive disabled: set ARCHIVE_DSN")
	}
	store, err := archive.Open(cfg.archiveDriver, cfg.archiveDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		rec, history, err := store.GetRun(ctx, args[0])
		if err != nil {
			return fmt.Errorf("run %s: %w", args[0], err)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"run": rec, "history": history})
	}

	records, total, err := store.ListRuns(ctx, historyLimit, historyOffset)
	if err != nil {
		return fmt.Errorf("list archive: %w", err)
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tUPDATED\tARCHIVED\tITERATIONS")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
			r.ID, r.Status, stamp(r.UpdatedAt), r.ArchivedAt.Format("2006-01-02T15:04:05Z"), r.IterationCount)
	}
	if err = tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "\n%d of %d archived runs\n", len(records), total)
	return err
}
