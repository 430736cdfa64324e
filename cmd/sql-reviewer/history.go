// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdiddy/sql-reviewer/internal/history"
	"github.com/pdiddy/sql-reviewer/pkg/types"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent fetch and review runs",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 10, "number of runs to show")
	historyCmd.Flags().Bool("failures", false, "list failed items of each run")

	rootCmd.AddCommand(historyCmd)
}

func historyPath(cfg types.PipelineConfig) string {
	return filepath.Join(cfg.Output.BaseDir, history.DBFile)
}

// recordRun appends r to the run ledger. A ledger error is logged and does
// not change the command's exit status.
func recordRun(ctx context.Context, cfg types.PipelineConfig, logger *slog.Logger, r history.Run) {
	store, err := history.Open(historyPath(cfg))
	if err != nil {
		logger.Warn("opening run history", "error", err)
		return
	}
	defer store.Close()
	id, err := store.Record(ctx, r)
	if err != nil {
		logger.Warn("recording run", "error", err)
		return
	}
	logger.Debug("run recorded", "run_id", id)
}

func runHistory(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("limit")
	showFailures, _ := cmd.Flags().GetBool("failures")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := history.Open(historyPath(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Recent(cmd.Context(), n)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTAGE\tDURATION\tTOTAL\tATTEMPTED\tOK\tFAILED\tSKIPPED\tID")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Stage, r.Duration().Round(time.Second),
			r.Total, r.Attempted, r.Succeeded, r.Failed, r.Skipped, r.ID)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if showFailures {
		for _, r := range runs {
			for _, f := range r.Failures {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", r.ID, f.Item, f.Error)
			}
		}
	}
	return nil
}
