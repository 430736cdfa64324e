// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdiddy/sql-reviewer/internal/fetch"
	"github.com/pdiddy/sql-reviewer/internal/glowroot"
	"github.com/pdiddy/sql-reviewer/internal/history"
	"github.com/pdiddy/sql-reviewer/internal/logging"
	"github.com/pdiddy/sql-reviewer/pkg/types"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch SQL statements from Glowroot",
	Long: `Fetch discovers the transactions of every configured agent over the last
--hours, lists the queries each transaction executed, and writes one SQL file
plus one JSON sidecar per distinct query. Queries whose files already exist
and are valid are skipped.`,
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().String("agent", "", "restrict the run to one configured agent ID")
	fetchCmd.Flags().String("transaction", "", "restrict the run to one transaction name")
	fetchCmd.Flags().Int("hours", 0, "time window in hours ending now (default glowroot.hours_ago)")
	fetchCmd.Flags().Bool("clean", false, "delete existing SQL and info files first")
	fetchCmd.Flags().Int("workers", 0, "concurrent fetch workers (default glowroot.max_workers)")

	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	agent, _ := cmd.Flags().GetString("agent")
	transaction, _ := cmd.Flags().GetString("transaction")
	hours, _ := cmd.Flags().GetInt("hours")
	clean, _ := cmd.Flags().GetBool("clean")
	workers, _ := cmd.Flags().GetInt("workers")

	cfg, err := loadConfig(func(c *types.PipelineConfig) {
		if cmd.Flags().Changed("hours") {
			c.Glowroot.HoursAgo = hours
		}
		if cmd.Flags().Changed("workers") {
			c.Glowroot.MaxWorkers = workers
		}
	})
	if err != nil {
		return err
	}

	started := time.Now()
	log, err := logging.Setup(cfg.Logging, cfg.Output.LogsDir, "fetch", os.Stdout, started)
	if err != nil {
		return err
	}
	defer log.Close()
	if log.Path != "" {
		log.Info("logging to file", "path", log.Path)
	}

	client := glowroot.NewClient(cfg.Glowroot.BaseURL, &http.Client{}, cfg.Glowroot.Retry, log.Logger)
	stage := fetch.NewStage(cfg, client, fetch.NewFileStores(cfg.Output), log.Logger)

	sum, err := stage.Run(cmd.Context(), fetch.Options{
		Agent:       agent,
		Transaction: transaction,
		Clean:       clean,
		Now:         started,
	})
	if err != nil {
		return err
	}

	recordRun(cmd.Context(), cfg, log.Logger, fetchRun(started, sum))
	return sum.Err(cfg.Output.MaxFailureRatio)
}

// fetchRun builds the ledger entry of a fetch. Counts are those of the
// query phase; failures of discovery and query listing are included too.
func fetchRun(started time.Time, sum fetch.Summary) history.Run {
	r := history.FromStats("fetch", started, sum.Queries, fetch.QueryItem.String)
	r.FinishedAt = started.Add(sum.Elapsed)
	history.AppendFailures(&r, sum.Discovery, func(agent string) string { return "agent " + agent })
	history.AppendFailures(&r, sum.Transactions, func(t fetch.TransactionRef) string { return "transaction " + t.String() })
	return r
}
