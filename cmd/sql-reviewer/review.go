// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdiddy/sql-reviewer/internal/history"
	"github.com/pdiddy/sql-reviewer/internal/llm"
	"github.com/pdiddy/sql-reviewer/internal/logging"
	"github.com/pdiddy/sql-reviewer/internal/review"
	"github.com/pdiddy/sql-reviewer/pkg/types"
)

var reviewCmd = &cobra.Command{
	Use:   "review [patterns...]",
	Short: "Review fetched SQL statements with an LLM",
	Long: `Review sends every fetched SQL statement, its info sidecar, and optional
table metadata to the configured chat-completions endpoint and writes one
JSON review per statement. Statements that already have a valid review are
skipped.

Patterns (positional or --files) select files by case-insensitive substring
or exact file name.`,
	RunE: runReview,
}

func init() {
	reviewCmd.Flags().Bool("clean", false, "delete existing reviews first")
	reviewCmd.Flags().IntP("limit", "n", 0, "review at most N files")
	reviewCmd.Flags().StringSlice("files", nil, "file name patterns to review (repeatable)")
	reviewCmd.Flags().Int("workers", 0, "concurrent review workers (default review.max_workers)")

	rootCmd.AddCommand(reviewCmd)
}

func runReview(cmd *cobra.Command, args []string) error {
	clean, _ := cmd.Flags().GetBool("clean")
	limit, _ := cmd.Flags().GetInt("limit")
	files, _ := cmd.Flags().GetStringSlice("files")
	workers, _ := cmd.Flags().GetInt("workers")
	if limit < 0 {
		return fmt.Errorf("--limit must be >= 0, got %d", limit)
	}

	cfg, err := loadConfig(func(c *types.PipelineConfig) {
		if cmd.Flags().Changed("workers") {
			c.Review.MaxWorkers = workers
		}
	})
	if err != nil {
		return err
	}
	if cfg.Review.APIKey == "" {
		return fmt.Errorf("no LLM API key: set ZAI_API_KEY or add .secrets/zai-api-key")
	}
	prompt, err := review.LoadSystemPrompt(cfg.Review.SystemPromptFile)
	if err != nil {
		return err
	}

	started := time.Now()
	log, err := logging.Setup(cfg.Logging, cfg.Output.LogsDir, "review", os.Stdout, started)
	if err != nil {
		return err
	}
	defer log.Close()
	if log.Path != "" {
		log.Info("logging to file", "path", log.Path)
	}

	client := llm.NewChatClient(cfg.Review.APIURL, cfg.Review.APIKey, &http.Client{})
	stage := review.NewStage(cfg, client, prompt, review.NewFileStores(cfg), log.Logger)

	sum, err := stage.Run(cmd.Context(), review.Options{
		Clean: clean,
		Limit: limit,
		Files: append(files, args...),
	})
	if err != nil {
		return err
	}

	recordRun(cmd.Context(), cfg, log.Logger, history.FromStats("review", started, sum.Stats, func(k string) string { return k }))
	return sum.Err(cfg.Output.MaxFailureRatio)
}
