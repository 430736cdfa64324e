// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pdiddy/sql-reviewer/internal/cleanup"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete generated outputs and logs",
	Long: `Clean deletes every generated file below the output subdirectories (keeping
each directory and its .gitkeep) and/or the *.log files of the logs
directory. Without --outputs or --logs it cleans both.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().Bool("all", false, "clean outputs and logs")
	cleanCmd.Flags().Bool("outputs", false, "clean output directories")
	cleanCmd.Flags().Bool("logs", false, "clean log files")
	cleanCmd.Flags().Bool("dry-run", false, "list what would be deleted without deleting")

	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	outputs, _ := cmd.Flags().GetBool("outputs")
	logs, _ := cmd.Flags().GetBool("logs")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if !outputs && !logs {
		all = true
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if dryRun {
		fmt.Fprintln(out, "DRY RUN: nothing will be deleted")
	}

	var firstErr error
	if all || outputs {
		res, err := cleanup.Outputs(cfg.Output.BaseDir, dryRun)
		printClean(out, cfg.Output.BaseDir, res)
		if err != nil {
			firstErr = fmt.Errorf("cleaning outputs: %w", err)
		}
	}
	if all || logs {
		res, err := cleanup.Logs(cfg.Output.LogsDir, dryRun)
		printClean(out, filepath.Dir(cfg.Output.LogsDir), res)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cleaning logs: %w", err)
		}
	}
	return firstErr
}

func printClean(w io.Writer, base string, res cleanup.Result) {
	verb := "Deleted"
	if res.DryRun {
		verb = "Would delete"
	}
	for _, d := range res.Dirs {
		fmt.Fprintf(w, "%s: %s %d file(s)\n", filepath.Join(base, d.Name), verb, len(d.Files))
	}
	fmt.Fprintf(w, "Total: %d file(s)\n", res.Total())
}
