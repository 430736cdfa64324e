// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the sql-reviewer CLI.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/sql-reviewer/internal/secrets"
	"github.com/pdiddy/sql-reviewer/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

// loadedSecrets holds credentials loaded from .secrets/ at startup.
var loadedSecrets map[string]string

// rootCmd is the base command for the sql-reviewer CLI.
var rootCmd = &cobra.Command{
	Use:   "sql-reviewer",
	Short: "Fetch SQL from Glowroot and review it with an LLM",
	Long: `sql-reviewer collects the SQL statements executed by monitored applications
from a Glowroot APM server and sends each one to an LLM for a performance review.

The pipeline has two stages, fetch and review. Both are idempotent: an item
whose artifacts already exist and are valid is skipped, so an interrupted run
can simply be started again.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading .env: %w", err)
		}
		s, err := secrets.Load(secrets.DefaultDir, stderrLogger())
		if err != nil {
			return err
		}
		loadedSecrets = s
		if len(s) > 0 {
			keys := make([]string, 0, len(s))
			for k := range s {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintf(os.Stderr, "Loaded secrets: %v\n", keys)
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./sql-reviewer.yaml or ~/.config/sql-reviewer/config.yaml)")
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("sql-reviewer")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "sql-reviewer"))
		}
	}

	viper.SetEnvPrefix("SQL_REVIEWER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Unprefixed names the deployment environment already uses.
	_ = viper.BindEnv("glowroot.base_url", "SQL_REVIEWER_GLOWROOT_BASE_URL", "GLOWROOT_BASE_URL")
	_ = viper.BindEnv("review.api_url", "SQL_REVIEWER_REVIEW_API_URL", "ZAI_API_URL")
	_ = viper.BindEnv("review.api_key", "SQL_REVIEWER_REVIEW_API_KEY", "ZAI_API_KEY")

	viper.SetDefault("logging.console_output", true)
	viper.SetDefault("logging.file_output", true)

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig decodes the effective configuration, fills credentials from
// .secrets/, applies overrides from command flags, then defaults, and
// validates the result.
func loadConfig(overrides ...func(*types.PipelineConfig)) (types.PipelineConfig, error) {
	var cfg types.PipelineConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}
	cfg = secrets.Apply(cfg, loadedSecrets)
	for _, o := range overrides {
		o(&cfg)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// stderrLogger is used by commands that do not open a phase log.
func stderrLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
