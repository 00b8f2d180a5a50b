// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-funneltrack/internal/config"
)

// Version information (set by build flags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Shared state prepared by the root command before any subcommand runs
var (
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "funneltrack",
	Short: "Funnel event tracking and delivery",
	Long: `funneltrack - Funnel event tracking and delivery

Runs the ingest server that appends form funnel events to Postgres or SQLite,
mints ingest tokens, and simulates a visitor going through a funnel with the
tracking client library.

Configuration is read from the environment (FUNNEL_ADDR, DATABASE_URL,
FUNNEL_SQLITE_PATH, JWT_SECRET, FUNNEL_FORWARD_RPS, FUNNEL_LOG_LEVEL, ...)
and can be overridden with flags.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text, json)")
}

// setup loads configuration and installs the process logger
func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.FromEnv()
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		loaded.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		loaded.LogFormat = v
	}

	l, err := newLogger(cmd.ErrOrStderr(), loaded.LogLevel, loaded.LogFormat)
	if err != nil {
		return err
	}
	cfg = loaded
	logger = l
	slog.SetDefault(logger)
	return nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (use text or json)", format)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "funneltrack %s (commit: %s, built: %s)\n", version, commit, date)
	},
}
