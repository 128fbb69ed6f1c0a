package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jun/docbrowser/internal/app"
	"github.com/jun/docbrowser/internal/config"
)

var (
	flagVerbose bool
	flagDev     bool
)

// application is built by the root pre-run and shared by every subcommand.
var application *app.App

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "drivectl",
		Short:         "Operate the document browser backend",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setup(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVar(&flagDev, "dev", false, "force dev mode (in-memory stores, demo drive)")

	cmd.AddCommand(newAuthURLCmd())
	cmd.AddCommand(newExchangeCmd())
	cmd.AddCommand(newRefreshCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newArchiveCmd())

	return cmd
}

func setup(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flagDev {
		cfg.DevMode = true
	}
	if flagVerbose {
		cfg.LogLevel = "debug"
	}

	logger, err := app.NewLogger(cfg)
	if err != nil {
		return err
	}

	// Sync runs inline so a one-shot command never leaves a worker behind.
	a, err := app.NewApp(cmd.Context(), cfg, logger, app.Options{InlineSync: true})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	logger.Debug("drivectl ready", zap.Bool("dev_mode", cfg.DevMode))
	application = a
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
