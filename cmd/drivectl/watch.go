package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Manage the push-notification channel",
	}
	cmd.AddCommand(newWatchStartCmd())
	cmd.AddCommand(newWatchStopCmd())
	cmd.AddCommand(newWatchRenewCmd())
	return cmd
}

func newWatchStartCmd() *cobra.Command {
	var webhook string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Register a channel, replacing any existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			channels := application.Channels()
			channels.Restore(ctx)
			if err := channels.Start(ctx, webhook); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), channels.Status())
		},
	}
	cmd.Flags().StringVar(&webhook, "webhook", "", "webhook URL (defaults to WEBHOOK_URL)")
	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		if webhook == "" {
			webhook = application.WebhookURL()
		}
		if webhook == "" {
			return fmt.Errorf("no webhook URL: pass --webhook or set WEBHOOK_URL")
		}
		return nil
	}
	return cmd
}

func newWatchStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the current channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			channels := application.Channels()
			if !channels.Restore(ctx) {
				fmt.Fprintln(cmd.OutOrStdout(), "no active channel")
				return nil
			}
			if err := channels.Stop(ctx); err != nil {
				return fmt.Errorf("channel cleared locally, provider stop failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "channel stopped")
			return nil
		},
	}
}

func newWatchRenewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "renew",
		Short: "Renew the persisted channel if its renewal time has passed",
		Long: `Renew the persisted channel if its renewal time has passed.

Run it on a schedule when no long-running server holds the renewal timer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			channels := application.Channels()
			if !channels.Restore(ctx) {
				fmt.Fprintln(cmd.OutOrStdout(), "no active channel")
				return nil
			}
			if !channels.RenewIfDue(ctx) {
				return fmt.Errorf("renewal failed: %s", channels.Status().LastError)
			}
			return printJSON(cmd.OutOrStdout(), channels.Status())
		},
	}
}
