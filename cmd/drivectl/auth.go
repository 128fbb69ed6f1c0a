package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jun/docbrowser/internal/auth"
	"github.com/jun/docbrowser/internal/notify"
)

func newAuthURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth-url",
		Short: "Print the consent URL to open in a browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state := uuid.NewString()
			fmt.Fprintln(cmd.OutOrStdout(), application.Credentials().AuthorizationURL(state))
			return nil
		},
	}
}

func newExchangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exchange <code>",
		Short: "Exchange an authorization code and persist the credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := application.Credentials().ExchangeCode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "authenticated, access token expires %s\n", rec.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the access token from the stored refresh token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := application.Credentials().Refresh(cmd.Context())
			var refreshErr *auth.AuthRefreshError
			if errors.As(err, &refreshErr) {
				return fmt.Errorf("%w; run 'drivectl auth-url' to re-consent", err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "refreshed, access token expires %s\n", rec.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

type statusReport struct {
	Authenticated bool          `json:"authenticated"`
	ExpiresAt     *time.Time    `json:"expiresAt,omitempty"`
	Channel       notify.Status `json:"channel"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show credential and notification channel state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			report := statusReport{
				Authenticated: application.Credentials().IsAuthenticated(ctx),
			}
			if cur := application.Credentials().Current(); cur != nil {
				report.ExpiresAt = &cur.ExpiresAt
			}
			application.Channels().Restore(ctx)
			report.Channel = application.Channels().Status()
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}
