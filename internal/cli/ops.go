package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tair/rxsync/internal/app"
	synccommand "github.com/tair/rxsync/internal/reconcile/usecase/command"
	syncquery "github.com/tair/rxsync/internal/reconcile/usecase/query"
)

// NewSweepCommand creates the sweep command.
func NewSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app.App) error {
				result, err := a.Sweep.Handle(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <transaction-id>",
		Short: "Reset a failed transaction and attempt it once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(func(a *app.App) error {
				result, err := a.Retry.Handle(cmd.Context(), synccommand.RetryFailedCommand{TransactionID: id})
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <transaction-id>",
		Short: "Show a transaction's sync state and recent attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(func(a *app.App) error {
				status, err := a.Status.Handle(cmd.Context(), syncquery.GetTransactionStatusQuery{TransactionID: id})
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// NewReportCommand creates the report command.
func NewReportCommand(opts *RootOptions) *cobra.Command {
	var (
		hours    int
		pharmacy string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize sync attempts over a trailing window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := syncquery.GetSyncReportQuery{Hours: hours}
			if pharmacy != "" {
				id, err := parseID(pharmacy)
				if err != nil {
					return err
				}
				q.PharmacyID = &id
			}
			return opts.withApp(func(a *app.App) error {
				report, err := a.Report.Handle(cmd.Context(), q)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().IntVar(&hours, "hours", syncquery.DefaultReportHours, "trailing window in hours")
	cmd.Flags().StringVar(&pharmacy, "pharmacy", "", "restrict to one pharmacy id")

	return cmd
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", raw, err)
	}
	return id, nil
}
