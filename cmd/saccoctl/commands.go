package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sautimusic/backend/internal/app"
	"github.com/sautimusic/backend/internal/database"
	"github.com/sautimusic/backend/internal/services"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// parseAsOf reads a YYYY-MM-DD flag value. An empty value means now.
func parseAsOf(value string, now time.Time) (time.Time, error) {
	if value == "" {
		return now.UTC(), nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", value)
	}
	return t, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := database.Migrate(ctx, a.DB); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				a.Logger.Info("schema up to date")
				return nil
			})
		},
	}
}

func accrueInterestCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "accrue-interest",
		Short: "Credit savings interest for the period containing --as-of",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseAsOf(asOf, time.Now())
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Sacco.AccrueInterestBatch(ctx, at)
				if err != nil {
					return err
				}
				return report(cmd, a, "accrue-interest", res)
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "accrual date (YYYY-MM-DD, default today)")
	return cmd
}

func accrueLoanInterestCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "accrue-loan-interest",
		Short: "Charge monthly interest on outstanding loans",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseAsOf(asOf, time.Now())
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Sacco.AccrueLoanInterestBatch(ctx, at)
				if err != nil {
					return err
				}
				return report(cmd, a, "accrue-loan-interest", res)
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "accrual date (YYYY-MM-DD, default today)")
	return cmd
}

func distributeDividendsCmd() *cobra.Command {
	var (
		period     string
		start, end string
		surplus    int64
	)
	cmd := &cobra.Command{
		Use:   "distribute-dividends",
		Short: "Share a declared surplus across savings accounts",
		Long: `Share a declared surplus across savings accounts in proportion to each
member's time-weighted average balance over [start, end).

Re-running a period that has already been paid prints the stored result.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			startOn, err := time.Parse(dateLayout, start)
			if err != nil {
				return fmt.Errorf("invalid --start %q", start)
			}
			endOn, err := time.Parse(dateLayout, end)
			if err != nil {
				return fmt.Errorf("invalid --end %q", end)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Dividends.DistributeDividends(ctx, services.DividendRequest{
					Label:   period,
					StartOn: startOn,
					EndOn:   endOn,
					Surplus: surplus,
				})
				if err != nil {
					return err
				}
				a.Logger.Info("dividends distributed",
					zap.String("period", period),
					zap.Int("members", len(res.Distributions)),
					zap.Bool("replayed", res.Replayed),
				)
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "period label, e.g. 2026-Q1")
	cmd.Flags().StringVar(&start, "start", "", "first day of the period (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "day after the last day of the period (YYYY-MM-DD)")
	cmd.Flags().Int64Var(&surplus, "surplus", 0, "surplus to distribute in UGX")
	for _, name := range []string{"period", "start", "end", "surplus"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func pollPaymentsCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "poll-payments",
		Short: "Query providers for submitted payments that have not called back",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Payments.PollStuck(ctx, olderThan)
				if err != nil {
					return err
				}
				return report(cmd, a, "poll-payments", res)
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age of a submitted request (default payments.pending_timeout)")
	return cmd
}

func retryUnpostedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-unposted",
		Short: "Post ledger entries for completed payments that are missing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Payments.RetryUnposted(ctx)
				if err != nil {
					return err
				}
				return report(cmd, a, "retry-unposted", res)
			})
		},
	}
}

func markDefaultsCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "mark-defaults",
		Short: "Move overdue loans past the grace period to defaulted",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseAsOf(asOf, time.Now())
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				ids, err := a.Sacco.MarkDefaults(ctx, at)
				if err != nil {
					return err
				}
				a.Logger.Info("defaults marked", zap.Int("loans", len(ids)))
				return printJSON(cmd.OutOrStdout(), map[string]any{"defaulted": ids})
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluation date (YYYY-MM-DD, default today)")
	return cmd
}

func reconcileBalancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile-balances",
		Short: "Compare running balances with the sum of completed entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				drift, err := a.Ledger.ReconcileAll(ctx)
				if err != nil {
					return err
				}
				for _, rec := range drift {
					a.Logger.Error("balance drift",
						zap.String("account_id", rec.AccountID),
						zap.Int64("running_balance", rec.RunningBalance),
						zap.Int64("entry_sum", rec.EntrySum),
					)
				}
				if err := printJSON(cmd.OutOrStdout(), map[string]any{"drift": drift}); err != nil {
					return err
				}
				if len(drift) > 0 {
					return fmt.Errorf("%d account(s) out of balance", len(drift))
				}
				return nil
			})
		},
	}
}

func report(cmd *cobra.Command, a *app.App, job string, res *services.BatchResult) error {
	a.Logger.Info("batch finished",
		zap.String("job", job),
		zap.Int("scanned", res.Scanned),
		zap.Int("changed", res.Changed),
		zap.Int("errors", res.Errors),
	)
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if res.Errors > 0 {
		return fmt.Errorf("%s: %d item(s) failed", job, res.Errors)
	}
	return nil
}
