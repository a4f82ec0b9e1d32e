package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sautimusic/backend/internal/app"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "saccoctl",
		Short:         "Batch jobs for the SACCO ledger, payments and dividends",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			app.ReadConfig(configFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", ".env", "config file to read before the environment")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(accrueInterestCmd())
	rootCmd.AddCommand(accrueLoanInterestCmd())
	rootCmd.AddCommand(distributeDividendsCmd())
	rootCmd.AddCommand(pollPaymentsCmd())
	rootCmd.AddCommand(retryUnpostedCmd())
	rootCmd.AddCommand(markDefaultsCmd())
	rootCmd.AddCommand(reconcileBalancesCmd())

	return rootCmd
}

// withApp builds the service graph for one command run and tears it down
// afterwards. SIGINT cancels the context handed to the job.
func withApp(cmd *cobra.Command, run func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, "saccoctl")
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	return run(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
