package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"stripesync/internal/logger"
)

var version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "stripesync",
	Short: "Import paid Stripe invoices into the local ledger",
	Long: `stripesync reconciles paid invoices from one or more Stripe accounts with
the local accounting ledger.

Every paid Stripe invoice is materialized exactly once as a local invoice
with its lines, totals, accounting entry and receipts. The local invoice id
is written back to the Stripe invoice metadata so the invoice is never
imported twice.`,
	Version:      version,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	log := logger.WithComponent("cmd")

	if err := rootCmd.Execute(); err != nil {
		log.Error().
			Err(err).
			Msg("Command execution failed")
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Int("account", 0, "Stripe account index (position in STRIPE_SECRET_KEYS or the accounts file)")
}
