package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"stripesync/internal/ledger/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the ledger schema migrations",
	Long: `Apply all pending migrations to the ledger database. Only DATABASE_URL
is needed; Stripe accounts are not loaded.`,
	Example: `  stripesync migrate
  stripesync migrate --database-url postgres://ledger@localhost/ledger`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().String("database-url", "", "Ledger database (default: DATABASE_URL)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	databaseURL, _ := cmd.Flags().GetString("database-url")
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}

	ctx, cancel := commandContext(5 * time.Minute)
	defer cancel()

	store, err := postgres.Open(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating ledger: %w", err)
	}
	fmt.Println("Ledger schema is up to date.")
	return nil
}
