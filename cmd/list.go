package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"stripesync/internal/logger"
	"stripesync/internal/source"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List paid Stripe invoices that are not imported yet",
	Long: `List paid Stripe invoices with an amount paid above zero and no local
invoice marker, created inside the given window.

Required environment variables:
  DATABASE_URL - Ledger database
  STRIPE_SECRET_KEYS - Comma separated Stripe secret keys, OR
  STRIPE_ACCOUNTS_FILE - YAML file with the Stripe accounts`,
	Example: `  # Everything not imported yet on the first account
  stripesync list

  # January 2024 on the second account, as JSON
  stripesync list --account 1 --start 2024-01-01 --end 2024-01-31 --json`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	addWindowFlags(listCmd)
	listCmd.Flags().Bool("json", false, "Print the result as JSON")
}

func addWindowFlags(cmd *cobra.Command) {
	cmd.Flags().String("start", "", "Window start (format: YYYY-MM-DD, default: beginning of history)")
	cmd.Flags().String("end", "", "Window end, inclusive (format: YYYY-MM-DD, default: now)")
	cmd.Flags().Int("limit", 0, "Maximum number of invoices, 0 for all")
}

// windowFromFlags reads --start, --end and --limit. Dates are interpreted in
// loc and the end date covers the whole day.
func windowFromFlags(cmd *cobra.Command, loc *time.Location) (source.ListQuery, error) {
	var q source.ListQuery

	startStr, _ := cmd.Flags().GetString("start")
	endStr, _ := cmd.Flags().GetString("end")
	q.Limit, _ = cmd.Flags().GetInt("limit")

	if startStr != "" {
		start, err := time.ParseInLocation("2006-01-02", startStr, loc)
		if err != nil {
			return q, fmt.Errorf("invalid start date format. Use YYYY-MM-DD: %w", err)
		}
		q.Start = start
	}
	if endStr != "" {
		end, err := time.ParseInLocation("2006-01-02", endStr, loc)
		if err != nil {
			return q, fmt.Errorf("invalid end date format. Use YYYY-MM-DD: %w", err)
		}
		q.End = end.AddDate(0, 0, 1).Add(-time.Second)
	}
	if q.Limit < 0 {
		return q, fmt.Errorf("limit must not be negative")
	}
	return q, nil
}

func runList(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("list")

	accountIndex, _ := cmd.Flags().GetInt("account")
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, cancel := commandContext(10 * time.Minute)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	q, err := windowFromFlags(cmd, a.cfg.Location())
	if err != nil {
		return err
	}

	result, err := a.importer.ListUnprocessed(ctx, accountIndex, q)
	if err != nil {
		return fmt.Errorf("listing invoices: %w", err)
	}

	log.Info().
		Int("account_index", accountIndex).
		Int("count", len(result.Invoices)).
		Msg("Unprocessed invoices listed")

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if len(result.Invoices) == 0 {
		fmt.Println("No unprocessed paid invoices found.")
		return nil
	}

	fmt.Printf("%-28s %-16s %-12s %12s  %s\n", "INVOICE", "NUMBER", "DATE", "PAID", "CUSTOMER")
	fmt.Println(strings.Repeat("-", 90))
	for _, inv := range result.Invoices {
		customer := inv.CustomerEmail
		if customer == "" {
			customer = inv.CustomerID
		}
		fmt.Printf("%-28s %-16s %-12s %12.2f  %s\n",
			inv.ID, inv.Number,
			time.Unix(inv.CreatedAt, 0).In(a.cfg.Location()).Format("02-01-2006"),
			float64(inv.AmountPaidMinor)/100, customer)
	}
	fmt.Println()
	fmt.Printf("Total: %d\n", len(result.Invoices))

	for _, e := range result.Errors {
		fmt.Printf("Warning: %s (%s)\n", e.Message, e.Context)
	}
	return nil
}
