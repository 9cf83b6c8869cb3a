package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var linkCustomerCmd = &cobra.Command{
	Use:   "link-customer [stripe-customer-id] [local-customer-id]",
	Short: "Link a Stripe customer to a local customer",
	Long: `Record the local customer id in the metadata of a Stripe customer.

Invoices of a Stripe customer can only be imported once the customer is
linked. Both customers must exist.`,
	Example: `  stripesync link-customer cus_PqR7sT C000123
  stripesync link-customer cus_PqR7sT C000123 --account 1`,
	Args: cobra.ExactArgs(2),
	RunE: runLinkCustomer,
}

var correlateProductCmd = &cobra.Command{
	Use:   "correlate-product [stripe-product-id] [local-product-id]",
	Short: "Map a Stripe product to a local product",
	Long: `Add or replace an entry of the product correlation table. Invoice lines
referencing the Stripe product resolve to the local product and its tax
profile.`,
	Example: `  stripesync correlate-product prod_NfJ2kL HOSTING-PRO
  stripesync correlate-product prod_NfJ2kL HOSTING-PRO --account 1`,
	Args: cobra.ExactArgs(2),
	RunE: runCorrelateProduct,
}

func init() {
	rootCmd.AddCommand(linkCustomerCmd)
	rootCmd.AddCommand(correlateProductCmd)
}

func runLinkCustomer(cmd *cobra.Command, args []string) error {
	accountIndex, _ := cmd.Flags().GetInt("account")

	ctx, cancel := commandContext(2 * time.Minute)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.importer.LinkCustomer(ctx, args[0], accountIndex, args[1]); err != nil {
		return fmt.Errorf("linking customer: %w", err)
	}

	fmt.Printf("Stripe customer %s linked to local customer %s\n", args[0], args[1])
	return nil
}

func runCorrelateProduct(cmd *cobra.Command, args []string) error {
	accountIndex, _ := cmd.Flags().GetInt("account")

	ctx, cancel := commandContext(2 * time.Minute)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.importer.Account(accountIndex); err != nil {
		return err
	}
	if err := a.store.SetProductCorrelation(ctx, accountIndex, args[0], args[1]); err != nil {
		return fmt.Errorf("saving correlation: %w", err)
	}

	fmt.Printf("Stripe product %s mapped to local product %s on account %d\n", args[0], args[1], accountIndex)
	return nil
}
