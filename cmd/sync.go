package cmd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"stripesync/internal/importer"
	"stripesync/internal/logger"
	"stripesync/internal/sheets"
	"stripesync/pkg/models"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import every unprocessed paid Stripe invoice",
	Long: `List the unprocessed paid invoices of a Stripe account and import each of
them, in parallel. Failures are reported per invoice and never stop the run.

Invoices are imported as with the import command, including its VAT
handling for exempt customers (see stripesync import --help).

Optionally the outcome of the run is appended to a Google Sheet.

Required environment variables:
  DATABASE_URL - Ledger database
  STRIPE_SECRET_KEYS - Comma separated Stripe secret keys, OR
  STRIPE_ACCOUNTS_FILE - YAML file with the Stripe accounts

Optional environment variables:
  IMPORT_WORKERS - Number of parallel imports (default: 4)
  GOOGLE_SHEET_URL - Google Sheets URL for --sheet
  GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_CREDENTIALS - Sheets credentials`,
	Example: `  # Import everything pending on the first account
  stripesync sync

  # Import January and mark the receipts paid by card
  stripesync sync --start 2024-01-01 --end 2024-01-31 --mark-paid --payment-method TARJETA

  # Show what would be imported
  stripesync sync --dry-run

  # Import and append the outcome to the report sheet
  stripesync sync --sheet`,
	RunE: runSync,
}

// syncJob is one invoice waiting for a worker.
type syncJob struct {
	Invoice models.ExternalInvoice
	Index   int
}

func init() {
	rootCmd.AddCommand(syncCmd)
	addWindowFlags(syncCmd)

	syncCmd.Flags().Bool("mark-paid", false, "Mark the receipts of every new invoice as paid")
	syncCmd.Flags().String("payment-method", "", "Payment method stored with --mark-paid")
	syncCmd.Flags().Bool("dry-run", false, "List the invoices but don't import them")
	syncCmd.Flags().Bool("sheet", false, "Append the results to the Google Sheet in GOOGLE_SHEET_URL")
	syncCmd.Flags().Int("workers", 0, "Parallel imports (default: IMPORT_WORKERS)")
	syncCmd.Flags().Bool("verbose", false, "Show detailed import information")
}

func runSync(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("sync")

	accountIndex, _ := cmd.Flags().GetInt("account")
	markPaid, _ := cmd.Flags().GetBool("mark-paid")
	paymentMethod, _ := cmd.Flags().GetString("payment-method")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	writeSheet, _ := cmd.Flags().GetBool("sheet")
	workers, _ := cmd.Flags().GetInt("workers")
	verbose, _ := cmd.Flags().GetBool("verbose")

	if paymentMethod != "" && !markPaid {
		return fmt.Errorf("--payment-method requires --mark-paid")
	}

	ctx, cancel := commandContext(30 * time.Minute)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if writeSheet && a.cfg.GoogleSheetURL == "" {
		return fmt.Errorf("GOOGLE_SHEET_URL environment variable is required for --sheet")
	}
	if workers <= 0 {
		workers = a.cfg.ImportWorkers
	}

	q, err := windowFromFlags(cmd, a.cfg.Location())
	if err != nil {
		return err
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("                         STRIPE SYNC")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Account: %d\n", accountIndex)
	if dryRun {
		fmt.Println("Mode: dry run (nothing is imported)")
	}
	fmt.Println()

	listed, err := a.importer.ListUnprocessed(ctx, accountIndex, q)
	if err != nil {
		return fmt.Errorf("listing invoices: %w", err)
	}
	if len(listed.Invoices) == 0 {
		fmt.Println("No unprocessed paid invoices found.")
		return nil
	}

	if dryRun {
		for i, inv := range listed.Invoices {
			fmt.Printf("[%d/%d] %s %s (%.2f)\n", i+1, len(listed.Invoices), inv.ID, inv.Number, float64(inv.AmountPaidMinor)/100)
		}
		return nil
	}

	fmt.Printf("Importing %d invoices with %d parallel workers...\n", len(listed.Invoices), workers)
	fmt.Println()

	opts := importer.Options{MarkPaid: markPaid, PaymentMethod: paymentMethod}
	results := importInParallel(ctx, a.importer, listed.Invoices, accountIndex, opts, workers, log, verbose)

	reports := make([]sheets.ImportReport, len(results))
	committed, failed := 0, 0
	for i, r := range results {
		reports[i] = sheets.ImportReport{Invoice: listed.Invoices[i], Result: r}
		if r.Succeeded {
			committed++
		} else {
			failed++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("                 RESULT")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Imported: %d\n", committed)
	if failed > 0 {
		fmt.Printf("Failed: %d\n", failed)
	}
	fmt.Println()

	if writeSheet {
		fmt.Println("Writing results to Google Sheet...")

		sheetsService, err := sheets.NewSheetsService(ctx, a.cfg.GoogleSheetURL, a.cfg.Location())
		if err != nil {
			return fmt.Errorf("failed to create Google Sheets service: %w", err)
		}
		if err := sheetsService.WriteImportResults(ctx, reports, a.cfg.GoogleSheetWorksheet); err != nil {
			return fmt.Errorf("failed to write to Google Sheet: %w", err)
		}

		fmt.Printf("Sheet: %s\n", a.cfg.GoogleSheetWorksheet)
		fmt.Printf("Rows added: %d\n", len(reports))
	}

	log.Info().
		Int("account_index", accountIndex).
		Int("total", len(results)).
		Int("imported", committed).
		Int("failed", failed).
		Msg("Sync completed")

	if failed > 0 {
		return fmt.Errorf("%d of %d invoices failed to import", failed, len(results))
	}
	return nil
}

// invoiceImporter is the part of importer.Service used by the worker pool.
type invoiceImporter interface {
	ImportInvoice(ctx context.Context, externalID string, accountIndex int, opts importer.Options) (*models.ReconciliationResult, error)
}

// importInParallel imports invoices with a worker pool. Results keep the
// order of invoices.
func importInParallel(ctx context.Context, imp invoiceImporter, invoices []models.ExternalInvoice, accountIndex int, opts importer.Options, numWorkers int, log zerolog.Logger, verbose bool) []*models.ReconciliationResult {
	jobs := make(chan syncJob, len(invoices))
	results := make([]*models.ReconciliationResult, len(invoices))

	var processedCount int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			for job := range jobs {
				log.Debug().
					Int("worker", workerID).
					Str("external_invoice_id", job.Invoice.ID).
					Int("index", job.Index+1).
					Msg("Worker importing invoice")

				result, err := imp.ImportInvoice(ctx, job.Invoice.ID, accountIndex, opts)
				results[job.Index] = result

				mu.Lock()
				processedCount++
				fmt.Printf("[%d/%d] %s - %s", processedCount, len(invoices), job.Invoice.ID, statusLabel(result))
				if err != nil {
					fmt.Printf(" (%s)", importer.Kind(err))
				} else {
					fmt.Printf(" -> %s (%.2f)", result.LocalInvoiceID, float64(job.Invoice.AmountPaidMinor)/100)
				}
				fmt.Println()
				mu.Unlock()

				if verbose && err != nil {
					log.Info().
						Err(err).
						Str("external_invoice_id", job.Invoice.ID).
						Str("state", string(result.State)).
						Msg("Invoice not imported")
				}
			}
		}(w)
	}

	for i, inv := range invoices {
		jobs <- syncJob{Invoice: inv, Index: i}
	}
	close(jobs)

	wg.Wait()
	return results
}

func statusLabel(result *models.ReconciliationResult) string {
	switch {
	case result.Succeeded:
		return "OK"
	case result.State == models.StateRejected:
		return "SKIPPED"
	default:
		return "FAILED"
	}
}
