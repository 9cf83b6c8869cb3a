package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stripesync/internal/ledger"
	"stripesync/pkg/models"
)

// openTestStore connects to TEST_DATABASE_URL and migrates it. Tests using
// it are skipped when the variable is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	store, err := Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx))
	return store
}

// seed inserts a tax, a customer and a product with ids unique to this run.
func seed(t *testing.T, s *Store) (customerID, productID string) {
	t.Helper()
	ctx := context.Background()
	suffix := uuid.NewString()[:8]

	customerID = "C-" + suffix
	productID = "P-" + suffix
	taxCode := "IVA21-" + suffix

	_, err := s.pool.Exec(ctx, `INSERT INTO taxes (code, vat_rate) VALUES ($1, 21)`, taxCode)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `INSERT INTO customers (id, name, tax_id) VALUES ($1, 'Acme SL', 'B12345678')`, customerID)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `INSERT INTO products (id, reference, tax_code) VALUES ($1, $2, $3)`, productID, "REF-"+suffix, taxCode)
	require.NoError(t, err)
	return customerID, productID
}

func TestStoreLookups(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	customerID, productID := seed(t, s)

	c, err := s.Customer(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, "Acme SL", c.Name)
	assert.Equal(t, models.VATRegimeGeneral, c.VATRegime)

	tax, err := s.TaxProfile(ctx, productID)
	require.NoError(t, err)
	assert.True(t, tax.VATRate.Equal(decimal.NewFromInt(21)))

	_, err = s.Customer(ctx, "missing-"+customerID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = s.ProductCorrelation(ctx, 7, "prod_"+productID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	require.NoError(t, s.SetProductCorrelation(ctx, 7, "prod_"+productID, productID))
	got, err := s.ProductCorrelation(ctx, 7, "prod_"+productID)
	require.NoError(t, err)
	assert.Equal(t, productID, got)

	assert.ErrorIs(t, s.SetProductCorrelation(ctx, 7, "prod_x", "missing-"+productID), ledger.ErrNotFound)
}

func TestStoreInvoiceLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	customerID, productID := seed(t, s)
	externalID := "in_" + uuid.NewString()
	date := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	require.NoError(t, tx.LockExternalInvoice(ctx, 0, externalID))

	inv := &models.LocalInvoice{
		CustomerID:   customerID,
		CustomerName: "Acme SL",
		Date:         date,
		AccountIndex: 0,
		ExternalID:   externalID,
	}
	require.NoError(t, tx.CreateInvoice(ctx, inv))
	assert.Regexp(t, `^FAC2024A\d+$`, inv.ID)

	line := &models.LocalInvoiceLine{
		InvoiceID:   inv.ID,
		Description: "Hosting",
		ProductID:   productID,
		Quantity:    decimal.NewFromInt(1),
		UnitPrice:   decimal.RequireFromString("123.966942"),
		LineTotal:   decimal.RequireFromString("123.966942"),
		VATRate:     decimal.NewFromInt(21),
	}
	require.NoError(t, tx.AddLine(ctx, line))
	assert.Equal(t, 1, line.Position)

	require.NoError(t, tx.RecalculateTotals(ctx, inv))
	assert.Equal(t, "150.00", inv.Total.StringFixed(2))

	inv.ExternalNumber = "INV-0001"
	require.NoError(t, tx.SaveInvoice(ctx, inv))

	entryID, err := tx.GenerateAccountingEntry(ctx, inv)
	require.NoError(t, err)
	assert.NotEmpty(t, entryID)

	receipts, err := tx.Receipts(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "150.00", receipts[0].Amount.StringFixed(2))
	assert.False(t, receipts[0].Paid)

	receipts[0].Paid = true
	receipts[0].PaymentDate = &date
	receipts[0].PaymentMethod = "TARJETA"
	require.NoError(t, tx.SaveReceipt(ctx, &receipts[0]))

	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, tx.Rollback(ctx))

	// A second invoice for the same external id violates the unique index.
	tx2, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx2.Rollback(ctx)

	err = tx2.CreateInvoice(ctx, &models.LocalInvoice{
		CustomerID:   customerID,
		CustomerName: "Acme SL",
		Date:         date,
		ExternalID:   externalID,
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateExternalInvoice)
}

func TestStoreRollbackDiscardsInvoice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	customerID, _ := seed(t, s)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	inv := &models.LocalInvoice{
		CustomerID:   customerID,
		CustomerName: "Acme SL",
		Date:         time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		ExternalID:   "in_" + uuid.NewString(),
	}
	require.NoError(t, tx.CreateInvoice(ctx, inv))
	require.NoError(t, tx.Rollback(ctx))

	var count int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT count(*) FROM invoices WHERE id = $1`, inv.ID).Scan(&count))
	assert.Zero(t, count)
}
