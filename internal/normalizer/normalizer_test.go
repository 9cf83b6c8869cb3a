package normalizer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stripesync/internal/account"
	"stripesync/internal/ledger/ledgertest"
	"stripesync/internal/source"
	"stripesync/pkg/models"
)

type customerSource struct {
	source.Source
	customers map[string]models.ExternalCustomer
}

func (s customerSource) GetCustomer(_ context.Context, _ account.Config, id string) (*models.ExternalCustomer, error) {
	c, ok := s.customers[id]
	if !ok {
		return nil, fmt.Errorf("GetCustomer: %w", source.ErrNotFound)
	}
	return &c, nil
}

func setup(t *testing.T) *Normalizer {
	t.Helper()
	catalog := ledgertest.New()
	catalog.AddCustomer(models.LocalCustomer{ID: "C-42", Name: "Acme SL"})

	src := customerSource{customers: map[string]models.ExternalCustomer{
		"cus_linked":   {ID: "cus_linked", Email: "a@example.com", LocalCustomerID: "C-42"},
		"cus_unlinked": {ID: "cus_unlinked"},
		"cus_dangling": {ID: "cus_dangling", LocalCustomerID: "C-404"},
	}}

	madrid, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)
	return New(src, catalog, madrid)
}

func TestNormalize(t *testing.T) {
	n := setup(t)
	lines := []models.ResolvedLine{{LocalProductID: "P1"}}

	inv := models.ExternalInvoice{
		ID:              "in_1",
		Number:          "INV-0001",
		Status:          models.StatusPaid,
		AmountPaidMinor: 15000,
		CreatedAt:       1700002800, // 2023-11-14 23:00 UTC, already the 15th in Madrid
		CustomerID:      "cus_linked",
	}

	got, err := n.Normalize(context.Background(), account.Config{Index: 1, SecretKey: "sk"}, inv, lines)
	require.NoError(t, err)

	assert.Equal(t, 1, got.AccountIndex)
	assert.Equal(t, "150.00", got.AmountPaid.StringFixed(2))
	assert.Equal(t, 15, got.Date.Day())
	assert.Equal(t, time.November, got.Date.Month())
	assert.Equal(t, "C-42", got.LocalCustomerID)
	assert.Equal(t, "Acme SL", got.LocalCustomerName)
	assert.Equal(t, "a@example.com", got.ExternalCustomerEmail)
	assert.Equal(t, lines, got.Lines)
	assert.Empty(t, got.LocalInvoiceID)
}

func TestNormalizeWithoutLocalCustomer(t *testing.T) {
	n := setup(t)
	acct := account.Config{SecretKey: "sk"}

	for _, id := range []string{"cus_unlinked", "cus_dangling"} {
		t.Run(id, func(t *testing.T) {
			got, err := n.Normalize(context.Background(), acct, models.ExternalInvoice{ID: "in_1", CustomerID: id}, nil)
			require.NoError(t, err)
			assert.Empty(t, got.LocalCustomerID)
			assert.Empty(t, got.LocalCustomerName)
		})
	}
}

func TestNormalizeCustomerUnavailable(t *testing.T) {
	n := setup(t)

	_, err := n.Normalize(context.Background(), account.Config{SecretKey: "sk"}, models.ExternalInvoice{ID: "in_1", CustomerID: "cus_gone"}, nil)
	require.ErrorIs(t, err, ErrCustomerUnavailable)
	assert.ErrorIs(t, err, source.ErrNotFound)
}

func TestNormalizeKeepsExistingMarker(t *testing.T) {
	n := setup(t)

	got, err := n.Normalize(context.Background(), account.Config{SecretKey: "sk"},
		models.ExternalInvoice{ID: "in_1", CustomerID: "cus_linked", LocalInvoiceID: "F-9"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "F-9", got.LocalInvoiceID)
}
