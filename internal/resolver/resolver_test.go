package resolver

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stripesync/internal/ledger/ledgertest"
	"stripesync/pkg/models"
)

func newCatalog() *ledgertest.Ledger {
	l := ledgertest.New()
	l.AddProduct(
		models.LocalProduct{ID: "P1", Reference: "HOSTING-PRO"},
		models.TaxProfile{Code: "IVA21", VATRate: decimal.NewFromInt(21)},
	)
	l.Correlate(0, "prod_A", "P1")
	l.Correlate(0, "prod_gone", "P404")
	return l
}

func TestResolve(t *testing.T) {
	r := New(newCatalog())

	line, errs := r.Resolve(context.Background(), 0, models.ExternalInvoiceLine{
		Description:     "1 x Hosting",
		PlanName:        "Pro",
		Quantity:        2,
		UnitAmountMinor: 7500,
		AmountMinor:     15000,
		ProductRef:      "prod_A",
	})

	require.Empty(t, errs)
	assert.True(t, line.Resolved())
	assert.Equal(t, "P1", line.LocalProductID)
	assert.Equal(t, "HOSTING-PRO", line.ProductReference)
	assert.Equal(t, "IVA21", line.TaxCode)
	assert.True(t, line.VATRate.Equal(decimal.NewFromInt(21)))
	assert.Equal(t, "75.00", line.UnitAmount.StringFixed(2))
	assert.Equal(t, "150.00", line.Amount.StringFixed(2))
	assert.Equal(t, "Pro 1 x Hosting", line.Description)
}

func TestResolveFailures(t *testing.T) {
	tests := []struct {
		name    string
		account int
		ref     string
		want    string
	}{
		{name: "missing product", ref: "", want: MsgProductMissing},
		{name: "no correlation", ref: "prod_B", want: "no correlation for external product prod_B"},
		{name: "correlation scoped per account", account: 1, ref: "prod_A", want: "no correlation for external product prod_A"},
		{name: "product deleted", ref: "prod_gone", want: MsgProductNotFound},
	}

	r := New(newCatalog())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, errs := r.Resolve(context.Background(), tt.account, models.ExternalInvoiceLine{ProductRef: tt.ref, Quantity: 1})
			require.Len(t, errs, 1)
			assert.Equal(t, tt.want, errs[0].Message)
			assert.False(t, line.Resolved())
			assert.Empty(t, line.TaxCode)
			assert.True(t, line.VATRate.IsZero())
		})
	}
}

func TestResolveAllCollectsEveryError(t *testing.T) {
	r := New(newCatalog())

	lines, errs := r.ResolveAll(context.Background(), 0, []models.ExternalInvoiceLine{
		{Description: "a"},
		{Description: "b", ProductRef: "prod_A"},
		{Description: "c", ProductRef: "prod_X"},
	})

	require.Len(t, lines, 3)
	require.Len(t, errs, 2)
	assert.Equal(t, MsgProductMissing, errs[0].Message)
	assert.Contains(t, errs[0].Context, `"a"`)
	assert.Contains(t, errs[1].Message, "prod_X")
	assert.True(t, lines[1].Resolved())
}

func TestDescription(t *testing.T) {
	assert.Equal(t, "Pro Hosting", Description(models.ExternalInvoiceLine{PlanName: "Pro", Description: "Hosting"}))
	assert.Equal(t, "Hosting", Description(models.ExternalInvoiceLine{Description: "Hosting"}))
	assert.Equal(t, "Pro", Description(models.ExternalInvoiceLine{PlanName: "Pro"}))
}
