package ledger

import (
	"github.com/shopspring/decimal"
	"stripesync/pkg/models"
)

var hundred = decimal.NewFromInt(100)

// Totals are the derived amounts of an invoice.
type Totals struct {
	Net       decimal.Decimal
	Tax       decimal.Decimal
	Surcharge decimal.Decimal
	Total     decimal.Decimal
}

// ComputeTotals sums tax exclusive line totals and derives tax per line,
// rounded to cents.
func ComputeTotals(lines []models.LocalInvoiceLine) Totals {
	var t Totals
	for _, l := range lines {
		net := l.LineTotal.Round(2)
		t.Net = t.Net.Add(net)
		t.Tax = t.Tax.Add(net.Mul(l.VATRate).Div(hundred).Round(2))
		t.Surcharge = t.Surcharge.Add(net.Mul(l.SurchargeRate).Div(hundred).Round(2))
	}
	t.Total = t.Net.Add(t.Tax).Add(t.Surcharge)
	return t
}

// Apply stores the totals on inv.
func (t Totals) Apply(inv *models.LocalInvoice) {
	inv.Net = t.Net
	inv.Tax = t.Tax
	inv.Surcharge = t.Surcharge
	inv.Total = t.Total
}
