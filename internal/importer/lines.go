package importer

import (
	"time"

	"github.com/shopspring/decimal"
	"stripesync/pkg/models"
)

const periodDateLayout = "02-01-2006"

var hundred = decimal.NewFromInt(100)

// buildLine turns a resolved line into a local invoice line. Prices are
// stored tax exclusive. Exempt customers get no tax and the charged amount.
func buildLine(invoiceID string, rl models.ResolvedLine, customer *models.LocalCustomer, loc *time.Location) models.LocalInvoiceLine {
	line := models.LocalInvoiceLine{
		InvoiceID:   invoiceID,
		Description: periodDescription(rl, loc),
		Quantity:    decimal.NewFromInt(rl.Quantity),
	}
	if rl.LocalProductID != "" {
		line.ProductID = rl.LocalProductID
		line.Reference = rl.ProductReference
	}

	if customer.Exempt() {
		line.UnitPrice = rl.UnitAmount
		line.LineTotal = rl.Amount
		return line
	}

	line.UnitPrice = TaxExclusive(rl.UnitAmount, rl.VATRate)
	line.LineTotal = TaxExclusive(rl.Amount, rl.VATRate)
	line.TaxCode = rl.TaxCode
	line.VATRate = rl.VATRate
	if customer.VATRegime == models.VATRegimeSurcharge {
		line.SurchargeRate = rl.SurchargeRate
	}
	return line
}

// TaxExclusive removes vatRate percent of VAT from a tax inclusive amount.
func TaxExclusive(amount, vatRate decimal.Decimal) decimal.Decimal {
	divisor := decimal.NewFromInt(1).Add(vatRate.Div(hundred))
	return amount.DivRound(divisor, 6)
}

func periodDescription(rl models.ResolvedLine, loc *time.Location) string {
	desc := rl.Description
	if rl.PeriodStart > 0 {
		desc += " desde " + time.Unix(rl.PeriodStart, 0).In(loc).Format(periodDateLayout)
	}
	if rl.PeriodEnd > 0 {
		desc += " hasta " + time.Unix(rl.PeriodEnd, 0).In(loc).Format(periodDateLayout)
	}
	return desc
}
