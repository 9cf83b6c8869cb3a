package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// VAT regimes of a local customer
const (
	VATRegimeGeneral   = "general"
	VATRegimeSurcharge = "surcharge" // Recargo de equivalencia
	VATRegimeExempt    = "exempt"
)

// LocalCustomer is a customer of the local ledger.
type LocalCustomer struct {
	ID        string // Customer code
	Name      string
	TaxID     string
	Email     string
	VATRegime string
}

// Exempt reports whether invoices for this customer carry no VAT.
func (c *LocalCustomer) Exempt() bool {
	return c.VATRegime == VATRegimeExempt
}

// LocalProduct is a product of the local catalog.
type LocalProduct struct {
	ID          string
	Reference   string // Catalog code printed on invoice lines
	Description string
	TaxCode     string
}

// TaxProfile holds the rates behind a tax code.
type TaxProfile struct {
	Code          string
	VATRate       decimal.Decimal // Percent
	SurchargeRate decimal.Decimal // Percent
}

// LocalInvoice is a sales invoice of the local ledger.
type LocalInvoice struct {
	ID                string
	CustomerID        string
	CustomerName      string
	CustomerTaxID     string
	Date              time.Time
	ExternalNumber    string // Secondary reference, the provider invoice number
	PaymentMethod     string
	Net               decimal.Decimal
	Tax               decimal.Decimal
	Surcharge         decimal.Decimal
	Total             decimal.Decimal
	AccountingEntryID string
	AccountIndex      int    // Provider account the invoice was imported from
	ExternalID        string // Provider invoice id
	CreatedAt         time.Time
}

// LocalInvoiceLine is a line of a LocalInvoice. Prices are tax exclusive.
type LocalInvoiceLine struct {
	ID            string
	InvoiceID     string
	Position      int
	Description   string
	ProductID     string
	Reference     string
	Quantity      decimal.Decimal
	UnitPrice     decimal.Decimal
	LineTotal     decimal.Decimal
	TaxCode       string
	VATRate       decimal.Decimal
	SurchargeRate decimal.Decimal
}

// Receipt is a collection record generated for an invoice.
type Receipt struct {
	ID            string
	InvoiceID     string
	Amount        decimal.Decimal
	DueDate       time.Time
	Paid          bool
	PaymentDate   *time.Time
	PaymentMethod string
}
