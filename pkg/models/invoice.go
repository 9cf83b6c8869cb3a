package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Billing provider invoice statuses
const (
	StatusDraft         = "draft"
	StatusOpen          = "open"
	StatusPaid          = "paid"
	StatusVoid          = "void"
	StatusUncollectible = "uncollectible"
)

// ExternalInvoice is a snapshot of an invoice owned by the billing provider.
// It is never mutated locally; changes go back through the source.
type ExternalInvoice struct {
	ID              string                `json:"id"`                         // Provider invoice id
	Number          string                `json:"number"`                     // Provider invoice number
	Status          string                `json:"status"`                     // draft, open, paid, void, uncollectible
	AmountPaidMinor int64                 `json:"amount_paid_minor"`          // Amount paid in minor currency units
	CreatedAt       int64                 `json:"created_at"`                 // Epoch seconds
	CustomerID      string                `json:"customer_id"`                // Provider customer id
	CustomerEmail   string                `json:"customer_email,omitempty"`   // Email captured on the invoice
	Lines           []ExternalInvoiceLine `json:"lines"`                      // Ordered as returned by the provider
	Metadata        map[string]string     `json:"metadata,omitempty"`         // Free-form provider metadata
	LocalInvoiceID  string                `json:"local_invoice_id,omitempty"` // Idempotency marker read from Metadata, empty when absent
}

// ExternalInvoiceLine is one line of an ExternalInvoice.
type ExternalInvoiceLine struct {
	Description     string `json:"description"`
	PlanName        string `json:"plan_name,omitempty"` // Subscription plan nickname, empty for one-off items
	Quantity        int64  `json:"quantity"`
	UnitAmountMinor int64  `json:"unit_amount_minor"`
	AmountMinor     int64  `json:"amount_minor"`
	ProductRef      string `json:"product_ref,omitempty"`  // Provider product id, empty when the line has none
	PeriodStart     int64  `json:"period_start,omitempty"` // Epoch seconds, 0 when absent
	PeriodEnd       int64  `json:"period_end,omitempty"`   // Epoch seconds, 0 when absent
}

// ExternalCustomer is the provider-side customer record.
type ExternalCustomer struct {
	ID              string
	Name            string
	Email           string
	Metadata        map[string]string
	LocalCustomerID string // Correlation read from Metadata, empty when absent
}

// ResolvedLine is an external line mapped to the local catalog.
// Amounts are in major currency units and include tax.
type ResolvedLine struct {
	ProductRef       string
	LocalProductID   string // Empty when the line could not be resolved
	ProductReference string // Local catalog code of the product
	TaxCode          string
	VATRate          decimal.Decimal // Percent
	SurchargeRate    decimal.Decimal // Percent
	Quantity         int64
	UnitAmount       decimal.Decimal
	Amount           decimal.Decimal
	Description      string
	PeriodStart      int64
	PeriodEnd        int64
}

// Resolved reports whether the line maps to a local product.
func (l ResolvedLine) Resolved() bool {
	return l.LocalProductID != ""
}

// CanonicalInvoice is the validated, unit-normalized form of an external
// invoice that the importer works with.
type CanonicalInvoice struct {
	AccountIndex          int
	ID                    string
	Number                string
	Date                  time.Time // Calendar date in the import timezone
	AmountPaid            decimal.Decimal
	Status                string
	ExternalCustomerID    string
	ExternalCustomerEmail string
	LocalCustomerID       string // Empty when no local customer correlation exists
	LocalCustomerName     string
	Lines                 []ResolvedLine
	LocalInvoiceID        string // Set only once the local invoice exists and the marker is written
}

// Unresolved returns the indexes of lines without a local product.
func (c *CanonicalInvoice) Unresolved() []int {
	var idx []int
	for i, l := range c.Lines {
		if !l.Resolved() {
			idx = append(idx, i)
		}
	}
	return idx
}
