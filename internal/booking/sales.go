// Package booking builds the double-entry journal for imported sales invoices.
package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"stripesync/pkg/models"
)

// Spanish general chart of accounts, subaccount level
const (
	AccountCustomers = "4300" // Clientes
	AccountSales     = "7000" // Ventas de mercaderías
	AccountOutputVAT = "4770" // H.P. IVA repercutido
)

var (
	// ErrUnbalanced is returned when debits and credits differ.
	ErrUnbalanced = errors.New("journal entry does not balance")

	// ErrEmptyInvoice is returned for invoices with a zero total.
	ErrEmptyInvoice = errors.New("invoice has no amount to book")
)

// Entry is one journal entry.
type Entry struct {
	Date      time.Time
	Concept   string
	InvoiceID string
	Lines     []EntryLine
}

// EntryLine is one posting of an Entry.
type EntryLine struct {
	Account string
	Concept string
	Debit   decimal.Decimal
	Credit  decimal.Decimal
}

// SalesEntry books a sales invoice: receivable on the customer against
// sales and output VAT. Surcharge is booked with VAT.
func SalesEntry(inv *models.LocalInvoice) (*Entry, error) {
	const op = "SalesEntry"

	if inv.Total.IsZero() {
		return nil, fmt.Errorf("%s: invoice %s: %w", op, inv.ID, ErrEmptyInvoice)
	}

	concept := fmt.Sprintf("Factura %s - %s", inv.ID, inv.CustomerName)
	if inv.ExternalNumber != "" {
		concept = fmt.Sprintf("Factura %s (%s) - %s", inv.ID, inv.ExternalNumber, inv.CustomerName)
	}

	entry := &Entry{
		Date:      inv.Date,
		Concept:   concept,
		InvoiceID: inv.ID,
		Lines: []EntryLine{
			{Account: AccountCustomers, Concept: concept, Debit: inv.Total},
			{Account: AccountSales, Concept: concept, Credit: inv.Net},
		},
	}
	if vat := inv.Tax.Add(inv.Surcharge); !vat.IsZero() {
		entry.Lines = append(entry.Lines, EntryLine{Account: AccountOutputVAT, Concept: concept, Credit: vat})
	}

	if err := entry.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invoice %s: %w", op, inv.ID, err)
	}
	return entry, nil
}

// Validate checks that the entry balances.
func (e *Entry) Validate() error {
	var debit, credit decimal.Decimal
	for _, l := range e.Lines {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	if !debit.Equal(credit) {
		return fmt.Errorf("%w: debit %s credit %s", ErrUnbalanced, debit.StringFixed(2), credit.StringFixed(2))
	}
	return nil
}
