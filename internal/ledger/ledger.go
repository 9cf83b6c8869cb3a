// Package ledger defines what the importer needs from the local accounting
// ledger. Implementations live in sub-packages.
package ledger

import (
	"context"
	"errors"

	"stripesync/pkg/models"
)

var (
	// ErrNotFound is returned by lookups that find no row.
	ErrNotFound = errors.New("ledger record not found")

	// ErrDuplicateExternalInvoice is returned when a local invoice already
	// references the same provider account and external invoice.
	ErrDuplicateExternalInvoice = errors.New("external invoice already has a local invoice")
)

// Catalog is the read side of the ledger used during resolution.
type Catalog interface {
	// Customer loads a customer by code.
	Customer(ctx context.Context, id string) (*models.LocalCustomer, error)
	// Product loads a product by id.
	Product(ctx context.Context, id string) (*models.LocalProduct, error)
	// TaxProfile returns the tax rates applying to a product.
	TaxProfile(ctx context.Context, productID string) (*models.TaxProfile, error)
	// ProductCorrelation maps an external product reference to a local
	// product id. ErrNotFound when no correlation exists.
	ProductCorrelation(ctx context.Context, accountIndex int, productRef string) (string, error)
}

// Ledger is a Catalog that can open write transactions.
type Ledger interface {
	Catalog
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one ledger transaction. Nothing written through it is visible
// outside until Commit. Rollback after Commit is a no-op.
type Tx interface {
	// LockExternalInvoice serializes imports of the same external invoice
	// until the transaction ends.
	LockExternalInvoice(ctx context.Context, accountIndex int, externalID string) error
	// CreateInvoice inserts the invoice header and assigns inv.ID.
	CreateInvoice(ctx context.Context, inv *models.LocalInvoice) error
	// AddLine inserts a line and assigns line.ID.
	AddLine(ctx context.Context, line *models.LocalInvoiceLine) error
	// RecalculateTotals derives totals from the lines, stores them on inv
	// and keeps the invoice receipts in step with the total.
	RecalculateTotals(ctx context.Context, inv *models.LocalInvoice) error
	// SaveInvoice persists header changes.
	SaveInvoice(ctx context.Context, inv *models.LocalInvoice) error
	// GenerateAccountingEntry books the invoice and returns the entry id.
	GenerateAccountingEntry(ctx context.Context, inv *models.LocalInvoice) (string, error)
	// Receipts lists the receipts of an invoice.
	Receipts(ctx context.Context, invoiceID string) ([]models.Receipt, error)
	// SaveReceipt persists receipt changes.
	SaveReceipt(ctx context.Context, r *models.Receipt) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
