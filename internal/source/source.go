// Package source reads paid invoices from the billing provider and writes
// cross-reference metadata back to it.
package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stripesync/internal/account"
	"stripesync/pkg/models"
)

// DefaultWindowStart is the listing start used when none is given.
const DefaultWindowStart int64 = 631200892

// Source is the billing provider as seen by the importer. Every call is a
// network round trip; writes are idempotent.
type Source interface {
	ListUnprocessedPaid(ctx context.Context, acct account.Config, q ListQuery) ([]models.ExternalInvoice, error)
	GetInvoice(ctx context.Context, acct account.Config, externalID string) (*models.ExternalInvoice, error)
	GetCustomer(ctx context.Context, acct account.Config, customerID string) (*models.ExternalCustomer, error)
	WriteLocalCustomerCorrelation(ctx context.Context, acct account.Config, customerID, localCustomerID string) error
	WriteInvoiceMarker(ctx context.Context, acct account.Config, externalID, localInvoiceID string) error
}

// ListQuery selects a creation window. Both ends are inclusive.
type ListQuery struct {
	Start time.Time // Zero means DefaultWindowStart
	End   time.Time // Zero means now
	Limit int       // Maximum invoices returned, 0 for no limit
}

// Normalize fills defaults and checks the window.
func (q ListQuery) Normalize(now time.Time) (ListQuery, error) {
	if q.Start.IsZero() {
		q.Start = time.Unix(DefaultWindowStart, 0)
	}
	if q.End.IsZero() {
		q.End = now
	}
	if q.End.Before(q.Start) {
		return q, fmt.Errorf("%w: end %s before start %s", ErrInvalidWindow, q.End.Format(time.RFC3339), q.Start.Format(time.RFC3339))
	}
	if q.Limit < 0 {
		q.Limit = 0
	}
	return q, nil
}

// pageSize is the provider page size for this query.
func (q ListQuery) pageSize() int64 {
	if q.Limit > 0 && q.Limit < 100 {
		return int64(q.Limit)
	}
	return 100
}

// Unprocessed reports whether inv is paid, has money on it, and carries no
// local invoice marker.
func Unprocessed(inv models.ExternalInvoice) bool {
	return inv.Status == models.StatusPaid &&
		inv.AmountPaidMinor > 0 &&
		strings.TrimSpace(inv.LocalInvoiceID) == ""
}
