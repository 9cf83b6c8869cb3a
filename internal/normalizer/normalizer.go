// Package normalizer turns a provider invoice and its resolved lines into
// the canonical form the importer works on.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"stripesync/internal/account"
	"stripesync/internal/ledger"
	"stripesync/internal/logger"
	"stripesync/internal/source"
	"stripesync/pkg/models"
)

// ErrCustomerUnavailable is returned when the provider customer of an
// invoice cannot be fetched.
var ErrCustomerUnavailable = errors.New("external customer unavailable")

// Normalizer builds CanonicalInvoice values.
type Normalizer struct {
	source  source.Source
	catalog ledger.Catalog
	loc     *time.Location
	log     zerolog.Logger
}

// New creates a Normalizer. Dates are expressed in loc.
func New(src source.Source, catalog ledger.Catalog, loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{
		source:  src,
		catalog: catalog,
		loc:     loc,
		log:     logger.WithComponent("normalizer"),
	}
}

// Normalize fetches the invoice customer, looks up its local correlation and
// converts amounts to major units. A missing correlation or a correlation to
// a customer that no longer exists leaves LocalCustomerID empty.
func (n *Normalizer) Normalize(ctx context.Context, acct account.Config, inv models.ExternalInvoice, lines []models.ResolvedLine) (*models.CanonicalInvoice, error) {
	const op = "Normalize"

	cust, err := n.source.GetCustomer(ctx, acct, inv.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("%s: customer %q of %s: %w: %w", op, inv.CustomerID, inv.ID, ErrCustomerUnavailable, err)
	}

	canonical := &models.CanonicalInvoice{
		AccountIndex:          acct.Index,
		ID:                    inv.ID,
		Number:                inv.Number,
		Date:                  CalendarDate(inv.CreatedAt, n.loc),
		AmountPaid:            MajorUnits(inv.AmountPaidMinor),
		Status:                inv.Status,
		ExternalCustomerID:    cust.ID,
		ExternalCustomerEmail: inv.CustomerEmail,
		Lines:                 lines,
		LocalInvoiceID:        inv.LocalInvoiceID,
	}
	if canonical.ExternalCustomerEmail == "" {
		canonical.ExternalCustomerEmail = cust.Email
	}

	if cust.LocalCustomerID == "" {
		return canonical, nil
	}

	local, err := n.catalog.Customer(ctx, cust.LocalCustomerID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		n.log.Warn().
			Str("external_customer_id", cust.ID).
			Str("local_customer_id", cust.LocalCustomerID).
			Msg("Customer correlation points to a missing local customer")
		return canonical, nil
	case err != nil:
		return nil, fmt.Errorf("%s: local customer %s: %w", op, cust.LocalCustomerID, err)
	}

	canonical.LocalCustomerID = local.ID
	canonical.LocalCustomerName = local.Name
	return canonical, nil
}

// MajorUnits converts minor currency units to major units.
func MajorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// CalendarDate returns midnight of the day epoch falls on in loc.
func CalendarDate(epoch int64, loc *time.Location) time.Time {
	t := time.Unix(epoch, 0).In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
