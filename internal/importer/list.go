package importer

import (
	"context"

	"stripesync/internal/source"
	"stripesync/pkg/models"
)

// ListResult is the outcome of ListUnprocessed. Errors carries one
// diagnostic per listed invoice that cannot be imported as it stands.
type ListResult struct {
	Invoices []models.ExternalInvoice `json:"invoices"`
	Errors   []models.ResultError     `json:"errors,omitempty"`
}

// ListUnprocessed returns the paid invoices of an account that carry no
// local invoice marker. When ctx ends during pagination the invoices found so
// far are returned together with the error.
func (s *Service) ListUnprocessed(ctx context.Context, accountIndex int, q source.ListQuery) (*ListResult, error) {
	const op = "ListUnprocessed"

	acct, err := s.accounts.AccountFor(accountIndex)
	if err != nil {
		return nil, NewImportError(op, ErrNoAccountConfigured, "", err)
	}

	q, err = q.Normalize(s.now())
	if err != nil {
		return nil, NewImportError(op, ErrInvalidWindow, "", err)
	}

	invoices, err := s.source.ListUnprocessedPaid(ctx, acct, q)
	result := &ListResult{Invoices: invoices}
	for _, inv := range invoices {
		switch {
		case inv.CustomerID == "":
			result.Errors = append(result.Errors, models.ResultError{Message: "invoice has no customer", Context: inv.ID})
		case len(inv.Lines) == 0:
			result.Errors = append(result.Errors, models.ResultError{Message: "invoice has no lines", Context: inv.ID})
		}
	}

	if err != nil {
		s.log.Warn().Err(err).
			Int("account_index", accountIndex).
			Int("partial", len(invoices)).
			Msg("Listing interrupted")
		return result, NewImportError(op, providerKind(err), "", err)
	}
	return result, nil
}
