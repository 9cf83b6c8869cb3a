package importer

import "context"

// LinkCustomer records localCustomerID on the external customer, so its
// invoices can be imported. Both customers must exist.
func (s *Service) LinkCustomer(ctx context.Context, externalCustomerID string, accountIndex int, localCustomerID string) error {
	const op = "LinkCustomer"

	acct, err := s.accounts.AccountFor(accountIndex)
	if err != nil {
		return NewImportError(op, ErrNoAccountConfigured, "", err)
	}

	if _, err := s.ledger.Customer(ctx, localCustomerID); err != nil {
		return NewImportError(op, ErrLocalCustomerMissing, "local customer "+localCustomerID, err)
	}

	if _, err := s.source.GetCustomer(ctx, acct, externalCustomerID); err != nil {
		return NewImportError(op, providerKind(err), "external customer "+externalCustomerID, err)
	}

	if err := s.source.WriteLocalCustomerCorrelation(ctx, acct, externalCustomerID, localCustomerID); err != nil {
		return NewImportError(op, providerKind(err), "", err)
	}

	s.log.Info().
		Int("account_index", accountIndex).
		Str("external_customer_id", externalCustomerID).
		Str("local_customer_id", localCustomerID).
		Msg("Customer linked")
	return nil
}
