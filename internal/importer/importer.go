// Package importer materializes paid Stripe invoices as local ledger
// invoices, exactly once.
//
// An import runs as a saga across two systems that share no transaction:
//   - every precondition is checked before the ledger is touched
//   - the local invoice, its lines, totals, accounting entry and receipts
//     are written inside one ledger transaction
//   - the local invoice id is written back to the Stripe invoice metadata
//     as the last step before commit
//
// A failed marker write rolls the ledger transaction back. A failed commit
// clears the marker again. The marker is what makes a retried import safe,
// so a local invoice never survives without it.
//
// Imports of the same (account, invoice) pair are serialized in process and,
// with the PostgreSQL ledger, across processes through an advisory lock.
package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"stripesync/internal/account"
	"stripesync/internal/ledger"
	"stripesync/internal/logger"
	"stripesync/internal/metrics"
	"stripesync/internal/normalizer"
	"stripesync/internal/resolver"
	"stripesync/internal/source"
	"stripesync/pkg/models"
)

// Options controls a single import.
type Options struct {
	// MarkPaid marks every receipt of the new invoice as paid.
	MarkPaid bool

	// PaymentMethod is stored on the invoice and its receipts when MarkPaid
	// is set. Empty keeps the ledger default.
	PaymentMethod string
}

// Deps are the collaborators of a Service.
type Deps struct {
	Accounts *account.Selector
	Source   source.Source
	Ledger   ledger.Ledger
	Location *time.Location   // Calendar dates and period suffixes; UTC when nil
	Metrics  *metrics.Metrics // Nop when nil
}

// Service is the reconciliation engine.
type Service struct {
	accounts   *account.Selector
	source     source.Source
	ledger     ledger.Ledger
	resolver   *resolver.Resolver
	normalizer *normalizer.Normalizer
	loc        *time.Location
	metrics    *metrics.Metrics
	locks      *keyedMutex
	log        zerolog.Logger
	now        func() time.Time
}

// NewWithDeps creates a Service.
func NewWithDeps(d Deps) *Service {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	m := d.Metrics
	if m == nil {
		m = metrics.Nop()
	}
	return &Service{
		accounts:   d.Accounts,
		source:     d.Source,
		ledger:     d.Ledger,
		resolver:   resolver.New(d.Ledger),
		normalizer: normalizer.New(d.Source, d.Ledger, loc),
		loc:        loc,
		metrics:    m,
		locks:      newKeyedMutex(),
		log:        logger.WithComponent("importer"),
		now:        time.Now,
	}
}

// Account returns the configured account at index.
func (s *Service) Account(index int) (account.Config, error) {
	acct, err := s.accounts.AccountFor(index)
	if err != nil {
		return account.Config{}, NewImportError("Account", ErrNoAccountConfigured, "", err)
	}
	return acct, nil
}

// ImportInvoice imports one external invoice. The returned result is never
// nil and ends in a terminal state. On failure Kind(err) returns exactly one
// of the failure kinds of this package; errors.Is may also match the wrapped
// cause.
func (s *Service) ImportInvoice(ctx context.Context, externalID string, accountIndex int, opts Options) (*models.ReconciliationResult, error) {
	started := s.now()
	run := &importRun{
		svc:  s,
		opts: opts,
		log:  logger.ForImport(s.log, uuid.NewString(), accountIndex, externalID),
		result: &models.ReconciliationResult{
			ExternalID:   externalID,
			AccountIndex: accountIndex,
			State:        models.StateUnprocessed,
		},
	}

	err := run.execute(ctx)
	run.finish(err, s.now().Sub(started))
	return run.result, err
}

// importRun carries the state of one ImportInvoice call.
type importRun struct {
	svc    *Service
	opts   Options
	log    zerolog.Logger
	result *models.ReconciliationResult
}

func (r *importRun) transition(state models.ImportState) {
	r.log.Debug().
		Str("from", string(r.result.State)).
		Str("to", string(state)).
		Msg("Import state changed")
	r.result.State = state
}

func (r *importRun) reject(kind error, details string, cause error) error {
	r.transition(models.StateRejected)
	return NewImportError("ImportInvoice", kind, details, cause)
}

func (r *importRun) rollBack(kind error, details string, cause error) error {
	r.transition(models.StateRolledBack)
	return NewImportError("ImportInvoice", kind, details, cause)
}

func (r *importRun) execute(ctx context.Context) error {
	s := r.svc
	externalID := r.result.ExternalID

	acct, err := s.accounts.AccountFor(r.result.AccountIndex)
	if err != nil {
		return r.reject(ErrNoAccountConfigured, "", err)
	}

	unlock, err := s.locks.Lock(ctx, importKey(acct.Index, externalID))
	if err != nil {
		return r.reject(ErrProviderError, "waiting for concurrent import", err)
	}
	defer unlock()

	r.transition(models.StateValidating)

	inv, err := s.source.GetInvoice(ctx, acct, externalID)
	if err != nil {
		return r.reject(providerKind(err), "fetching invoice", err)
	}
	if inv.Status != models.StatusPaid || inv.AmountPaidMinor <= 0 {
		return r.reject(ErrNotPaid, fmt.Sprintf("status %q, amount paid %d", inv.Status, inv.AmountPaidMinor), nil)
	}

	resolved, lineErrs := s.resolver.ResolveAll(ctx, acct.Index, inv.Lines)
	r.result.Errors = append(r.result.Errors, lineErrs...)

	canonical, err := s.normalizer.Normalize(ctx, acct, *inv, resolved)
	if err != nil {
		if errors.Is(err, normalizer.ErrCustomerUnavailable) {
			return r.reject(ErrCustomerUnavailable, inv.CustomerID, err)
		}
		return r.reject(ErrLocalCustomerMissing, "loading correlated customer", err)
	}

	if len(inv.Lines) == 0 {
		r.result.AddError("invoice has no lines", externalID)
		return r.reject(ErrLinesUnresolved, "no lines", nil)
	}
	if len(lineErrs) > 0 {
		return r.reject(ErrLinesUnresolved, fmt.Sprintf("%d of %d lines", len(canonical.Unresolved()), len(canonical.Lines)), nil)
	}
	if canonical.LocalCustomerID == "" {
		return r.reject(ErrNoLocalCustomerCorrelation, "external customer "+canonical.ExternalCustomerID, nil)
	}
	if existing := strings.TrimSpace(canonical.LocalInvoiceID); existing != "" {
		r.result.LocalInvoiceID = existing
		return r.reject(ErrAlreadyImported, "local invoice "+existing, nil)
	}

	customer, err := s.ledger.Customer(ctx, canonical.LocalCustomerID)
	if err != nil {
		return r.reject(ErrLocalCustomerMissing, "local customer "+canonical.LocalCustomerID, err)
	}

	r.transition(models.StateCreating)
	return r.create(ctx, acct, canonical, customer)
}

// create runs the transactional body. Every return before commit rolls back.
func (r *importRun) create(ctx context.Context, acct account.Config, canonical *models.CanonicalInvoice, customer *models.LocalCustomer) error {
	s := r.svc

	tx, err := s.ledger.Begin(ctx)
	if err != nil {
		return r.rollBack(ErrInvoiceCreateFailed, "opening transaction", err)
	}
	defer func() {
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
			r.log.Error().Err(err).Msg("Rollback failed")
		}
	}()

	if err := tx.LockExternalInvoice(ctx, acct.Index, canonical.ID); err != nil {
		return r.rollBack(ErrInvoiceCreateFailed, "locking external invoice", err)
	}

	local := &models.LocalInvoice{
		CustomerID:    customer.ID,
		CustomerName:  customer.Name,
		CustomerTaxID: customer.TaxID,
		Date:          canonical.Date,
		AccountIndex:  acct.Index,
		ExternalID:    canonical.ID,
	}
	if err := tx.CreateInvoice(ctx, local); err != nil {
		if errors.Is(err, ledger.ErrDuplicateExternalInvoice) {
			return r.rollBack(ErrAlreadyImported, "ledger already holds this invoice", err)
		}
		return r.rollBack(ErrInvoiceCreateFailed, "", err)
	}

	for i, rl := range canonical.Lines {
		line := buildLine(local.ID, rl, customer, s.loc)
		if err := tx.AddLine(ctx, &line); err != nil {
			return r.rollBack(ErrLineCreateFailed, fmt.Sprintf("line %d %q", i+1, line.Description), err)
		}
	}

	if err := tx.RecalculateTotals(ctx, local); err != nil {
		return r.rollBack(ErrInvoiceCreateFailed, "recalculating totals", err)
	}

	local.ExternalNumber = canonical.Number
	if r.opts.MarkPaid && r.opts.PaymentMethod != "" {
		local.PaymentMethod = r.opts.PaymentMethod
	}
	if err := tx.SaveInvoice(ctx, local); err != nil {
		return r.rollBack(ErrInvoiceCreateFailed, "saving invoice", err)
	}

	entryID, err := tx.GenerateAccountingEntry(ctx, local)
	if err != nil {
		return r.rollBack(ErrAccountingGenerationFailed, "", err)
	}
	if entryID == "" {
		return r.rollBack(ErrAccountingGenerationFailed, "no accounting entry id", nil)
	}

	if r.opts.MarkPaid {
		if err := r.markReceiptsPaid(ctx, tx, local); err != nil {
			return r.rollBack(ErrReceiptMarkingFailed, "", err)
		}
	}

	current, err := s.source.GetInvoice(ctx, acct, canonical.ID)
	if err != nil {
		return r.rollBack(ErrMarkerWriteFailed, "re-checking marker", err)
	}
	if existing := strings.TrimSpace(current.LocalInvoiceID); existing != "" {
		r.result.LocalInvoiceID = existing
		return r.rollBack(ErrAlreadyImported, "marker appeared during import: local invoice "+existing, nil)
	}

	if err := s.source.WriteInvoiceMarker(ctx, acct, canonical.ID, local.ID); err != nil {
		r.clearMarker(ctx, acct, canonical.ID)
		return r.rollBack(ErrMarkerWriteFailed, "", err)
	}

	if err := tx.Commit(context.WithoutCancel(ctx)); err != nil {
		clearErr := r.clearMarker(ctx, acct, canonical.ID)
		return r.rollBack(ErrCommitFailed, "local invoice "+local.ID, errors.Join(err, clearErr))
	}

	canonical.LocalInvoiceID = local.ID
	r.result.LocalInvoiceID = local.ID
	r.transition(models.StateCommitted)

	r.log.Info().
		Str("local_invoice_id", local.ID).
		Str("accounting_entry_id", entryID).
		Str("total", local.Total.StringFixed(2)).
		Int("lines", len(canonical.Lines)).
		Msg("Invoice imported")
	return nil
}

func (r *importRun) markReceiptsPaid(ctx context.Context, tx ledger.Tx, inv *models.LocalInvoice) error {
	receipts, err := tx.Receipts(ctx, inv.ID)
	if err != nil {
		return err
	}
	for i := range receipts {
		rc := &receipts[i]
		paidOn := inv.Date
		rc.Paid = true
		rc.PaymentDate = &paidOn
		if r.opts.PaymentMethod != "" {
			rc.PaymentMethod = r.opts.PaymentMethod
		}
		if err := tx.SaveReceipt(ctx, rc); err != nil {
			return fmt.Errorf("receipt %s: %w", rc.ID, err)
		}
	}
	return nil
}

// clearMarker removes a marker this run may have written. Failures are
// logged and returned; the marker then needs manual attention.
func (r *importRun) clearMarker(ctx context.Context, acct account.Config, externalID string) error {
	err := r.svc.source.WriteInvoiceMarker(context.WithoutCancel(ctx), acct, externalID, "")
	if err != nil {
		r.log.Error().Err(err).Msg("Clearing idempotency marker failed, fix it by hand")
		return fmt.Errorf("clearing marker: %w", err)
	}
	return nil
}

func (r *importRun) finish(err error, elapsed time.Duration) {
	s := r.svc
	res := r.result
	if err != nil && !res.State.Terminal() {
		r.transition(models.StateRejected)
	}
	res.Succeeded = err == nil && res.State == models.StateCommitted

	s.metrics.ImportsTotal.WithLabelValues(string(res.State)).Inc()
	s.metrics.ImportDuration.Observe(elapsed.Seconds())

	if err == nil {
		return
	}
	res.AddError(Kind(err).Error(), err.Error())

	event := r.log.Warn()
	if res.State == models.StateRolledBack {
		event = r.log.Error()
	}
	event.Err(err).
		Str("state", string(res.State)).
		Int("diagnostics", len(res.Errors)).
		Msg("Invoice import failed")
}

// providerKind picks the failure kind of an error returned by the source.
func providerKind(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrNoAccountConfigured):
		return ErrNoAccountConfigured
	}
	return ErrProviderError
}
