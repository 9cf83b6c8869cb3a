package importer

import (
	"errors"
	"fmt"

	"stripesync/internal/account"
	"stripesync/internal/normalizer"
	"stripesync/internal/source"
)

// Failure kinds. Every error returned by the Service matches exactly one of
// these with errors.Is.
var (
	ErrNoAccountConfigured = account.ErrNoAccountConfigured
	ErrProviderError       = source.ErrProvider
	ErrNotFound            = source.ErrNotFound
	ErrCustomerUnavailable = normalizer.ErrCustomerUnavailable
	ErrInvalidWindow       = source.ErrInvalidWindow

	// ErrNotPaid is returned for invoices that are not paid or paid nothing.
	ErrNotPaid = errors.New("external invoice is not paid")

	// ErrLinesUnresolved is returned when at least one line has no valid
	// local product. Nothing is written in that case.
	ErrLinesUnresolved = errors.New("invoice lines unresolved")

	// ErrNoLocalCustomerCorrelation is returned when the external customer
	// is not linked to an existing local customer.
	ErrNoLocalCustomerCorrelation = errors.New("no local customer correlation")

	// ErrAlreadyImported is returned when the external invoice already
	// carries a local invoice marker.
	ErrAlreadyImported = errors.New("invoice already imported")

	// ErrLocalCustomerMissing is returned when the correlated local customer
	// cannot be loaded.
	ErrLocalCustomerMissing = errors.New("local customer missing")

	ErrInvoiceCreateFailed        = errors.New("local invoice creation failed")
	ErrLineCreateFailed           = errors.New("local invoice line creation failed")
	ErrAccountingGenerationFailed = errors.New("accounting entry generation failed")
	ErrReceiptMarkingFailed       = errors.New("marking receipts paid failed")

	// ErrMarkerWriteFailed is returned when the marker could not be written
	// back to the provider. The local transaction is rolled back.
	ErrMarkerWriteFailed = errors.New("idempotency marker write failed")

	// ErrCommitFailed is returned when the ledger commit fails after the
	// marker was written. The marker is cleared again when possible.
	ErrCommitFailed = errors.New("ledger commit failed")
)

// ImportError describes a failed import step.
type ImportError struct {
	// Op is the operation that failed (e.g., "ImportInvoice", "createLocalInvoice").
	Op string

	// Err is one of the failure kinds above.
	Err error

	// Details provides additional context about the failure.
	Details string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ImportError) Error() string {
	msg := fmt.Sprintf("importer: %s failed: %v", e.Op, e.Err)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the failure kind and the cause.
func (e *ImportError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// NewImportError creates an ImportError.
func NewImportError(op string, kind error, details string, cause error) *ImportError {
	return &ImportError{Op: op, Err: kind, Details: details, Cause: cause}
}

var kinds = []error{
	ErrNoAccountConfigured,
	ErrNotFound,
	ErrProviderError,
	ErrCustomerUnavailable,
	ErrInvalidWindow,
	ErrNotPaid,
	ErrLinesUnresolved,
	ErrNoLocalCustomerCorrelation,
	ErrAlreadyImported,
	ErrLocalCustomerMissing,
	ErrInvoiceCreateFailed,
	ErrLineCreateFailed,
	ErrAccountingGenerationFailed,
	ErrReceiptMarkingFailed,
	ErrMarkerWriteFailed,
	ErrCommitFailed,
}

// Kind returns the failure kind of err, or nil when err matches none.
// Kinds raised by the importer itself win over those of a wrapped cause.
func Kind(err error) error {
	var ie *ImportError
	if errors.As(err, &ie) {
		return ie.Err
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
