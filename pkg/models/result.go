package models

// ImportState is the lifecycle state of one external invoice import.
type ImportState string

const (
	StateUnprocessed ImportState = "unprocessed"
	StateValidating  ImportState = "validating"
	StateRejected    ImportState = "rejected"
	StateCreating    ImportState = "creating"
	StateRolledBack  ImportState = "rolled_back"
	StateCommitted   ImportState = "committed"
)

// Terminal reports whether no further transition is possible within one call.
func (s ImportState) Terminal() bool {
	switch s {
	case StateRejected, StateRolledBack, StateCommitted:
		return true
	}
	return false
}

// ResultError is one diagnostic attached to a ReconciliationResult.
type ResultError struct {
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

// ReconciliationResult is the outcome of importing one external invoice.
type ReconciliationResult struct {
	ExternalID     string        `json:"external_id"`
	AccountIndex   int           `json:"account_index"`
	Succeeded      bool          `json:"succeeded"`
	LocalInvoiceID string        `json:"local_invoice_id,omitempty"`
	State          ImportState   `json:"state"`
	Errors         []ResultError `json:"errors,omitempty"`
}

// AddError appends a diagnostic.
func (r *ReconciliationResult) AddError(message, context string) {
	r.Errors = append(r.Errors, ResultError{Message: message, Context: context})
}
