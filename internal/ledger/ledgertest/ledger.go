// Package ledgertest provides an in-memory ledger.Ledger with failure
// injection and write accounting for tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"stripesync/internal/booking"
	"stripesync/internal/ledger"
	"stripesync/pkg/models"
)

// Failures selects which ledger operations fail.
type Failures struct {
	Begin         error
	CreateInvoice error
	AddLine       error
	SaveInvoice   error
	SaveReceipt   error
	Commit        error
	Accounting    error
	NoEntryID     bool // Accounting succeeds but yields no entry id
}

// Ledger is an in-memory ledger. The zero value is not usable; call New.
type Ledger struct {
	mu sync.Mutex

	customers    map[string]models.LocalCustomer
	products     map[string]models.LocalProduct
	taxes        map[string]models.TaxProfile // by product id
	correlations map[string]string

	invoices map[string]models.LocalInvoice
	lines    map[string][]models.LocalInvoiceLine
	receipts map[string][]models.Receipt
	entries  map[string]booking.Entry

	locks map[string]chan struct{}

	seq       int
	writes    int
	begins    int
	rollbacks int

	Fail Failures
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{
		customers:    make(map[string]models.LocalCustomer),
		products:     make(map[string]models.LocalProduct),
		taxes:        make(map[string]models.TaxProfile),
		correlations: make(map[string]string),
		invoices:     make(map[string]models.LocalInvoice),
		lines:        make(map[string][]models.LocalInvoiceLine),
		receipts:     make(map[string][]models.Receipt),
		entries:      make(map[string]booking.Entry),
		locks:        make(map[string]chan struct{}),
	}
}

func correlationKey(accountIndex int, ref string) string {
	return fmt.Sprintf("%d/%s", accountIndex, ref)
}

// AddCustomer seeds a customer.
func (l *Ledger) AddCustomer(c models.LocalCustomer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.customers[c.ID] = c
}

// AddProduct seeds a product and its tax profile.
func (l *Ledger) AddProduct(p models.LocalProduct, tax models.TaxProfile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p.TaxCode = tax.Code
	l.products[p.ID] = p
	l.taxes[p.ID] = tax
}

// Correlate maps an external product reference to a local product.
func (l *Ledger) Correlate(accountIndex int, productRef, productID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.correlations[correlationKey(accountIndex, productRef)] = productID
}

// Writes returns the number of write operations attempted, committed or not.
func (l *Ledger) Writes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes
}

// Begins returns the number of transactions opened.
func (l *Ledger) Begins() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.begins
}

// Rollbacks returns the number of transactions rolled back.
func (l *Ledger) Rollbacks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rollbacks
}

// Invoices returns committed invoices ordered by id.
func (l *Ledger) Invoices() []models.LocalInvoice {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.LocalInvoice, 0, len(l.invoices))
	for _, inv := range l.invoices {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lines returns the committed lines of an invoice.
func (l *Ledger) Lines(invoiceID string) []models.LocalInvoiceLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.LocalInvoiceLine(nil), l.lines[invoiceID]...)
}

// CommittedReceipts returns the committed receipts of an invoice.
func (l *Ledger) CommittedReceipts(invoiceID string) []models.Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Receipt(nil), l.receipts[invoiceID]...)
}

// Entry returns the committed journal entry of an invoice.
func (l *Ledger) Entry(invoiceID string) (booking.Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[invoiceID]
	return e, ok
}

func (l *Ledger) Customer(_ context.Context, id string) (*models.LocalCustomer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.customers[id]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", id, ledger.ErrNotFound)
	}
	return &c, nil
}

func (l *Ledger) Product(_ context.Context, id string) (*models.LocalProduct, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, ledger.ErrNotFound)
	}
	return &p, nil
}

func (l *Ledger) TaxProfile(_ context.Context, productID string) (*models.TaxProfile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.taxes[productID]
	if !ok {
		return nil, fmt.Errorf("tax profile of %s: %w", productID, ledger.ErrNotFound)
	}
	return &t, nil
}

func (l *Ledger) ProductCorrelation(_ context.Context, accountIndex int, productRef string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.correlations[correlationKey(accountIndex, productRef)]
	if !ok {
		return "", fmt.Errorf("correlation %d/%s: %w", accountIndex, productRef, ledger.ErrNotFound)
	}
	return id, nil
}

func (l *Ledger) Begin(_ context.Context) (ledger.Tx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Fail.Begin != nil {
		return nil, l.Fail.Begin
	}
	l.begins++
	return &tx{
		l:        l,
		invoices: make(map[string]models.LocalInvoice),
		lines:    make(map[string][]models.LocalInvoiceLine),
		receipts: make(map[string][]models.Receipt),
		entries:  make(map[string]booking.Entry),
	}, nil
}

var errTxDone = errors.New("transaction already finished")

// tx stages writes and applies them to the ledger on commit.
type tx struct {
	l    *Ledger
	done bool
	held []string

	invoices map[string]models.LocalInvoice
	lines    map[string][]models.LocalInvoiceLine
	receipts map[string][]models.Receipt
	entries  map[string]booking.Entry
}

func (t *tx) write(fail error) error {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	if t.done {
		return errTxDone
	}
	t.l.writes++
	return fail
}

func (t *tx) LockExternalInvoice(ctx context.Context, accountIndex int, externalID string) error {
	key := correlationKey(accountIndex, externalID)

	t.l.mu.Lock()
	ch, ok := t.l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.l.locks[key] = ch
	}
	t.l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		t.held = append(t.held, key)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *tx) CreateInvoice(_ context.Context, inv *models.LocalInvoice) error {
	if err := t.write(t.l.Fail.CreateInvoice); err != nil {
		return err
	}

	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	if inv.ExternalID != "" {
		for _, existing := range t.l.invoices {
			if existing.AccountIndex == inv.AccountIndex && existing.ExternalID == inv.ExternalID {
				return fmt.Errorf("%s: %w", existing.ID, ledger.ErrDuplicateExternalInvoice)
			}
		}
	}
	t.l.seq++
	inv.ID = fmt.Sprintf("F-%d", t.l.seq)
	t.invoices[inv.ID] = *inv
	return nil
}

func (t *tx) AddLine(_ context.Context, line *models.LocalInvoiceLine) error {
	if err := t.write(t.l.Fail.AddLine); err != nil {
		return err
	}
	line.Position = len(t.lines[line.InvoiceID]) + 1
	line.ID = fmt.Sprintf("%s/%d", line.InvoiceID, line.Position)
	t.lines[line.InvoiceID] = append(t.lines[line.InvoiceID], *line)
	return nil
}

func (t *tx) RecalculateTotals(_ context.Context, inv *models.LocalInvoice) error {
	if err := t.write(nil); err != nil {
		return err
	}
	ledger.ComputeTotals(t.lines[inv.ID]).Apply(inv)
	t.invoices[inv.ID] = *inv

	receipts := t.receipts[inv.ID]
	if len(receipts) == 0 && inv.Total.IsPositive() {
		receipts = append(receipts, models.Receipt{
			ID:        inv.ID + "/R1",
			InvoiceID: inv.ID,
			DueDate:   inv.Date,
		})
	}
	for i := range receipts {
		receipts[i].Amount = inv.Total
	}
	t.receipts[inv.ID] = receipts
	return nil
}

func (t *tx) SaveInvoice(_ context.Context, inv *models.LocalInvoice) error {
	if err := t.write(t.l.Fail.SaveInvoice); err != nil {
		return err
	}
	t.invoices[inv.ID] = *inv
	return nil
}

func (t *tx) GenerateAccountingEntry(_ context.Context, inv *models.LocalInvoice) (string, error) {
	if err := t.write(t.l.Fail.Accounting); err != nil {
		return "", err
	}
	if t.l.Fail.NoEntryID {
		return "", nil
	}
	entry, err := booking.SalesEntry(inv)
	if err != nil {
		return "", err
	}
	t.entries[inv.ID] = *entry
	inv.AccountingEntryID = "A-" + inv.ID
	t.invoices[inv.ID] = *inv
	return inv.AccountingEntryID, nil
}

func (t *tx) Receipts(_ context.Context, invoiceID string) ([]models.Receipt, error) {
	return append([]models.Receipt(nil), t.receipts[invoiceID]...), nil
}

func (t *tx) SaveReceipt(_ context.Context, r *models.Receipt) error {
	if err := t.write(t.l.Fail.SaveReceipt); err != nil {
		return err
	}
	list := t.receipts[r.InvoiceID]
	for i := range list {
		if list[i].ID == r.ID {
			list[i] = *r
			return nil
		}
	}
	return fmt.Errorf("receipt %s: %w", r.ID, ledger.ErrNotFound)
}

func (t *tx) Commit(_ context.Context) error {
	t.l.mu.Lock()
	if t.done {
		t.l.mu.Unlock()
		return errTxDone
	}
	if t.l.Fail.Commit != nil {
		t.l.mu.Unlock()
		return t.l.Fail.Commit
	}
	for id, inv := range t.invoices {
		t.l.invoices[id] = inv
	}
	for id, lines := range t.lines {
		t.l.lines[id] = lines
	}
	for id, receipts := range t.receipts {
		t.l.receipts[id] = receipts
	}
	for id, e := range t.entries {
		t.l.entries[id] = e
	}
	t.done = true
	t.l.mu.Unlock()

	t.release()
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	t.l.mu.Lock()
	if t.done {
		t.l.mu.Unlock()
		return nil
	}
	t.done = true
	t.l.rollbacks++
	t.l.mu.Unlock()

	t.release()
	return nil
}

func (t *tx) release() {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	for _, key := range t.held {
		<-t.l.locks[key]
	}
	t.held = nil
}
