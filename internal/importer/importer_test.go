package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stripesync/internal/account"
	"stripesync/internal/ledger/ledgertest"
	"stripesync/internal/metrics"
	"stripesync/internal/source"
	"stripesync/pkg/models"
)

// fakeSource is an in-memory provider with a metadata marker per invoice.
type fakeSource struct {
	mu        sync.Mutex
	invoices  map[string]models.ExternalInvoice
	customers map[string]models.ExternalCustomer
	markers   map[string]string
	history   []string

	failGet    error
	failMarker error
	failClear  error
	getCalls   int
	onGet      func(call int)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		invoices: map[string]models.ExternalInvoice{
			"in_1": {
				ID:              "in_1",
				Number:          "INV-0001",
				Status:          models.StatusPaid,
				AmountPaidMinor: 15000,
				CreatedAt:       1700000000,
				CustomerID:      "cus_1",
				Lines: []models.ExternalInvoiceLine{{
					Description:     "Hosting",
					Quantity:        1,
					UnitAmountMinor: 15000,
					AmountMinor:     15000,
					ProductRef:      "prod_A",
				}},
			},
		},
		customers: map[string]models.ExternalCustomer{
			"cus_1": {ID: "cus_1", Name: "Acme SL", Email: "billing@example.com", LocalCustomerID: "C1"},
			"cus_2": {ID: "cus_2", Name: "Unlinked SL"},
		},
		markers: make(map[string]string),
	}
}

func (f *fakeSource) ListUnprocessedPaid(_ context.Context, _ account.Config, _ source.ListQuery) ([]models.ExternalInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ExternalInvoice
	for _, id := range []string{"in_1", "in_2", "in_3"} {
		inv, ok := f.invoices[id]
		if !ok {
			continue
		}
		inv.LocalInvoiceID = f.markers[id]
		if source.Unprocessed(inv) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (f *fakeSource) GetInvoice(_ context.Context, _ account.Config, id string) (*models.ExternalInvoice, error) {
	f.mu.Lock()
	f.getCalls++
	call := f.getCalls
	hook := f.onGet
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return nil, f.failGet
	}
	inv, ok := f.invoices[id]
	if !ok {
		return nil, fmt.Errorf("GetInvoice: %w", source.ErrNotFound)
	}
	inv.LocalInvoiceID = f.markers[id]
	return &inv, nil
}

func (f *fakeSource) GetCustomer(_ context.Context, _ account.Config, id string) (*models.ExternalCustomer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[id]
	if !ok {
		return nil, fmt.Errorf("GetCustomer: %w", source.ErrNotFound)
	}
	return &c, nil
}

func (f *fakeSource) WriteLocalCustomerCorrelation(_ context.Context, _ account.Config, customerID, localCustomerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.customers[customerID]
	c.LocalCustomerID = localCustomerID
	f.customers[customerID] = c
	return nil
}

func (f *fakeSource) WriteInvoiceMarker(_ context.Context, _ account.Config, id, localInvoiceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if localInvoiceID == "" && f.failClear != nil {
		return f.failClear
	}
	if localInvoiceID != "" && f.failMarker != nil {
		return f.failMarker
	}
	f.markers[id] = localInvoiceID
	f.history = append(f.history, localInvoiceID)
	return nil
}

func (f *fakeSource) marker(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markers[id]
}

type fixture struct {
	svc    *Service
	src    *fakeSource
	ledger *ledgertest.Ledger
	reg    *prometheus.Registry
}

// imports sums stripesync_imports_total for outcome.
func (f *fixture) imports(t *testing.T, outcome models.ImportState) float64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != "stripesync_imports_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == string(outcome) {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	l := ledgertest.New()
	l.AddCustomer(models.LocalCustomer{ID: "C1", Name: "Acme SL", TaxID: "B12345678", VATRegime: models.VATRegimeGeneral})
	l.AddProduct(
		models.LocalProduct{ID: "P1", Reference: "HOSTING", Description: "Hosting"},
		models.TaxProfile{Code: "IVA21", VATRate: dec("21")},
	)
	l.Correlate(0, "prod_A", "P1")

	madrid, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)

	src := newFakeSource()
	reg := prometheus.NewRegistry()
	svc := NewWithDeps(Deps{
		Accounts: account.NewSelector([]account.Config{{Name: "main", SecretKey: "sk_test_1"}, {Name: "empty"}}),
		Source:   src,
		Ledger:   l,
		Location: madrid,
		Metrics:  metrics.New(reg),
	})
	return &fixture{svc: svc, src: src, ledger: l, reg: reg}
}

func TestImportInvoice(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.ImportInvoice(context.Background(), "in_1", 0, Options{})
	require.NoError(t, err)

	assert.True(t, result.Succeeded)
	assert.Equal(t, models.StateCommitted, result.State)
	assert.Equal(t, "F-1", result.LocalInvoiceID)
	assert.Empty(t, result.Errors)
	assert.Equal(t, "F-1", f.src.marker("in_1"))

	invoices := f.ledger.Invoices()
	require.Len(t, invoices, 1)
	inv := invoices[0]
	assert.Equal(t, "C1", inv.CustomerID)
	assert.Equal(t, "INV-0001", inv.ExternalNumber)
	assert.Equal(t, "in_1", inv.ExternalID)
	assert.Equal(t, "A-F-1", inv.AccountingEntryID)
	assert.Equal(t, "150.00", inv.Total.StringFixed(2))

	lines := f.ledger.Lines("F-1")
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "1", line.Quantity.String())
	assert.Equal(t, "123.97", line.UnitPrice.StringFixed(2))
	assert.Equal(t, "123.97", line.LineTotal.StringFixed(2))
	assert.Equal(t, "IVA21", line.TaxCode)
	assert.Equal(t, "P1", line.ProductID)
	assert.Equal(t, "HOSTING", line.Reference)

	receipts := f.ledger.CommittedReceipts("F-1")
	require.Len(t, receipts, 1)
	assert.False(t, receipts[0].Paid)

	_, ok := f.ledger.Entry("F-1")
	assert.True(t, ok)

	assert.Equal(t, 1.0, f.imports(t, models.StateCommitted))
}

func TestImportInvoiceMarkPaid(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.ImportInvoice(context.Background(), "in_1", 0, Options{MarkPaid: true, PaymentMethod: "TRANSFER"})
	require.NoError(t, err)
	require.True(t, result.Succeeded)

	inv := f.ledger.Invoices()[0]
	assert.Equal(t, "TRANSFER", inv.PaymentMethod)

	receipts := f.ledger.CommittedReceipts(result.LocalInvoiceID)
	require.NotEmpty(t, receipts)
	for _, r := range receipts {
		assert.True(t, r.Paid)
		assert.Equal(t, "TRANSFER", r.PaymentMethod)
		require.NotNil(t, r.PaymentDate)
		assert.True(t, r.PaymentDate.Equal(inv.Date))
	}
}

func TestImportInvoiceTwiceIsAlreadyImported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ImportInvoice(ctx, "in_1", 0, Options{})
	require.NoError(t, err)

	result, err := f.svc.ImportInvoice(ctx, "in_1", 0, Options{})
	require.ErrorIs(t, err, ErrAlreadyImported)
	assert.False(t, result.Succeeded)
	assert.Equal(t, models.StateRejected, result.State)
	assert.Equal(t, "F-1", result.LocalInvoiceID)
	assert.Len(t, f.ledger.Invoices(), 1)
	assert.Equal(t, 1, f.ledger.Begins())
}

func TestImportInvoiceLinesUnresolved(t *testing.T) {
	f := newFixture(t)
	f.src.invoices["in_1"] = withLines(f.src.invoices["in_1"],
		models.ExternalInvoiceLine{Description: "Unknown", Quantity: 1, UnitAmountMinor: 100, AmountMinor: 100, ProductRef: "prod_X"},
		models.ExternalInvoiceLine{Description: "Loose", Quantity: 1, UnitAmountMinor: 100, AmountMinor: 100},
	)

	result, err := f.svc.ImportInvoice(context.Background(), "in_1", 0, Options{})
	require.ErrorIs(t, err, ErrLinesUnresolved)
	assert.Equal(t, ErrLinesUnresolved, Kind(err))
	assert.Equal(t, models.StateRejected, result.State)

	messages := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		messages = append(messages, e.Message)
	}
	assert.Contains(t, messages, "no correlation for external product prod_X")
	assert.Contains(t, messages, "product missing on external line")

	assert.Zero(t, f.ledger.Begins())
	assert.Zero(t, f.ledger.Writes())
	assert.Empty(t, f.src.marker("in_1"))
}

func TestImportInvoiceRejections(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(f *fixture)
		index   int
		id      string
		want    error
	}{
		{name: "unknown account", index: 7, id: "in_1", want: ErrNoAccountConfigured},
		{name: "account without key", index: 1, id: "in_1", want: ErrNoAccountConfigured},
		{name: "missing invoice", id: "in_404", want: ErrNotFound},
		{
			name:    "provider down",
			id:      "in_1",
			prepare: func(f *fixture) { f.src.failGet = fmt.Errorf("GetInvoice: %w", source.ErrProvider) },
			want:    ErrProviderError,
		},
		{
			name: "not paid",
			id:   "in_1",
			prepare: func(f *fixture) {
				inv := f.src.invoices["in_1"]
				inv.Status = "open"
				f.src.invoices["in_1"] = inv
			},
			want: ErrNotPaid,
		},
		{
			name: "nothing paid",
			id:   "in_1",
			prepare: func(f *fixture) {
				inv := f.src.invoices["in_1"]
				inv.AmountPaidMinor = 0
				f.src.invoices["in_1"] = inv
			},
			want: ErrNotPaid,
		},
		{
			name: "customer unavailable",
			id:   "in_1",
			prepare: func(f *fixture) {
				inv := f.src.invoices["in_1"]
				inv.CustomerID = "cus_gone"
				f.src.invoices["in_1"] = inv
			},
			want: ErrCustomerUnavailable,
		},
		{
			name: "customer not linked",
			id:   "in_1",
			prepare: func(f *fixture) {
				inv := f.src.invoices["in_1"]
				inv.CustomerID = "cus_2"
				f.src.invoices["in_1"] = inv
			},
			want: ErrNoLocalCustomerCorrelation,
		},
		{
			name:    "marker present",
			id:      "in_1",
			prepare: func(f *fixture) { f.src.markers["in_1"] = "F-99" },
			want:    ErrAlreadyImported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.prepare != nil {
				tt.prepare(f)
			}

			result, err := f.svc.ImportInvoice(context.Background(), tt.id, tt.index, Options{})
			require.Error(t, err)
			assert.Equal(t, tt.want, Kind(err))
			assert.ErrorIs(t, err, tt.want)

			require.NotNil(t, result)
			assert.False(t, result.Succeeded)
			assert.Equal(t, models.StateRejected, result.State)
			assert.NotEmpty(t, result.Errors)
			assert.Zero(t, f.ledger.Begins())
		})
	}
}

func TestImportInvoiceRollsBack(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		prepare func(f *fixture)
		want    error
	}{
		{name: "create", prepare: func(f *fixture) { f.ledger.Fail.CreateInvoice = boom }, want: ErrInvoiceCreateFailed},
		{name: "line", prepare: func(f *fixture) { f.ledger.Fail.AddLine = boom }, want: ErrLineCreateFailed},
		{name: "save", prepare: func(f *fixture) { f.ledger.Fail.SaveInvoice = boom }, want: ErrInvoiceCreateFailed},
		{name: "accounting error", prepare: func(f *fixture) { f.ledger.Fail.Accounting = boom }, want: ErrAccountingGenerationFailed},
		{name: "accounting without id", prepare: func(f *fixture) { f.ledger.Fail.NoEntryID = true }, want: ErrAccountingGenerationFailed},
		{name: "receipts", prepare: func(f *fixture) { f.ledger.Fail.SaveReceipt = boom }, want: ErrReceiptMarkingFailed},
		{name: "marker write", prepare: func(f *fixture) { f.src.failMarker = boom }, want: ErrMarkerWriteFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.prepare(f)

			result, err := f.svc.ImportInvoice(context.Background(), "in_1", 0, Options{MarkPaid: true})
			require.Error(t, err)
			assert.Equal(t, tt.want, Kind(err))

			assert.Equal(t, models.StateRolledBack, result.State)
			assert.False(t, result.Succeeded)
			assert.Empty(t, result.LocalInvoiceID)
			assert.Empty(t, f.ledger.Invoices())
			assert.Equal(t, 1, f.ledger.Rollbacks())
			assert.Empty(t, f.src.marker("in_1"))
		})
	}
}

func TestImportInvoiceCommitFailureClearsMarker(t *testing.T) {
	f := newFixture(t)
	f.ledger.Fail.Commit = errors.New("connection reset")

	result, err := f.svc.ImportInvoice(context.Background(), "in_1", 0, Options{})
	require.ErrorIs(t, err, ErrCommitFailed)
	assert.Equal(t, models.StateRolledBack, result.State)

	assert.Empty(t, f.src.marker("in_1"))
	assert.Equal(t, []string{"F-1", ""}, f.src.history)
	assert.Empty(t, f.ledger.Invoices())
}

func TestImportInvoiceCommitFailureReportsStuckMarker(t *testing.T) {
	f := newFixture(t)
	f.ledger.Fail.Commit = errors.New("connection reset")
	f.src.failClear = errors.New("stripe unavailable")

	_, err := f.svc.ImportInvoice(context.Background(), "in_1", 0, Options{})
	require.ErrorIs(t, err, ErrCommitFailed)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Contains(t, err.Error(), "stripe unavailable")
	assert.Equal(t, "F-1", f.src.marker("in_1"))
}

func TestImportInvoiceMarkerAppearsDuringImport(t *testing.T) {
	f := newFixture(t)
	f.src.onGet = func(call int) {
		if call == 2 {
			f.src.mu.Lock()
			f.src.markers["in_1"] = "F-77"
			f.src.mu.Unlock()
		}
	}

	result, err := f.svc.ImportInvoice(context.Background(), "in_1", 0, Options{})
	require.ErrorIs(t, err, ErrAlreadyImported)
	assert.Equal(t, models.StateRolledBack, result.State)
	assert.Equal(t, "F-77", result.LocalInvoiceID)
	assert.Empty(t, f.ledger.Invoices())
	assert.Equal(t, "F-77", f.src.marker("in_1"))
}

func TestImportInvoiceExemptCustomer(t *testing.T) {
	f := newFixture(t)
	f.ledger.AddCustomer(models.LocalCustomer{ID: "C1", Name: "Acme Canarias SL", VATRegime: models.VATRegimeExempt})

	result, err := f.svc.ImportInvoice(context.Background(), "in_1", 0, Options{})
	require.NoError(t, err)

	lines := f.ledger.Lines(result.LocalInvoiceID)
	require.Len(t, lines, 1)
	assert.Equal(t, "150.00", lines[0].UnitPrice.StringFixed(2))
	assert.Equal(t, "150.00", lines[0].LineTotal.StringFixed(2))
	assert.Empty(t, lines[0].TaxCode)
	assert.True(t, lines[0].VATRate.IsZero())
	assert.Equal(t, "150.00", f.ledger.Invoices()[0].Total.StringFixed(2))
}

func TestImportInvoiceDescribesPeriod(t *testing.T) {
	f := newFixture(t)
	inv := f.src.invoices["in_1"]
	inv.Lines[0].PlanName = "Pro"
	inv.Lines[0].PeriodStart = 1700000000
	inv.Lines[0].PeriodEnd = 1702592000
	f.src.invoices["in_1"] = inv

	result, err := f.svc.ImportInvoice(context.Background(), "in_1", 0, Options{})
	require.NoError(t, err)

	lines := f.ledger.Lines(result.LocalInvoiceID)
	require.Len(t, lines, 1)
	assert.Equal(t, "Pro Hosting desde 14-11-2023 hasta 14-12-2023", lines[0].Description)
}

func TestImportInvoiceConcurrentCallsImportOnce(t *testing.T) {
	f := newFixture(t)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ImportInvoice(context.Background(), "in_1", 0, Options{})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyImported)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, f.ledger.Invoices(), 1)
}

func TestListUnprocessed(t *testing.T) {
	f := newFixture(t)
	f.src.invoices["in_2"] = models.ExternalInvoice{ID: "in_2", Status: models.StatusPaid, AmountPaidMinor: 500}
	f.src.invoices["in_3"] = models.ExternalInvoice{ID: "in_3", Status: models.StatusPaid, AmountPaidMinor: 500, CustomerID: "cus_1"}

	result, err := f.svc.ListUnprocessed(context.Background(), 0, source.ListQuery{})
	require.NoError(t, err)
	require.Len(t, result.Invoices, 3)
	assert.Equal(t, []models.ResultError{
		{Message: "invoice has no customer", Context: "in_2"},
		{Message: "invoice has no lines", Context: "in_3"},
	}, result.Errors)

	_, err = f.svc.ImportInvoice(context.Background(), "in_1", 0, Options{})
	require.NoError(t, err)

	result, err = f.svc.ListUnprocessed(context.Background(), 0, source.ListQuery{})
	require.NoError(t, err)
	assert.Len(t, result.Invoices, 2)
}

func TestListUnprocessedErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ListUnprocessed(context.Background(), 1, source.ListQuery{})
	assert.ErrorIs(t, err, ErrNoAccountConfigured)

	now := time.Now()
	_, err = f.svc.ListUnprocessed(context.Background(), 0, source.ListQuery{Start: now, End: now.Add(-time.Hour)})
	assert.Equal(t, ErrInvalidWindow, Kind(err))
}

func TestLinkCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.LinkCustomer(ctx, "cus_2", 0, "C1"))
	c, err := f.src.GetCustomer(ctx, account.Config{}, "cus_2")
	require.NoError(t, err)
	assert.Equal(t, "C1", c.LocalCustomerID)

	err = f.svc.LinkCustomer(ctx, "cus_2", 0, "C-404")
	assert.Equal(t, ErrLocalCustomerMissing, Kind(err))

	err = f.svc.LinkCustomer(ctx, "cus_404", 0, "C1")
	assert.Equal(t, ErrNotFound, Kind(err))

	err = f.svc.LinkCustomer(ctx, "cus_2", 3, "C1")
	assert.Equal(t, ErrNoAccountConfigured, Kind(err))
}

func withLines(inv models.ExternalInvoice, lines ...models.ExternalInvoiceLine) models.ExternalInvoice {
	inv.Lines = lines
	return inv
}
