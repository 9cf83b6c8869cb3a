package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"golang.org/x/time/rate"
	"stripesync/internal/account"
	"stripesync/internal/logger"
	"stripesync/internal/metrics"
	"stripesync/pkg/models"
)

// stripeHTTPTimeout matches the stripe-go default client timeout.
const stripeHTTPTimeout = 80 * time.Second

// StripeOptions configures StripeSource.
type StripeOptions struct {
	InvoiceMarkerKey  string        // Invoice metadata key holding the local invoice id
	CustomerMarkerKey string        // Customer metadata key holding the local customer id
	Timeout           time.Duration // Per call, listings excepted
	RateLimit         float64       // Requests per second per account
	BreakerFailures   uint32        // Consecutive failures that open the breaker
	BreakerCooldown   time.Duration // Time the breaker stays open
	MaxNetworkRetries int64
	APIURL            string // Overrides the Stripe API base URL
	HTTPClient        *http.Client
}

// DefaultStripeOptions returns production defaults.
func DefaultStripeOptions() StripeOptions {
	return StripeOptions{
		InvoiceMarkerKey:  "localInvoiceId",
		CustomerMarkerKey: "localCustomerId",
		Timeout:           30 * time.Second,
		RateLimit:         25,
		BreakerFailures:   5,
		BreakerCooldown:   30 * time.Second,
		MaxNetworkRetries: 2,
	}
}

// StripeSource implements Source against the Stripe API. Each account gets
// its own client, circuit breaker and rate limiter.
type StripeSource struct {
	opts    StripeOptions
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu      sync.Mutex
	clients map[int]*accountClient
}

type accountClient struct {
	secret  string
	api     *client.API
	breaker *gobreaker.CircuitBreaker
}

// NewStripeSource creates a StripeSource.
func NewStripeSource(opts StripeOptions, m *metrics.Metrics) *StripeSource {
	if m == nil {
		m = metrics.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultStripeOptions().Timeout
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultStripeOptions().RateLimit
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = DefaultStripeOptions().BreakerFailures
	}
	return &StripeSource{
		opts:    opts,
		metrics: m,
		log:     logger.WithComponent("stripe-source"),
		clients: make(map[int]*accountClient),
	}
}

func (s *StripeSource) clientFor(acct account.Config) (*accountClient, error) {
	if !acct.Configured() {
		return nil, fmt.Errorf("account %s: %w", acct, account.ErrNoAccountConfigured)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[acct.Index]; ok && c.secret == acct.SecretKey {
		return c, nil
	}

	burst := int(s.opts.RateLimit)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(s.opts.RateLimit), burst)

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        s.rateLimitedClient(limiter),
		LeveledLogger:     stripeLogger{log: s.log},
		MaxNetworkRetries: stripe.Int64(s.opts.MaxNetworkRetries),
	}
	if s.opts.APIURL != "" {
		backendConfig.URL = stripe.String(s.opts.APIURL)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
	}

	c := &accountClient{
		secret:  acct.SecretKey,
		api:     client.New(acct.SecretKey, backends),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    fmt.Sprintf("stripe-account-%d", acct.Index),
			Timeout: s.opts.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= s.opts.BreakerFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || isClientError(err) || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				s.log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit breaker state changed")
			},
		}),
	}
	s.clients[acct.Index] = c
	return c, nil
}

// call runs fn behind the account's circuit breaker and maps the outcome to
// the package errors. Rate limiting happens per request in the transport.
func (s *StripeSource) call(ctx context.Context, acct account.Config, op string, fn func(ctx context.Context, api *client.API) error) error {
	c, err := s.clientFor(acct)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx, c.api)
	})
	s.record(op, err)
	if err != nil {
		return s.handleStripeError(op, err)
	}
	return nil
}

// rateLimitedClient returns the configured HTTP client, or the stripe-go
// default, with every request waiting on limiter. Paginated listings are
// throttled page by page.
func (s *StripeSource) rateLimitedClient(limiter *rate.Limiter) *http.Client {
	httpClient := &http.Client{Timeout: stripeHTTPTimeout}
	if s.opts.HTTPClient != nil {
		*httpClient = *s.opts.HTTPClient
	}
	next := httpClient.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	httpClient.Transport = &rateLimitedTransport{limiter: limiter, next: next}
	return httpClient
}

// rateLimitedTransport waits on the account limiter before each request.
type rateLimitedTransport struct {
	limiter *rate.Limiter
	next    http.RoundTripper
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return t.next.RoundTrip(req)
}

func (s *StripeSource) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.Timeout)
}

func (s *StripeSource) record(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case isNotFound(err):
		result = "not_found"
	default:
		result = "error"
	}
	s.metrics.ProviderCallsTotal.WithLabelValues(op, result).Inc()
}

// handleStripeError maps Stripe failures to ErrNotFound or ErrProvider.
func (s *StripeSource) handleStripeError(op string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		s.log.Error().
			Str("op", op).
			Str("code", string(stripeErr.Code)).
			Str("type", string(stripeErr.Type)).
			Int("status", stripeErr.HTTPStatusCode).
			Str("message", stripeErr.Msg).
			Msg("Stripe API error")
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: circuit open: %w: %w", op, ErrProvider, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrProvider, err)
}

func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing
}

// isClientError reports request errors that say nothing about provider health.
func isClientError(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	status := stripeErr.HTTPStatusCode
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusUnauthorized
}

// ListUnprocessedPaid pages through paid invoices created inside the window
// and keeps those without a local invoice marker. When ctx is cancelled the
// invoices gathered so far are returned with the error.
func (s *StripeSource) ListUnprocessedPaid(ctx context.Context, acct account.Config, q ListQuery) ([]models.ExternalInvoice, error) {
	const op = "ListUnprocessedPaid"

	q, err := q.Normalize(time.Now())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var invoices []models.ExternalInvoice
	err = s.call(ctx, acct, op, func(ctx context.Context, api *client.API) error {
		params := &stripe.InvoiceListParams{
			Status: stripe.String(models.StatusPaid),
			CreatedRange: &stripe.RangeQueryParams{
				GreaterThanOrEqual: q.Start.Unix(),
				LesserThanOrEqual:  q.End.Unix(),
			},
		}
		params.Context = ctx
		params.Limit = stripe.Int64(q.pageSize())

		it := api.Invoices.List(params)
		for it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			inv := it.Invoice()
			if !Unprocessed(s.convertInvoice(inv)) {
				continue
			}
			ext, err := s.expandInvoice(ctx, api, inv)
			if err != nil {
				return err
			}
			invoices = append(invoices, ext)
			if q.Limit > 0 && len(invoices) >= q.Limit {
				return nil
			}
		}
		return it.Err()
	})

	s.metrics.ListedInvoicesTotal.Add(float64(len(invoices)))
	s.log.Debug().
		Int("account_index", acct.Index).
		Int("count", len(invoices)).
		Time("start", q.Start).
		Time("end", q.End).
		Msg("Listed unprocessed paid invoices")

	return invoices, err
}

// GetInvoice fetches one invoice with all of its lines.
func (s *StripeSource) GetInvoice(ctx context.Context, acct account.Config, externalID string) (*models.ExternalInvoice, error) {
	const op = "GetInvoice"

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var ext models.ExternalInvoice
	err := s.call(ctx, acct, op, func(ctx context.Context, api *client.API) error {
		params := &stripe.InvoiceParams{}
		params.Context = ctx
		inv, err := api.Invoices.Get(externalID, params)
		if err != nil {
			return err
		}
		ext, err = s.expandInvoice(ctx, api, inv)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ext, nil
}

// GetCustomer fetches a customer. Deleted customers are reported as ErrNotFound.
func (s *StripeSource) GetCustomer(ctx context.Context, acct account.Config, customerID string) (*models.ExternalCustomer, error) {
	const op = "GetCustomer"

	if customerID == "" {
		return nil, fmt.Errorf("%s: empty customer id: %w", op, ErrNotFound)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var cust *stripe.Customer
	err := s.call(ctx, acct, op, func(ctx context.Context, api *client.API) error {
		params := &stripe.CustomerParams{}
		params.Context = ctx
		var err error
		cust, err = api.Customers.Get(customerID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	if cust.Deleted {
		return nil, fmt.Errorf("%s: customer %s deleted: %w", op, customerID, ErrNotFound)
	}

	return &models.ExternalCustomer{
		ID:              cust.ID,
		Name:            cust.Name,
		Email:           cust.Email,
		Metadata:        copyMetadata(cust.Metadata),
		LocalCustomerID: strings.TrimSpace(cust.Metadata[s.opts.CustomerMarkerKey]),
	}, nil
}

// WriteLocalCustomerCorrelation stores the local customer id on the customer.
func (s *StripeSource) WriteLocalCustomerCorrelation(ctx context.Context, acct account.Config, customerID, localCustomerID string) error {
	const op = "WriteLocalCustomerCorrelation"

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.call(ctx, acct, op, func(ctx context.Context, api *client.API) error {
		params := &stripe.CustomerParams{}
		params.Context = ctx
		params.AddMetadata(s.opts.CustomerMarkerKey, localCustomerID)
		_, err := api.Customers.Update(customerID, params)
		return err
	})
}

// WriteInvoiceMarker stores the local invoice id on the invoice. An empty
// localInvoiceID removes the marker.
func (s *StripeSource) WriteInvoiceMarker(ctx context.Context, acct account.Config, externalID, localInvoiceID string) error {
	const op = "WriteInvoiceMarker"

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.call(ctx, acct, op, func(ctx context.Context, api *client.API) error {
		params := &stripe.InvoiceParams{}
		params.Context = ctx
		params.AddMetadata(s.opts.InvoiceMarkerKey, localInvoiceID)
		_, err := api.Invoices.Update(externalID, params)
		return err
	})
}

// expandInvoice loads the remaining line pages of inv, if any, and converts it.
func (s *StripeSource) expandInvoice(ctx context.Context, api *client.API, inv *stripe.Invoice) (models.ExternalInvoice, error) {
	if inv.Lines != nil && inv.Lines.HasMore {
		params := &stripe.InvoiceListLinesParams{Invoice: stripe.String(inv.ID)}
		params.Context = ctx
		params.Limit = stripe.Int64(100)

		var lines []*stripe.InvoiceLineItem
		it := api.Invoices.ListLines(params)
		for it.Next() {
			lines = append(lines, it.InvoiceLineItem())
		}
		if err := it.Err(); err != nil {
			return models.ExternalInvoice{}, fmt.Errorf("listing lines of %s: %w", inv.ID, err)
		}
		inv.Lines.Data = lines
		inv.Lines.HasMore = false
	}
	return s.convertInvoice(inv), nil
}

// convertInvoice maps a Stripe invoice onto the provider-neutral model.
func (s *StripeSource) convertInvoice(inv *stripe.Invoice) models.ExternalInvoice {
	ext := models.ExternalInvoice{
		ID:              inv.ID,
		Number:          inv.Number,
		Status:          string(inv.Status),
		AmountPaidMinor: inv.AmountPaid,
		CreatedAt:       inv.Created,
		CustomerEmail:   inv.CustomerEmail,
		Metadata:        copyMetadata(inv.Metadata),
		LocalInvoiceID:  strings.TrimSpace(inv.Metadata[s.opts.InvoiceMarkerKey]),
	}
	if inv.Customer != nil {
		ext.CustomerID = inv.Customer.ID
	}
	if inv.Lines == nil {
		return ext
	}

	for _, l := range inv.Lines.Data {
		if l == nil {
			continue
		}
		line := models.ExternalInvoiceLine{
			Description: l.Description,
			Quantity:    l.Quantity,
			AmountMinor: l.Amount,
		}
		if l.Price != nil {
			line.UnitAmountMinor = l.Price.UnitAmount
			if l.Price.Product != nil {
				line.ProductRef = l.Price.Product.ID
			}
		}
		if l.Plan != nil {
			line.PlanName = l.Plan.Nickname
			if line.ProductRef == "" && l.Plan.Product != nil {
				line.ProductRef = l.Plan.Product.ID
			}
		}
		if line.UnitAmountMinor == 0 && line.Quantity > 0 {
			line.UnitAmountMinor = line.AmountMinor / line.Quantity
		}
		if l.Period != nil {
			line.PeriodStart = l.Period.Start
			line.PeriodEnd = l.Period.End
		}
		ext.Lines = append(ext.Lines, line)
	}
	return ext
}

func copyMetadata(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// stripeLogger routes stripe-go logging into zerolog.
type stripeLogger struct {
	log zerolog.Logger
}

func (l stripeLogger) Debugf(format string, v ...interface{}) { l.log.Debug().Msgf(format, v...) }
func (l stripeLogger) Infof(format string, v ...interface{})  { l.log.Debug().Msgf(format, v...) }
func (l stripeLogger) Warnf(format string, v ...interface{})  { l.log.Warn().Msgf(format, v...) }
func (l stripeLogger) Errorf(format string, v ...interface{}) { l.log.Error().Msgf(format, v...) }
