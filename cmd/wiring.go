package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"stripesync/internal/account"
	"stripesync/internal/config"
	"stripesync/internal/importer"
	"stripesync/internal/logger"
	"stripesync/internal/ledger/postgres"
	"stripesync/internal/metrics"
	"stripesync/internal/source"
)

// app is the dependency graph shared by the commands.
type app struct {
	cfg      *config.Config
	store    *postgres.Store
	registry *prometheus.Registry
	importer *importer.Service
}

func newApp(ctx context.Context) (*app, error) {
	const op = "newApp"

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	store, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	opts := source.DefaultStripeOptions()
	opts.APIURL = cfg.StripeAPIURL
	opts.Timeout = cfg.StripeTimeout
	opts.RateLimit = cfg.StripeRateLimit
	opts.BreakerFailures = cfg.BreakerFailures
	opts.InvoiceMarkerKey = cfg.InvoiceMarkerKey
	opts.CustomerMarkerKey = cfg.CustomerMarkerKey

	accounts := account.NewSelector(cfg.Accounts)
	log := logger.WithComponent("wiring")
	log.Debug().
		Int("slots", accounts.Len()).
		Int("configured", len(accounts.Configured())).
		Msg("Stripe accounts loaded")

	svc := importer.NewWithDeps(importer.Deps{
		Accounts: accounts,
		Source:   source.NewStripeSource(opts, m),
		Ledger:   store,
		Location: cfg.Location(),
		Metrics:  m,
	})

	return &app{cfg: cfg, store: store, registry: reg, importer: svc}, nil
}

func (a *app) Close() {
	a.store.Close()
}

// commandContext bounds a one-shot command.
func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
