// Package api exposes the importer over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"stripesync/internal/importer"
	"stripesync/internal/logger"
	"stripesync/internal/source"
	"stripesync/pkg/models"
)

// Importer is the subset of importer.Service served over HTTP.
type Importer interface {
	ListUnprocessed(ctx context.Context, accountIndex int, q source.ListQuery) (*importer.ListResult, error)
	ImportInvoice(ctx context.Context, externalID string, accountIndex int, opts importer.Options) (*models.ReconciliationResult, error)
	LinkCustomer(ctx context.Context, externalCustomerID string, accountIndex int, localCustomerID string) error
}

// Config holds the router dependencies.
type Config struct {
	Importer Importer
	Gatherer prometheus.Gatherer         // Served on /metrics; skipped when nil
	Health   func(context.Context) error // Backs /healthz; always healthy when nil
	AuthUser string
	AuthPass string
}

// Server holds the HTTP handlers.
type Server struct {
	importer Importer
	health   func(context.Context) error
	log      zerolog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg Config) http.Handler {
	s := &Server{
		importer: cfg.Importer,
		health:   cfg.Health,
		log:      logger.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BasicAuth(cfg.AuthUser, cfg.AuthPass, s.log))

		r.Get("/accounts/{index}/invoices", s.listInvoices)
		r.Post("/accounts/{index}/invoices/{id}/import", s.importInvoice)
		r.Put("/accounts/{index}/customers/{id}/link", s.linkCustomer)
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.log.Error().Err(err).Msg("Health check failed")
			writeError(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	writeData(w, map[string]string{"status": "ok"})
}
