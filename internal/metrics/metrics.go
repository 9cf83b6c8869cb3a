// Package metrics holds the Prometheus collectors of the importer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for invoice imports
type Metrics struct {
	ImportsTotal        *prometheus.CounterVec
	ImportDuration      prometheus.Histogram
	ProviderCallsTotal  *prometheus.CounterVec
	ListedInvoicesTotal prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ImportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stripesync_imports_total",
			Help: "Invoice imports by terminal state",
		}, []string{"outcome"}),

		ImportDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stripesync_import_duration_seconds",
			Help:    "Duration of a single invoice import in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		ProviderCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stripesync_provider_calls_total",
			Help: "Calls made to the billing provider",
		}, []string{"operation", "result"}),

		ListedInvoicesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stripesync_listed_invoices_total",
			Help: "Unprocessed paid invoices returned by listings",
		}),
	}
}

// Nop returns collectors registered nowhere.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
