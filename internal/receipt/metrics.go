package receipt

import (
	"net/http"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upload outcomes
const (
	outcomeStored          = "stored"
	outcomeRejected        = "rejected"
	outcomeExtractionError = "extraction_error"
	outcomeUnreadable      = "unreadable"
	outcomeMalformed       = "malformed"
	outcomeNoItems         = "no_items"
	outcomeStoreError      = "store_error"
)

var warningIndex = regexp.MustCompile(`\[\d+\]`)

// Metrics captures pipeline health for Prometheus
type Metrics struct {
	gatherer prometheus.Gatherer

	uploads            *prometheus.CounterVec
	extractionAttempts *prometheus.CounterVec
	extractionDuration *prometheus.HistogramVec
	warnings           *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors on reg
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_uploads_total",
			Help: "Receipt uploads by final outcome.",
		}, []string{"outcome"}),
		extractionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_extraction_attempts_total",
			Help: "Calls to the extraction provider by result.",
		}, []string{"provider", "result"}),
		extractionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "receipt_extraction_duration_seconds",
			Help:    "Latency of extraction provider calls.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}, []string{"provider"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_validation_warnings_total",
			Help: "Normalization warnings by field.",
		}, []string{"field"}),
	}
	reg.MustRegister(m.uploads, m.extractionAttempts, m.extractionDuration, m.warnings)
	return m
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) upload(outcome string) {
	m.uploads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) extraction(provider string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.extractionAttempts.WithLabelValues(provider, result).Inc()
	m.extractionDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// observeWarnings counts warnings per field with item indexes collapsed,
// so items[3].total is counted as items.total
func (m *Metrics) observeWarnings(warnings []Warning) {
	for _, w := range warnings {
		m.warnings.WithLabelValues(warningIndex.ReplaceAllString(w.Field, "")).Inc()
	}
}
