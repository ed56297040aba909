package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors of the normalizer.
type Metrics struct {
	registry *prometheus.Registry

	documents     *prometheus.CounterVec
	rows          *prometheus.CounterVec
	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	batchSize     *prometheus.HistogramVec
	discards      *prometheus.CounterVec
	schemaVersion *prometheus.GaugeVec
	schemaChanges *prometheus.CounterVec
	conflictRetry *prometheus.CounterVec
	activeBatches prometheus.Gauge
	packageBytes  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on a private
// registry, so several instances can coexist in one process.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "schemaflow"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		documents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_total",
				Help:      "Documents normalized, by outcome",
			},
			[]string{"schema", "outcome"},
		),
		rows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_total",
				Help:      "Rows emitted per table",
			},
			[]string{"schema", "table"},
		),
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Normalize batches, by status",
			},
			[]string{"schema", "status"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Duration of normalize batches in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
			},
			[]string{"schema"},
		),
		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_documents",
				Help:      "Documents per normalize batch",
				Buckets:   []float64{1, 10, 100, 1000, 10000, 100000},
			},
			[]string{"schema"},
		),
		discards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "contract_discards_total",
				Help:      "Values and rows dropped by schema contracts",
			},
			[]string{"schema", "table", "mode"},
		),
		schemaVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "schema_version",
				Help:      "Current version of each schema",
			},
			[]string{"schema"},
		),
		schemaChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schema_changes_total",
				Help:      "Batches that produced a new schema version",
			},
			[]string{"schema"},
		),
		conflictRetry: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merge_retries_total",
				Help:      "Chunks replayed sequentially after a merge conflict",
			},
			[]string{"schema"},
		),
		activeBatches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_batches",
				Help:      "Normalize batches in progress",
			},
		),
		packageBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "package_bytes_total",
				Help:      "Bytes written to committed load packages",
			},
			[]string{"schema"},
		),
	}

	m.registry.MustRegister(
		m.documents,
		m.rows,
		m.batches,
		m.batchDuration,
		m.batchSize,
		m.discards,
		m.schemaVersion,
		m.schemaChanges,
		m.conflictRetry,
		m.activeBatches,
		m.packageBytes,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the collectors in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// BatchStarted marks a batch as running and returns a function ending it.
func (m *Metrics) BatchStarted() func() {
	m.activeBatches.Inc()
	return m.activeBatches.Dec
}

// BatchSummary is what a finished batch reports.
type BatchSummary struct {
	Schema        string
	OK            bool
	Documents     int
	Failed        int
	Rows          map[string]int
	Discards      map[[2]string]int // {table, mode} → count
	Version       int64
	SchemaChanged bool
	Retries       int
	PackageBytes  int64
	Duration      time.Duration
}

// ObserveBatch records a finished batch.
func (m *Metrics) ObserveBatch(b BatchSummary) {
	status := "ok"
	if !b.OK {
		status = "failed"
	}
	m.batches.WithLabelValues(b.Schema, status).Inc()
	m.batchDuration.WithLabelValues(b.Schema).Observe(b.Duration.Seconds())
	m.batchSize.WithLabelValues(b.Schema).Observe(float64(b.Documents))
	if !b.OK {
		return
	}

	m.documents.WithLabelValues(b.Schema, "ok").Add(float64(b.Documents - b.Failed))
	m.documents.WithLabelValues(b.Schema, "failed").Add(float64(b.Failed))
	for table, n := range b.Rows {
		m.rows.WithLabelValues(b.Schema, table).Add(float64(n))
	}
	for key, n := range b.Discards {
		m.discards.WithLabelValues(b.Schema, key[0], key[1]).Add(float64(n))
	}
	m.schemaVersion.WithLabelValues(b.Schema).Set(float64(b.Version))
	if b.SchemaChanged {
		m.schemaChanges.WithLabelValues(b.Schema).Inc()
	}
	if b.Retries > 0 {
		m.conflictRetry.WithLabelValues(b.Schema).Add(float64(b.Retries))
	}
	if b.PackageBytes > 0 {
		m.packageBytes.WithLabelValues(b.Schema).Add(float64(b.PackageBytes))
	}
}
