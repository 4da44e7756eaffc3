package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Loader metrics
	LoaderBatches   *prometheus.CounterVec
	LoaderBatchSize *prometheus.HistogramVec
	LoaderDuration  *prometheus.HistogramVec
	LoaderErrors    *prometheus.CounterVec
	CacheHits       *prometheus.CounterVec

	// Coordinator metrics
	DispatchRounds  prometheus.Counter
	DispatchPending prometheus.Gauge
	WritesRejected  *prometheus.CounterVec

	// Driver metrics
	StoreRequests     *prometheus.CounterVec
	StoreRetries      *prometheus.CounterVec
	RevisionConflicts *prometheus.CounterVec
	LinkFallbacks     *prometheus.CounterVec
	ScannedItems      prometheus.Counter
}

// NewMetrics creates metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LoaderBatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_loader_batches_total",
				Help: "Total number of batches dispatched by loaders",
			},
			[]string{"loader"},
		),

		LoaderBatchSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitystore_loader_batch_size",
				Help:    "Number of keys per dispatched batch",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"loader"},
		),

		LoaderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitystore_loader_batch_duration_seconds",
				Help:    "Duration of batch fetches",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"loader"},
		),

		LoaderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_loader_errors_total",
				Help: "Total number of failed batches",
			},
			[]string{"loader"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_loader_cache_hits_total",
				Help: "Loads served by an existing future",
			},
			[]string{"loader"},
		),

		DispatchRounds: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "entitystore_dispatch_rounds_total",
				Help: "Total number of coordinator flush rounds",
			},
		),

		DispatchPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "entitystore_dispatch_pending",
				Help: "Work registered with the coordinator since the last completed round",
			},
		),

		WritesRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_writes_rejected_total",
				Help: "Mutations rejected before reaching the store",
			},
			[]string{"reason"},
		),

		StoreRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_store_requests_total",
				Help: "Total number of backing store calls",
			},
			[]string{"operation", "status"},
		),

		StoreRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_store_retries_total",
				Help: "Retries of unprocessed batch items",
			},
			[]string{"operation"},
		),

		RevisionConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_revision_conflicts_total",
				Help: "Conditional writes rejected by the store",
			},
			[]string{"operation"},
		),

		LinkFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_link_fallbacks_total",
				Help: "Link updates that fell through to the next cascade step",
			},
			[]string{"step"},
		),

		ScannedItems: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "entitystore_scanned_items_total",
				Help: "Records visited by table scans",
			},
		),
	}
}

// Helper methods for recording metrics

func (m *Metrics) RecordLoaderBatch(loader string, size int, duration float64, err error) {
	if m == nil {
		return
	}
	m.LoaderBatches.WithLabelValues(loader).Inc()
	m.LoaderBatchSize.WithLabelValues(loader).Observe(float64(size))
	m.LoaderDuration.WithLabelValues(loader).Observe(duration)
	if err != nil {
		m.LoaderErrors.WithLabelValues(loader).Inc()
	}
}

func (m *Metrics) RecordCacheHit(loader string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(loader).Inc()
}

func (m *Metrics) RecordDispatchRound() {
	if m == nil {
		return
	}
	m.DispatchRounds.Inc()
}

func (m *Metrics) UpdateDispatchPending(n int32) {
	if m == nil {
		return
	}
	m.DispatchPending.Set(float64(n))
}

func (m *Metrics) RecordWriteRejected(reason string) {
	if m == nil {
		return
	}
	m.WritesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordStoreRequest(operation string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreRequests.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) RecordStoreRetry(operation string) {
	if m == nil {
		return
	}
	m.StoreRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordRevisionConflict(operation string) {
	if m == nil {
		return
	}
	m.RevisionConflicts.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordLinkFallback(step string) {
	if m == nil {
		return
	}
	m.LinkFallbacks.WithLabelValues(step).Inc()
}

func (m *Metrics) RecordScannedItem() {
	if m == nil {
		return
	}
	m.ScannedItems.Inc()
}
