// Package obsmetrics collects Prometheus metrics for the catalog and the
// fan-out executor: per-shard query counts and latencies, executor
// lifecycle events, and catalog/store operation outcomes.
package obsmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private Prometheus registry so a process embedding
// this module never collides with metrics the host application already
// registers under the default registry.
type Collector struct {
	registry *prometheus.Registry

	shardQueryTotal    *prometheus.CounterVec
	shardQueryDuration *prometheus.HistogramVec
	shardFaultTotal    *prometheus.CounterVec

	executorEventTotal *prometheus.CounterVec
	mergedReaderRows   *prometheus.CounterVec

	catalogOpTotal    *prometheus.CounterVec
	catalogOpDuration *prometheus.HistogramVec
	retryAttempts     *prometheus.CounterVec

	localPoolConnections *prometheus.GaugeVec
}

// New builds a Collector with every metric registered.
func New() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	c := &Collector{registry: registry}

	c.shardQueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msq_shard_queries_total",
			Help: "Total number of per-shard query executions.",
		},
		[]string{"shard", "status"},
	)
	c.shardQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "msq_shard_query_duration_seconds",
			Help:    "Per-shard query latency, from Open through the first row.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"shard"},
	)
	c.shardFaultTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msq_shard_faults_total",
			Help: "Shard faults by kind, as classified by mserrors.",
		},
		[]string{"shard", "kind"},
	)
	c.executorEventTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msq_executor_events_total",
			Help: "Executor lifecycle events (began, succeeded, faulted, canceled).",
		},
		[]string{"kind"},
	)
	c.mergedReaderRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msq_merged_reader_rows_total",
			Help: "Rows streamed out of the merged reader, by shard.",
		},
		[]string{"shard"},
	)
	c.catalogOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msq_catalog_operations_total",
			Help: "Catalog operations by name and outcome.",
		},
		[]string{"operation", "status"},
	)
	c.catalogOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "msq_catalog_operation_duration_seconds",
			Help:    "Catalog operation latency, including the global store round trip.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"operation"},
	)
	c.retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msq_retry_attempts_total",
			Help: "Retry engine attempts, by whether the final attempt succeeded.",
		},
		[]string{"outcome"},
	)
	c.localPoolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "msq_local_pool_open_connections",
			Help: "Open *sql.DB connections held by the local store's per-shard pool.",
		},
		[]string{"shard"},
	)

	c.registry.MustRegister(
		c.shardQueryTotal,
		c.shardQueryDuration,
		c.shardFaultTotal,
		c.executorEventTotal,
		c.mergedReaderRows,
		c.catalogOpTotal,
		c.catalogOpDuration,
		c.retryAttempts,
		c.localPoolConnections,
	)
	return c
}

// Handler exposes the collector's registry for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordShardQuery records one shard's query outcome and latency.
func (c *Collector) RecordShardQuery(shard, status string, d time.Duration) {
	c.shardQueryTotal.WithLabelValues(shard, status).Inc()
	c.shardQueryDuration.WithLabelValues(shard).Observe(d.Seconds())
}

// RecordShardFault records a classified shard fault.
func (c *Collector) RecordShardFault(shard, kind string) {
	c.shardFaultTotal.WithLabelValues(shard, kind).Inc()
}

// RecordExecutorEvent records one executor.Event by kind.
func (c *Collector) RecordExecutorEvent(kind string) {
	c.executorEventTotal.WithLabelValues(kind).Inc()
}

// RecordMergedReaderRow records one row the merged reader yielded from shard.
func (c *Collector) RecordMergedReaderRow(shard string) {
	c.mergedReaderRows.WithLabelValues(shard).Inc()
}

// RecordCatalogOp records one catalog operation's outcome and latency.
func (c *Collector) RecordCatalogOp(operation, status string, d time.Duration) {
	c.catalogOpTotal.WithLabelValues(operation, status).Inc()
	c.catalogOpDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordRetryAttempt records one retry.Engine attempt's outcome.
func (c *Collector) RecordRetryAttempt(outcome string) {
	c.retryAttempts.WithLabelValues(outcome).Inc()
}

// SetLocalPoolConnections reports the local store's current open
// connection count for a shard.
func (c *Collector) SetLocalPoolConnections(shard string, n int) {
	c.localPoolConnections.WithLabelValues(shard).Set(float64(n))
}
