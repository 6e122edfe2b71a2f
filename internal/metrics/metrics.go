// Package metrics provides Prometheus metrics for sync passes and hook dispatch.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "schemasync"

// Collector holds all Prometheus metrics
type Collector struct {
	registry *prometheus.Registry

	// Sync metrics
	SyncDuration       prometheus.Histogram
	SyncPasses         prometheus.Counter
	CollectionsTotal   *prometheus.CounterVec
	CollectionDuration prometheus.Histogram
	Retries            *prometheus.CounterVec
	OrphanedTables     prometheus.Gauge

	// Hook metrics
	HookInvocations *prometheus.CounterVec
	HookDuration    *prometheus.HistogramVec

	// Plugin metrics
	PluginsEnabled prometheus.Gauge
}

// New creates a collector on a fresh registry
func New() *Collector {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates a collector whose metrics are registered on reg
func NewWithRegistry(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		SyncDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Duration of full sync passes in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		SyncPasses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_passes_total",
				Help:      "Total number of sync passes",
			},
		),
		CollectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collections_synced_total",
				Help:      "Collection sync outcomes by status",
			},
			[]string{"status"},
		),
		CollectionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "collection_sync_duration_seconds",
				Help:      "Duration of single collection syncs in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transient_retries_total",
				Help:      "Retries caused by transient database failures",
			},
			[]string{"collection"},
		),
		OrphanedTables: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "orphaned_tables",
				Help:      "Managed tables no longer declared by any collection source",
			},
		),

		HookInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_invocations_total",
				Help:      "Hook handler invocations by hook, scope and outcome",
			},
			[]string{"hook", "scope", "outcome"},
		),
		HookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "hook_duration_seconds",
				Help:      "Hook handler duration in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"hook"},
		),

		PluginsEnabled: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugins_enabled",
				Help:      "Number of enabled plugins",
			},
		),
	}
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ObserveSync records a completed sync pass
func (c *Collector) ObserveSync(duration time.Duration) {
	c.SyncPasses.Inc()
	c.SyncDuration.Observe(duration.Seconds())
}

// ObserveCollection records one collection outcome
func (c *Collector) ObserveCollection(status string, duration time.Duration) {
	c.CollectionsTotal.WithLabelValues(status).Inc()
	c.CollectionDuration.Observe(duration.Seconds())
}

// ObserveRetry records a retry after a transient failure
func (c *Collector) ObserveRetry(collection string) {
	c.Retries.WithLabelValues(collection).Inc()
}

// SetOrphaned records the number of orphaned tables
func (c *Collector) SetOrphaned(n int) {
	c.OrphanedTables.Set(float64(n))
}

// SetPluginsEnabled records the number of enabled plugins
func (c *Collector) SetPluginsEnabled(n int) {
	c.PluginsEnabled.Set(float64(n))
}

// ObserveHook records one hook handler invocation
func (c *Collector) ObserveHook(hook, scope string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.HookInvocations.WithLabelValues(hook, scope, outcome).Inc()
	c.HookDuration.WithLabelValues(hook).Observe(duration.Seconds())
}
