package trailhead

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// syncMetrics exposes counters and gauges for the sync pipeline.
type syncMetrics struct {
	pendingItems    prometheus.Gauge
	flushesTotal    *prometheus.CounterVec
	flushedItems    prometheus.Counter
	requeuedItems   prometheus.Counter
	reconcilesTotal prometheus.Counter
	localRecovered  prometheus.Counter
	cacheWipes      prometheus.Counter
	versionsCreated prometheus.Counter
	telemetryParked prometheus.Gauge
}

// newSyncMetrics registers the engine collectors on the given registerer.
// A nil registerer leaves metrics unregistered but still usable, which
// keeps tests free of duplicate-registration failures.
func newSyncMetrics(reg prometheus.Registerer) *syncMetrics {
	factory := promauto.With(reg)
	return &syncMetrics{
		pendingItems: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trailhead_sync_pending_items",
			Help: "Number of mutations waiting for the next flush.",
		}),
		flushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trailhead_sync_flushes_total",
			Help: "Flush attempts by outcome.",
		}, []string{"outcome"}),
		flushedItems: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailhead_sync_flushed_items_total",
			Help: "Mutations successfully pushed to the remote store.",
		}),
		requeuedItems: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailhead_sync_requeued_items_total",
			Help: "Mutations returned to the queue after a failed push.",
		}),
		reconcilesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailhead_reconciles_total",
			Help: "Local/remote merge operations performed on load.",
		}),
		localRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailhead_reconcile_local_only_total",
			Help: "Local-only initiatives preserved by the reconciler.",
		}),
		cacheWipes: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailhead_cache_wipes_total",
			Help: "Local cache wipes triggered by the corruption guard.",
		}),
		versionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailhead_versions_created_total",
			Help: "Point-in-time versions captured locally.",
		}),
		telemetryParked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trailhead_telemetry_offline_batches",
			Help: "Telemetry batches parked in the durable offline queue.",
		}),
	}
}
