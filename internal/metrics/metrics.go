package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Delivery path metrics
	eventsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_dispatched_total",
			Help: "Total number of domain events dispatched through the bridge",
		},
		[]string{"type"},
	)

	eventsCoalescedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_events_coalesced_total",
			Help: "Total number of events collapsed into a pending debounce entry",
		},
	)

	tenantQueueDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_tenant_queue_dropped_total",
			Help: "Total number of events dropped from tenant queues (oldest-first)",
		},
	)

	clientBufferDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_client_buffer_dropped_total",
			Help: "Total number of events dropped at full per-connection buffers",
		},
	)

	batchesFlushedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_batches_flushed_total",
			Help: "Total number of buffer flushes by emission kind",
		},
		[]string{"kind"}, // "single" or "batch"
	)

	// Replay metrics
	replaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_replays_total",
			Help: "Total number of replay requests by outcome",
		},
		[]string{"status"},
	)

	replayedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_replayed_events_total",
			Help: "Total number of events redelivered from the tenant log",
		},
	)

	// Ingest metrics
	eventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_ingested_total",
			Help: "Total number of domain events accepted into the tenant log",
		},
		[]string{"type"},
	)

	ingestRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ingest_rejected_total",
			Help: "Total number of broker deliveries rejected before append",
		},
		[]string{"reason"},
	)

	// Connection metrics
	activeSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_subscribers",
			Help: "Number of live client connections attached to the bridge",
		},
	)

	activeTenants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_tenants",
			Help: "Number of tenants with at least one live subscriber",
		},
	)
)

func EventDispatched(eventType string) {
	eventsDispatchedTotal.WithLabelValues(eventType).Inc()
}

func EventCoalesced() {
	eventsCoalescedTotal.Inc()
}

func TenantQueueDropped(n int) {
	tenantQueueDroppedTotal.Add(float64(n))
}

func ClientBufferDropped() {
	clientBufferDroppedTotal.Inc()
}

func BatchFlushed(kind string) {
	batchesFlushedTotal.WithLabelValues(kind).Inc()
}

func ReplayFinished(status string) {
	replaysTotal.WithLabelValues(status).Inc()
}

func EventReplayed() {
	replayedEventsTotal.Inc()
}

func EventIngested(eventType string) {
	eventsIngestedTotal.WithLabelValues(eventType).Inc()
}

func IngestRejected(reason string) {
	ingestRejectedTotal.WithLabelValues(reason).Inc()
}

func SubscriberAttached() {
	activeSubscribers.Inc()
}

func SubscriberDetached() {
	activeSubscribers.Dec()
}

func TenantCreated() {
	activeTenants.Inc()
}

func TenantDestroyed() {
	activeTenants.Dec()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
