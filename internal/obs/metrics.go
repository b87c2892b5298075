package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the pipeline updates. One
// instance per process, registered against the default registry.
type Metrics struct {
	EventsIngested   *prometheus.CounterVec // kind: liquidation|trade
	IngestRejected   *prometheus.CounterVec // reason
	BufferDrops      *prometheus.CounterVec // kind, reason: cap|ordering
	CandidatesTotal  *prometheus.CounterVec // producer
	SignalsDelivered *prometheus.CounterVec // priority
	ValidatorDrops   *prometheus.CounterVec // reason
	ContextVerdicts  *prometheus.CounterVec // assessment
	Outcomes         *prometheus.CounterVec // label
	DeliveryFailures prometheus.Counter
	PendingOutcomes  prometheus.Gauge
	FeedConnected    prometheus.Gauge
}

// NewMetrics registers and returns the pipeline's collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_events_ingested_total",
			Help: "Normalised events accepted into the buffers.",
		}, []string{"kind"}),
		IngestRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_ingest_rejected_total",
			Help: "Frames rejected at the normalisation seam.",
		}, []string{"reason"}),
		BufferDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_buffer_drops_total",
			Help: "Buffer entries dropped on cap eviction or ordering.",
		}, []string{"kind", "reason"}),
		CandidatesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_candidates_total",
			Help: "Candidates emitted per analyzer.",
		}, []string{"producer"}),
		SignalsDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_signals_delivered_total",
			Help: "Signals that cleared every gate.",
		}, []string{"priority"}),
		ValidatorDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_validator_drops_total",
			Help: "Signals refused by the anti-spam validator.",
		}, []string{"reason"}),
		ContextVerdicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_context_verdicts_total",
			Help: "Market-context assessments applied to signals.",
		}, []string{"assessment"}),
		Outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_outcomes_total",
			Help: "Outcome labels at the horizon check.",
		}, []string{"label"}),
		DeliveryFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_delivery_failures_total",
			Help: "Messaging deliveries that exhausted their retries.",
		}),
		PendingOutcomes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_pending_outcomes",
			Help: "Signals awaiting their horizon check.",
		}),
		FeedConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_feed_connected",
			Help: "1 while the upstream feed connection is healthy.",
		}),
	}
}
