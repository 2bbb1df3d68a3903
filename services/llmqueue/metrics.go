package llmqueue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conduit",
			Subsystem: "queue",
			Name:      "pending_requests",
			Help:      "Requests waiting to be dequeued",
		},
	)

	queueProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conduit",
			Subsystem: "queue",
			Name:      "processing_requests",
			Help:      "Requests currently being processed",
		},
	)

	requestsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conduit",
			Subsystem: "queue",
			Name:      "requests_settled_total",
			Help:      "Requests reaching a terminal state",
		},
		[]string{"task", "state"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conduit",
			Subsystem: "queue",
			Name:      "processing_duration_seconds",
			Help:      "Time from dequeue to terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"task"},
	)

	providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conduit",
			Subsystem: "router",
			Name:      "provider_calls_total",
			Help:      "Provider calls by outcome (success or error kind)",
		},
		[]string{"provider", "task", "outcome"},
	)

	providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conduit",
			Subsystem: "router",
			Name:      "provider_call_duration_seconds",
			Help:      "Duration of provider calls in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "task"},
	)

	providerSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conduit",
			Subsystem: "router",
			Name:      "provider_skips_total",
			Help:      "Providers skipped because they were cooling down",
		},
		[]string{"provider"},
	)

	unclassifiedErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conduit",
			Subsystem: "router",
			Name:      "unclassified_errors_total",
			Help:      "Provider errors that carried no error kind",
		},
		[]string{"provider"},
	)

	providerCooling = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "conduit",
			Subsystem: "health",
			Name:      "provider_cooling_down",
			Help:      "1 while a provider is cooling down",
		},
		[]string{"provider"},
	)

	budgetOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conduit",
			Subsystem: "budget",
			Name:      "decisions_total",
			Help:      "Token budget decisions (ok, truncated, rejected)",
		},
		[]string{"task", "decision"},
	)
)

func init() {
	prometheus.MustRegister(
		queueDepth,
		queueProcessing,
		requestsSettled,
		requestDuration,
		providerCalls,
		providerLatency,
		providerSkips,
		unclassifiedErrors,
		providerCooling,
		budgetOutcomes,
	)
}

// observeHealth keeps the cooling gauge in step with the registry.
func observeHealth(h ProviderHealth) {
	v := 0.0
	if h.State == HealthCoolingDown {
		v = 1
	}
	providerCooling.WithLabelValues(h.ProviderID).Set(v)
}
