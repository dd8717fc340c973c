package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
	// OutcomeDropped labels records discarded because telemetry is disabled.
	OutcomeDropped = "dropped"

	// KindEvent and KindMetric partition buffer and flush collectors.
	KindEvent  = "event"
	KindMetric = "metric"
)

var (
	ingestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_telemetry",
			Name:      "ingested_total",
			Help:      "Records accepted by the sink, partitioned by record kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	sampledOutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_telemetry",
			Name:      "sampled_out_total",
			Help:      "Events discarded by sampling before reaching the adapter.",
		},
		[]string{"domain"},
	)

	flushSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mirador_telemetry",
			Name:      "flush_seconds",
			Help:      "Time spent persisting one flushed batch.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"kind"},
	)

	flushBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_telemetry",
			Name:      "flush_batches_total",
			Help:      "Flushed batches, partitioned by record kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	bufferPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mirador_telemetry",
			Name:      "buffer_pending",
			Help:      "Records waiting in the sink buffers.",
		},
		[]string{"kind"},
	)

	componentHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mirador_telemetry",
			Name:      "component_healthy",
			Help:      "1 when the component is healthy, 0 when unhealthy, -1 when unknown.",
		},
		[]string{"component"},
	)

	querySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mirador_telemetry",
			Name:      "query_seconds",
			Help:      "Query service latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"operation"},
	)
)

// Register attaches telemetry pipeline collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		ingestedTotal,
		sampledOutTotal,
		flushSeconds,
		flushBatchesTotal,
		bufferPending,
		componentHealthy,
		querySeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIngest counts one record handed to the sink.
func ObserveIngest(kind, outcome string) {
	ingestedTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveSampledOut counts one event discarded by sampling.
func ObserveSampledOut(domain string) {
	sampledOutTotal.WithLabelValues(domain).Inc()
}

// ObserveFlush records the persistence of one batch.
func ObserveFlush(kind string, duration time.Duration, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	flushBatchesTotal.WithLabelValues(kind, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	flushSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetBufferPending publishes the current buffer depth.
func SetBufferPending(kind string, n int) {
	bufferPending.WithLabelValues(kind).Set(float64(n))
}

// SetComponentHealth publishes a component status: healthy, unhealthy, or unknown.
func SetComponentHealth(component string, healthy, known bool) {
	value := -1.0
	if known {
		value = 0
		if healthy {
			value = 1
		}
	}
	componentHealthy.WithLabelValues(component).Set(value)
}

// ObserveQuery records the latency of a query operation.
func ObserveQuery(operation string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	querySeconds.WithLabelValues(operation).Observe(duration.Seconds())
}
