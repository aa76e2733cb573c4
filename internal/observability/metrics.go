package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all lineflow Prometheus metrics.
type Metrics struct {
	ChunksTotal        *prometheus.CounterVec
	LinesTotal         *prometheus.CounterVec
	ChunkDuration      *prometheus.HistogramVec
	CallbackErrors     *prometheus.CounterVec
	OpenStreams        *prometheus.GaugeVec
	DLQTotal           *prometheus.CounterVec
	SinkDeliveryErrors *prometheus.CounterVec
	SinkRetries        *prometheus.CounterVec
	SinkCircuitState   *prometheus.GaugeVec
}

// NewMetrics creates and registers all lineflow metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChunksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lineflow_chunks_total",
			Help: "Input chunks processed, by outcome.",
		}, []string{"flow", "status"}),

		LinesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lineflow_lines_total",
			Help: "Complete lines dispatched to the line callback.",
		}, []string{"flow"}),

		ChunkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lineflow_chunk_duration_seconds",
			Help:    "Time to transform and deliver one input chunk.",
			Buckets: prometheus.DefBuckets,
		}, []string{"flow"}),

		CallbackErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lineflow_callback_errors_total",
			Help: "Chunks dropped because the line callback failed.",
		}, []string{"flow"}),

		OpenStreams: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lineflow_open_streams",
			Help: "Streams with a live line transformer.",
		}, []string{"flow"}),

		DLQTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lineflow_dlq_total",
			Help: "Chunks sent to the dead-letter queue.",
		}, []string{"flow"}),

		SinkDeliveryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lineflow_sink_delivery_errors_total",
			Help: "Sink delivery failures.",
		}, []string{"flow"}),

		SinkRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lineflow_sink_retries_total",
			Help: "Sink delivery retries.",
		}, []string{"flow"}),

		SinkCircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lineflow_sink_circuit_state",
			Help: "Sink circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"flow"}),
	}
}
