package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/support-agent/backend/pkg/circuitbreaker"
)

var (
	PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "support_agent_pipeline_duration_seconds",
			Help:    "Ticket pipeline duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	StageOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_agent_stage_outcomes_total",
			Help: "Pipeline stage outcomes by stage",
		},
		[]string{"stage", "outcome"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "support_agent_stage_duration_seconds",
			Help:    "Per-stage processing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	TicketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_agent_tickets_total",
			Help: "Total tickets processed",
		},
		[]string{"status"},
	)

	RetrievalResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "support_agent_retrieval_results_count",
			Help:    "Number of knowledge matches per ticket",
			Buckets: []float64{0, 1, 2, 4, 8, 16},
		},
	)

	LowConfidenceTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "support_agent_low_confidence_total",
			Help: "Extractions flagged as low confidence",
		},
	)

	DocumentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_agent_documents_ingested_total",
			Help: "Knowledge documents ingested",
		},
		[]string{"format"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_agent_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_agent_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "support_agent_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

func Init() {
	prometheus.MustRegister(PipelineDuration)
	prometheus.MustRegister(StageOutcomes)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(TicketsTotal)
	prometheus.MustRegister(RetrievalResultsCount)
	prometheus.MustRegister(LowConfidenceTotal)
	prometheus.MustRegister(DocumentsIngested)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(CircuitState)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// ObserveCircuit is a circuitbreaker OnStateChange hook.
func ObserveCircuit(name string, _, to circuitbreaker.State) {
	CircuitState.WithLabelValues(name).Set(float64(to))
}
