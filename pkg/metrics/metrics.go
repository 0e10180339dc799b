// Package metrics registers and records the Prometheus metrics exposed
// on /metrics. All metrics share the "conclave" namespace.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors for the control plane.
type Metrics struct {
	registry *prometheus.Registry

	llmCalls       *prometheus.CounterVec
	llmLatency     *prometheus.HistogramVec
	costTotal      *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	breakerBlocks  *prometheus.CounterVec
	activeStreams  prometheus.Gauge
	streamChunks   *prometheus.CounterVec
	backpressure   prometheus.Counter
	workflowSteps  *prometheus.CounterVec
	ragLatency     prometheus.Histogram
	ragCacheHits   *prometheus.CounterVec
	turnsTotal     *prometheus.CounterVec
	budgetUsage    *prometheus.GaugeVec
	memoryEntries  prometheus.Gauge
	selectionScore *prometheus.HistogramVec
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{registry: registry}

	m.llmCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conclave",
		Name:      "llm_calls_total",
		Help:      "LLM calls by provider, model and outcome",
	}, []string{"provider", "model", "outcome"})

	m.llmLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conclave",
		Name:      "llm_latency_ms",
		Help:      "LLM call duration in milliseconds",
		Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
	}, []string{"provider", "model"})

	m.costTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conclave",
		Name:      "cost_usd_total",
		Help:      "Accumulated LLM spend in USD",
	}, []string{"provider", "model"})

	m.breakerState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conclave",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"breaker"})

	m.breakerBlocks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conclave",
		Name:      "breaker_blocks_total",
		Help:      "Calls blocked by the circuit breaker, by reason",
	}, []string{"reason"})

	m.activeStreams = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "conclave",
		Name:      "active_streams",
		Help:      "Currently connected streaming clients",
	})

	m.streamChunks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conclave",
		Name:      "stream_chunks_total",
		Help:      "Stream chunks delivered, by outcome",
	}, []string{"outcome"})

	m.backpressure = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "conclave",
		Name:      "stream_backpressure_events_total",
		Help:      "Times a stream buffer crossed its high-water mark",
	})

	m.workflowSteps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conclave",
		Name:      "workflow_steps_total",
		Help:      "Workflow steps executed, by pattern and outcome",
	}, []string{"pattern", "outcome"})

	m.ragLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "conclave",
		Name:      "rag_retrieval_ms",
		Help:      "RAG retrieval duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	m.ragCacheHits = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conclave",
		Name:      "rag_cache_total",
		Help:      "RAG cache lookups, by result (hit or miss)",
	}, []string{"result"})

	m.turnsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conclave",
		Name:      "conversation_turns_total",
		Help:      "Conversation turns executed, by outcome",
	}, []string{"outcome"})

	m.budgetUsage = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conclave",
		Name:      "budget_usage_ratio",
		Help:      "Spend as a fraction of the configured limit, by scope",
	}, []string{"scope"})

	m.memoryEntries = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "conclave",
		Name:      "memory_entries",
		Help:      "Memory entries currently stored",
	})

	m.selectionScore = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conclave",
		Name:      "speaker_selection_score",
		Help:      "Composite score of the selected speaker",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"tier"})

	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordLLMCall(provider, model, outcome string, latency time.Duration) {
	m.llmCalls.WithLabelValues(provider, model, outcome).Inc()
	m.llmLatency.WithLabelValues(provider, model).Observe(float64(latency.Milliseconds()))
}

func (m *Metrics) AddCost(provider, model string, usd float64) {
	m.costTotal.WithLabelValues(provider, model).Add(usd)
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	m.breakerState.WithLabelValues(name).Set(state)
}

func (m *Metrics) RecordBreakerBlock(reason string) {
	m.breakerBlocks.WithLabelValues(reason).Inc()
}

func (m *Metrics) StreamConnected()    { m.activeStreams.Inc() }
func (m *Metrics) StreamDisconnected() { m.activeStreams.Dec() }

func (m *Metrics) RecordStreamChunk(outcome string) {
	m.streamChunks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordBackpressure() { m.backpressure.Inc() }

func (m *Metrics) RecordWorkflowStep(pattern, outcome string) {
	m.workflowSteps.WithLabelValues(pattern, outcome).Inc()
}

func (m *Metrics) RecordRAGRetrieval(latency time.Duration, cacheHit bool) {
	m.ragLatency.Observe(float64(latency.Milliseconds()))
	result := "miss"
	if cacheHit {
		result = "hit"
	}
	m.ragCacheHits.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordTurn(outcome string) {
	m.turnsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetBudgetUsage(scope string, ratio float64) {
	m.budgetUsage.WithLabelValues(scope).Set(ratio)
}

func (m *Metrics) SetMemoryEntries(n int) {
	m.memoryEntries.Set(float64(n))
}

func (m *Metrics) RecordSelection(tier string, score float64) {
	m.selectionScore.WithLabelValues(tier).Observe(score)
}
