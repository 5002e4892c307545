package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ask pipeline metrics
	AsksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_asks_total",
			Help: "Total number of /ask requests",
		},
		[]string{"outcome"},
	)

	AskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbiter_ask_duration_seconds",
			Help:    "End-to-end /ask latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	AnswerVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_answer_verifications_total",
			Help: "Citation verification outcomes",
		},
		[]string{"pass", "result"},
	)

	ConflictsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_conflicts_detected_total",
			Help: "Total number of rule conflicts flagged between top candidates",
		},
	)

	OverrideEdgesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_override_edges_total",
			Help: "Total number of override edges written by the supersession detector",
		},
	)

	// Retrieval metrics
	RetrievalSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_retrieval_searches_total",
			Help: "Total number of hybrid retrieval runs",
		},
		[]string{"status"},
	)

	RetrievalLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbiter_retrieval_latency_seconds",
			Help:    "Hybrid retrieval latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Ingestion metrics
	IngestJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_ingest_jobs_total",
			Help: "Ingestion jobs by terminal state",
		},
		[]string{"state"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbiter_ingest_duration_seconds",
			Help:    "Ingestion job duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	ChunksPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_chunks_persisted_total",
			Help: "Total number of chunks written by ingestion",
		},
	)

	OCRPages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_ocr_pages_total",
			Help: "Total number of pages sent through OCR",
		},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbiter_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_llm_requests_total",
			Help: "Total number of chat completion requests",
		},
		[]string{"model", "purpose", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbiter_llm_latency_seconds",
			Help:    "Chat completion latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"model"},
	)

	LLMCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbiter_llm_cost_usd",
			Help:    "Cost in USD per model call",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
		},
	)

	// Cache metrics
	AnswerCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_answer_cache_hits_total",
			Help: "Total number of answer cache hits",
		},
	)

	AnswerCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_answer_cache_misses_total",
			Help: "Total number of answer cache misses",
		},
	)

	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_embedding_cache_hits_total",
			Help: "Embedding cache hits by tier",
		},
		[]string{"tier"},
	)

	// Gate metrics
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_rate_limit_rejections_total",
			Help: "Requests rejected by the sliding-window rate limiter",
		},
		[]string{"endpoint", "kind"},
	)

	BudgetRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_budget_rejections_total",
			Help: "Requests rejected by the daily budget gate",
		},
	)

	// Queue metrics
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"kind"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_queue_depth",
			Help: "Current depth of the ingestion queue",
		},
	)

	SSEStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_sse_streams_active",
			Help: "Number of open progress event streams",
		},
	)

	// Pricing fallback metrics
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_pricing_fallback_total",
			Help: "Total number of pricing fallbacks (missing/unknown model)",
		},
		[]string{"reason"},
	)
)

// RecordEmbeddingMetrics records embedding request metrics.
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordLLMMetrics records chat completion metrics.
func RecordLLMMetrics(model, purpose, status string, durationSeconds, costUSD float64) {
	LLMRequests.WithLabelValues(model, purpose, status).Inc()
	if durationSeconds > 0 {
		LLMLatency.WithLabelValues(model).Observe(durationSeconds)
	}
	if costUSD > 0 {
		LLMCostUSD.Observe(costUSD)
	}
}
