// Package metrics provides Prometheus instrumentation for the ingestion and
// retrieval pipelines.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector registers and exposes all pipeline metrics.
type Collector struct {
	chunksIngested      prometheus.Counter
	embeddingsGenerated prometheus.Counter
	entitiesExtracted   prometheus.Counter
	batchesFailed       prometheus.Counter

	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	searchDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector and registers its metrics on reg.
// Passing prometheus.DefaultRegisterer wires the process-global registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	factory := func(name, help string) prometheus.Counter {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help,
		})
		reg.MustRegister(counter)
		return counter
	}

	c.chunksIngested = factory("chunks_ingested_total", "Total chunks written to stores")
	c.embeddingsGenerated = factory("embeddings_generated_total", "Total embedding vectors computed (cache misses)")
	c.entitiesExtracted = factory("entities_extracted_total", "Total entities extracted from chunks")
	c.batchesFailed = factory("batches_failed_total", "Total ingestion batches that failed")

	c.llmRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "llm_requests_total",
		Help: "Total LLM capability calls",
	}, []string{"operation", "status"})
	reg.MustRegister(c.llmRequestsTotal)

	c.llmRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "llm_request_duration_seconds",
		Help:    "LLM capability call duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	reg.MustRegister(c.llmRequestDuration)

	c.cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "cache_hits_total",
		Help: "Cache hits by kind",
	}, []string{"kind"})
	reg.MustRegister(c.cacheHits)

	c.cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "cache_misses_total",
		Help: "Cache misses by kind",
	}, []string{"kind"})
	reg.MustRegister(c.cacheMisses)

	c.searchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "search_duration_seconds",
		Help:    "End-to-end search duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"search_type"})
	reg.MustRegister(c.searchDuration)

	return c
}

func (c *Collector) AddChunksIngested(n int)      { c.chunksIngested.Add(float64(n)) }
func (c *Collector) AddEmbeddingsGenerated(n int) { c.embeddingsGenerated.Add(float64(n)) }
func (c *Collector) AddEntitiesExtracted(n int)   { c.entitiesExtracted.Add(float64(n)) }
func (c *Collector) IncBatchesFailed()            { c.batchesFailed.Inc() }

// RecordLLMRequest records one LLM call with its outcome and duration.
func (c *Collector) RecordLLMRequest(operation, status string, duration time.Duration) {
	c.llmRequestsTotal.WithLabelValues(operation, status).Inc()
	c.llmRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) IncCacheHit(kind string)  { c.cacheHits.WithLabelValues(kind).Inc() }
func (c *Collector) IncCacheMiss(kind string) { c.cacheMisses.WithLabelValues(kind).Inc() }

// RecordSearch records a completed search by type ("vector" or "hybrid").
func (c *Collector) RecordSearch(searchType string, duration time.Duration) {
	c.searchDuration.WithLabelValues(searchType).Observe(duration.Seconds())
}
