package rag

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lexgraph/lexrag/internal/cache"
	"github.com/lexgraph/lexrag/llm"
)

// EmbedderConfig configures the caching embedding adapter.
type EmbedderConfig struct {
	Model     string `yaml:"model" json:"model"`
	Dimension int    `yaml:"dimension" json:"dimension"`

	// BatchSize caps how many texts go into one upstream call.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// MaxConcurrentBatches bounds concurrent upstream calls in EmbedBatch.
	MaxConcurrentBatches int `yaml:"max_concurrent_batches" json:"max_concurrent_batches"`

	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// DefaultEmbedderConfig returns production defaults for
// text-embedding-3-large.
func DefaultEmbedderConfig() EmbedderConfig {
	return EmbedderConfig{
		Model:                "text-embedding-3-large",
		Dimension:            3072,
		BatchSize:            100,
		MaxConcurrentBatches: 10,
		CacheTTL:             3 * 24 * time.Hour,
	}
}

// Embedder wraps the embedding capability with a content-addressed cache
// keyed by (model, text). The cache is advisory; a miss or failure only costs
// an upstream call.
type Embedder struct {
	provider llm.EmbeddingProvider
	cache    Cache
	config   EmbedderConfig
	metrics  Metrics
	logger   *zap.Logger
}

// NewEmbedder creates the adapter. cache may be nil (always-miss), metrics
// may be nil.
func NewEmbedder(provider llm.EmbeddingProvider, c Cache, config EmbedderConfig, m Metrics, logger *zap.Logger) *Embedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = NopMetrics{}
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.MaxConcurrentBatches <= 0 {
		config.MaxConcurrentBatches = 10
	}
	return &Embedder{
		provider: provider,
		cache:    c,
		config:   config,
		metrics:  m,
		logger:   logger.With(zap.String("component", "embedder")),
	}
}

// Dimension returns the fixed vector dimension of the configured model.
func (e *Embedder) Dimension() int { return e.config.Dimension }

func (e *Embedder) cacheKey(text string) string {
	return cache.Key("embedding", e.config.Model, text)
}

// Embed returns the vector for a single text, consulting the cache first.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if e.cache != nil {
		var cached []float64
		if e.cache.GetJSON(ctx, e.cacheKey(text), &cached) {
			e.metrics.IncCacheHit("embedding")
			return cached, nil
		}
		e.metrics.IncCacheMiss("embedding")
	}

	vectors, err := e.provider.Embed(ctx, e.config.Model, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	e.metrics.AddEmbeddingsGenerated(1)

	if e.cache != nil {
		e.cache.SetJSON(ctx, e.cacheKey(text), vectors[0], e.config.CacheTTL)
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per input text, order preserved. Cached texts
// skip the upstream call; misses are sub-batched and issued concurrently.
// Any upstream failure fails the whole call: callers depend on positional
// alignment between texts and vectors, so partial results are never returned.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float64, len(texts))
	var missIndices []int

	if e.cache != nil {
		for i, text := range texts {
			var cached []float64
			if e.cache.GetJSON(ctx, e.cacheKey(text), &cached) {
				e.metrics.IncCacheHit("embedding")
				vectors[i] = cached
			} else {
				e.metrics.IncCacheMiss("embedding")
				missIndices = append(missIndices, i)
			}
		}
	} else {
		missIndices = make([]int, len(texts))
		for i := range texts {
			missIndices[i] = i
		}
	}

	if len(missIndices) == 0 {
		return vectors, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaxConcurrentBatches)

	for start := 0; start < len(missIndices); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(missIndices) {
			end = len(missIndices)
		}
		indices := missIndices[start:end]

		g.Go(func() error {
			batch := make([]string, len(indices))
			for i, idx := range indices {
				batch[i] = texts[idx]
			}

			result, err := e.provider.Embed(gctx, e.config.Model, batch)
			if err != nil {
				return fmt.Errorf("embed batch of %d: %w", len(batch), err)
			}

			// Sub-batches own disjoint index sets; no locking needed.
			for i, idx := range indices {
				vectors[idx] = result[i]
				if e.cache != nil {
					e.cache.SetJSON(gctx, e.cacheKey(texts[idx]), result[i], e.config.CacheTTL)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.metrics.AddEmbeddingsGenerated(len(missIndices))
	e.logger.Debug("batch embedded",
		zap.Int("texts", len(texts)),
		zap.Int("cache_hits", len(texts)-len(missIndices)),
		zap.Int("computed", len(missIndices)))

	return vectors, nil
}
