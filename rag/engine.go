package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lexgraph/lexrag/internal/cache"
	"github.com/lexgraph/lexrag/llm"
)

const answerSystemPrompt = "You are a helpful assistant that answers questions based on provided context."

const answerUserPrompt = `Based on the following context, answer the question.

Context:
%s

Question: %s

Provide a comprehensive answer based on the context. If the context doesn't contain enough information, say so.`

// keywordScoreScale normalizes unbounded BM25 relevance scores into [0,1].
const keywordScoreScale = 10.0

// SearchOptions are the caller-controlled retrieval knobs. The zero value is
// not useful; start from the engine config defaults.
type SearchOptions struct {
	TopK          int     `json:"top_k"`
	MaxDepth      int     `json:"max_depth"`
	UseHybrid     bool    `json:"use_hybrid"`
	VectorWeight  float64 `json:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight"`
}

// EngineConfig configures the retrieval engine.
type EngineConfig struct {
	Model         string        `yaml:"model" json:"model"`
	TopK          int           `yaml:"top_k" json:"top_k"`
	MaxDepth      int           `yaml:"max_depth" json:"max_depth"`
	UseHybrid     bool          `yaml:"use_hybrid" json:"use_hybrid"`
	VectorWeight  float64       `yaml:"vector_weight" json:"vector_weight"`
	KeywordWeight float64       `yaml:"keyword_weight" json:"keyword_weight"`
	CacheTTL      time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Model:         "gpt-4.1",
		TopK:          5,
		MaxDepth:      2,
		UseHybrid:     true,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
		CacheTTL:      time.Hour,
	}
}

// FusedChunk is a retrieval candidate after score fusion. The per-source
// scores are always present; a source that did not return the chunk
// contributes 0.0, never an absent field.
type FusedChunk struct {
	Chunk
	VectorScore   float64 `json:"vector_score"`
	KeywordScore  float64 `json:"keyword_score"`
	CombinedScore float64 `json:"combined_score"`
}

// SearchResult is the full answer to one retrieval call. Context is kept for
// auditability and travels through the result cache with everything else.
type SearchResult struct {
	Answer        string        `json:"answer"`
	ChunksUsed    int           `json:"chunks_used"`
	EntitiesFound int           `json:"entities_found"`
	Context       string        `json:"context"`
	SearchType    string        `json:"search_type"` // "vector" or "hybrid"
	Chunks        []FusedChunk  `json:"chunks,omitempty"`
	Entities      []GraphEntity `json:"entities,omitempty"`
}

// Engine answers natural-language queries: hybrid vector+keyword retrieval,
// graph expansion around the selected chunks, then LLM answer synthesis over
// the assembled context.
type Engine struct {
	embedder *Embedder
	provider llm.CompletionProvider
	vector   VectorStore
	keyword  KeywordStore
	graph    GraphStore
	cache    Cache
	config   EngineConfig
	metrics  Metrics
	logger   *zap.Logger
}

// NewEngine wires the retrieval engine. cache and metrics may be nil.
func NewEngine(
	embedder *Embedder,
	provider llm.CompletionProvider,
	vector VectorStore,
	keyword KeywordStore,
	graph GraphStore,
	c Cache,
	config EngineConfig,
	m Metrics,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = NopMetrics{}
	}
	if config.TopK <= 0 {
		config.TopK = 5
	}
	if config.MaxDepth <= 0 {
		config.MaxDepth = 2
	}
	if config.Model == "" {
		config.Model = "gpt-4.1"
	}
	return &Engine{
		embedder: embedder,
		provider: provider,
		vector:   vector,
		keyword:  keyword,
		graph:    graph,
		cache:    c,
		config:   config,
		metrics:  m,
		logger:   logger.With(zap.String("component", "engine")),
	}
}

// Options returns the engine's configured defaults as SearchOptions.
func (e *Engine) Options() SearchOptions {
	return SearchOptions{
		TopK:          e.config.TopK,
		MaxDepth:      e.config.MaxDepth,
		UseHybrid:     e.config.UseHybrid,
		VectorWeight:  e.config.VectorWeight,
		KeywordWeight: e.config.KeywordWeight,
	}
}

// Search runs the engine's default options.
func (e *Engine) Search(ctx context.Context, query string) (*SearchResult, error) {
	return e.SearchWith(ctx, query, e.Options())
}

// SearchWith answers query under explicit options. Results are cached keyed
// over the query and every option that affects ranking.
func (e *Engine) SearchWith(ctx context.Context, query string, opts SearchOptions) (*SearchResult, error) {
	if opts.TopK <= 0 {
		opts.TopK = e.config.TopK
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = e.config.MaxDepth
	}

	searchType := "vector"
	if opts.UseHybrid {
		searchType = "hybrid"
	}

	key := cache.Key("search", query, opts.TopK, opts.MaxDepth, opts.UseHybrid, opts.VectorWeight, opts.KeywordWeight)
	if e.cache != nil {
		var cached SearchResult
		if e.cache.GetJSON(ctx, key, &cached) {
			e.metrics.IncCacheHit("search")
			return &cached, nil
		}
		e.metrics.IncCacheMiss("search")
	}

	start := time.Now()

	queryVector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Over-fetch so fusion has room to re-rank.
	fetchK := 2 * opts.TopK

	vectorHits, err := e.vector.Search(ctx, queryVector, fetchK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	var fused []FusedChunk
	if opts.UseHybrid {
		keywordHits, err := e.keyword.Search(ctx, query, fetchK)
		if err != nil {
			return nil, fmt.Errorf("keyword search: %w", err)
		}
		fused = fuseCandidates(vectorHits, keywordHits, opts.VectorWeight, opts.KeywordWeight)
	} else {
		fused = make([]FusedChunk, 0, len(vectorHits))
		for _, hit := range vectorHits {
			fused = append(fused, FusedChunk{
				Chunk:         hit.Chunk,
				VectorScore:   hit.Score,
				CombinedScore: hit.Score,
			})
		}
	}
	if len(fused) > opts.TopK {
		fused = fused[:opts.TopK]
	}

	chunkIDs := make([]string, len(fused))
	for i, chunk := range fused {
		chunkIDs[i] = chunk.ChunkID
	}

	entities, err := e.graph.EntitiesFromChunks(ctx, chunkIDs, opts.MaxDepth)
	if err != nil {
		return nil, fmt.Errorf("graph expansion: %w", err)
	}

	contextBlock := buildContext(fused, entities)

	answer, err := e.generateAnswer(ctx, query, contextBlock)
	if err != nil {
		return nil, err
	}

	result := &SearchResult{
		Answer:        answer,
		ChunksUsed:    len(fused),
		EntitiesFound: len(entities),
		Context:       contextBlock,
		SearchType:    searchType,
		Chunks:        fused,
		Entities:      entities,
	}

	if e.cache != nil {
		e.cache.SetJSON(ctx, key, result, e.config.CacheTTL)
	}
	e.metrics.RecordSearch(searchType, time.Since(start))

	e.logger.Info("search completed",
		zap.String("search_type", searchType),
		zap.Int("chunks_used", result.ChunksUsed),
		zap.Int("entities_found", result.EntitiesFound),
		zap.Duration("elapsed", time.Since(start)))

	return result, nil
}

// fuseCandidates merges the two candidate sets by chunk_id, vector hits
// first, and ranks by the weighted sum of normalized scores. The sort is
// stable, so tied chunks keep their insertion order.
func fuseCandidates(vectorHits, keywordHits []ScoredChunk, vectorWeight, keywordWeight float64) []FusedChunk {
	index := make(map[string]int, len(vectorHits)+len(keywordHits))
	fused := make([]FusedChunk, 0, len(vectorHits)+len(keywordHits))

	for _, hit := range vectorHits {
		index[hit.ChunkID] = len(fused)
		fused = append(fused, FusedChunk{
			Chunk:       hit.Chunk,
			VectorScore: normalizeVectorScore(hit.Score),
		})
	}
	for _, hit := range keywordHits {
		score := normalizeKeywordScore(hit.Score)
		if i, ok := index[hit.ChunkID]; ok {
			fused[i].KeywordScore = score
			continue
		}
		index[hit.ChunkID] = len(fused)
		fused = append(fused, FusedChunk{
			Chunk:        hit.Chunk,
			KeywordScore: score,
		})
	}

	for i := range fused {
		fused[i].CombinedScore = fused[i].VectorScore*vectorWeight + fused[i].KeywordScore*keywordWeight
	}

	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].CombinedScore > fused[j].CombinedScore
	})
	return fused
}

// normalizeVectorScore maps cosine similarity from [-1,1] into [0,1].
func normalizeVectorScore(s float64) float64 {
	return (s + 1) / 2
}

// normalizeKeywordScore maps an unbounded relevance score into [0,1].
func normalizeKeywordScore(s float64) float64 {
	s /= keywordScoreScale
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// sortScoredDesc stably sorts raw store results by score descending.
func sortScoredDesc(chunks []ScoredChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Score > chunks[j].Score
	})
}

// buildContext renders the deterministic context block handed to the LLM:
// the selected chunks with their fused scores, then up to ten entities with
// their labels and public properties.
func buildContext(chunks []FusedChunk, entities []GraphEntity) string {
	var parts []string

	parts = append(parts, "=== Relevant Text Chunks ===")
	for i, chunk := range chunks {
		parts = append(parts, fmt.Sprintf("\nChunk %d (score: %.3f):", i+1, chunk.CombinedScore))
		parts = append(parts, chunk.Text)
	}

	if len(entities) > 0 {
		parts = append(parts, "\n\n=== Related Entities ===")
		limit := len(entities)
		if limit > 10 {
			limit = 10
		}
		for _, entity := range entities[:limit] {
			info := fmt.Sprintf("\n%s (%s):", entity.Name, strings.Join(entity.Labels, ", "))
			if extra := publicProperties(entity.Properties); extra != "" {
				info += " " + extra
			}
			parts = append(parts, info)
		}
	}

	return strings.Join(parts, "\n")
}

// publicProperties renders an entity's properties minus name and internal
// (double-underscore) keys, in sorted key order for determinism.
func publicProperties(props map[string]any) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		if k == "name" || strings.HasPrefix(k, "__") {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, props[k]))
	}
	return strings.Join(pairs, ", ")
}

func (e *Engine) generateAnswer(ctx context.Context, query, contextBlock string) (string, error) {
	resp, err := e.provider.Completion(ctx, &llm.ChatRequest{
		Model: e.config.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: answerSystemPrompt},
			{Role: llm.RoleUser, Content: fmt.Sprintf(answerUserPrompt, contextBlock, query)},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("answer synthesis: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "No answer generated", nil
	}
	return resp.Content, nil
}
