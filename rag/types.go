// Package rag implements the knowledge-graph RAG pipeline: chunking,
// embedding, entity extraction, the three store adapters, the ingestion
// orchestrator, and the hybrid retrieval engine.
package rag

import (
	"context"
	"time"
)

// Chunk is a bounded, position-tracked slice of a document's text. ChunkID and
// DocumentID are assigned by the orchestrator; a chunk is immutable afterwards.
type Chunk struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
	ChunkIndex int    `json:"chunk_index"`
	StartChar  int    `json:"start_char"`
	EndChar    int    `json:"end_char"`
	TokenCount int    `json:"token_count,omitempty"`
}

// Entity is a graph node extracted from chunk text, deduplicated globally by
// the name property via upsert-merge.
type Entity struct {
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// Name returns the entity's identity key, empty if absent.
func (e Entity) Name() string {
	name, _ := e.Properties["name"].(string)
	return name
}

// Relationship is a directed graph edge between two entity names, upserted by
// (type, source, target).
type Relationship struct {
	Type       string         `json:"type"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Extraction is the validated result of one LLM extraction call.
type Extraction struct {
	Nodes         []Entity       `json:"nodes"`
	Relationships []Relationship `json:"relationships"`
}

// ScoredChunk is a chunk returned by a store search together with that
// store's native relevance score.
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// GraphEntity is an entity returned by graph traversal, including the
// relationship types along the path that reached it.
type GraphEntity struct {
	Name              string         `json:"name"`
	Labels            []string       `json:"labels"`
	Properties        map[string]any `json:"properties"`
	RelationshipTypes []string       `json:"relationship_types,omitempty"`
}

// VectorStore is the dense-retrieval capability.
type VectorStore interface {
	AddChunks(ctx context.Context, chunks []Chunk, embeddings [][]float64) error
	Search(ctx context.Context, vector []float64, topK int) ([]ScoredChunk, error)
	Drop(ctx context.Context) error
}

// KeywordStore is the sparse-retrieval capability.
type KeywordStore interface {
	AddChunks(ctx context.Context, chunks []Chunk) error
	Search(ctx context.Context, query string, topK int) ([]ScoredChunk, error)
	Drop(ctx context.Context) error
}

// GraphStore is the property-graph capability.
type GraphStore interface {
	AddChunk(ctx context.Context, chunk Chunk) error
	AddEntities(ctx context.Context, entities []Entity, chunkID string) error
	AddRelationships(ctx context.Context, relationships []Relationship) error
	EntitiesFromChunks(ctx context.Context, chunkIDs []string, maxDepth int) ([]GraphEntity, error)
	Clear(ctx context.Context) error
}

// Cache is the advisory cache capability. A miss and a failure are
// indistinguishable; neither affects correctness.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) bool
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration)
}

// Metrics is the telemetry handle threaded through the pipeline. Implemented
// by internal/metrics.Collector; NopMetrics satisfies it for tests.
type Metrics interface {
	AddChunksIngested(n int)
	AddEmbeddingsGenerated(n int)
	AddEntitiesExtracted(n int)
	IncBatchesFailed()
	IncCacheHit(kind string)
	IncCacheMiss(kind string)
	RecordSearch(searchType string, duration time.Duration)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) AddChunksIngested(int)                  {}
func (NopMetrics) AddEmbeddingsGenerated(int)             {}
func (NopMetrics) AddEntitiesExtracted(int)               {}
func (NopMetrics) IncBatchesFailed()                      {}
func (NopMetrics) IncCacheHit(string)                     {}
func (NopMetrics) IncCacheMiss(string)                    {}
func (NopMetrics) RecordSearch(string, time.Duration)     {}
