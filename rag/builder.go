package rag

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// batchOffsetStride reserves a disjoint chunk-index range per batch so
// concurrent batches never collide on chunk IDs.
const batchOffsetStride = 10000

// BuilderConfig configures the ingestion orchestrator.
type BuilderConfig struct {
	// MaxConcurrentBatches bounds how many batches ingest concurrently in
	// BuildFromBatches.
	MaxConcurrentBatches int `yaml:"max_concurrent_batches" json:"max_concurrent_batches"`
}

// DefaultBuilderConfig returns production defaults.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{MaxConcurrentBatches: 3}
}

// BuildResult aggregates what one ingestion call wrote.
type BuildResult struct {
	DocumentID             string `json:"document_id"`
	ChunksCreated          int    `json:"chunks_created"`
	EntitiesExtracted      int    `json:"entities_extracted"`
	RelationshipsExtracted int    `json:"relationships_extracted"`
	EmbeddingsGenerated    int    `json:"embeddings_generated"`
	// BatchesProcessed counts batches submitted, including failed ones.
	BatchesProcessed int `json:"batches_processed,omitempty"`
	BatchesFailed    int `json:"batches_failed,omitempty"`
}

func (r *BuildResult) add(other BuildResult) {
	r.ChunksCreated += other.ChunksCreated
	r.EntitiesExtracted += other.EntitiesExtracted
	r.RelationshipsExtracted += other.RelationshipsExtracted
	r.EmbeddingsGenerated += other.EmbeddingsGenerated
}

// Builder orchestrates ingestion: chunk, embed and extract concurrently,
// then fan writes out to the vector, keyword, and graph stores.
type Builder struct {
	chunker   *TextChunker
	embedder  *Embedder
	extractor *Extractor
	vector    VectorStore
	keyword   KeywordStore
	graph     GraphStore
	config    BuilderConfig
	metrics   Metrics
	logger    *zap.Logger
}

// NewBuilder wires the orchestrator. metrics may be nil.
func NewBuilder(
	chunker *TextChunker,
	embedder *Embedder,
	extractor *Extractor,
	vector VectorStore,
	keyword KeywordStore,
	graph GraphStore,
	config BuilderConfig,
	m Metrics,
	logger *zap.Logger,
) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = NopMetrics{}
	}
	if config.MaxConcurrentBatches <= 0 {
		config.MaxConcurrentBatches = 3
	}
	return &Builder{
		chunker:   chunker,
		embedder:  embedder,
		extractor: extractor,
		vector:    vector,
		keyword:   keyword,
		graph:     graph,
		config:    config,
		metrics:   m,
		logger:    logger.With(zap.String("component", "builder")),
	}
}

// BuildFromText ingests a single document synchronously. Any embedding or
// extraction failure fails the whole build. documentID may be empty, in
// which case one is generated.
func (b *Builder) BuildFromText(ctx context.Context, text, documentID string) (BuildResult, error) {
	if documentID == "" {
		documentID = uuid.NewString()
	}

	result, err := b.buildBatch(ctx, text, documentID, 0)
	if err != nil {
		return BuildResult{DocumentID: documentID}, err
	}
	result.DocumentID = documentID

	b.logger.Info("document ingested",
		zap.String("document_id", documentID),
		zap.Int("chunks", result.ChunksCreated),
		zap.Int("entities", result.EntitiesExtracted),
		zap.Int("relationships", result.RelationshipsExtracted))
	return result, nil
}

// BuildFromBatches ingests an ordered sequence of text batches concurrently,
// bounded by MaxConcurrentBatches. Each batch owns a disjoint chunk-index
// range derived from its position, so completion order never affects chunk
// IDs. A failed batch does not abort its siblings; failures are aggregated
// into the returned error and counted in BatchesFailed.
func (b *Builder) BuildFromBatches(ctx context.Context, batches []string, documentID string) (BuildResult, error) {
	if documentID == "" {
		documentID = uuid.NewString()
	}

	total := BuildResult{
		DocumentID:       documentID,
		BatchesProcessed: len(batches),
	}

	var (
		mu        sync.Mutex
		batchErrs = make([]error, len(batches))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.config.MaxConcurrentBatches)

	for i, batch := range batches {
		g.Go(func() error {
			result, err := b.buildBatch(gctx, batch, documentID, i*batchOffsetStride)
			if err != nil {
				b.logger.Error("batch ingestion failed",
					zap.String("document_id", documentID),
					zap.Int("batch_index", i),
					zap.Error(err))
				b.metrics.IncBatchesFailed()
				batchErrs[i] = fmt.Errorf("batch %d: %w", i, err)
				return nil
			}

			mu.Lock()
			total.add(result)
			mu.Unlock()
			return nil
		})
	}

	// Goroutines never return errors; Wait only propagates ctx problems.
	if err := g.Wait(); err != nil {
		return total, err
	}

	for _, err := range batchErrs {
		if err != nil {
			total.BatchesFailed++
		}
	}

	b.logger.Info("batched ingestion finished",
		zap.String("document_id", documentID),
		zap.Int("batches", total.BatchesProcessed),
		zap.Int("batches_failed", total.BatchesFailed),
		zap.Int("chunks", total.ChunksCreated))

	return total, errors.Join(batchErrs...)
}

// buildBatch runs the full pipeline for one batch of text. offset is the
// first chunk index this batch may use.
func (b *Builder) buildBatch(ctx context.Context, text, documentID string, offset int) (BuildResult, error) {
	chunks := b.chunker.ChunkText(text)
	if len(chunks) == 0 {
		return BuildResult{}, nil
	}
	if len(chunks) >= batchOffsetStride {
		// The next batch's offset range starts at offset+stride; chunk IDs
		// past that point collide with it.
		b.logger.Error("batch exceeds reserved chunk-index range",
			zap.String("document_id", documentID),
			zap.Int("chunks", len(chunks)),
			zap.Int("stride", batchOffsetStride))
	}

	texts := make([]string, len(chunks))
	for i := range chunks {
		chunks[i].DocumentID = documentID
		chunks[i].ChunkIndex = offset + i
		chunks[i].ChunkID = fmt.Sprintf("%s_chunk_%d", documentID, offset+i)
		texts[i] = chunks[i].Text
	}

	// Embedding and extraction are independent; run them as a join.
	var (
		embeddings  [][]float64
		extractions []Extraction
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		embeddings, err = b.embedder.EmbedBatch(gctx, texts)
		return err
	})
	g.Go(func() error {
		var err error
		extractions, err = b.extractor.ExtractBatch(gctx, texts)
		return err
	})
	if err := g.Wait(); err != nil {
		return BuildResult{}, err
	}

	if err := b.writeStores(ctx, chunks, embeddings, extractions); err != nil {
		return BuildResult{}, err
	}

	result := BuildResult{
		ChunksCreated:       len(chunks),
		EmbeddingsGenerated: len(embeddings),
	}
	for _, extraction := range extractions {
		result.EntitiesExtracted += len(extraction.Nodes)
		result.RelationshipsExtracted += len(extraction.Relationships)
	}

	b.metrics.AddChunksIngested(len(chunks))
	b.metrics.AddEntitiesExtracted(result.EntitiesExtracted)
	return result, nil
}

// writeStores fans the batch out to all three stores concurrently. Graph
// chunk nodes must exist before entities link to them, so the graph write
// is internally ordered: chunks, then per-chunk entities, then one batched
// relationship pass.
func (b *Builder) writeStores(ctx context.Context, chunks []Chunk, embeddings [][]float64, extractions []Extraction) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := b.vector.AddChunks(gctx, chunks, embeddings); err != nil {
			return fmt.Errorf("vector store: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := b.keyword.AddChunks(gctx, chunks); err != nil {
			return fmt.Errorf("keyword store: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		for _, chunk := range chunks {
			if err := b.graph.AddChunk(gctx, chunk); err != nil {
				return fmt.Errorf("graph chunk %s: %w", chunk.ChunkID, err)
			}
		}

		var relationships []Relationship
		for i, extraction := range extractions {
			if len(extraction.Nodes) > 0 {
				if err := b.graph.AddEntities(gctx, extraction.Nodes, chunks[i].ChunkID); err != nil {
					return fmt.Errorf("graph entities for %s: %w", chunks[i].ChunkID, err)
				}
			}
			relationships = append(relationships, extraction.Relationships...)
		}

		if len(relationships) > 0 {
			if err := b.graph.AddRelationships(gctx, relationships); err != nil {
				return fmt.Errorf("graph relationships: %w", err)
			}
		}
		return nil
	})

	return g.Wait()
}

// ClearAll drops all three stores concurrently. Deletions are independent
// best-effort operations: one store failing does not stop the others, and
// all failures come back joined.
func (b *Builder) ClearAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, 3)

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := b.vector.Drop(ctx); err != nil {
			errs[0] = fmt.Errorf("vector store drop: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := b.keyword.Drop(ctx); err != nil {
			errs[1] = fmt.Errorf("keyword store drop: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := b.graph.Clear(ctx); err != nil {
			errs[2] = fmt.Errorf("graph store clear: %w", err)
		}
	}()
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			b.logger.Warn("store deletion failed", zap.Error(err))
		}
	}
	return errors.Join(errs...)
}
