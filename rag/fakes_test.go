package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lexgraph/lexrag/llm"
)

// memCache is an in-memory Cache for tests.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}}
}

func (m *memCache) GetJSON(_ context.Context, key string, dest any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dest) == nil
}

func (m *memCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = raw
}

// stubEmbeddings returns deterministic vectors derived from text length and
// counts upstream calls.
type stubEmbeddings struct {
	calls atomic.Int64
	texts atomic.Int64
	dim   int
	err   error
}

func (s *stubEmbeddings) Embed(_ context.Context, _ string, texts []string) ([][]float64, error) {
	s.calls.Add(1)
	s.texts.Add(int64(len(texts)))
	if s.err != nil {
		return nil, s.err
	}
	dim := s.dim
	if dim == 0 {
		dim = 4
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec := make([]float64, dim)
		for j := range vec {
			vec[j] = float64(len(text)%7) + float64(j)
		}
		out[i] = vec
	}
	return out, nil
}

// stubCompletions returns a canned content string, or per-call content via fn.
type stubCompletions struct {
	calls   atomic.Int64
	content string
	fn      func(req *llm.ChatRequest) string
	err     error
}

func (s *stubCompletions) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	content := s.content
	if s.fn != nil {
		content = s.fn(req)
	}
	return &llm.ChatResponse{Model: req.Model, Content: content}, nil
}

// memory stores implementing the three store capabilities for builder and
// engine tests.

type memVectorStore struct {
	mu         sync.Mutex
	chunks     map[string]Chunk
	embeddings map[string][]float64
	scores     map[string]float64 // fixed scores returned by Search
	searchErr  error
	dropped    atomic.Int64
}

func newMemVectorStore() *memVectorStore {
	return &memVectorStore{
		chunks:     map[string]Chunk{},
		embeddings: map[string][]float64{},
		scores:     map[string]float64{},
	}
}

func (s *memVectorStore) AddChunks(_ context.Context, chunks []Chunk, embeddings [][]float64) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("chunks/embeddings length mismatch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range chunks {
		s.chunks[c.ChunkID] = c
		s.embeddings[c.ChunkID] = embeddings[i]
	}
	return nil
}

func (s *memVectorStore) Search(_ context.Context, _ []float64, topK int) ([]ScoredChunk, error) {
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScoredChunk
	for id, score := range s.scores {
		if c, ok := s.chunks[id]; ok {
			out = append(out, ScoredChunk{Chunk: c, Score: score})
		}
	}
	sortScoredDesc(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *memVectorStore) Drop(context.Context) error {
	s.dropped.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = map[string]Chunk{}
	s.embeddings = map[string][]float64{}
	s.scores = map[string]float64{}
	return nil
}

type memKeywordStore struct {
	mu      sync.Mutex
	chunks  map[string]Chunk
	scores  map[string]float64
	dropped atomic.Int64
}

func newMemKeywordStore() *memKeywordStore {
	return &memKeywordStore{chunks: map[string]Chunk{}, scores: map[string]float64{}}
}

func (s *memKeywordStore) AddChunks(_ context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.chunks[c.ChunkID] = c
	}
	return nil
}

func (s *memKeywordStore) Search(_ context.Context, _ string, topK int) ([]ScoredChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScoredChunk
	for id, score := range s.scores {
		if c, ok := s.chunks[id]; ok {
			out = append(out, ScoredChunk{Chunk: c, Score: score})
		}
	}
	sortScoredDesc(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *memKeywordStore) Drop(context.Context) error {
	s.dropped.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = map[string]Chunk{}
	s.scores = map[string]float64{}
	return nil
}

type memGraphStore struct {
	mu            sync.Mutex
	chunks        map[string]Chunk
	entities      map[string]Entity   // by name
	entityChunks  map[string][]string // name -> chunk ids
	relationships []Relationship
	traversal     []GraphEntity // fixed traversal result
	cleared       atomic.Int64
}

func newMemGraphStore() *memGraphStore {
	return &memGraphStore{
		chunks:       map[string]Chunk{},
		entities:     map[string]Entity{},
		entityChunks: map[string][]string{},
	}
}

func (s *memGraphStore) AddChunk(_ context.Context, chunk Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[chunk.ChunkID] = chunk
	return nil
}

func (s *memGraphStore) AddEntities(_ context.Context, entities []Entity, chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		name := e.Name()
		if name == "" {
			continue
		}
		s.entities[name] = e
		s.entityChunks[name] = append(s.entityChunks[name], chunkID)
	}
	return nil
}

func (s *memGraphStore) AddRelationships(_ context.Context, relationships []Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relationships = append(s.relationships, relationships...)
	return nil
}

func (s *memGraphStore) EntitiesFromChunks(_ context.Context, _ []string, _ int) ([]GraphEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traversal, nil
}

func (s *memGraphStore) Clear(context.Context) error {
	s.cleared.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = map[string]Chunk{}
	s.entities = map[string]Entity{}
	s.entityChunks = map[string][]string{}
	s.relationships = nil
	s.traversal = nil
	return nil
}
