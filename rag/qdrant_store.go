package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QdrantConfig configures the Qdrant-backed VectorStore.
//
// Qdrant point IDs must be UUIDs or integers, so a stable UUID is derived
// from each chunk ID. Chunk fields travel in the point payload.
type QdrantConfig struct {
	Host       string        `yaml:"host" json:"host"`
	Port       int           `yaml:"port" json:"port"`
	BaseURL    string        `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKey     string        `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Collection string        `yaml:"collection" json:"collection"`
	VectorSize int           `yaml:"vector_size" json:"vector_size"`
	Distance   string        `yaml:"distance,omitempty" json:"distance,omitempty"` // Cosine (default), Dot, Euclid
	Timeout    time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// DefaultQdrantConfig returns localhost defaults for text-embedding-3-large
// vectors.
func DefaultQdrantConfig() QdrantConfig {
	return QdrantConfig{
		Host:       "localhost",
		Port:       6333,
		Collection: "legal_chunks",
		VectorSize: 3072,
		Distance:   "Cosine",
		Timeout:    30 * time.Second,
	}
}

// QdrantStore implements VectorStore over Qdrant's REST API.
type QdrantStore struct {
	cfg QdrantConfig

	baseURL string
	client  *http.Client
	logger  *zap.Logger

	ensureMu   sync.Mutex
	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantStore creates the store. The collection is created lazily on
// first write.
func NewQdrantStore(cfg QdrantConfig, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Distance == "" {
		cfg.Distance = "Cosine"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}

	return &QdrantStore{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "qdrant_store")),
	}
}

var qdrantNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// qdrantPointID derives a stable UUID from a chunk ID so re-ingesting the
// same document overwrites points instead of duplicating them.
func qdrantPointID(chunkID string) string {
	return uuid.NewSHA1(qdrantNamespace, []byte(chunkID)).String()
}

func (s *QdrantStore) ensureCollection(ctx context.Context, vectorSize int) error {
	if strings.TrimSpace(s.cfg.Collection) == "" {
		return fmt.Errorf("qdrant collection is required")
	}
	if vectorSize <= 0 {
		return fmt.Errorf("qdrant vector size must be > 0")
	}

	s.ensureOnce.Do(func() {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     vectorSize,
				"distance": s.cfg.Distance,
			},
		}

		endpoint := fmt.Sprintf("%s/collections/%s", s.baseURL, url.PathEscape(s.cfg.Collection))
		reqBody, _ := json.Marshal(body)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(reqBody))
		if err != nil {
			s.ensureErr = err
			return
		}
		s.applyHeaders(req)

		resp, err := s.client.Do(req)
		if err != nil {
			s.ensureErr = err
			return
		}
		defer resp.Body.Close()

		// Qdrant returns 409 if the collection already exists.
		if resp.StatusCode == http.StatusConflict {
			return
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(resp.Body)
			s.ensureErr = fmt.Errorf("qdrant create collection failed: status=%d body=%s", resp.StatusCode, string(raw))
			return
		}
	})

	return s.ensureErr
}

// resetEnsure re-arms collection creation after Drop.
func (s *QdrantStore) resetEnsure() {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	s.ensureOnce = sync.Once{}
	s.ensureErr = nil
}

func (s *QdrantStore) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.cfg.APIKey) != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}
}

func (s *QdrantStore) doJSON(ctx context.Context, method, path string, in any, out any) error {
	endpoint := s.baseURL + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant request failed: method=%s path=%s status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float64      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// AddChunks upserts chunks with their embeddings, positionally aligned.
func (s *QdrantStore) AddChunks(ctx context.Context, chunks []Chunk, embeddings [][]float64) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("chunks/embeddings mismatch: %d vs %d", len(chunks), len(embeddings))
	}

	vectorSize := s.cfg.VectorSize
	for i, emb := range embeddings {
		if len(emb) == 0 {
			return fmt.Errorf("chunk[%d] has no embedding", i)
		}
		if vectorSize == 0 {
			vectorSize = len(emb)
		}
		if len(emb) != vectorSize {
			return fmt.Errorf("chunk[%d] embedding dimension mismatch: got=%d want=%d", i, len(emb), vectorSize)
		}
	}

	if err := s.ensureCollection(ctx, vectorSize); err != nil {
		return err
	}

	points := make([]qdrantPoint, 0, len(chunks))
	for i, chunk := range chunks {
		points = append(points, qdrantPoint{
			ID:     qdrantPointID(chunk.ChunkID),
			Vector: embeddings[i],
			Payload: map[string]any{
				"chunk_id":    chunk.ChunkID,
				"document_id": chunk.DocumentID,
				"text":        chunk.Text,
				"chunk_index": chunk.ChunkIndex,
				"start_char":  chunk.StartChar,
				"end_char":    chunk.EndChar,
				"token_count": chunk.TokenCount,
			},
		})
	}

	req := struct {
		Points []qdrantPoint `json:"points"`
	}{Points: points}

	path := fmt.Sprintf("/collections/%s/points?wait=true", url.PathEscape(s.cfg.Collection))
	if err := s.doJSON(ctx, http.MethodPut, path, req, nil); err != nil {
		return err
	}

	s.logger.Debug("qdrant upsert completed", zap.Int("count", len(chunks)))
	return nil
}

// Search returns the topK nearest chunks by cosine similarity. Scores are
// raw Qdrant similarity scores.
func (s *QdrantStore) Search(ctx context.Context, queryEmbedding []float64, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		return []ScoredChunk{}, nil
	}
	if len(queryEmbedding) == 0 {
		return nil, fmt.Errorf("query embedding is required")
	}

	req := struct {
		Vector      []float64 `json:"vector"`
		Limit       int       `json:"limit"`
		WithPayload bool      `json:"with_payload"`
		WithVector  bool      `json:"with_vector"`
	}{
		Vector:      queryEmbedding,
		Limit:       topK,
		WithPayload: true,
	}

	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}

	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(s.cfg.Collection))
	if err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	out := make([]ScoredChunk, 0, len(resp.Result))
	for _, r := range resp.Result {
		out = append(out, ScoredChunk{
			Chunk: chunkFromPayload(r.Payload),
			Score: r.Score,
		})
	}
	return out, nil
}

// Drop deletes the collection; the next write recreates it.
func (s *QdrantStore) Drop(ctx context.Context) error {
	path := fmt.Sprintf("/collections/%s", url.PathEscape(s.cfg.Collection))

	endpoint := s.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant delete collection failed: status=%d body=%s", resp.StatusCode, string(raw))
	}

	s.resetEnsure()
	s.logger.Info("qdrant collection dropped", zap.String("collection", s.cfg.Collection))
	return nil
}

func chunkFromPayload(payload map[string]any) Chunk {
	chunk := Chunk{}
	if payload == nil {
		return chunk
	}
	if v, ok := payload["chunk_id"].(string); ok {
		chunk.ChunkID = v
	}
	if v, ok := payload["document_id"].(string); ok {
		chunk.DocumentID = v
	}
	if v, ok := payload["text"].(string); ok {
		chunk.Text = v
	}
	chunk.ChunkIndex = payloadInt(payload["chunk_index"])
	chunk.StartChar = payloadInt(payload["start_char"])
	chunk.EndChar = payloadInt(payload["end_char"])
	chunk.TokenCount = payloadInt(payload["token_count"])
	return chunk
}

func payloadInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}
