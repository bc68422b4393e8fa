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
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// storeState tracks availability of an optional store backend. The only
// transition is Connected -> Disabled; there is no automatic recovery.
type storeState int32

const (
	// StoreConnected means the backend answered the initial ping.
	StoreConnected storeState = iota
	// StoreDisabled means the backend was unreachable; all operations
	// become no-ops.
	StoreDisabled
)

func (s storeState) String() string {
	if s == StoreDisabled {
		return "disabled"
	}
	return "connected"
}

// ElasticConfig configures the Elasticsearch-backed KeywordStore.
type ElasticConfig struct {
	URL      string        `yaml:"url" json:"url"`
	Index    string        `yaml:"index" json:"index"`
	Username string        `yaml:"username,omitempty" json:"username,omitempty"`
	Password string        `yaml:"password,omitempty" json:"password,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// DefaultElasticConfig returns localhost defaults.
func DefaultElasticConfig() ElasticConfig {
	return ElasticConfig{
		URL:     "http://localhost:9200",
		Index:   "legal_chunks",
		Timeout: 30 * time.Second,
	}
}

// ElasticStore implements KeywordStore over the Elasticsearch REST API.
// Keyword search is optional in this system: if the cluster is unreachable
// on first use the store flips to StoreDisabled and every operation becomes
// a no-op, leaving retrieval vector-only.
type ElasticStore struct {
	cfg ElasticConfig

	baseURL string
	client  *http.Client
	logger  *zap.Logger

	state    atomic.Int32
	pingOnce sync.Once

	ensureOnce sync.Once
	ensureErr  error
}

// NewElasticStore creates the store. Connectivity is probed lazily on first
// operation.
func NewElasticStore(cfg ElasticConfig, logger *zap.Logger) *ElasticStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		cfg.URL = "http://localhost:9200"
	}
	if cfg.Index == "" {
		cfg.Index = "legal_chunks"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &ElasticStore{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "elastic_store")),
	}
}

// State reports whether the store is still serving requests.
func (s *ElasticStore) State() storeState {
	return storeState(s.state.Load())
}

// available pings the cluster once; an unreachable cluster disables the
// store for the lifetime of the process.
func (s *ElasticStore) available(ctx context.Context) bool {
	s.pingOnce.Do(func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL, nil)
		if err != nil {
			s.disable(err)
			return
		}
		s.applyAuth(req)
		resp, err := s.client.Do(req)
		if err != nil {
			s.disable(err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			s.disable(fmt.Errorf("elasticsearch ping: status=%d", resp.StatusCode))
		}
	})
	return s.State() == StoreConnected
}

func (s *ElasticStore) disable(err error) {
	s.state.Store(int32(StoreDisabled))
	s.logger.Warn("elasticsearch unavailable, keyword search disabled", zap.Error(err))
}

func (s *ElasticStore) applyAuth(req *http.Request) {
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
}

func (s *ElasticStore) doJSON(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	s.applyAuth(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("elasticsearch request failed: method=%s path=%s status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ensureIndex creates the index with explicit mappings; chunk_id and
// document_id are exact-match keywords, text is analyzed with a raw keyword
// subfield for phrase boosting.
func (s *ElasticStore) ensureIndex(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		mapping := map[string]any{
			"mappings": map[string]any{
				"properties": map[string]any{
					"chunk_id":    map[string]any{"type": "keyword"},
					"document_id": map[string]any{"type": "keyword"},
					"text": map[string]any{
						"type": "text",
						"fields": map[string]any{
							"keyword": map[string]any{"type": "keyword", "ignore_above": 256},
						},
					},
					"chunk_index": map[string]any{"type": "integer"},
					"start_char":  map[string]any{"type": "integer"},
					"end_char":    map[string]any{"type": "integer"},
					"token_count": map[string]any{"type": "integer"},
				},
			},
		}

		err := s.doJSON(ctx, http.MethodPut, "/"+url.PathEscape(s.cfg.Index), mapping, nil)
		if err != nil && strings.Contains(err.Error(), "resource_already_exists_exception") {
			err = nil
		}
		s.ensureErr = err
	})
	return s.ensureErr
}

// AddChunks bulk-indexes chunks keyed by chunk_id and refreshes the index so
// they are searchable immediately. No-op when disabled.
func (s *ElasticStore) AddChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 || !s.available(ctx) {
		return nil
	}
	if err := s.ensureIndex(ctx); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, chunk := range chunks {
		action := map[string]any{
			"index": map[string]any{"_index": s.cfg.Index, "_id": chunk.ChunkID},
		}
		if err := enc.Encode(action); err != nil {
			return err
		}
		if err := enc.Encode(chunk); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/_bulk?refresh=true", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	s.applyAuth(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("elasticsearch bulk index failed: status=%d body=%s", resp.StatusCode, string(raw))
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&bulkResp); err != nil {
		return err
	}
	if bulkResp.Errors {
		return fmt.Errorf("elasticsearch bulk index reported item errors")
	}

	s.logger.Debug("elasticsearch bulk index completed", zap.Int("count", len(chunks)))
	return nil
}

// Search runs a fuzzy multi_match over the text field, boosting the analyzed
// field over the raw keyword. Scores are raw BM25 relevance scores. Returns
// empty results when disabled.
func (s *ElasticStore) Search(ctx context.Context, query string, topK int) ([]ScoredChunk, error) {
	if topK <= 0 || !s.available(ctx) {
		return []ScoredChunk{}, nil
	}

	body := map[string]any{
		"size": topK,
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":     query,
				"fields":    []string{"text^2", "text.keyword"},
				"type":      "best_fields",
				"fuzziness": "AUTO",
			},
		},
	}

	var resp struct {
		Hits struct {
			Hits []struct {
				Score  float64 `json:"_score"`
				Source Chunk   `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	path := fmt.Sprintf("/%s/_search", url.PathEscape(s.cfg.Index))
	if err := s.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		// A missing index just means nothing was ingested yet.
		if strings.Contains(err.Error(), "index_not_found_exception") {
			return []ScoredChunk{}, nil
		}
		return nil, err
	}

	out := make([]ScoredChunk, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		out = append(out, ScoredChunk{Chunk: hit.Source, Score: hit.Score})
	}
	return out, nil
}

// Drop deletes the index; the next write recreates it. No-op when disabled.
func (s *ElasticStore) Drop(ctx context.Context) error {
	if !s.available(ctx) {
		return nil
	}

	err := s.doJSON(ctx, http.MethodDelete, "/"+url.PathEscape(s.cfg.Index), nil, nil)
	if err != nil && strings.Contains(err.Error(), "index_not_found_exception") {
		err = nil
	}
	if err != nil {
		return err
	}

	s.ensureOnce = sync.Once{}
	s.ensureErr = nil
	s.logger.Info("elasticsearch index dropped", zap.String("index", s.cfg.Index))
	return nil
}
