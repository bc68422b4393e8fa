package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Neo4jConfig configures the Neo4j-backed GraphStore.
type Neo4jConfig struct {
	URL      string        `yaml:"url" json:"url"`
	Database string        `yaml:"database" json:"database"`
	Username string        `yaml:"username" json:"username"`
	Password string        `yaml:"password" json:"password"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// DefaultNeo4jConfig returns localhost defaults.
func DefaultNeo4jConfig() Neo4jConfig {
	return Neo4jConfig{
		URL:      "http://localhost:7474",
		Database: "neo4j",
		Username: "neo4j",
		Timeout:  30 * time.Second,
	}
}

// Neo4jStore implements GraphStore over Neo4j's HTTP transaction API. Each
// operation runs as a single auto-committed transaction. Like the keyword
// store, the graph layer is optional: an unreachable server flips the store
// to StoreDisabled and all operations become no-ops.
//
// Entities live under the reserved __Entity__ label plus their extracted
// labels, merged by name. Chunks are Chunk nodes merged by chunk_id and
// linked to their entities via CONTAINS_ENTITY.
type Neo4jStore struct {
	cfg Neo4jConfig

	commitURL string
	client    *http.Client
	logger    *zap.Logger

	state    atomic.Int32
	initOnce sync.Once
}

// NewNeo4jStore creates the store. Connectivity is probed lazily; the entity
// name index is ensured on first successful contact.
func NewNeo4jStore(cfg Neo4jConfig, logger *zap.Logger) *Neo4jStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		cfg.URL = "http://localhost:7474"
	}
	if cfg.Database == "" {
		cfg.Database = "neo4j"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	base := strings.TrimRight(cfg.URL, "/")
	return &Neo4jStore{
		cfg:       cfg,
		commitURL: fmt.Sprintf("%s/db/%s/tx/commit", base, cfg.Database),
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger.With(zap.String("component", "neo4j_store")),
	}
}

// State reports whether the store is still serving requests.
func (s *Neo4jStore) State() storeState {
	return storeState(s.state.Load())
}

type cypherStatement struct {
	Statement  string         `json:"statement"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type cypherResponse struct {
	Results []struct {
		Columns []string `json:"columns"`
		Data    []struct {
			Row []json.RawMessage `json:"row"`
		} `json:"data"`
	} `json:"results"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// commit posts statements to the transaction endpoint and surfaces
// server-side Cypher errors, which Neo4j reports inside a 200 body.
func (s *Neo4jStore) commit(ctx context.Context, statements ...cypherStatement) (*cypherResponse, error) {
	body, err := json.Marshal(map[string]any{"statements": statements})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.commitURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("neo4j request failed: status=%d body=%s", resp.StatusCode, string(raw))
	}

	var out cypherResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("neo4j cypher error: %s: %s", out.Errors[0].Code, out.Errors[0].Message)
	}
	return &out, nil
}

// available pings the server once and ensures the entity name index. An
// unreachable server disables the store for the lifetime of the process.
func (s *Neo4jStore) available(ctx context.Context) bool {
	s.initOnce.Do(func() {
		if _, err := s.commit(ctx, cypherStatement{Statement: "RETURN 1"}); err != nil {
			s.disable(err)
			return
		}
		_, err := s.commit(ctx, cypherStatement{
			Statement: "CREATE INDEX entity_name IF NOT EXISTS FOR (e:__Entity__) ON (e.name)",
		})
		if err != nil {
			// Index creation failing is non-fatal; merges still work.
			s.logger.Warn("entity name index creation failed", zap.Error(err))
		}
	})
	return s.State() == StoreConnected
}

func (s *Neo4jStore) disable(err error) {
	s.state.Store(int32(StoreDisabled))
	s.logger.Warn("neo4j unavailable, graph layer disabled", zap.Error(err))
}

// sanitizeIdentifier restricts a label or relationship type to Cypher
// identifier characters, since labels cannot be parameterized.
func sanitizeIdentifier(raw, fallback string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if b.Len() > 0 {
				b.WriteRune(r)
			}
		case r == ' ' || r == '-':
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return fallback
	}
	return b.String()
}

// AddChunk merges a Chunk node by chunk_id. No-op when disabled.
func (s *Neo4jStore) AddChunk(ctx context.Context, chunk Chunk) error {
	if !s.available(ctx) {
		return nil
	}

	_, err := s.commit(ctx, cypherStatement{
		Statement: "MERGE (c:Chunk {chunk_id: $chunk_id}) SET c += $props",
		Parameters: map[string]any{
			"chunk_id": chunk.ChunkID,
			"props": map[string]any{
				"document_id": chunk.DocumentID,
				"text":        chunk.Text,
				"chunk_index": chunk.ChunkIndex,
				"start_char":  chunk.StartChar,
				"end_char":    chunk.EndChar,
			},
		},
	})
	return err
}

// AddEntities merges entities by name and links them to the chunk that
// mentioned them. Entities without a name are skipped. No-op when disabled.
func (s *Neo4jStore) AddEntities(ctx context.Context, entities []Entity, chunkID string) error {
	if len(entities) == 0 || !s.available(ctx) {
		return nil
	}

	statements := make([]cypherStatement, 0, len(entities))
	for _, entity := range entities {
		name := entity.Name()
		if name == "" {
			continue
		}

		labels := make([]string, 0, len(entity.Labels))
		for _, label := range entity.Labels {
			labels = append(labels, sanitizeIdentifier(label, "Entity"))
		}
		labelExpr := ""
		if len(labels) > 0 {
			labelExpr = ":" + strings.Join(labels, ":")
		}

		statements = append(statements, cypherStatement{
			Statement: fmt.Sprintf(
				"MERGE (e:__Entity__%s {name: $name}) SET e += $props "+
					"WITH e MATCH (c:Chunk {chunk_id: $chunk_id}) MERGE (c)-[:CONTAINS_ENTITY]->(e)",
				labelExpr),
			Parameters: map[string]any{
				"name":     name,
				"props":    entity.Properties,
				"chunk_id": chunkID,
			},
		})
	}

	if len(statements) == 0 {
		return nil
	}
	_, err := s.commit(ctx, statements...)
	return err
}

// AddRelationships merges directed edges between already-merged entities,
// keyed by (type, source, target). Edges whose endpoints were never merged
// match nothing and are silently skipped. No-op when disabled.
func (s *Neo4jStore) AddRelationships(ctx context.Context, relationships []Relationship) error {
	if len(relationships) == 0 || !s.available(ctx) {
		return nil
	}

	statements := make([]cypherStatement, 0, len(relationships))
	for _, rel := range relationships {
		relType := sanitizeIdentifier(rel.Type, "RELATED_TO")
		props := rel.Properties
		if props == nil {
			props = map[string]any{}
		}
		statements = append(statements, cypherStatement{
			Statement: fmt.Sprintf(
				"MATCH (a:__Entity__ {name: $source}), (b:__Entity__ {name: $target}) "+
					"MERGE (a)-[r:%s]->(b) SET r += $props",
				relType),
			Parameters: map[string]any{
				"source": rel.Source,
				"target": rel.Target,
				"props":  props,
			},
		})
	}

	_, err := s.commit(ctx, statements...)
	return err
}

// EntitiesFromChunks returns entities mentioned by the given chunks plus
// their graph neighborhood up to maxDepth hops, capped at 100 rows. Returns
// empty results when disabled.
func (s *Neo4jStore) EntitiesFromChunks(ctx context.Context, chunkIDs []string, maxDepth int) ([]GraphEntity, error) {
	if len(chunkIDs) == 0 || !s.available(ctx) {
		return []GraphEntity{}, nil
	}
	if maxDepth < 1 {
		maxDepth = 1
	}

	// Variable-length bounds cannot be parameterized.
	statement := fmt.Sprintf(
		"MATCH (c:Chunk)-[:CONTAINS_ENTITY]->(e:__Entity__) WHERE c.chunk_id IN $chunk_ids "+
			"OPTIONAL MATCH path = (e)-[*1..%d]-(related:__Entity__) "+
			"WITH e, collect(DISTINCT related) AS neighbors, "+
			"collect(DISTINCT [rel IN relationships(path) | type(rel)]) AS rel_paths "+
			"UNWIND ([e] + neighbors) AS entity "+
			"RETURN DISTINCT entity.name AS name, labels(entity) AS labels, "+
			"properties(entity) AS props, "+
			"reduce(acc = [], p IN rel_paths | acc + p) AS rel_types "+
			"LIMIT 100",
		maxDepth)

	resp, err := s.commit(ctx, cypherStatement{
		Statement:  statement,
		Parameters: map[string]any{"chunk_ids": chunkIDs},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return []GraphEntity{}, nil
	}

	out := make([]GraphEntity, 0, len(resp.Results[0].Data))
	for _, row := range resp.Results[0].Data {
		if len(row.Row) < 4 {
			continue
		}
		var entity GraphEntity
		if err := json.Unmarshal(row.Row[0], &entity.Name); err != nil || entity.Name == "" {
			continue
		}
		_ = json.Unmarshal(row.Row[1], &entity.Labels)
		_ = json.Unmarshal(row.Row[2], &entity.Properties)
		_ = json.Unmarshal(row.Row[3], &entity.RelationshipTypes)
		out = append(out, entity)
	}
	return out, nil
}

// Clear detach-deletes every node in the database. No-op when disabled.
func (s *Neo4jStore) Clear(ctx context.Context) error {
	if !s.available(ctx) {
		return nil
	}
	_, err := s.commit(ctx, cypherStatement{Statement: "MATCH (n) DETACH DELETE n"})
	if err != nil {
		return err
	}
	s.logger.Info("neo4j graph cleared", zap.String("database", s.cfg.Database))
	return nil
}
