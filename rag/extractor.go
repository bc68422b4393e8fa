package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lexgraph/lexrag/internal/cache"
	"github.com/lexgraph/lexrag/llm"
)

const extractionSystemPrompt = `You are an expert legal analyst specializing in extracting entities and relationships from legal documents.
Extract legal entities (parties, laws, regulations, cases, courts, legal concepts, contracts, clauses, etc.) and their legal relationships.
Return a JSON object with 'nodes' and 'relationships' arrays.

IMPORTANT RULES:
1. NEVER use 'id' as a property name (use 'identifier', 'unique_id', 'case_number', 'article_number', or other names instead)
2. Each node should have a 'name' property
3. Each node should have 'labels' array with legal-specific labels such as:
   - ["Party"], ["Plaintiff"], ["Defendant"], ["Lawyer"], ["LawFirm"]
   - ["Law"], ["Regulation"], ["Statute"], ["Article"], ["Section"]
   - ["Case"], ["Court"], ["Judge"], ["Jurisdiction"]
   - ["Contract"], ["Clause"], ["Provision"], ["Term"]
   - ["LegalConcept"], ["Doctrine"], ["Principle"], ["Precedent"]
   - ["Organization"], ["Agency"], ["Institution"]
4. Relationships should have 'type', 'source', 'target', and optional 'properties'
5. Use legal-specific relationship types such as:
   - "SUES", "REPRESENTS", "DEFENDS", "PROSECUTES"
   - "VIOLATES", "ENFORCES", "INTERPRETS", "APPLIES"
   - "REFERENCES", "CITES", "OVERRULES", "AFFIRMS"
   - "AMENDS", "REPEALS", "SUPERSEDES", "CONFLICTS_WITH"
   - "CONTAINS", "DEFINES", "ESTABLISHES", "PROHIBITS"
   - "REQUIRES", "PERMITS", "AUTHORIZES", "MANDATES"
6. Be consistent with entity names (same entity should have same name across the document)
7. Extract legal dates, case numbers, article numbers, and other legal identifiers as properties`

const extractionUserPrompt = `Extract all legal entities and relationships from the following legal document text.

Focus on:
- Legal parties (plaintiffs, defendants, lawyers, law firms, organizations)
- Laws, regulations, statutes, articles, and sections
- Legal cases, court decisions, and precedents
- Courts, judges, and jurisdictions
- Contracts, clauses, provisions, and terms
- Legal concepts, doctrines, principles, and precedents
- Legal relationships (sues, represents, violates, enforces, cites, etc.)

Text:
%s

Return a JSON object with:
- "nodes": array of legal entities with appropriate labels and properties
- "relationships": array of legal relationships with type, source, target, and properties

Important:
- NEVER use 'id' as a property name (use 'identifier', 'case_number', 'article_number', etc.)
- Include legal identifiers like case numbers, article numbers, dates, and section references as properties
- Use legal-specific labels and relationship types
- Be precise with legal terminology and maintain consistency`

// ExtractorConfig configures the entity/relationship extractor.
type ExtractorConfig struct {
	Model string `yaml:"model" json:"model"`
	// MaxConcurrent bounds concurrent LLM calls in ExtractBatch; kept smaller
	// than the batch-level limit to respect the provider's rate limits.
	MaxConcurrent int           `yaml:"max_concurrent" json:"max_concurrent"`
	CacheTTL      time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// DefaultExtractorConfig returns production defaults.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		Model:         "gpt-4.1",
		MaxConcurrent: 5,
		CacheTTL:      3 * 24 * time.Hour,
	}
}

// Extractor turns chunk text into a validated entity/relationship graph
// fragment via one LLM completion per chunk, cached by (model, text).
type Extractor struct {
	provider llm.CompletionProvider
	cache    Cache
	config   ExtractorConfig
	metrics  Metrics
	logger   *zap.Logger
}

// NewExtractor creates the extractor. cache and metrics may be nil.
func NewExtractor(provider llm.CompletionProvider, c Cache, config ExtractorConfig, m Metrics, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = NopMetrics{}
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 5
	}
	return &Extractor{
		provider: provider,
		cache:    c,
		config:   config,
		metrics:  m,
		logger:   logger.With(zap.String("component", "extractor")),
	}
}

func (x *Extractor) cacheKey(text string) string {
	return cache.Key("extraction", x.config.Model, text)
}

// Extract runs one extraction call for text. The validated result is cached,
// never the raw model output.
func (x *Extractor) Extract(ctx context.Context, text string) (Extraction, error) {
	if x.cache != nil {
		var cached Extraction
		if x.cache.GetJSON(ctx, x.cacheKey(text), &cached) {
			x.metrics.IncCacheHit("extraction")
			return cached, nil
		}
		x.metrics.IncCacheMiss("extraction")
	}

	resp, err := x.provider.Completion(ctx, &llm.ChatRequest{
		Model: x.config.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: extractionSystemPrompt},
			{Role: llm.RoleUser, Content: fmt.Sprintf(extractionUserPrompt, text)},
		},
		Temperature:    0,
		ResponseFormat: llm.FormatJSON,
	})
	if err != nil {
		return Extraction{}, fmt.Errorf("extraction completion: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return Extraction{}, fmt.Errorf("extraction returned empty model output")
	}

	var raw rawExtraction
	if err := json.Unmarshal([]byte(resp.Content), &raw); err != nil {
		return Extraction{}, fmt.Errorf("parse extraction JSON: %w", err)
	}

	result := validateExtraction(raw)
	if x.cache != nil {
		x.cache.SetJSON(ctx, x.cacheKey(text), result, x.config.CacheTTL)
	}
	return result, nil
}

// ExtractBatch runs Extract over texts concurrently, bounded by
// MaxConcurrent, returning results positionally aligned with the input.
func (x *Extractor) ExtractBatch(ctx context.Context, texts []string) ([]Extraction, error) {
	results := make([]Extraction, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.config.MaxConcurrent)

	for i, text := range texts {
		g.Go(func() error {
			extraction, err := x.Extract(gctx, text)
			if err != nil {
				return fmt.Errorf("extract chunk %d: %w", i, err)
			}
			results[i] = extraction
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// rawExtraction mirrors the model's JSON shape before validation.
type rawExtraction struct {
	Nodes []struct {
		Labels     []string       `json:"labels"`
		Properties map[string]any `json:"properties"`
	} `json:"nodes"`
	Relationships []struct {
		Type       string         `json:"type"`
		Source     string         `json:"source"`
		Target     string         `json:"target"`
		Properties map[string]any `json:"properties"`
	} `json:"relationships"`
}

// validateExtraction repairs the model output in place:
// the reserved property name "id" becomes "identifier", missing labels
// default to ["Entity"], and relationships missing type, source, or target
// are dropped entirely.
func validateExtraction(raw rawExtraction) Extraction {
	result := Extraction{
		Nodes:         make([]Entity, 0, len(raw.Nodes)),
		Relationships: make([]Relationship, 0, len(raw.Relationships)),
	}

	for _, node := range raw.Nodes {
		props := node.Properties
		if props == nil {
			props = map[string]any{}
		}
		if v, ok := props["id"]; ok {
			props["identifier"] = v
			delete(props, "id")
		}
		labels := node.Labels
		if len(labels) == 0 {
			labels = []string{"Entity"}
		}
		result.Nodes = append(result.Nodes, Entity{Labels: labels, Properties: props})
	}

	for _, rel := range raw.Relationships {
		if rel.Type == "" || rel.Source == "" || rel.Target == "" {
			continue
		}
		result.Relationships = append(result.Relationships, Relationship{
			Type:       rel.Type,
			Source:     rel.Source,
			Target:     rel.Target,
			Properties: rel.Properties,
		})
	}

	return result
}
