package rag

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexgraph/lexrag/llm"
)

const sampleExtractionJSON = `{
  "nodes": [
    {"labels": ["Party", "Plaintiff"], "properties": {"name": "Acme Corp", "id": "P-1"}},
    {"properties": {"name": "Data Protection Act"}}
  ],
  "relationships": [
    {"type": "SUES", "source": "Acme Corp", "target": "Beta LLC"},
    {"type": "CITES", "source": "Acme Corp", "target": ""}
  ]
}`

func TestExtractor_Extract(t *testing.T) {
	t.Parallel()

	provider := &stubCompletions{content: sampleExtractionJSON}
	ext := NewExtractor(provider, nil, DefaultExtractorConfig(), nil, nil)

	result, err := ext.Extract(context.Background(), "Acme Corp filed suit.")
	require.NoError(t, err)

	require.Len(t, result.Nodes, 2)
	assert.Equal(t, "Acme Corp", result.Nodes[0].Name())
	assert.Equal(t, "P-1", result.Nodes[0].Properties["identifier"], "reserved id property is renamed")
	assert.NotContains(t, result.Nodes[0].Properties, "id")
	assert.Equal(t, []string{"Entity"}, result.Nodes[1].Labels, "missing labels default to Entity")

	require.Len(t, result.Relationships, 1, "relationship with empty target is dropped")
	assert.Equal(t, "SUES", result.Relationships[0].Type)
}

func TestExtractor_Extract_RequestShape(t *testing.T) {
	t.Parallel()

	var got *llm.ChatRequest
	provider := &stubCompletions{fn: func(req *llm.ChatRequest) string {
		got = req
		return `{"nodes": [], "relationships": []}`
	}}
	config := DefaultExtractorConfig()
	ext := NewExtractor(provider, nil, config, nil, nil)

	_, err := ext.Extract(context.Background(), "some clause text")
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, config.Model, got.Model)
	assert.Equal(t, llm.FormatJSON, got.ResponseFormat)
	assert.Zero(t, got.Temperature)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, llm.RoleSystem, got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, "some clause text")
}

func TestExtractor_Extract_CachesValidatedResult(t *testing.T) {
	t.Parallel()

	provider := &stubCompletions{content: sampleExtractionJSON}
	ext := NewExtractor(provider, newMemCache(), DefaultExtractorConfig(), nil, nil)

	first, err := ext.Extract(context.Background(), "same text")
	require.NoError(t, err)

	second, err := ext.Extract(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, int64(1), provider.calls.Load(), "second call should be served from cache")

	// Cached entries hold the repaired form, not the raw model output.
	assert.Equal(t, first, second)
	assert.Equal(t, "P-1", second.Nodes[0].Properties["identifier"])
}

func TestExtractor_Extract_EmptyOutput(t *testing.T) {
	t.Parallel()

	ext := NewExtractor(&stubCompletions{content: "   "}, nil, DefaultExtractorConfig(), nil, nil)
	_, err := ext.Extract(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestExtractor_Extract_MalformedJSON(t *testing.T) {
	t.Parallel()

	ext := NewExtractor(&stubCompletions{content: "not json"}, nil, DefaultExtractorConfig(), nil, nil)
	_, err := ext.Extract(context.Background(), "text")
	require.Error(t, err)
}

func TestExtractor_ExtractBatch_PositionalResults(t *testing.T) {
	t.Parallel()

	provider := &stubCompletions{fn: func(req *llm.ChatRequest) string {
		// Derive a name from the chunk text so positions are verifiable.
		text := req.Messages[1].Content
		name := "other"
		for _, candidate := range []string{"alpha", "beta", "gamma"} {
			if strings.Contains(text, candidate) {
				name = candidate
			}
		}
		return `{"nodes": [{"labels": ["Entity"], "properties": {"name": "` + name + `"}}], "relationships": []}`
	}}
	ext := NewExtractor(provider, nil, DefaultExtractorConfig(), nil, nil)

	results, err := ext.ExtractBatch(context.Background(), []string{"alpha text", "beta text", "gamma text"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "alpha", results[0].Nodes[0].Name())
	assert.Equal(t, "beta", results[1].Nodes[0].Name())
	assert.Equal(t, "gamma", results[2].Nodes[0].Name())
}

func TestValidateExtraction_NilProperties(t *testing.T) {
	t.Parallel()

	raw := rawExtraction{}
	raw.Nodes = append(raw.Nodes, struct {
		Labels     []string       `json:"labels"`
		Properties map[string]any `json:"properties"`
	}{Labels: []string{"Law"}})

	result := validateExtraction(raw)
	require.Len(t, result.Nodes, 1)
	assert.NotNil(t, result.Nodes[0].Properties)
}
