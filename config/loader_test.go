package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 6333, cfg.Qdrant.Port)
	assert.Equal(t, "http://localhost:9200", cfg.Elasticsearch.URL)
	assert.Equal(t, "neo4j", cfg.Neo4j.Database)
	assert.Equal(t, 500, cfg.Chunking.ChunkSize)
	assert.Equal(t, 100, cfg.Chunking.ChunkOverlap)
	assert.Equal(t, "text-embedding-3-large", cfg.Embedding.Model)
	assert.Equal(t, 3072, cfg.Embedding.Dimension)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 0.7, cfg.Retrieval.VectorWeight)
	assert.True(t, cfg.Retrieval.UseHybrid)
	assert.Equal(t, 3, cfg.Ingestion.MaxConcurrentBatches)
}

func TestLoader_FileOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
openai:
  api_key: test-key
  timeout: 90s
chunking:
  chunk_size: 800
retrieval:
  top_k: 10
  use_hybrid: false
`), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "test-key", cfg.OpenAI.APIKey)
	assert.Equal(t, 90*time.Second, cfg.OpenAI.Timeout)
	assert.Equal(t, 800, cfg.Chunking.ChunkSize)
	assert.Equal(t, 10, cfg.Retrieval.TopK)
	assert.False(t, cfg.Retrieval.UseHybrid)

	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	t.Setenv("LEXRAG_OPENAI_API_KEY", "env-key")
	t.Setenv("LEXRAG_QDRANT_PORT", "7333")
	t.Setenv("LEXRAG_RETRIEVAL_VECTOR_WEIGHT", "0.9")
	t.Setenv("LEXRAG_REDIS_DEFAULT_TTL", "30m")
	t.Setenv("LEXRAG_RETRIEVAL_USE_HYBRID", "false")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("openai:\n  api_key: file-key\n"), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.OpenAI.APIKey)
	assert.Equal(t, 7333, cfg.Qdrant.Port)
	assert.Equal(t, 0.9, cfg.Retrieval.VectorWeight)
	assert.Equal(t, 30*time.Minute, cfg.Redis.DefaultTTL)
	assert.False(t, cfg.Retrieval.UseHybrid)
}

func TestLoader_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.Error(t, err)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("LEXRAG_QDRANT_PORT", "not-a-number")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEXRAG_QDRANT_PORT")
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero chunk size", func(c *Config) { c.Chunking.ChunkSize = 0 }, false},
		{"overlap equals size", func(c *Config) { c.Chunking.ChunkOverlap = c.Chunking.ChunkSize }, false},
		{"negative weight", func(c *Config) { c.Retrieval.KeywordWeight = -0.1 }, false},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
