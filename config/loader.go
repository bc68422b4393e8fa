// Package config loads the pipeline configuration from defaults, an
// optional YAML file, and environment variable overrides, in that order.
//
// Environment keys are derived from the yaml tags: LEXRAG_OPENAI_API_KEY
// overrides openai.api_key, LEXRAG_QDRANT_PORT overrides qdrant.port, and
// so on.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lexgraph/lexrag/internal/cache"
	"github.com/lexgraph/lexrag/llm"
	"github.com/lexgraph/lexrag/rag"
)

// OpenAIConfig holds credentials and transport settings for the OpenAI API.
type OpenAIConfig struct {
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Organization      string        `yaml:"organization"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// ClientConfig converts to the llm package's client settings.
func (c OpenAIConfig) ClientConfig() llm.ClientConfig {
	return llm.ClientConfig{
		APIKey:            c.APIKey,
		BaseURL:           c.BaseURL,
		Organization:      c.Organization,
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
	}
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// Config is the full pipeline configuration.
type Config struct {
	OpenAI        OpenAIConfig        `yaml:"openai"`
	Redis         cache.Config        `yaml:"redis"`
	Qdrant        rag.QdrantConfig    `yaml:"qdrant"`
	Elasticsearch rag.ElasticConfig   `yaml:"elasticsearch"`
	Neo4j         rag.Neo4jConfig     `yaml:"neo4j"`
	Chunking      rag.ChunkingConfig  `yaml:"chunking"`
	Embedding     rag.EmbedderConfig  `yaml:"embedding"`
	Extraction    rag.ExtractorConfig `yaml:"extraction"`
	Retrieval     rag.EngineConfig    `yaml:"retrieval"`
	Ingestion     rag.BuilderConfig   `yaml:"ingestion"`
	Log           LogConfig           `yaml:"log"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		OpenAI:        OpenAIConfig{Timeout: 60 * time.Second},
		Redis:         cache.DefaultConfig(),
		Qdrant:        rag.DefaultQdrantConfig(),
		Elasticsearch: rag.DefaultElasticConfig(),
		Neo4j:         rag.DefaultNeo4jConfig(),
		Chunking:      rag.DefaultChunkingConfig(),
		Embedding:     rag.DefaultEmbedderConfig(),
		Extraction:    rag.DefaultExtractorConfig(),
		Retrieval:     rag.DefaultEngineConfig(),
		Ingestion:     rag.DefaultBuilderConfig(),
		Log:           LogConfig{Level: "info", Format: "console"},
	}
}

// Loader builds a Config in layers: defaults, then the YAML file, then
// environment overrides.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader returns a loader with the LEXRAG env prefix and no file.
func NewLoader() *Loader {
	return &Loader{envPrefix: "LEXRAG"}
}

// WithConfigPath sets the YAML file to load. Empty means defaults plus env.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load assembles the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem(), reflect.TypeOf(*cfg), l.envPrefix); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// Validate checks constraints the stores and pipeline rely on.
func (c *Config) Validate() error {
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunking.chunk_size must be > 0")
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunking.chunk_overlap must be in [0, chunk_size)")
	}
	if c.Retrieval.VectorWeight < 0 || c.Retrieval.KeywordWeight < 0 {
		return fmt.Errorf("retrieval weights must be non-negative")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be > 0")
	}
	return nil
}

// applyEnv walks struct fields recursively, overriding any field whose
// derived environment variable is set.
func applyEnv(v reflect.Value, t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + strings.ToUpper(tag)

		if field.Kind() == reflect.Struct {
			if err := applyEnv(field, field.Type(), key); err != nil {
				return err
			}
			continue
		}

		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
