// Command lexrag ingests legal documents into a knowledge-graph RAG index
// and answers questions against it.
//
// Usage:
//
//	lexrag upload contract.pdf            # ingest a document
//	lexrag search "who indemnifies whom"  # ask a question
//	lexrag delete --confirm               # wipe all stores
//	lexrag version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lexgraph/lexrag/config"
	"github.com/lexgraph/lexrag/internal/cache"
	"github.com/lexgraph/lexrag/internal/metrics"
	"github.com/lexgraph/lexrag/llm"
	"github.com/lexgraph/lexrag/pdf"
	"github.com/lexgraph/lexrag/rag"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "upload":
		runUpload(os.Args[2:])
	case "search":
		runSearch(os.Args[2:])
	case "delete":
		runDelete(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// pipeline bundles everything one command invocation needs.
type pipeline struct {
	cfg     *config.Config
	logger  *zap.Logger
	cache   *cache.Cache
	builder *rag.Builder
	engine  *rag.Engine
}

// newPipeline loads config, applies the optional override hook, then wires
// every component. Overrides must land before construction because the
// chunker and builder take their configs by value.
func newPipeline(configPath string, override func(*config.Config)) (*pipeline, error) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if override != nil {
		override(cfg)
	}

	logger := initLogger(cfg.Log)

	collector := metrics.NewCollector("lexrag", prometheus.DefaultRegisterer, logger)
	client := llm.NewClient(cfg.OpenAI.ClientConfig(), logger).WithRecorder(collector)
	cacheHandle := cache.New(cfg.Redis, logger)

	tokenizer, err := rag.NewTiktokenTokenizer(cfg.Embedding.Model, logger)
	var tk rag.Tokenizer = tokenizer
	if err != nil {
		logger.Warn("tiktoken unavailable, falling back to length estimate", zap.Error(err))
		tk = rag.EstimatorTokenizer{}
	}

	chunker := rag.NewTextChunker(cfg.Chunking, tk, logger)
	embedder := rag.NewEmbedder(client, cacheHandle, cfg.Embedding, collector, logger)
	extractor := rag.NewExtractor(client, cacheHandle, cfg.Extraction, collector, logger)

	vector := rag.NewQdrantStore(cfg.Qdrant, logger)
	keyword := rag.NewElasticStore(cfg.Elasticsearch, logger)
	graph := rag.NewNeo4jStore(cfg.Neo4j, logger)

	return &pipeline{
		cfg:     cfg,
		logger:  logger,
		cache:   cacheHandle,
		builder: rag.NewBuilder(chunker, embedder, extractor, vector, keyword, graph, cfg.Ingestion, collector, logger),
		engine:  rag.NewEngine(embedder, client, vector, keyword, graph, cacheHandle, cfg.Retrieval, collector, logger),
	}, nil
}

func (p *pipeline) close() {
	p.cache.Close()
	_ = p.logger.Sync()
}

func runUpload(args []string) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	chunkSize := fs.Int("chunk-size", 0, "Override chunk size in characters")
	chunkOverlap := fs.Int("chunk-overlap", -1, "Override chunk overlap in characters")
	pagesPerBatch := fs.Int("pages-per-batch", 10, "PDF pages per ingestion batch")
	maxConcurrent := fs.Int("max-concurrent-batches", 0, "Override concurrent batch limit")
	clear := fs.Bool("clear", false, "Clear all stores before ingesting")
	documentID := fs.String("document-id", "", "Explicit document ID (default: derived from filename)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "upload requires a file path")
		os.Exit(1)
	}
	path := fs.Arg(0)

	p, err := newPipeline(*configPath, func(cfg *config.Config) {
		if *chunkSize > 0 {
			cfg.Chunking.ChunkSize = *chunkSize
		}
		if *chunkOverlap >= 0 {
			cfg.Chunking.ChunkOverlap = *chunkOverlap
		}
		if *maxConcurrent > 0 {
			cfg.Ingestion.MaxConcurrentBatches = *maxConcurrent
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer p.close()

	ctx := context.Background()

	if *clear {
		if err := p.builder.ClearAll(ctx); err != nil {
			p.logger.Warn("clearing stores was incomplete", zap.Error(err))
		}
	}

	docID := *documentID
	if docID == "" {
		docID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	var result rag.BuildResult
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		processor := pdf.NewProcessor(path, nil, p.logger)
		batches, err := processor.ExtractBatches(ctx, *pagesPerBatch)
		if err != nil {
			fmt.Fprintf(os.Stderr, "PDF extraction failed: %v\n%s\n", err, pdf.InstallInstructions())
			os.Exit(1)
		}
		result, err = p.builder.BuildFromBatches(ctx, batches, docID)
		if err != nil {
			p.logger.Error("some batches failed", zap.Error(err))
		}
	} else {
		raw, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", path, err)
			os.Exit(1)
		}
		result, err = p.builder.BuildFromText(ctx, string(raw), docID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ingestion failed: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Document:      %s\n", result.DocumentID)
	fmt.Printf("Chunks:        %d\n", result.ChunksCreated)
	fmt.Printf("Entities:      %d\n", result.EntitiesExtracted)
	fmt.Printf("Relationships: %d\n", result.RelationshipsExtracted)
	if result.BatchesProcessed > 0 {
		fmt.Printf("Batches:       %d (%d failed)\n", result.BatchesProcessed, result.BatchesFailed)
	}
}

func runSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	topK := fs.Int("top-k", 0, "Number of chunks to retrieve")
	maxDepth := fs.Int("max-depth", 0, "Graph traversal depth")
	noHybrid := fs.Bool("no-hybrid", false, "Disable keyword fusion, vector search only")
	vectorWeight := fs.Float64("vector-weight", -1, "Vector score weight in fusion")
	keywordWeight := fs.Float64("keyword-weight", -1, "Keyword score weight in fusion")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "search requires a query")
		os.Exit(1)
	}
	query := strings.Join(fs.Args(), " ")

	p, err := newPipeline(*configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer p.close()

	opts := p.engine.Options()
	if *topK > 0 {
		opts.TopK = *topK
	}
	if *maxDepth > 0 {
		opts.MaxDepth = *maxDepth
	}
	if *noHybrid {
		opts.UseHybrid = false
	}
	if *vectorWeight >= 0 {
		opts.VectorWeight = *vectorWeight
	}
	if *keywordWeight >= 0 {
		opts.KeywordWeight = *keywordWeight
	}

	result, err := p.engine.SearchWith(context.Background(), query, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "search failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(result.Answer)
	fmt.Printf("\n[%s search: %d chunks, %d entities]\n", result.SearchType, result.ChunksUsed, result.EntitiesFound)
}

func runDelete(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	confirm := fs.Bool("confirm", false, "Actually delete all indexed data")
	fs.Parse(args)

	if !*confirm {
		fmt.Println("This would delete ALL indexed data. Re-run with --confirm to proceed.")
		return
	}

	p, err := newPipeline(*configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer p.close()

	if err := p.builder.ClearAll(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "deletion incomplete: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("All stores cleared.")
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func printVersion() {
	fmt.Printf("lexrag %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`lexrag - knowledge-graph RAG for legal documents

Usage:
  lexrag <command> [options]

Commands:
  upload <path>    Ingest a PDF or text file
  search <query>   Ask a question against the index
  delete           Wipe all indexed data
  version          Show version information
  help             Show this help message

Options for 'upload':
  --config <path>                Path to configuration file (YAML)
  --chunk-size <n>               Chunk size in characters
  --chunk-overlap <n>            Chunk overlap in characters
  --pages-per-batch <n>          PDF pages per ingestion batch (default 10)
  --max-concurrent-batches <n>   Concurrent batch limit
  --clear                        Clear all stores before ingesting
  --document-id <id>             Explicit document ID

Options for 'search':
  --config <path>        Path to configuration file (YAML)
  --top-k <n>            Number of chunks to retrieve (default 5)
  --max-depth <n>        Graph traversal depth (default 2)
  --no-hybrid            Vector search only
  --vector-weight <w>    Vector score weight (default 0.7)
  --keyword-weight <w>   Keyword score weight (default 0.3)

Options for 'delete':
  --confirm   Actually delete; without it nothing happens`)
}
