package rag

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ChunkingConfig controls the sentence-aligned sliding window.
type ChunkingConfig struct {
	// ChunkSize is a soft cap in characters. A single sentence longer than
	// ChunkSize is never split; sentence atomicity wins over the cap.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
	// ChunkOverlap is the number of trailing characters of a closed chunk
	// carried into the next one.
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunk_overlap"`
}

// DefaultChunkingConfig returns the production defaults.
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{ChunkSize: 500, ChunkOverlap: 100}
}

// TextChunker splits raw text into overlapping, sentence-aligned chunks with
// position metadata. Pure over strings; no failure modes.
type TextChunker struct {
	config    ChunkingConfig
	tokenizer Tokenizer
	logger    *zap.Logger
}

// NewTextChunker creates a chunker. tokenizer may be nil, in which case chunk
// token counts are left at zero.
func NewTextChunker(config ChunkingConfig, tokenizer Tokenizer, logger *zap.Logger) *TextChunker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 500
	}
	return &TextChunker{
		config:    config,
		tokenizer: tokenizer,
		logger:    logger.With(zap.String("component", "chunker")),
	}
}

// ChunkText splits text into ordered chunks. ChunkID and DocumentID are left
// empty for the caller to assign. Empty input yields no chunks.
func (c *TextChunker) ChunkText(text string) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	sentences := splitSentences(text)

	var chunks []Chunk
	var current string
	chunkIndex := 0
	emitted := 0 // running sum of emitted chunk lengths, drives offsets

	for _, sentence := range sentences {
		if utf8.RuneCountInString(current)+utf8.RuneCountInString(sentence) > c.config.ChunkSize && current != "" {
			chunk := c.makeChunk(current, chunkIndex, emitted)
			chunks = append(chunks, chunk)
			emitted += utf8.RuneCountInString(chunk.Text)
			chunkIndex++

			if c.config.ChunkOverlap > 0 {
				current = tailRunes(current, c.config.ChunkOverlap) + " " + sentence
			} else {
				current = sentence
			}
			continue
		}

		if current == "" {
			current = sentence
		} else {
			current += " " + sentence
		}
	}

	if current != "" {
		chunks = append(chunks, c.makeChunk(current, chunkIndex, emitted))
	}

	c.logger.Debug("text chunked",
		zap.Int("chunks", len(chunks)),
		zap.Int("chunk_size", c.config.ChunkSize),
		zap.Int("overlap", c.config.ChunkOverlap))

	return chunks
}

func (c *TextChunker) makeChunk(text string, index, startChar int) Chunk {
	text = strings.TrimSpace(text)
	chunk := Chunk{
		Text:       text,
		ChunkIndex: index,
		StartChar:  startChar,
		EndChar:    startChar + utf8.RuneCountInString(text),
	}
	if c.tokenizer != nil {
		chunk.TokenCount = c.tokenizer.CountTokens(text)
	}
	return chunk
}

// splitSentences scans for runs of sentence-terminating punctuation followed
// by whitespace, keeping the punctuation attached to the preceding unit. A
// trailing fragment without terminal punctuation is kept as-is.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)

	start := 0
	i := 0
	for i < len(runes) {
		if runes[i] != '.' && runes[i] != '!' && runes[i] != '?' {
			i++
			continue
		}
		j := i
		for j < len(runes) && (runes[j] == '.' || runes[j] == '!' || runes[j] == '?') {
			j++
		}
		if j >= len(runes) || !unicode.IsSpace(runes[j]) {
			i = j
			continue
		}
		if s := strings.TrimSpace(string(runes[start:j])); s != "" {
			sentences = append(sentences, s)
		}
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		start, i = j, j
	}

	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			sentences = append(sentences, s)
		}
	}

	return sentences
}

// tailRunes returns the last n runes of s, or s itself when shorter.
func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
