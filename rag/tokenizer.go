package rag

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Tokenizer counts tokens for chunk metadata and logging.
type Tokenizer interface {
	CountTokens(text string) int
}

// TiktokenTokenizer counts tokens with the encoding of a given OpenAI model.
// Falls back to a chars/4 estimate if encoding fails.
type TiktokenTokenizer struct {
	encoding *tiktoken.Tiktoken
	logger   *zap.Logger
}

// NewTiktokenTokenizer creates a tokenizer for model (e.g. "gpt-4.1").
func NewTiktokenTokenizer(model string, logger *zap.Logger) (*TiktokenTokenizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown model names fall back to the current base encoding.
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load tiktoken encoding: %w", err)
		}
	}
	return &TiktokenTokenizer{
		encoding: encoding,
		logger:   logger.With(zap.String("component", "tokenizer")),
	}, nil
}

// CountTokens returns the token count of text.
func (t *TiktokenTokenizer) CountTokens(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// EstimatorTokenizer approximates token counts without encoding data,
// for tests and offline use.
type EstimatorTokenizer struct{}

func (EstimatorTokenizer) CountTokens(text string) int { return len(text) / 4 }
