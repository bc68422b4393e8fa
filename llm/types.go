package llm

import (
	"context"
	"time"
)

// ErrorCode classifies provider failures so callers can align retry and
// degradation policy with HTTP status.
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "LLM_INVALID_REQUEST"
	ErrUnauthorized    ErrorCode = "LLM_UNAUTHORIZED"
	ErrRateLimited     ErrorCode = "LLM_RATE_LIMITED"
	ErrQuotaExceeded   ErrorCode = "LLM_QUOTA_EXCEEDED"
	ErrUpstreamTimeout ErrorCode = "LLM_UPSTREAM_TIMEOUT"
	ErrUpstreamError   ErrorCode = "LLM_UPSTREAM_ERROR"
	ErrEmptyResponse   ErrorCode = "LLM_EMPTY_RESPONSE"
)

type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat constrains completion output. "json_object" forces the model
// to emit parseable JSON; empty means free-form text.
type ResponseFormat string

const (
	FormatText ResponseFormat = ""
	FormatJSON ResponseFormat = "json_object"
)

type ChatRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    float32        `json:"temperature"`
	ResponseFormat ResponseFormat `json:"response_format,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

type ChatResponse struct {
	ID        string    `json:"id,omitempty"`
	Model     string    `json:"model"`
	Content   string    `json:"content"`
	Usage     ChatUsage `json:"usage,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// CompletionProvider is the chat capability consumed by the extraction and
// answer-synthesis paths.
type CompletionProvider interface {
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// EmbeddingProvider is the embedding capability. Embed returns one vector per
// input text, order preserved, all with the same dimension.
type EmbeddingProvider interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float64, error)
}
