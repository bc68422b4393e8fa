package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ClientConfig configures the OpenAI-compatible API client.
type ClientConfig struct {
	APIKey  string        `json:"api_key"`
	BaseURL string        `json:"base_url,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`

	// RequestsPerSecond throttles outbound calls to stay under provider rate
	// limits. Zero disables throttling.
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	Organization      string  `json:"organization,omitempty"`
}

// Recorder observes request outcomes. Satisfied by the metrics collector.
type Recorder interface {
	RecordLLMRequest(operation, status string, duration time.Duration)
}

// Client talks to an OpenAI-compatible HTTP API and implements both
// CompletionProvider and EmbeddingProvider.
type Client struct {
	cfg      ClientConfig
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	recorder Recorder
	logger   *zap.Logger
}

// NewClient creates a client for an OpenAI-compatible endpoint.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger.With(zap.String("component", "llm_client")),
	}
}

// WithRecorder attaches a request observer and returns the client.
func (c *Client) WithRecorder(r Recorder) *Client {
	c.recorder = r
	return c
}

func (c *Client) record(operation string, start time.Time, err error) {
	if c.recorder == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.recorder.RecordLLMRequest(operation, status, time.Since(start))
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + path
}

func (c *Client) buildHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Organization != "" {
		req.Header.Set("OpenAI-Organization", c.cfg.Organization)
	}
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// --- Chat completions ---

type chatAPIRequest struct {
	Model          string             `json:"model"`
	Messages       []Message          `json:"messages"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
	Temperature    float32            `json:"temperature"`
	ResponseFormat *chatAPIRespFormat `json:"response_format,omitempty"`
}

type chatAPIRespFormat struct {
	Type string `json:"type"`
}

type chatAPIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage ChatUsage `json:"usage"`
}

// Completion performs a non-streaming chat completion.
func (c *Client) Completion(ctx context.Context, req *ChatRequest) (resp *ChatResponse, err error) {
	start := time.Now()
	defer func() { c.record("completion", start, err) }()

	if err := c.wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body := chatAPIRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.ResponseFormat != FormatText {
		body.ResponseFormat = &chatAPIRespFormat{Type: string(req.ResponseFormat)}
	}

	var apiResp chatAPIResponse
	if err := c.post(ctx, "/v1/chat/completions", body, &apiResp); err != nil {
		return nil, err
	}
	if len(apiResp.Choices) == 0 {
		return nil, &Error{
			Code: ErrEmptyResponse, Message: "completion returned no choices",
			HTTPStatus: http.StatusBadGateway, Provider: "openai",
		}
	}

	resp = &ChatResponse{
		ID:      apiResp.ID,
		Model:   apiResp.Model,
		Content: apiResp.Choices[0].Message.Content,
		Usage:   apiResp.Usage,
	}
	if apiResp.Created != 0 {
		resp.CreatedAt = time.Unix(apiResp.Created, 0)
	}
	return resp, nil
}

// --- Embeddings ---

type embeddingAPIRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingAPIResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, order preserved. Any upstream
// failure fails the whole call; callers rely on positional alignment.
func (c *Client) Embed(ctx context.Context, model string, texts []string) (vectors [][]float64, err error) {
	if len(texts) == 0 {
		return nil, nil
	}
	start := time.Now()
	defer func() { c.record("embedding", start, err) }()

	if err := c.wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var apiResp embeddingAPIResponse
	if err := c.post(ctx, "/v1/embeddings", embeddingAPIRequest{Model: model, Input: texts}, &apiResp); err != nil {
		return nil, err
	}
	if len(apiResp.Data) != len(texts) {
		return nil, &Error{
			Code:       ErrUpstreamError,
			Message:    fmt.Sprintf("embeddings count mismatch: want %d, got %d", len(texts), len(apiResp.Data)),
			HTTPStatus: http.StatusBadGateway,
			Provider:   "openai",
		}
	}

	vectors = make([][]float64, len(texts))
	for _, item := range apiResp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, &Error{
				Code:       ErrUpstreamError,
				Message:    fmt.Sprintf("embedding index %d out of range", item.Index),
				HTTPStatus: http.StatusBadGateway,
				Provider:   "openai",
			}
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

// --- transport ---

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.buildHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return &Error{
			Code: ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: "openai",
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return mapHTTPError(resp.StatusCode, readErrorMessage(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{
			Code: ErrUpstreamError, Message: fmt.Sprintf("decode response: %v", err),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: "openai",
		}
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "unknown error"
	}
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

func mapHTTPError(status int, msg string) *Error {
	e := &Error{Message: msg, HTTPStatus: status, Provider: "openai"}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Code = ErrUnauthorized
	case http.StatusTooManyRequests:
		e.Code = ErrRateLimited
		e.Retryable = true
	case http.StatusPaymentRequired:
		e.Code = ErrQuotaExceeded
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		e.Code = ErrUpstreamTimeout
		e.Retryable = true
	case http.StatusBadRequest:
		e.Code = ErrInvalidRequest
	default:
		e.Code = ErrUpstreamError
		e.Retryable = status >= 500
	}
	return e
}
