// Package llmproxy provides an HTTP client for OpenAI-compatible chat
// completion endpoints, as exposed by LiteLLM-style proxies and most
// provider gateways.
package llmproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/relaymind/relaymind/internal/domain/provider"
	"github.com/relaymind/relaymind/internal/port/llm"
)

// Client calls one provider endpoint. It implements llm.Client and
// normalizes every failure to *provider.Error before returning.
type Client struct {
	providerID string
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. Used by tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the default per-call timeout applied when a request
// carries none.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a client for one provider record.
func NewClient(rec provider.Record, opts ...Option) *Client {
	c := &Client{
		providerID: rec.ID,
		baseURL:    strings.TrimRight(rec.BaseURL, "/"),
		apiKey:     rec.APIKey,
		model:      rec.Model,
		timeout:    60 * time.Second,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Cost float64 `json:"cost,omitempty"`
}

// Complete performs one chat completion call against the provider.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = c.model
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, c.fail(provider.FailInvalid, fmt.Sprintf("marshal request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, c.fail(provider.FailInvalid, fmt.Sprintf("create request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.normalizeTransport(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.normalizeTransport(ctx, err)
	}

	if resp.StatusCode >= 400 {
		return nil, c.normalizeStatus(resp.StatusCode, data)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, c.fail(provider.FailUnknown, fmt.Sprintf("unmarshal response: %v", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, c.fail(provider.FailUnknown, "response has no choices")
	}

	return &llm.Completion{
		Content:          parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		CostUSD:          parsed.Cost,
	}, nil
}

func (c *Client) fail(kind provider.FailureKind, msg string) *provider.Error {
	return &provider.Error{Provider: c.providerID, Kind: kind, Message: msg}
}

// normalizeTransport maps connection-level errors onto the failure
// taxonomy. Caller cancellation is distinguished from deadline expiry.
func (c *Client) normalizeTransport(ctx context.Context, err error) *provider.Error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return c.fail(provider.FailCanceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return c.fail(provider.FailTimeout, err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.fail(provider.FailTimeout, err.Error())
	}
	return c.fail(provider.FailUnavailable, err.Error())
}

// normalizeStatus maps HTTP status codes onto the failure taxonomy.
func (c *Client) normalizeStatus(status int, body []byte) *provider.Error {
	msg := fmt.Sprintf("status %d: %s", status, truncate(body, 256))
	switch {
	case status == http.StatusTooManyRequests:
		return c.fail(provider.FailRateLimited, msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return c.fail(provider.FailTimeout, msg)
	case status >= 500:
		return c.fail(provider.FailUnavailable, msg)
	case status >= 400:
		return c.fail(provider.FailInvalid, msg)
	}
	return c.fail(provider.FailUnknown, msg)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
