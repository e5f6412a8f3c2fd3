// Package llm implements the text-completion client. Uses the
// OpenAI-compatible chat completions format, which works with OpenAI,
// Anthropic proxies, and any compatible endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Roles for request messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged entry of the completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ErrEmptyCompletion is returned when the provider answers with no choices.
var ErrEmptyCompletion = errors.New("completion returned no content")

// RequestError is a non-retryable provider rejection (4xx other than 429).
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("completion request rejected: status %d: %s", e.StatusCode, e.Body)
}

// Config holds the completion endpoint configuration.
type Config struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	// TimeoutSeconds bounds each attempt. Timeouts surface as retryable
	// errors, never as successful no-ops.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxAttempts    int `yaml:"max_attempts"`
}

// Client talks to the completion provider.
type Client struct {
	cfg        Config
	provider   string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 600
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 60
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	provider := providerFromBaseURL(cfg.BaseURL)
	return &Client{
		cfg:      cfg,
		provider: provider,
		httpClient: &http.Client{
			// No global timeout: each attempt carries its own context
			// deadline for precise per-call control.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 120 * time.Second,
			},
		},
		logger: logger.With("component", "llm", "provider", provider),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Provider returns the provider label detected from the base URL.
func (c *Client) Provider() string {
	return c.provider
}

// providerFromBaseURL derives a provider label from the endpoint host. The
// wire format is OpenAI-compatible regardless; the label only feeds log
// context and diagnostics.
func providerFromBaseURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "custom"
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "api.openai.com" || strings.HasSuffix(host, ".openai.com"):
		return "openai"
	case strings.HasSuffix(host, "openrouter.ai"):
		return "openrouter"
	case strings.HasSuffix(host, "groq.com"):
		return "groq"
	case strings.HasSuffix(host, "anthropic.com"):
		return "anthropic"
	case host == "localhost" || host == "127.0.0.1" || host == "::1":
		return "local"
	}
	return "custom"
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends the message list and returns the plain-text reply. Rate
// limits and server errors retry with exponential backoff up to MaxAttempts;
// other 4xx responses fail immediately as *RequestError.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	var lastErr error
	backoff := 2 * time.Second

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			c.logger.Warn("retrying completion",
				"attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff *= 2
		}

		text, err := c.complete(ctx, messages)
		if err == nil {
			return text, nil
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("completion aborted: %w", ctx.Err())
		}
		lastErr = err
	}
	return "", fmt.Errorf("completion failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Client) complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", fmt.Errorf("completion provider returned status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", &RequestError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 300)}
	}

	var parsed completionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("completion provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
