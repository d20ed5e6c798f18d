// Package gateway is the single call-out to the generative backend. It
// speaks the OpenAI-compatible chat-completion protocol, retries transient
// failures with exponential backoff, and reports every completed call to
// an external cost tracker.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/metrics"
)

// Gateway sends a single prompt to the generative backend and returns the
// response text. Implementations retry transient failures internally.
type Gateway interface {
	Request(ctx context.Context, prompt string) (string, error)
}

// CostTracker is the external cost-accounting collaborator. Allow is
// consulted before each attempt; a refusal propagates as
// BudgetExceededError without retry. RecordCall is the metered
// "call completed" fact.
type CostTracker interface {
	Allow(ctx context.Context) error
	RecordCall(model string, tokens int, duration time.Duration)
}

// NopCostTracker approves every call and discards usage facts.
type NopCostTracker struct{}

func (NopCostTracker) Allow(context.Context) error           { return nil }
func (NopCostTracker) RecordCall(string, int, time.Duration) {}

// Client is the HTTP gateway implementation.
type Client struct {
	cfg       config.GatewayConfig
	apiKey    string
	http      *http.Client
	limiters  *limiterPool
	cost      CostTracker
	collector *metrics.Collector
	logger    *slog.Logger
	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a gateway client for the configured backend.
func NewClient(cfg config.GatewayConfig, apiKey string, cost CostTracker, collector *metrics.Collector, logger *slog.Logger) *Client {
	if cost == nil {
		cost = NopCostTracker{}
	}
	return &Client{
		cfg:    cfg,
		apiKey: apiKey,
		http: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		limiters:  newLimiterPool(),
		cost:      cost,
		collector: collector,
		logger:    logger.With("component", "gateway"),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// chat completion wire types, OpenAI-compatible.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Request sends the prompt, retrying transient failures up to MaxRetries
// attempts with 2^n backoff. Budget refusals propagate immediately; an
// exhausted retry budget surfaces as GenerationFailedError.
func (c *Client) Request(ctx context.Context, prompt string) (string, error) {
	modelID := fmt.Sprintf("%s:%s", c.cfg.BaseURL, c.cfg.ModelName)

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Duration(c.cfg.BaseRetrySeconds) * time.Second
			c.logger.Warn("Retrying backend request",
				"attempt", attempt,
				"max_retries", c.cfg.MaxRetries,
				"backoff", backoff)
			if err := c.sleep(ctx, backoff); err != nil {
				return "", err
			}
		}

		if err := c.cost.Allow(ctx); err != nil {
			var budget *BudgetExceededError
			if errors.As(err, &budget) {
				return "", err
			}
			return "", &BudgetExceededError{Reason: err.Error()}
		}

		if err := c.limiters.wait(ctx, modelID, c.cfg.RateLimitPerMinute); err != nil {
			return "", fmt.Errorf("rate limiter wait failed: %w", err)
		}

		start := time.Now()
		text, tokens, err := c.doRequest(ctx, prompt)
		elapsed := time.Since(start)
		if c.collector != nil {
			c.collector.RecordGatewayRequest(c.cfg.ModelName, elapsed, err == nil)
		}
		if err == nil {
			c.cost.RecordCall(c.cfg.ModelName, tokens, elapsed)
			return text, nil
		}

		lastErr = err
		if !isTransient(err) {
			return "", err
		}
	}

	return "", &GenerationFailedError{Attempts: c.cfg.MaxRetries, Last: lastErr}
}

func (c *Client) doRequest(ctx context.Context, prompt string) (string, int, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.ModelName,
		Messages:    []message{{Role: "user", Content: prompt}},
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
		MaxTokens:   c.cfg.MaxOutputTokens,
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.cfg.BaseURL
	if endpoint[len(endpoint)-1] != '/' {
		endpoint += "/"
	}
	endpoint += "chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		return "", 0, &TransientError{Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", 0, &TransientError{Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	if httpResp.StatusCode != http.StatusOK {
		detail := string(respBody)
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			detail = errResp.Error.Message
		}
		if httpResp.StatusCode == http.StatusPaymentRequired {
			return "", 0, &BudgetExceededError{Reason: detail}
		}
		if isStatusRetryable(httpResp.StatusCode) {
			return "", 0, &TransientError{Message: detail, StatusCode: httpResp.StatusCode}
		}
		return "", 0, fmt.Errorf("backend request failed with status %d: %s", httpResp.StatusCode, detail)
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", 0, &MalformedResponseError{Detail: fmt.Sprintf("unparseable body: %v", err)}
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", 0, &MalformedResponseError{Detail: "no choices returned"}
	}

	return resp.Choices[0].Message.Content, resp.Usage.TotalTokens, nil
}

func isTransient(err error) bool {
	var transient *TransientError
	var malformed *MalformedResponseError
	return errors.As(err, &transient) || errors.As(err, &malformed)
}

func isStatusRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}
