// Package moderation wraps the OpenAI-compatible chat completions call that
// backs sensitive-data detection and financial classification. Both callers
// need a single deterministic completion, so the surface is one method.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"

	proxy "github.com/lassohq/lasso/internal"
)

// Message is a chat message sent to the moderation model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client calls an OpenAI-compatible chat completions endpoint at temperature 0.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// New creates a moderation client. baseURL should include the API version
// segment (e.g. ".../v1"). A nil http client gets a 30 s timeout default.
func New(baseURL, apiKey, model string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    client,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Complete sends the messages and returns the first choice's content,
// trimmed. Transient transport errors are retried twice with fibonacci
// backoff before surfacing; HTTP errors are not retried.
func (c *Client) Complete(ctx context.Context, messages []Message, maxTokens int) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: 0,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("moderation: marshal request: %w", err)
	}

	var out string
	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, doErr := c.do(ctx, body)
		if doErr != nil {
			var he *httpError
			if errors.As(doErr, &he) {
				return doErr // upstream answered; retrying will not help
			}
			return retry.RetryableError(doErr)
		}
		out = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", proxy.ErrModerationFault, err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &httpError{status: resp.StatusCode, body: truncate(buf.String(), 200)}
	}

	content := gjson.GetBytes(buf.Bytes(), "choices.0.message.content")
	if !content.Exists() {
		return "", fmt.Errorf("response missing choices[0].message.content")
	}
	return strings.TrimSpace(content.String()), nil
}

// httpError marks a completed HTTP exchange with a non-200 status.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
