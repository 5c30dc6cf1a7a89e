// Package upstream dispatches sanitised requests to provider APIs, swapping
// the caller's credentials for the provider binding's key. Responses are
// buffered so the pipeline can cache them.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	proxy "github.com/lassohq/lasso/internal"
)

// Response is a fully buffered upstream reply.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// forwardedHeaders is the whitelist of inbound headers copied upstream.
// Everything else -- including the caller's own credentials and any framing
// headers -- is dropped.
var forwardedHeaders = []string{
	"Content-Type",
	"User-Agent",
	"Accept",
	"Cache-Control",
	"Pragma",
}

const anthropicVersion = "2023-06-01"

// maxResponseBytes caps buffered upstream bodies.
const maxResponseBytes = 32 << 20

// Client dispatches requests to the provider bindings it was built with.
type Client struct {
	bindings map[string]proxy.ProviderBinding
	http     *http.Client
	breakers *BreakerSet
}

// New builds an upstream client. A nil http client gets the pooled transport
// with a 30 s timeout.
func New(bindings []proxy.ProviderBinding, httpClient *http.Client, breakers *BreakerSet) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: NewTransport(nil),
			Timeout:   30 * time.Second,
		}
	}
	byName := make(map[string]proxy.ProviderBinding, len(bindings))
	for _, b := range bindings {
		byName[b.Name] = b
	}
	return &Client{bindings: byName, http: httpClient, breakers: breakers}
}

// Binding returns the binding for provider, if configured.
func (c *Client) Binding(provider string) (proxy.ProviderBinding, bool) {
	b, ok := c.bindings[provider]
	return b, ok
}

// Providers lists configured provider names.
func (c *Client) Providers() []string {
	out := make([]string, 0, len(c.bindings))
	for name := range c.bindings {
		out = append(out, name)
	}
	return out
}

// BreakerStates exposes circuit state per provider for the dashboard.
func (c *Client) BreakerStates() map[string]string {
	if c.breakers == nil {
		return nil
	}
	return c.breakers.States()
}

// Dispatch forwards a request to the named provider. HTTP error statuses are
// returned as a normal Response; only transport-level failures return an
// error, wrapped with ErrUpstreamFault (or ErrCircuitOpen when the provider's
// circuit is open).
func (c *Client) Dispatch(ctx context.Context, provider, path, rawQuery, method string, inbound http.Header, body []byte) (*Response, error) {
	binding, ok := c.bindings[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", proxy.ErrUnknownProvider, provider)
	}

	var br *breaker
	if c.breakers != nil {
		br = c.breakers.get(provider)
		if !br.allow() {
			return nil, fmt.Errorf("%w: %s", proxy.ErrCircuitOpen, provider)
		}
	}

	targetURL := binding.BaseURL + path
	if rawQuery != "" {
		targetURL += "?" + rawQuery
	}

	var reqBody io.Reader
	if len(body) > 0 && method != http.MethodGet && method != http.MethodHead {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}

	for _, k := range forwardedHeaders {
		if v := inbound.Get(k); v != "" {
			req.Header.Set(k, v)
		}
	}
	if reqBody != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	// Compressed replies would have to be re-framed before caching.
	req.Header.Set("Accept-Encoding", "identity")

	switch binding.AuthStyle {
	case proxy.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+binding.APIKey)
	case proxy.AuthHeaderPair:
		req.Header.Set("x-api-key", binding.APIKey)
		req.Header.Set("anthropic-version", anthropicVersion)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if br != nil {
			br.recordFault()
		}
		return nil, fmt.Errorf("%w: %s: %w", proxy.ErrUpstreamFault, provider, err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if br != nil {
			br.recordFault()
		}
		return nil, fmt.Errorf("%w: %s: read body: %w", proxy.ErrUpstreamFault, provider, err)
	}
	if br != nil {
		br.recordSuccess()
	}

	return &Response{
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		Body:    buf,
	}, nil
}
