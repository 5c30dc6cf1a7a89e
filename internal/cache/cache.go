// Package cache holds successful guarded-endpoint responses keyed by a
// fingerprint of (provider, path, canonical body), so an identical request
// within the TTL is answered without touching the provider.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/maypok86/otter/v2"

	proxy "github.com/lassohq/lasso/internal"
)

// Entry is one cached upstream response.
type Entry struct {
	Status     int
	Headers    http.Header
	Body       []byte
	InsertedAt time.Time
	ExpiresAt  time.Time
}

// Stats is the aggregate cache view exposed on the dashboard.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Size          int     `json:"size"`
	TotalRequests int64   `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`
}

// framingHeaders must not be replayed from a cached response: the proxy
// re-frames the body itself.
var framingHeaders = []string{
	"Transfer-Encoding",
	"Content-Length",
	"Connection",
	"Keep-Alive",
	"Content-Encoding",
}

// FilterHeaders returns a copy of h without framing headers.
func FilterHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	for _, k := range framingHeaders {
		out.Del(k)
	}
	return out
}

// Fingerprint derives the cache key for a request. The body is canonicalised
// per RFC 8785 so key order and whitespace do not split the keyspace; a body
// that is not valid JSON is digested verbatim. SHA-256 gives a 256-bit key,
// well past the 128-bit collision floor.
func Fingerprint(provider, path string, body []byte) string {
	canonical := body
	if c, err := jcs.Transform(body); err == nil {
		canonical = c
	}
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// ResponseCache is an in-memory W-TinyLFU cache backed by otter, with
// per-entry TTL enforced on read.
type ResponseCache struct {
	cache      *otter.Cache[string, Entry]
	defaultTTL time.Duration
	clock      proxy.Clock

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a ResponseCache bounded to maxSize entries.
func New(maxSize int, defaultTTL time.Duration, clock proxy.Clock) (*ResponseCache, error) {
	if clock == nil {
		clock = proxy.SystemClock()
	}
	c, err := otter.New[string, Entry](&otter.Options[string, Entry]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, Entry](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &ResponseCache{cache: c, defaultTTL: defaultTTL, clock: clock}, nil
}

// DefaultTTL returns the configured entry lifetime.
func (c *ResponseCache) DefaultTTL() time.Duration { return c.defaultTTL }

// Get returns the live entry for fp. Expired entries are evicted on access
// and count as misses.
func (c *ResponseCache) Get(fp string) (Entry, bool) {
	e, ok := c.cache.GetIfPresent(fp)
	if !ok {
		c.misses.Add(1)
		return Entry{}, false
	}
	if !c.clock.Now().Before(e.ExpiresAt) {
		c.cache.Invalidate(fp)
		c.misses.Add(1)
		return Entry{}, false
	}
	c.hits.Add(1)
	return e, true
}

// Put stores a response under fp with the default TTL. Framing headers are
// stripped before storage.
func (c *ResponseCache) Put(fp string, status int, headers http.Header, body []byte) Entry {
	now := c.clock.Now()
	e := Entry{
		Status:     status,
		Headers:    FilterHeaders(headers),
		Body:       append([]byte(nil), body...),
		InsertedAt: now,
		ExpiresAt:  now.Add(c.defaultTTL),
	}
	c.cache.Set(fp, e)
	return e
}

// Purge drops every entry. Hit/miss counters are preserved.
func (c *ResponseCache) Purge() {
	c.cache.InvalidateAll()
}

// Stats reports counters. Size is approximate while eviction is in flight.
func (c *ResponseCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	s := Stats{
		Hits:          hits,
		Misses:        misses,
		Size:          c.cache.EstimatedSize(),
		TotalRequests: total,
	}
	if total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
