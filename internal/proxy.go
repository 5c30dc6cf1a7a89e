// Package proxy defines domain types and interfaces for the Lasso security proxy.
// This package has no project imports -- it is the dependency root.
package proxy

import (
	"context"
	"strings"
	"time"
)

// --- Providers ---

// AuthStyle enumerates how a provider credential is injected into the
// outbound request.
type AuthStyle int

const (
	// AuthBearer sends "Authorization: Bearer <key>".
	AuthBearer AuthStyle = iota
	// AuthHeaderPair sends "x-api-key: <key>" plus a fixed protocol-version header.
	AuthHeaderPair
)

// ProviderBinding maps a virtual provider namespace to its upstream API.
// Bindings are created once at startup and never mutated.
type ProviderBinding struct {
	Name      string
	BaseURL   string
	APIKey    string
	AuthStyle AuthStyle
}

// --- Audit ---

// Action is the terminal outcome label recorded for each inbound request.
type Action string

const (
	ActionProxied              Action = "PROXIED"
	ActionBlockedTime          Action = "BLOCKED_TIME"
	ActionBlockedFinancial     Action = "BLOCKED_FINANCIAL"
	ActionBlockedRateLimit     Action = "BLOCKED_RATE_LIMIT"
	ActionBlockedSensitiveData Action = "BLOCKED_SENSITIVE_DATA"
	ActionServedFromCache      Action = "SERVED_FROM_CACHE"
)

// Actions lists every valid action, in display order.
var Actions = []Action{
	ActionProxied,
	ActionBlockedTime,
	ActionBlockedFinancial,
	ActionBlockedRateLimit,
	ActionBlockedSensitiveData,
	ActionServedFromCache,
}

// ParseAction returns the Action matching s (case-insensitive), or "" if
// s names no known action.
func ParseAction(s string) Action {
	u := Action(strings.ToUpper(s))
	for _, a := range Actions {
		if a == u {
			return a
		}
	}
	return ""
}

// AuditRecord is the durable per-request outcome. Exactly one record is
// produced per inbound proxy request.
type AuditRecord struct {
	ID                string    `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	Provider          string    `json:"provider"`
	Endpoint          string    `json:"endpoint"`
	Action            Action    `json:"action"`
	AnonymizedPayload string    `json:"anonymized_payload,omitempty"`
	ResponseTimeMs    *int64    `json:"response_time_ms,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
}

// AuditStats is the aggregate view over the audit log.
type AuditStats struct {
	Total      int64            `json:"total"`
	ByAction   map[string]int64 `json:"by_action"`
	ByProvider map[string]int64 `json:"by_provider"`
}

// --- Rejections ---

// Code is the stable symbolic error code returned to callers.
type Code string

const (
	CodeRateLimit     Code = "BLOCKED_RATE_LIMIT"
	CodeTimeBlocked   Code = "TIME_BLOCKED"
	CodeSensitiveData Code = "SENSITIVE_DATA_BLOCKED"
	CodeFinancial     Code = "FINANCIAL_BLOCKED"
	CodeInternal      Code = "INTERNAL_ERROR"
)

// Rejection is a first-class policy outcome: a stage refused the request.
// It is not an error -- rejections are expected, carry a stable code, and
// terminate the pipeline with a structured response.
type Rejection struct {
	Action  Action
	Code    Code
	Status  int
	Message string
	Details map[string]any
}

// --- Clock ---

// Clock supplies the current wall-clock instant. The pipeline, rate limiter
// and cache take a Clock so tests can freeze time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// --- Sensitive data categories ---

// Category labels a class of sensitive identifier the sanitiser detects.
type Category string

const (
	CategoryEmail Category = "email"
	CategoryIPv4  Category = "ipv4"
	CategoryIBAN  Category = "iban"
)

// Placeholder returns the redaction token substituted for instances of the
// category in redact mode.
func (c Category) Placeholder() string {
	switch c {
	case CategoryEmail:
		return "EMAIL_PH"
	case CategoryIPv4:
		return "IP_ADDRESS_PH"
	case CategoryIBAN:
		return "IBAN_PH"
	}
	return "REDACTED_PH"
}

// --- Request context ---

type requestIDKey struct{}

// ContextWithRequestID stores the request id in ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "" if none is set.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// GuardedEndpoint reports whether the upstream path is subject to content
// inspection and caching (chat and messages endpoints only).
func GuardedEndpoint(path string) bool {
	return strings.HasSuffix(path, "/chat/completions") || strings.HasSuffix(path, "/messages")
}
