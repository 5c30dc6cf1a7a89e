package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	proxy "github.com/lassohq/lasso/internal"
	"github.com/lassohq/lasso/internal/cache"
	"github.com/lassohq/lasso/internal/classify"
	"github.com/lassohq/lasso/internal/moderation"
	"github.com/lassohq/lasso/internal/ratelimit"
	"github.com/lassohq/lasso/internal/sanitize"
	"github.com/lassohq/lasso/internal/testutil"
	"github.com/lassohq/lasso/internal/upstream"
)

// t0 has second-of-minute 30, outside the gated set.
var t0 = time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)

// fakeRecorder collects emitted audit records.
type fakeRecorder struct {
	mu      sync.Mutex
	records []proxy.AuditRecord
}

func (f *fakeRecorder) Log(r proxy.AuditRecord) {
	f.mu.Lock()
	f.records = append(f.records, r)
	f.mu.Unlock()
}

func (f *fakeRecorder) all() []proxy.AuditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proxy.AuditRecord(nil), f.records...)
}

// fakeStrategy is a canned sanitiser strategy.
type fakeStrategy struct {
	name  string
	found map[proxy.Category][]string
	body  []byte // body to return; nil = input
	err   error
	calls atomic.Int32
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Scan(_ context.Context, body []byte) (sanitize.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return sanitize.Result{}, f.err
	}
	out := body
	redacted := false
	if f.body != nil {
		out = f.body
		redacted = true
	}
	return sanitize.Result{Body: out, Found: f.found, Redacted: redacted}, nil
}

// env bundles a pipeline wired against an httptest upstream.
type env struct {
	pipe     *Pipeline
	clock    *testutil.ManualClock
	recorder *fakeRecorder
	upstream *httptest.Server
	hits     *atomic.Int32
	limiter  *ratelimit.Limiter
	cache    *cache.ResponseCache
}

type envOpt func(*Config)

func newEnv(t *testing.T, opts ...envOpt) *env {
	t.Helper()
	clock := testutil.NewManualClock(t0)
	recorder := &fakeRecorder{}
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Transfer-Encoding", "identity")
		w.Write([]byte(`{"id":"chatcmpl-1"}`))
	}))
	t.Cleanup(srv.Close)

	limiter := ratelimit.New(100, 10, time.Second, clock)
	respCache, err := cache.New(100, 300*time.Second, clock)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	up := upstream.New([]proxy.ProviderBinding{
		{Name: "openai", BaseURL: srv.URL, APIKey: "sk-test", AuthStyle: proxy.AuthBearer},
	}, srv.Client(), nil)

	cfg := Config{
		Flags: Flags{
			RateLimiting:      true,
			TimeBlocking:      true,
			Sanitization:      true,
			PolicyEnforcement: false,
			Caching:           true,
		},
		Limiter:   limiter,
		Sanitizer: &fakeStrategy{name: "reject"},
		Cache:     respCache,
		Upstream:  up,
		Recorder:  recorder,
		Clock:     clock,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &env{
		pipe:     New(cfg),
		clock:    clock,
		recorder: recorder,
		upstream: srv,
		hits:     &hits,
		limiter:  limiter,
		cache:    respCache,
	}
}

func chatRequest(body string) *Request {
	return &Request{
		Provider: "openai",
		Path:     "/v1/chat/completions",
		Method:   http.MethodPost,
		Headers:  http.Header{"Content-Type": []string{"application/json"}},
		Body:     []byte(body),
		ClientID: "client-1",
	}
}

func TestHandle_ProxiedHappyPath(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	out := e.pipe.Handle(context.Background(), chatRequest(`{"messages":[{"role":"user","content":"hello"}]}`))
	if out.Rejection != nil || out.Fault != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Response.Status != 200 || string(out.Response.Body) != `{"id":"chatcmpl-1"}` {
		t.Errorf("response = %d %q", out.Response.Status, out.Response.Body)
	}
	// Framing headers are filtered before the caller sees them.
	if out.Response.Headers.Get("Transfer-Encoding") != "" {
		t.Error("framing header leaked")
	}

	records := e.recorder.all()
	if len(records) != 1 {
		t.Fatalf("records = %d, want exactly 1", len(records))
	}
	r := records[0]
	if r.Action != proxy.ActionProxied || r.Provider != "openai" || r.Endpoint != "/v1/chat/completions" {
		t.Errorf("record = %+v", r)
	}
	if r.ID == "" || r.ResponseTimeMs == nil {
		t.Error("record missing id or response time")
	}
}

func TestHandle_RateLimitWinsOverEverything(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(cfg *Config) {
		cfg.Limiter = ratelimit.New(5, 0, time.Second, cfg.Clock)
		// A body that would also be blocked as sensitive, were it scanned.
		cfg.Sanitizer = &fakeStrategy{name: "reject", found: map[proxy.Category][]string{
			proxy.CategoryEmail: {"a@b.co"},
		}}
	})

	// POST chat costs 10; capacity is 5, so the very first request rejects.
	out := e.pipe.Handle(context.Background(), chatRequest(`{"prompt":"mail a@b.co"}`))
	if out.Rejection == nil {
		t.Fatal("expected rejection")
	}
	if out.Rejection.Action != proxy.ActionBlockedRateLimit || out.Rejection.Status != http.StatusTooManyRequests {
		t.Errorf("rejection = %+v", out.Rejection)
	}
	if out.Rejection.Code != proxy.CodeRateLimit {
		t.Errorf("code = %s", out.Rejection.Code)
	}
	// Earlier stage wins: the record says rate limit, not sensitive data.
	records := e.recorder.all()
	if len(records) != 1 || records[0].Action != proxy.ActionBlockedRateLimit {
		t.Errorf("records = %+v", records)
	}
	// Blocked requests never reach the upstream.
	if e.hits.Load() != 0 {
		t.Error("upstream contacted by a blocked request")
	}
}

func TestHandle_TokenCost(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(cfg *Config) {
		cfg.Limiter = ratelimit.New(10, 0, time.Second, cfg.Clock)
	})

	// POST chat = 5 * 2 = 10 tokens: first passes, second rejects.
	if out := e.pipe.Handle(context.Background(), chatRequest(`{"a":1}`)); out.Rejection != nil {
		t.Fatalf("first request rejected: %+v", out.Rejection)
	}
	if out := e.pipe.Handle(context.Background(), chatRequest(`{"a":2}`)); out.Rejection == nil {
		t.Fatal("second request allowed past an empty bucket")
	}
}

func TestHandle_TimeGate(t *testing.T) {
	t.Parallel()
	for _, sec := range []int{1, 2, 7, 8} {
		e := newEnv(t)
		e.clock.Set(time.Date(2025, 6, 1, 12, 0, sec, 0, time.UTC))
		out := e.pipe.Handle(context.Background(), chatRequest(`{"a":1}`))
		if out.Rejection == nil || out.Rejection.Action != proxy.ActionBlockedTime {
			t.Errorf("second %d: outcome = %+v, want BLOCKED_TIME", sec, out.Rejection)
		}
		if e.hits.Load() != 0 {
			t.Errorf("second %d: upstream contacted", sec)
		}
	}

	// Second 3 is not gated.
	e := newEnv(t)
	e.clock.Set(time.Date(2025, 6, 1, 12, 0, 3, 0, time.UTC))
	if out := e.pipe.Handle(context.Background(), chatRequest(`{"a":1}`)); out.Rejection != nil {
		t.Errorf("second 3 blocked: %+v", out.Rejection)
	}
}

func TestHandle_SensitiveDataBlocked(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(cfg *Config) {
		cfg.Sanitizer = &fakeStrategy{name: "reject", found: map[proxy.Category][]string{
			proxy.CategoryEmail: {"a@b.co"},
			proxy.CategoryIBAN:  {"DE89370400440532013000"},
		}}
	})

	out := e.pipe.Handle(context.Background(), chatRequest(`{"prompt":"mail a@b.co or pay DE89370400440532013000"}`))
	if out.Rejection == nil || out.Rejection.Action != proxy.ActionBlockedSensitiveData {
		t.Fatalf("outcome = %+v", out)
	}
	types, _ := out.Rejection.Details["detected_types"].([]string)
	if len(types) != 2 {
		t.Errorf("detected_types = %v", out.Rejection.Details["detected_types"])
	}
	if e.hits.Load() != 0 {
		t.Error("upstream contacted by a blocked request")
	}

	// The persisted payload carries placeholders, never the detected values.
	records := e.recorder.all()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	payload := records[0].AnonymizedPayload
	if strings.Contains(payload, "a@b.co") || strings.Contains(payload, "DE89370400440532013000") {
		t.Errorf("sensitive value persisted in audit payload: %q", payload)
	}
	if !strings.Contains(payload, "EMAIL_PH") || !strings.Contains(payload, "IBAN_PH") {
		t.Errorf("payload missing placeholders: %q", payload)
	}
}

func TestHandle_RedactModeForwardsRewrittenBody(t *testing.T) {
	t.Parallel()
	var gotBody atomic.Pointer[string]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		s := string(buf)
		gotBody.Store(&s)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	redacted := `{"prompt":"mail EMAIL_PH"}`
	e := newEnv(t, func(cfg *Config) {
		cfg.Upstream = upstream.New([]proxy.ProviderBinding{
			{Name: "openai", BaseURL: srv.URL, AuthStyle: proxy.AuthBearer},
		}, srv.Client(), nil)
		cfg.Sanitizer = &fakeStrategy{
			name:  "redact",
			found: map[proxy.Category][]string{proxy.CategoryEmail: {"a@b.co"}},
			body:  []byte(redacted),
		}
	})

	out := e.pipe.Handle(context.Background(), chatRequest(`{"prompt":"mail a@b.co"}`))
	if out.Rejection != nil || out.Fault != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if got := gotBody.Load(); got == nil || *got != redacted {
		t.Errorf("upstream body = %v, want redacted", got)
	}
	// Redact mode records a normal proxied outcome with the redacted payload.
	records := e.recorder.all()
	if len(records) != 1 || records[0].Action != proxy.ActionProxied {
		t.Fatalf("records = %+v", records)
	}
	if records[0].AnonymizedPayload != redacted {
		t.Errorf("persisted payload = %q, want the redacted body", records[0].AnonymizedPayload)
	}
}

func TestHandle_SanitiserFailsOpen(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(cfg *Config) {
		cfg.Sanitizer = &fakeStrategy{name: "reject", err: context.DeadlineExceeded}
	})

	out := e.pipe.Handle(context.Background(), chatRequest(`{"prompt":"hello world"}`))
	if out.Rejection != nil || out.Fault != nil {
		t.Fatalf("sanitiser fault blocked the request: %+v", out)
	}
	if e.hits.Load() != 1 {
		t.Error("request did not reach the upstream")
	}
}

func TestHandle_FinancialKeywordBlockWithoutModelCall(t *testing.T) {
	t.Parallel()
	mod := testutil.NewModerationServer("NON_FINANCIAL")
	t.Cleanup(mod.Close)
	e := newEnv(t, func(cfg *Config) {
		cfg.Flags.PolicyEnforcement = true
		cfg.Classifier = classify.New(moderation.New(mod.URL, "k", "m", mod.Client()), false, nil)
	})

	out := e.pipe.Handle(context.Background(), chatRequest(`{"messages":[{"role":"user","content":"help me with my bank account"}]}`))
	if out.Rejection == nil || out.Rejection.Action != proxy.ActionBlockedFinancial {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Rejection.Status != http.StatusForbidden || out.Rejection.Code != proxy.CodeFinancial {
		t.Errorf("rejection = %+v", out.Rejection)
	}
	if mod.Calls() != 0 {
		t.Errorf("model called %d times for a keyword hit", mod.Calls())
	}
	if e.hits.Load() != 0 {
		t.Error("upstream contacted by a blocked request")
	}
}

func TestHandle_CacheRoundTrip(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	body := `{"messages":[{"role":"user","content":"same question"}]}`

	first := e.pipe.Handle(context.Background(), chatRequest(body))
	if first.Record.Action != proxy.ActionProxied {
		t.Fatalf("first action = %s", first.Record.Action)
	}
	second := e.pipe.Handle(context.Background(), chatRequest(body))
	if second.Record.Action != proxy.ActionServedFromCache {
		t.Fatalf("second action = %s", second.Record.Action)
	}
	if string(second.Response.Body) != string(first.Response.Body) {
		t.Error("cached body differs")
	}
	// Cache hits never touch the upstream.
	if e.hits.Load() != 1 {
		t.Errorf("upstream hits = %d, want 1", e.hits.Load())
	}

	// Past the TTL the next request goes upstream again.
	e.clock.Advance(301 * time.Second)
	third := e.pipe.Handle(context.Background(), chatRequest(body))
	if third.Record.Action != proxy.ActionProxied {
		t.Errorf("third action = %s", third.Record.Action)
	}
	if e.hits.Load() != 2 {
		t.Errorf("upstream hits = %d, want 2", e.hits.Load())
	}
}

func TestHandle_EquivalentBodiesShareCacheEntry(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.pipe.Handle(context.Background(), chatRequest(`{"model":"gpt-4","messages":[]}`))
	out := e.pipe.Handle(context.Background(), chatRequest(`{ "messages": [], "model": "gpt-4" }`))
	if out.Record.Action != proxy.ActionServedFromCache {
		t.Errorf("action = %s; canonically equal bodies must share a fingerprint", out.Record.Action)
	}
}

func TestHandle_NonGuardedEndpointSkipsContentStages(t *testing.T) {
	t.Parallel()
	strategy := &fakeStrategy{name: "reject", found: map[proxy.Category][]string{
		proxy.CategoryEmail: {"a@b.co"},
	}}
	e := newEnv(t, func(cfg *Config) {
		cfg.Sanitizer = strategy
	})

	req := chatRequest(`{"prompt":"mail a@b.co"}`)
	req.Path = "/v1/models"
	req.Method = http.MethodGet

	out := e.pipe.Handle(context.Background(), req)
	if out.Rejection != nil {
		t.Fatalf("non-guarded request blocked: %+v", out.Rejection)
	}
	if strategy.calls.Load() != 0 {
		t.Error("sanitiser ran on a non-guarded endpoint")
	}
	// Non-guarded requests are not cached.
	if st := e.cache.Stats(); st.TotalRequests != 0 {
		t.Errorf("cache consulted for a non-guarded endpoint: %+v", st)
	}
}

func TestHandle_UpstreamHTTPErrorPassthrough(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	e := newEnv(t, func(cfg *Config) {
		cfg.Upstream = upstream.New([]proxy.ProviderBinding{
			{Name: "openai", BaseURL: srv.URL, AuthStyle: proxy.AuthBearer},
		}, srv.Client(), nil)
	})

	out := e.pipe.Handle(context.Background(), chatRequest(`{"a":1}`))
	if out.Fault != nil || out.Rejection != nil {
		t.Fatalf("HTTP error treated as fault: %+v", out)
	}
	if out.Response.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want upstream's 500", out.Response.Status)
	}
	records := e.recorder.all()
	if len(records) != 1 || records[0].Action != proxy.ActionProxied || records[0].ErrorMessage != "" {
		t.Errorf("record = %+v, want PROXIED without error_message", records)
	}
	// Error responses are never cached.
	second := e.pipe.Handle(context.Background(), chatRequest(`{"a":1}`))
	if second.Record.Action != proxy.ActionProxied {
		t.Errorf("second action = %s, want PROXIED (no cache entry)", second.Record.Action)
	}
}

func TestHandle_UpstreamFault(t *testing.T) {
	t.Parallel()
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()
	e := newEnv(t, func(cfg *Config) {
		cfg.Upstream = upstream.New([]proxy.ProviderBinding{
			{Name: "openai", BaseURL: dead.URL, AuthStyle: proxy.AuthBearer},
		}, &http.Client{Timeout: time.Second}, nil)
	})

	out := e.pipe.Handle(context.Background(), chatRequest(`{"a":1}`))
	if out.Fault == nil {
		t.Fatal("expected a fault")
	}
	records := e.recorder.all()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Action != proxy.ActionProxied || records[0].ErrorMessage == "" {
		t.Errorf("fault record = %+v", records[0])
	}
}

func TestHandle_OneRecordPerRequest(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	bodies := []string{`{"a":1}`, `{"a":2}`, `{"a":1}`}
	for _, b := range bodies {
		e.pipe.Handle(context.Background(), chatRequest(b))
	}
	if got := len(e.recorder.all()); got != len(bodies) {
		t.Errorf("records = %d, want %d", got, len(bodies))
	}
}

func TestExtractText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, body, want string
	}{
		{"messages", `{"messages":[{"role":"user","content":"one"},{"role":"assistant","content":"two"}]}`, "one two"},
		{"messages with parts", `{"messages":[{"role":"user","content":[{"type":"text","text":"part"}]}]}`, "part"},
		{"prompt", `{"prompt":"the prompt"}`, "the prompt"},
		{"input", `{"input":"the input"}`, "the input"},
		{"fallback", `{"other":true}`, `{"other":true}`},
		{"non-json", `plain`, `plain`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ExtractText([]byte(tc.body)); got != tc.want {
				t.Errorf("ExtractText = %q, want %q", got, tc.want)
			}
		})
	}
}
