// Package pipeline runs the fixed stage sequence every proxied request goes
// through: rate limit, time gate, sanitisation, policy classification, cache
// lookup, upstream dispatch, cache insertion, audit. Stages 1-5 short-circuit
// with a Rejection or a cached response; a blocked request never reaches the
// upstream.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	proxy "github.com/lassohq/lasso/internal"
	"github.com/lassohq/lasso/internal/cache"
	"github.com/lassohq/lasso/internal/classify"
	"github.com/lassohq/lasso/internal/events"
	"github.com/lassohq/lasso/internal/ratelimit"
	"github.com/lassohq/lasso/internal/sanitize"
	"github.com/lassohq/lasso/internal/telemetry"
	"github.com/lassohq/lasso/internal/upstream"
)

// blockedSeconds are the seconds-of-minute during which the time gate
// rejects guarded traffic.
var blockedSeconds = map[int]bool{1: true, 2: true, 7: true, 8: true}

// Flags enables or disables individual stages.
type Flags struct {
	RateLimiting      bool
	TimeBlocking      bool
	Sanitization      bool
	PolicyEnforcement bool
	Caching           bool
}

// Recorder receives the one audit record produced per request.
type Recorder interface {
	Log(r proxy.AuditRecord)
}

// Pipeline wires the stage collaborators.
type Pipeline struct {
	flags      Flags
	limiter    *ratelimit.Limiter
	sanitizer  sanitize.Strategy
	classifier *classify.Classifier
	cache      *cache.ResponseCache
	upstream   *upstream.Client
	recorder   Recorder
	bus        *events.Bus
	clock      proxy.Clock
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	log        *slog.Logger
	sf         singleflight.Group
}

// Config collects the pipeline dependencies.
type Config struct {
	Flags      Flags
	Limiter    *ratelimit.Limiter
	Sanitizer  sanitize.Strategy
	Classifier *classify.Classifier
	Cache      *cache.ResponseCache
	Upstream   *upstream.Client
	Recorder   Recorder
	Bus        *events.Bus
	Clock      proxy.Clock
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

// New builds a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = proxy.SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		flags:      cfg.Flags,
		limiter:    cfg.Limiter,
		sanitizer:  cfg.Sanitizer,
		classifier: cfg.Classifier,
		cache:      cfg.Cache,
		upstream:   cfg.Upstream,
		recorder:   cfg.Recorder,
		bus:        cfg.Bus,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		tracer:     telemetry.Tracer("lasso/pipeline"),
		log:        cfg.Logger,
	}
}

// dispatched carries the shared result of a deduplicated upstream round trip.
type dispatched struct {
	resp      *Response
	fromCache bool
}

// Handle runs every stage for one request and returns the terminal outcome.
// The audit record and request event have already been emitted when Handle
// returns.
func (p *Pipeline) Handle(ctx context.Context, req *Request) Outcome {
	ctx, span := p.tracer.Start(ctx, "pipeline.handle",
		trace.WithAttributes(
			attribute.String("provider", req.Provider),
			attribute.String("endpoint", req.Path),
		))
	defer span.End()

	start := p.clock.Now()
	guarded := proxy.GuardedEndpoint(req.Path)
	body := req.Body

	// Stage 1: rate limit.
	if p.flags.RateLimiting {
		cost := tokenCost(req.Path, req.Method)
		if !p.limiter.TryConsume(req.ClientID, cost) {
			status := p.limiter.Status(req.ClientID)
			return p.reject(ctx, req, body, proxy.Rejection{
				Action:  proxy.ActionBlockedRateLimit,
				Code:    proxy.CodeRateLimit,
				Status:  http.StatusTooManyRequests,
				Message: "rate limit exceeded",
				Details: map[string]any{
					"remaining":  status.Remaining,
					"max_tokens": status.MaxTokens,
					"reset_at":   status.ResetAt.UTC(),
				},
			})
		}
	}

	// Stage 2: time gate.
	if p.flags.TimeBlocking {
		if sec := p.clock.Now().Second(); blockedSeconds[sec] {
			return p.reject(ctx, req, body, proxy.Rejection{
				Action:  proxy.ActionBlockedTime,
				Code:    proxy.CodeTimeBlocked,
				Status:  http.StatusForbidden,
				Message: fmt.Sprintf("requests are blocked during second %d of each minute", sec),
			})
		}
	}

	// Stage 3: sanitisation. Detector faults fail open.
	if guarded && p.flags.Sanitization && p.sanitizer != nil {
		result, err := p.sanitizer.Scan(ctx, body)
		switch {
		case err != nil:
			p.log.WarnContext(ctx, "sanitiser unavailable, passing request through",
				"provider", req.Provider, "error", err)
		case len(result.Found) > 0 && p.sanitizer.Name() == "reject":
			// The audit row must not carry the detected values themselves.
			return p.reject(ctx, req, sanitize.Redact(body, result.Found), proxy.Rejection{
				Action:  proxy.ActionBlockedSensitiveData,
				Code:    proxy.CodeSensitiveData,
				Status:  http.StatusForbidden,
				Message: "request contains sensitive data",
				Details: map[string]any{"detected_types": result.Categories()},
			})
		default:
			body = result.Body
		}
	}

	// Stage 4: policy classification.
	if guarded && p.flags.PolicyEnforcement && p.classifier != nil {
		if p.classifier.IsFinancial(ctx, ExtractText(body)) {
			return p.reject(ctx, req, body, proxy.Rejection{
				Action:  proxy.ActionBlockedFinancial,
				Code:    proxy.CodeFinancial,
				Status:  http.StatusForbidden,
				Message: "financial service requests are not permitted through this proxy",
			})
		}
	}

	// Stages 5-7: cache lookup, upstream dispatch, cache insertion. Guarded
	// cacheable requests are deduplicated per fingerprint so concurrent
	// identical misses produce one upstream call.
	cacheable := guarded && p.flags.Caching && p.cache != nil
	var (
		d   dispatched
		err error
	)
	if cacheable {
		fp := cache.Fingerprint(req.Provider, req.Path, body)
		v, dispatchErr, _ := p.sf.Do(fp, func() (any, error) {
			if entry, ok := p.cache.Get(fp); ok {
				if p.metrics != nil {
					p.metrics.CacheHits.Inc()
				}
				return dispatched{resp: entryResponse(entry), fromCache: true}, nil
			}
			if p.metrics != nil {
				p.metrics.CacheMisses.Inc()
			}
			resp, upErr := p.dispatch(ctx, req, body)
			if upErr != nil {
				return nil, upErr
			}
			if resp.Status == http.StatusOK {
				p.cache.Put(fp, resp.Status, resp.Headers, resp.Body)
			}
			return dispatched{resp: resp}, nil
		})
		if dispatchErr != nil {
			err = dispatchErr
		} else {
			d = v.(dispatched)
		}
	} else {
		var resp *Response
		resp, err = p.dispatch(ctx, req, body)
		d = dispatched{resp: resp}
	}

	elapsed := p.clock.Now().Sub(start).Milliseconds()

	if err != nil {
		record := p.emit(ctx, proxy.AuditRecord{
			Provider:          req.Provider,
			Endpoint:          req.Path,
			Action:            proxy.ActionProxied,
			AnonymizedPayload: string(body),
			ResponseTimeMs:    &elapsed,
			ErrorMessage:      err.Error(),
		})
		span.RecordError(err)
		return Outcome{Fault: err, Record: record}
	}

	// Stage 8: respond and log.
	action := proxy.ActionProxied
	if d.fromCache {
		action = proxy.ActionServedFromCache
	}
	record := p.emit(ctx, proxy.AuditRecord{
		Provider:          req.Provider,
		Endpoint:          req.Path,
		Action:            action,
		AnonymizedPayload: string(body),
		ResponseTimeMs:    &elapsed,
	})
	span.SetAttributes(attribute.String("action", string(action)))
	return Outcome{Response: d.resp, Record: record}
}

// dispatch runs the upstream call with its own span and latency metric.
func (p *Pipeline) dispatch(ctx context.Context, req *Request, body []byte) (*Response, error) {
	ctx, span := p.tracer.Start(ctx, "upstream.dispatch",
		trace.WithAttributes(attribute.String("provider", req.Provider)))
	defer span.End()

	start := p.clock.Now()
	resp, err := p.upstream.Dispatch(ctx, req.Provider, req.Path, req.RawQuery, req.Method, req.Headers, body)
	if p.metrics != nil {
		p.metrics.UpstreamDuration.WithLabelValues(req.Provider).
			Observe(p.clock.Now().Sub(start).Seconds())
		if err != nil {
			p.metrics.UpstreamFaults.WithLabelValues(req.Provider).Inc()
		}
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &Response{
		Status:  resp.Status,
		Headers: cache.FilterHeaders(resp.Headers),
		Body:    resp.Body,
	}, nil
}

// reject finalises a short-circuit: one audit record, one request event, no
// upstream contact.
func (p *Pipeline) reject(ctx context.Context, req *Request, body []byte, rej proxy.Rejection) Outcome {
	if p.metrics != nil && rej.Action == proxy.ActionBlockedRateLimit {
		p.metrics.RateLimitRejects.WithLabelValues(req.Provider).Inc()
	}
	record := p.emit(ctx, proxy.AuditRecord{
		Provider:          req.Provider,
		Endpoint:          req.Path,
		Action:            rej.Action,
		AnonymizedPayload: string(body),
		ErrorMessage:      rej.Message,
	})
	return Outcome{Rejection: &rej, Record: record}
}

// emit queues exactly one audit record and one request event. The record id
// and timestamp are assigned here so the broadcast and the stored row match.
func (p *Pipeline) emit(ctx context.Context, r proxy.AuditRecord) proxy.AuditRecord {
	r.ID = newRecordID()
	r.Timestamp = p.clock.Now().UTC()
	if p.recorder != nil {
		p.recorder.Log(r)
	}
	if p.bus != nil {
		p.bus.BroadcastRequest(r)
	}
	if p.metrics != nil {
		p.metrics.PipelineOutcomes.WithLabelValues(r.Provider, string(r.Action)).Inc()
	}
	p.log.LogAttrs(ctx, slog.LevelInfo, "request processed",
		slog.String("provider", r.Provider),
		slog.String("endpoint", r.Endpoint),
		slog.String("action", string(r.Action)),
	)
	return r
}

func newRecordID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func entryResponse(e cache.Entry) *Response {
	return &Response{
		Status:  e.Status,
		Headers: cache.FilterHeaders(e.Headers),
		Body:    e.Body,
	}
}

// tokenCost prices a request: base 1, guarded endpoints 5, POST doubles.
func tokenCost(path, method string) float64 {
	cost := 1.0
	if proxy.GuardedEndpoint(path) {
		cost = 5
	}
	if method == http.MethodPost {
		cost *= 2
	}
	return cost
}
