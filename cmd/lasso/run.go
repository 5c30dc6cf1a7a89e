package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/lassohq/lasso/internal/audit"
	"github.com/lassohq/lasso/internal/cache"
	"github.com/lassohq/lasso/internal/classify"
	"github.com/lassohq/lasso/internal/config"
	"github.com/lassohq/lasso/internal/events"
	"github.com/lassohq/lasso/internal/moderation"
	"github.com/lassohq/lasso/internal/pipeline"
	"github.com/lassohq/lasso/internal/ratelimit"
	"github.com/lassohq/lasso/internal/sanitize"
	"github.com/lassohq/lasso/internal/server"
	"github.com/lassohq/lasso/internal/telemetry"
	"github.com/lassohq/lasso/internal/upstream"
	"github.com/lassohq/lasso/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting lasso", "version", version, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	// Audit log
	store, err := audit.NewStore(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	auditLogger := audit.NewLogger(store)

	// Rate limiter and cache
	limiter := ratelimit.New(cfg.RateLimit.MaxTokens, cfg.RateLimit.RefillRate, cfg.RateLimit.RefillInterval, nil)
	respCache, err := cache.New(cfg.Cache.MaxSize, cfg.Cache.TTL, nil)
	if err != nil {
		return err
	}

	// Upstream
	bindings, err := cfg.Bindings()
	if err != nil {
		return err
	}
	resolver := &dnscache.Resolver{}
	go refreshDNS(ctx, resolver)
	up := upstream.New(bindings, &http.Client{
		Transport: upstream.NewTransport(resolver),
		Timeout:   cfg.Server.UpstreamTimeout,
	}, upstream.NewBreakerSet(upstream.DefaultBreakerConfig(), nil))

	// Moderation LLM: sensitive-data detection and policy classification
	mod := cfg.ModerationBinding()
	modClient := moderation.New(mod.BaseURL, mod.APIKey, mod.Model, &http.Client{
		Timeout: cfg.Server.UpstreamTimeout,
	})
	detector := sanitize.NewLLMDetector(modClient)
	var strategy sanitize.Strategy
	switch mod.Mode {
	case "redact":
		strategy = sanitize.NewRedactStrategy(detector)
	default:
		strategy = sanitize.NewRejectStrategy(detector)
	}
	classifier := classify.New(modClient, mod.Strict, nil)

	// Events
	bus := events.NewBus(store, nil)
	snapshotter := events.NewSnapshotter(bus, store, respCache, limiter, nil)

	flags := pipeline.Flags{
		RateLimiting:      cfg.Features.RateLimitingEnabled(),
		TimeBlocking:      cfg.Features.TimeBlockingEnabled(),
		Sanitization:      cfg.Features.SanitizationEnabled(),
		PolicyEnforcement: cfg.Features.PolicyEnabled(),
		Caching:           cfg.Features.CachingEnabled(),
	}
	pipe := pipeline.New(pipeline.Config{
		Flags:      flags,
		Limiter:    limiter,
		Sanitizer:  strategy,
		Classifier: classifier,
		Cache:      respCache,
		Upstream:   up,
		Recorder:   auditLogger,
		Bus:        bus,
		Metrics:    metrics,
	})

	handler := server.New(server.Deps{
		Pipeline:     pipe,
		Audit:        store,
		AuditLogger:  auditLogger,
		Cache:        respCache,
		Limiter:      limiter,
		Upstream:     up,
		Bus:          bus,
		Metrics:      metrics,
		ReadyCheck:   store.Ping,
		Flags:        flags,
		SanitizeMode: strategy.Name(),
	})

	// Background workers
	runner := worker.NewRunner(
		auditLogger,
		bus,
		snapshotter,
		worker.NewBucketSweeper(limiter, nil),
		&gaugeWorker{metrics: metrics, bus: bus, logger: auditLogger},
	)
	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(ctx) }()

	// Bind, probing successive ports when the requested one is taken.
	ln, port, err := listen(cfg.Server.Port, cfg.Server.PortProbes)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("lasso ready", "port", port, "providers", len(bindings))

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Workers drain after the listener stops accepting.
	if err := <-workerErr; err != nil {
		return err
	}

	slog.Info("lasso stopped")
	return nil
}

// listen binds the first free port in [base, base+probes).
func listen(base, probes int) (net.Listener, int, error) {
	if probes < 1 {
		probes = 1
	}
	for i := 0; i < probes; i++ {
		port := base + i
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			if i > 0 {
				slog.Warn("port in use, bound to fallback", "requested", base, "bound", port)
			}
			return ln, port, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, err
		}
	}
	return nil, 0, fmt.Errorf("no free port in range %d-%d", base, base+probes-1)
}

// refreshDNS re-resolves cached entries periodically.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			resolver.Refresh(true)
		case <-ctx.Done():
			return
		}
	}
}

// gaugeWorker samples queue depths into Prometheus gauges.
type gaugeWorker struct {
	metrics *telemetry.Metrics
	bus     *events.Bus
	logger  *audit.Logger
}

func (g *gaugeWorker) Name() string { return "gauge_poller" }

func (g *gaugeWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.metrics.EventClients.Set(float64(g.bus.ClientCount()))
			g.metrics.AuditQueueLength.Set(float64(g.logger.QueueLen()))
		case <-ctx.Done():
			return nil
		}
	}
}
