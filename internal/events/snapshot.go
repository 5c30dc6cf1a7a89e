package events

import (
	"context"
	"runtime"
	"sync"
	"time"

	proxy "github.com/lassohq/lasso/internal"
	"github.com/lassohq/lasso/internal/cache"
	"github.com/lassohq/lasso/internal/ratelimit"
)

const (
	snapshotEvery = 5 * time.Second
	activityRing  = 20

	heapAlertRatio  = 0.8
	hitRateAlertMin = 0.3
)

// ActivitySample is one point of the recent-activity series.
type ActivitySample struct {
	Timestamp time.Time `json:"timestamp"`
	Delta     int64     `json:"delta"`
}

// MemoryStats is the heap view included in each snapshot.
type MemoryStats struct {
	HeapUsed  uint64 `json:"heap_used"`
	HeapTotal uint64 `json:"heap_total"`
}

// Snapshot is the monitoring-update payload.
type Snapshot struct {
	Timestamp     time.Time        `json:"timestamp"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Requests      proxy.AuditStats `json:"requests"`
	Cache         cache.Stats      `json:"cache"`
	RateLimit     ratelimit.Stats  `json:"rate_limit"`
	Memory        MemoryStats      `json:"memory"`
	Activity      []ActivitySample `json:"activity"`
	Clients       int64            `json:"ws_clients"`
}

// Snapshotter assembles periodic monitoring snapshots and pushes them to the
// bus, along with heuristic alerts.
type Snapshotter struct {
	bus     *Bus
	audit   LogSource
	cache   *cache.ResponseCache
	limiter *ratelimit.Limiter
	clock   proxy.Clock
	started time.Time

	// mu guards the activity ring: the ticker in Run advances it while
	// on-demand snapshots read it from per-connection goroutines.
	mu        sync.Mutex
	ring      []ActivitySample
	lastTotal int64
	hasTotal  bool
}

// NewSnapshotter wires the snapshot sources and registers the on-demand
// assembler on the bus.
func NewSnapshotter(bus *Bus, audit LogSource, c *cache.ResponseCache, l *ratelimit.Limiter, clock proxy.Clock) *Snapshotter {
	if clock == nil {
		clock = proxy.SystemClock()
	}
	s := &Snapshotter{
		bus:     bus,
		audit:   audit,
		cache:   c,
		limiter: l,
		clock:   clock,
		started: clock.Now(),
	}
	bus.SetSnapshotFunc(func(ctx context.Context) Frame {
		return Frame{Type: FrameMonitoring, Data: s.assemble(ctx, false)}
	})
	return s
}

// Name returns the worker identifier.
func (s *Snapshotter) Name() string { return "snapshotter" }

// Run pushes a snapshot every tick until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(snapshotEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := s.assemble(ctx, true)
			s.bus.Broadcast(Frame{Type: FrameMonitoring, Data: snap})
			s.checkAlerts(snap)
		case <-ctx.Done():
			return nil
		}
	}
}

// assemble samples every source. advanceRing is true only on the 5 s tick so
// on-demand snapshots do not distort the activity series.
func (s *Snapshotter) assemble(ctx context.Context, advanceRing bool) Snapshot {
	now := s.clock.Now()

	requests, err := s.audit.Stats(ctx)
	if err != nil {
		requests = proxy.AuditStats{}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.mu.Lock()
	if advanceRing {
		s.advance(now, requests.Total)
	}
	activity := append([]ActivitySample(nil), s.ring...)
	s.mu.Unlock()

	return Snapshot{
		Timestamp:     now.UTC(),
		UptimeSeconds: int64(now.Sub(s.started).Seconds()),
		Requests:      requests,
		Cache:         s.cache.Stats(),
		RateLimit:     s.limiter.Stats(),
		Memory:        MemoryStats{HeapUsed: mem.HeapAlloc, HeapTotal: mem.HeapSys},
		Activity:      activity,
		Clients:       s.bus.ClientCount(),
	}
}

// advance appends the tick-aligned request delta, floored at zero so a
// counter reset never produces a negative sample. Callers hold mu.
func (s *Snapshotter) advance(now time.Time, total int64) {
	if !s.hasTotal {
		s.lastTotal = total
		s.hasTotal = true
		return
	}
	delta := total - s.lastTotal
	if delta < 0 {
		delta = 0
	}
	s.lastTotal = total
	s.ring = append(s.ring, ActivitySample{Timestamp: now.UTC(), Delta: delta})
	if len(s.ring) > activityRing {
		s.ring = s.ring[len(s.ring)-activityRing:]
	}
}

func (s *Snapshotter) checkAlerts(snap Snapshot) {
	if snap.Memory.HeapTotal > 0 {
		ratio := float64(snap.Memory.HeapUsed) / float64(snap.Memory.HeapTotal)
		if ratio > heapAlertRatio {
			s.bus.BroadcastAlert(Alert{
				Level:   "warning",
				Message: "heap usage above 80% of reserved memory",
				Metric:  "heap_ratio",
				Value:   ratio,
			})
		}
	}
	if snap.Cache.TotalRequests > 0 && snap.Cache.HitRate < hitRateAlertMin {
		s.bus.BroadcastAlert(Alert{
			Level:   "info",
			Message: "cache hit rate below 30%",
			Metric:  "cache_hit_rate",
			Value:   snap.Cache.HitRate,
		})
	}
}
