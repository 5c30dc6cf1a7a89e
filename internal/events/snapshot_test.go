package events

import (
	"context"
	"sync"
	"testing"
	"time"

	proxy "github.com/lassohq/lasso/internal"
	"github.com/lassohq/lasso/internal/cache"
	"github.com/lassohq/lasso/internal/ratelimit"
	"github.com/lassohq/lasso/internal/testutil"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newSnapshotter(t *testing.T, logs *fakeLogSource, clock *testutil.ManualClock) *Snapshotter {
	t.Helper()
	respCache, err := cache.New(10, time.Minute, clock)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	limiter := ratelimit.New(10, 1, time.Second, clock)
	return NewSnapshotter(NewBus(logs, nil), logs, respCache, limiter, clock)
}

func TestSnapshotter_ActivityDeltas(t *testing.T) {
	t.Parallel()
	clock := testutil.NewManualClock(t0)
	logs := &fakeLogSource{}
	s := newSnapshotter(t, logs, clock)

	// First tick seeds the baseline: no sample yet.
	logs.stats.Total = 5
	snap := s.assemble(context.Background(), true)
	if len(snap.Activity) != 0 {
		t.Fatalf("activity after seed = %d samples", len(snap.Activity))
	}

	logs.stats.Total = 12
	clock.Advance(5 * time.Second)
	snap = s.assemble(context.Background(), true)
	if len(snap.Activity) != 1 || snap.Activity[0].Delta != 7 {
		t.Fatalf("activity = %+v, want one sample of delta 7", snap.Activity)
	}

	// A counter reset floors the delta at zero instead of going negative.
	logs.stats.Total = 3
	clock.Advance(5 * time.Second)
	snap = s.assemble(context.Background(), true)
	if snap.Activity[len(snap.Activity)-1].Delta != 0 {
		t.Errorf("delta after reset = %d, want 0", snap.Activity[len(snap.Activity)-1].Delta)
	}
}

func TestSnapshotter_RingCapped(t *testing.T) {
	t.Parallel()
	clock := testutil.NewManualClock(t0)
	logs := &fakeLogSource{}
	s := newSnapshotter(t, logs, clock)

	for i := int64(0); i < 30; i++ {
		logs.stats.Total = i
		clock.Advance(5 * time.Second)
		s.assemble(context.Background(), true)
	}
	snap := s.assemble(context.Background(), false)
	if len(snap.Activity) != activityRing {
		t.Errorf("ring = %d samples, want %d", len(snap.Activity), activityRing)
	}
	// Newest sample survives the trim.
	last := snap.Activity[len(snap.Activity)-1]
	if last.Delta != 1 {
		t.Errorf("newest delta = %d, want 1", last.Delta)
	}
}

func TestSnapshotter_OnDemandDoesNotAdvanceRing(t *testing.T) {
	t.Parallel()
	clock := testutil.NewManualClock(t0)
	logs := &fakeLogSource{}
	s := newSnapshotter(t, logs, clock)

	logs.stats.Total = 5
	s.assemble(context.Background(), true) // seed
	logs.stats.Total = 10

	for i := 0; i < 3; i++ {
		snap := s.assemble(context.Background(), false)
		if len(snap.Activity) != 0 {
			t.Fatalf("on-demand snapshot advanced the ring: %+v", snap.Activity)
		}
	}

	// The pending delta lands on the next real tick, undistorted.
	clock.Advance(5 * time.Second)
	snap := s.assemble(context.Background(), true)
	if len(snap.Activity) != 1 || snap.Activity[0].Delta != 5 {
		t.Errorf("activity = %+v, want one sample of delta 5", snap.Activity)
	}
}

func TestSnapshotter_ConcurrentAssemble(t *testing.T) {
	t.Parallel()
	clock := testutil.NewManualClock(t0)
	logs := &fakeLogSource{}
	s := newSnapshotter(t, logs, clock)

	// Ticker-style advances racing with on-demand snapshots from connection
	// goroutines. The race detector flags any unguarded ring access.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.assemble(context.Background(), true)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			snap := s.assemble(context.Background(), false)
			if len(snap.Activity) > activityRing {
				t.Errorf("ring overflow: %d samples", len(snap.Activity))
				return
			}
		}
	}()
	wg.Wait()

	snap := s.assemble(context.Background(), false)
	if len(snap.Activity) != activityRing {
		t.Errorf("ring = %d samples, want %d", len(snap.Activity), activityRing)
	}
}

func TestSnapshotter_Fields(t *testing.T) {
	t.Parallel()
	clock := testutil.NewManualClock(t0)
	logs := &fakeLogSource{stats: proxy.AuditStats{Total: 3}}
	s := newSnapshotter(t, logs, clock)

	clock.Advance(90 * time.Second)
	snap := s.assemble(context.Background(), false)
	if snap.UptimeSeconds != 90 {
		t.Errorf("uptime = %d, want 90", snap.UptimeSeconds)
	}
	if snap.Requests.Total != 3 {
		t.Errorf("requests.total = %d", snap.Requests.Total)
	}
	if !snap.Timestamp.Equal(clock.Now().UTC()) {
		t.Errorf("timestamp = %v", snap.Timestamp)
	}
	if snap.RateLimit.MaxTokens != 10 {
		t.Errorf("rate_limit.max_tokens = %v", snap.RateLimit.MaxTokens)
	}
}

func TestSnapshotter_Alerts(t *testing.T) {
	t.Parallel()
	clock := testutil.NewManualClock(t0)
	logs := &fakeLogSource{}
	s := newSnapshotter(t, logs, clock)

	// The hub is not running, so queued frames stay observable.
	s.checkAlerts(Snapshot{
		Cache: cache.Stats{TotalRequests: 10, Hits: 1, Misses: 9, HitRate: 0.1},
	})
	select {
	case f := <-s.bus.broadcast:
		if f.Type != FrameAlert {
			t.Fatalf("type = %s", f.Type)
		}
		a, _ := f.Data.(Alert)
		if a.Metric != "cache_hit_rate" || a.Level != "info" {
			t.Errorf("alert = %+v", a)
		}
	default:
		t.Fatal("no alert broadcast for a low hit rate")
	}

	s.checkAlerts(Snapshot{
		Memory: MemoryStats{HeapUsed: 95, HeapTotal: 100},
	})
	select {
	case f := <-s.bus.broadcast:
		a, _ := f.Data.(Alert)
		if a.Metric != "heap_ratio" || a.Level != "warning" {
			t.Errorf("alert = %+v", a)
		}
	default:
		t.Fatal("no alert broadcast for heap pressure")
	}

	// A healthy snapshot raises nothing.
	s.checkAlerts(Snapshot{
		Cache:  cache.Stats{TotalRequests: 10, HitRate: 0.9},
		Memory: MemoryStats{HeapUsed: 10, HeapTotal: 100},
	})
	select {
	case f := <-s.bus.broadcast:
		t.Fatalf("unexpected alert: %+v", f)
	default:
	}
}
