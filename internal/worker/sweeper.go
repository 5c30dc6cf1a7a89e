package worker

import (
	"context"
	"log/slog"
	"time"

	proxy "github.com/lassohq/lasso/internal"
	"github.com/lassohq/lasso/internal/ratelimit"
)

const (
	sweepEvery   = time.Hour
	bucketMaxAge = 24 * time.Hour
)

// BucketSweeper periodically drops rate-limit buckets idle for more than a
// day, keeping the identity map from growing without bound.
type BucketSweeper struct {
	limiter *ratelimit.Limiter
	clock   proxy.Clock
}

// NewBucketSweeper creates a sweeper for the limiter.
func NewBucketSweeper(limiter *ratelimit.Limiter, clock proxy.Clock) *BucketSweeper {
	if clock == nil {
		clock = proxy.SystemClock()
	}
	return &BucketSweeper{limiter: limiter, clock: clock}
}

// Name returns the worker identifier.
func (s *BucketSweeper) Name() string { return "bucket_sweeper" }

// Run sweeps hourly until ctx is cancelled.
func (s *BucketSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed := s.limiter.Sweep(s.clock.Now().Add(-bucketMaxAge))
			if removed > 0 {
				slog.Info("stale rate-limit buckets swept", "removed", removed)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
