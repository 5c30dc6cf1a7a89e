package upstream

import (
	"sync"
	"time"

	proxy "github.com/lassohq/lasso/internal"
)

// breakerState is the per-provider circuit state.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerConfig tunes the per-provider circuit breaker. Only transport
// faults count against a provider; HTTP error statuses are the provider
// answering and do not trip the circuit.
type BreakerConfig struct {
	FaultThreshold int           // consecutive transport faults to open
	OpenTimeout    time.Duration // open duration before a half-open probe
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FaultThreshold: 5, OpenTimeout: 30 * time.Second}
}

// breaker is one provider's circuit.
type breaker struct {
	mu       sync.Mutex
	state    breakerState
	faults   int
	openedAt time.Time
	probing  bool
	cfg      BreakerConfig
	clock    proxy.Clock
}

// allow reports whether a dispatch may proceed. In half-open state exactly
// one probe is admitted at a time.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
			b.state = breakerHalfOpen
			b.probing = true
			return true
		}
		return false
	case breakerHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// recordSuccess notes a completed HTTP exchange, regardless of status code.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = 0
	if b.state == breakerHalfOpen {
		b.state = breakerClosed
		b.probing = false
	}
}

// recordFault notes a transport fault and opens the circuit at the threshold.
func (b *breaker) recordFault() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults++
	switch b.state {
	case breakerClosed:
		if b.faults >= b.cfg.FaultThreshold {
			b.state = breakerOpen
			b.openedAt = b.clock.Now()
		}
	case breakerHalfOpen:
		b.state = breakerOpen
		b.openedAt = b.clock.Now()
		b.probing = false
	}
}

// BreakerSet holds one breaker per provider, created lazily.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	cfg      BreakerConfig
	clock    proxy.Clock
}

// NewBreakerSet builds a registry of per-provider breakers.
func NewBreakerSet(cfg BreakerConfig, clock proxy.Clock) *BreakerSet {
	if clock == nil {
		clock = proxy.SystemClock()
	}
	return &BreakerSet{
		breakers: make(map[string]*breaker),
		cfg:      cfg,
		clock:    clock,
	}
}

func (s *BreakerSet) get(provider string) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[provider]
	if !ok {
		b = &breaker{cfg: s.cfg, clock: s.clock}
		s.breakers[provider] = b
	}
	return b
}

// States returns the current state name per provider, for the dashboard.
func (s *BreakerSet) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.breakers))
	for name, b := range s.breakers {
		b.mu.Lock()
		out[name] = b.state.String()
		b.mu.Unlock()
	}
	return out
}
