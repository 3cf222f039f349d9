package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is the per-agent rate limit.
type Policy struct {
	RPM   int `json:"rpm" yaml:"rpm"`
	Burst int `json:"burst" yaml:"burst"`
}

// perSecond converts RPM, falling back to one token per second.
func (p Policy) perSecond() float64 {
	r := float64(p.RPM) / 60.0
	if r <= 0 {
		return 1
	}
	return r
}

func (p Policy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// LimiterStore holds the token buckets, one per agent.
type LimiterStore interface {
	// Allow reports whether agent may spend cost tokens now.
	Allow(ctx context.Context, agent string, policy Policy, cost int) (bool, error)
}

// InMemoryLimiterStore keeps buckets in process. Suitable for a single
// dispatcher instance.
type InMemoryLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	clock    func() time.Time
}

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *InMemoryLimiterStore) WithClock(clock func() time.Time) *InMemoryLimiterStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

func (s *InMemoryLimiterStore) Allow(ctx context.Context, agent string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[agent]
	if !ok {
		l = rate.NewLimiter(rate.Limit(policy.perSecond()), policy.burst())
		s.limiters[agent] = l
	}
	return l.AllowN(s.clock(), cost), nil
}

// checkAllowed wraps store errors and treats a nil store as unlimited.
func checkAllowed(ctx context.Context, store LimiterStore, agent string, policy Policy) (bool, error) {
	if store == nil {
		return true, nil
	}
	ok, err := store.Allow(ctx, agent, policy, 1)
	if err != nil {
		return false, fmt.Errorf("dispatch: limiter check for %s: %w", agent, err)
	}
	return ok, nil
}
