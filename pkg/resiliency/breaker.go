// Package resiliency guards calls to external collaborators.
//
// CircuitBreaker implements a three-state call guard:
//   - CLOSED: calls execute, consecutive failures are counted
//   - OPEN: calls are rejected without executing until the timeout elapses
//   - HALF_OPEN: trial calls probe whether the collaborator recovered
//
// A rejected call is not an error: Call reports ok=false and a nil error.
// Errors from the wrapped operation are always returned unchanged.
package resiliency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

var (
	// ErrCircuitOpen is returned by Do when the breaker rejects a call.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrInvalidConfig is returned for non-positive thresholds or timeout.
	ErrInvalidConfig = errors.New("resiliency: invalid circuit breaker config")
)

// Config configures a CircuitBreaker.
type Config struct {
	Name             string        `json:"name" yaml:"name"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns 5 failures to open, 2 successes to close and a 60s cooldown.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

// Validate checks that thresholds and timeout are positive.
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("%w: failure_threshold must be > 0, got %d", ErrInvalidConfig, c.FailureThreshold)
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("%w: success_threshold must be > 0, got %d", ErrInvalidConfig, c.SuccessThreshold)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be > 0, got %s", ErrInvalidConfig, c.Timeout)
	}
	return nil
}

// Stats are the cumulative breaker counters.
type Stats struct {
	TotalRequests        uint64    `json:"total_requests"`
	TotalSuccesses       uint64    `json:"total_successes"`
	TotalFailures        uint64    `json:"total_failures"`
	TotalRejections      uint64    `json:"total_rejections"` // rejected while OPEN
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	StateChanges         uint64    `json:"state_changes"`
	LastStateChange      time.Time `json:"last_state_change,omitempty"`
	LastFailureTime      time.Time `json:"last_failure_time,omitempty"`
	LastFailureReason    string    `json:"last_failure_reason,omitempty"`
	LastFailureType      string    `json:"last_failure_type,omitempty"`
}

// SuccessRate is successes/requests in percent. Rejections count as requests.
func (s Stats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalSuccesses) / float64(s.TotalRequests) * 100
}

// FailureRate is 100 - SuccessRate.
func (s Stats) FailureRate() float64 {
	return 100 - s.SuccessRate()
}

// Operation is a call guarded by a breaker.
type Operation func(ctx context.Context) (any, error)

// StateChangeListener is notified after every transition.
type StateChangeListener func(name string, from, to State)

// CircuitBreaker is safe for concurrent use. The wrapped operation runs
// outside the breaker lock.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	state  State
	stats  Stats
	// openedAt anchors the cooldown at the last failure. Zero means no failure.
	openedAt  time.Time
	listeners []StateChangeListener

	clock  func() time.Time
	logger *slog.Logger

	transitionCounter metric.Int64Counter
	rejectionCounter  metric.Int64Counter
}

// NewCircuitBreaker creates a CLOSED breaker.
func NewCircuitBreaker(config Config) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Name == "" {
		config.Name = "CircuitBreaker"
	}

	cb := &CircuitBreaker{
		config: config,
		state:  StateClosed,
		clock:  time.Now,
		logger: slog.Default().With("component", "circuit_breaker", "breaker", config.Name),
	}
	cb.WithMeter(otel.Meter("orchestra/resiliency"))

	cb.logger.Info("circuit breaker initialized",
		"failure_threshold", config.FailureThreshold,
		"success_threshold", config.SuccessThreshold,
		"timeout", config.Timeout,
	)
	return cb, nil
}

// WithClock overrides the clock for testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.clock = clock
	return cb
}

// WithLogger overrides the logger.
func (cb *CircuitBreaker) WithLogger(logger *slog.Logger) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.logger = logger.With("component", "circuit_breaker", "breaker", cb.config.Name)
	return cb
}

// WithMeter records transitions and rejections on the given meter.
func (cb *CircuitBreaker) WithMeter(meter metric.Meter) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionCounter, _ = meter.Int64Counter("orchestra.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	cb.rejectionCounter, _ = meter.Int64Counter("orchestra.breaker.rejections",
		metric.WithDescription("Calls rejected while the circuit was open"),
		metric.WithUnit("{call}"),
	)
	return cb
}

// OnStateChange registers a listener. Listeners run synchronously while the
// breaker lock is held and must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(l StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, l)
}

// Call runs op through the breaker.
//
// ok is false when the breaker was OPEN and op was not invoked; err is nil in
// that case. Otherwise ok is true and result/err are op's own return values.
func (cb *CircuitBreaker) Call(ctx context.Context, op Operation) (result any, ok bool, err error) {
	if !cb.admit(ctx) {
		return nil, false, nil
	}

	result, err = op(ctx)
	if err != nil {
		cb.onFailure(ctx, err)
		return result, true, err
	}
	cb.onSuccess(ctx)
	return result, true, nil
}

// Do is Call for callers that cannot distinguish a skipped call: a rejection
// becomes ErrCircuitOpen.
func (cb *CircuitBreaker) Do(ctx context.Context, op Operation) (any, error) {
	result, ok, err := cb.Call(ctx, op)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, cb.config.Name)
	}
	return result, err
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Config returns the breaker configuration.
func (cb *CircuitBreaker) Config() Config {
	return cb.config
}

// State returns the current state. An expired OPEN state is still reported as
// OPEN until the next call flips it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a copy of the counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}

// ForceOpen opens the circuit. The cooldown still counts from the last
// failure; with no failure recorded the next call probes immediately.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(context.Background(), StateOpen)
	cb.logger.Warn("circuit breaker forced open")
}

// ForceClosed closes the circuit without touching the counters.
func (cb *CircuitBreaker) ForceClosed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(context.Background(), StateClosed)
	cb.logger.Warn("circuit breaker forced closed")
}

// Reset returns the breaker to CLOSED with zeroed stats.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(context.Background(), StateClosed)
	cb.stats = Stats{}
	cb.openedAt = time.Time{}
	cb.logger.Info("circuit breaker reset")
}

// admit counts the request and decides whether op may run.
func (cb *CircuitBreaker) admit(ctx context.Context) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalRequests++

	if cb.state == StateOpen && cb.cooldownElapsed() {
		cb.transitionTo(ctx, StateHalfOpen)
		cb.stats.ConsecutiveSuccesses = 0
		cb.logger.Info("circuit breaker probing recovery")
	}

	if cb.state == StateOpen {
		cb.stats.TotalRejections++
		cb.rejectionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("breaker", cb.config.Name)))
		cb.logger.Warn("circuit open, rejecting call", "rejections", cb.stats.TotalRejections)
		return false
	}
	return true
}

func (cb *CircuitBreaker) cooldownElapsed() bool {
	if cb.openedAt.IsZero() {
		return true
	}
	return cb.clock().Sub(cb.openedAt) >= cb.config.Timeout
}

func (cb *CircuitBreaker) onSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalSuccesses++
	cb.stats.ConsecutiveSuccesses++
	cb.stats.ConsecutiveFailures = 0

	if cb.state == StateHalfOpen && cb.stats.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
		cb.transitionTo(ctx, StateClosed)
		cb.logger.Info("circuit breaker recovered")
	}
}

func (cb *CircuitBreaker) onFailure(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	cb.stats.TotalFailures++
	cb.stats.ConsecutiveFailures++
	cb.stats.ConsecutiveSuccesses = 0
	cb.stats.LastFailureTime = now
	cb.stats.LastFailureReason = err.Error()
	cb.stats.LastFailureType = fmt.Sprintf("%T", err)
	cb.openedAt = now

	switch cb.state {
	case StateHalfOpen:
		cb.transitionTo(ctx, StateOpen)
		cb.logger.Error("circuit breaker reopened during probe", "error", err)
	case StateClosed:
		if cb.stats.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionTo(ctx, StateOpen)
			cb.logger.Error("circuit breaker opened",
				"consecutive_failures", cb.stats.ConsecutiveFailures,
				"error", err,
			)
		}
	}
}

// transitionTo must be called with cb.mu held.
func (cb *CircuitBreaker) transitionTo(ctx context.Context, to State) {
	from := cb.state
	cb.state = to
	cb.stats.StateChanges++
	cb.stats.LastStateChange = cb.clock()

	cb.transitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", cb.config.Name),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	cb.logger.Warn("circuit breaker transition", "from", from, "to", to)

	for _, l := range cb.listeners {
		l(cb.config.Name, from, to)
	}
}

// Execute runs a typed operation through cb. ok is false when the call was
// rejected, in which case the zero T and a nil error are returned.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, op func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	result, ok, err := cb.Call(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if !ok {
		return zero, false, nil
	}
	v, _ := result.(T)
	return v, true, err
}

// Guard wraps op so every invocation goes through cb.
func Guard[T any](cb *CircuitBreaker, op func(ctx context.Context) (T, error)) func(ctx context.Context) (T, bool, error) {
	return func(ctx context.Context) (T, bool, error) {
		return Execute(ctx, cb, op)
	}
}
