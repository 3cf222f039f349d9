package resiliency

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Registry holds one breaker per external collaborator, created on first use.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	defaults  Config
	listeners []StateChangeListener

	clock  func() time.Time
	base   *slog.Logger
	logger *slog.Logger
	meter  metric.Meter
}

// NewRegistry creates a registry whose breakers start from defaults.
func NewRegistry(defaults Config) (*Registry, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
		logger:   slog.Default().With("component", "breaker_registry"),
	}, nil
}

// WithClock sets the clock applied to breakers created afterwards.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// WithLogger sets the logger applied to breakers created afterwards.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.base = logger
	r.logger = logger.With("component", "breaker_registry")
	return r
}

// WithMeter sets the meter applied to breakers created afterwards.
func (r *Registry) WithMeter(meter metric.Meter) *Registry {
	r.meter = meter
	return r
}

// OnStateChange registers a listener on every current and future breaker.
func (r *Registry) OnStateChange(l StateChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
	for _, cb := range r.breakers {
		cb.OnStateChange(l)
	}
}

// Register creates a breaker with an explicit config. It fails if the name is taken.
func (r *Registry) Register(config Config) (*CircuitBreaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.breakers[config.Name]; exists {
		return nil, fmt.Errorf("resiliency: breaker %q already registered", config.Name)
	}
	return r.create(config)
}

// Get returns the named breaker if present.
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// GetOrCreate returns the named breaker, creating it from the defaults.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	if cb, ok := r.Get(name); ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config := r.defaults
	config.Name = name
	// defaults were validated in NewRegistry
	cb, _ := r.create(config)
	return cb
}

// States returns the current state of every breaker.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State()
	}
	return out
}

// Names returns registered breaker names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsHealthy reports whether the named breaker exists and is not OPEN.
func (r *Registry) IsHealthy(name string) bool {
	cb, ok := r.Get(name)
	return ok && cb.State() != StateOpen
}

// ResetAll resets every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
	r.logger.Info("all circuit breakers reset", "count", len(r.breakers))
}

// create must be called with r.mu held.
func (r *Registry) create(config Config) (*CircuitBreaker, error) {
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		return nil, err
	}
	if r.clock != nil {
		cb.WithClock(r.clock)
	}
	if r.meter != nil {
		cb.WithMeter(r.meter)
	}
	if r.base != nil {
		cb.WithLogger(r.base)
	}
	for _, l := range r.listeners {
		cb.OnStateChange(l)
	}
	r.breakers[config.Name] = cb
	return cb, nil
}
