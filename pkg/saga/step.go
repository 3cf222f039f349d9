package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/orchestra/pkg/resiliency"
	"github.com/Mindburn-Labs/orchestra/pkg/retry"
)

// Action performs one step. It may be invoked up to RetryCount+1 times.
type Action interface {
	Execute(ctx context.Context, values *Values) (any, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, values *Values) (any, error)

// Execute implements Action.
func (f ActionFunc) Execute(ctx context.Context, values *Values) (any, error) {
	return f(ctx, values)
}

// Compensation undoes a completed step. It must treat state left behind by a
// step that never ran (e.g. a missing key) as nothing to undo.
type Compensation interface {
	Compensate(ctx context.Context, values *Values) error
}

// CompensationFunc adapts a function to Compensation.
type CompensationFunc func(ctx context.Context, values *Values) error

// Compensate implements Compensation.
func (f CompensationFunc) Compensate(ctx context.Context, values *Values) error {
	return f(ctx, values)
}

// Step is one unit of a saga definition.
type Step struct {
	Name         string
	Action       Action
	Compensation Compensation

	// Timeout bounds each attempt through the ctx passed to Action.
	// Actions that ignore ctx are not interrupted.
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
	// Backoff, when set, replaces the fixed RetryDelay.
	Backoff *retry.Policy
	// Idempotent marks actions safe to retry. Retrying a non-idempotent
	// action may duplicate external effects; deduplication is the caller's job.
	Idempotent bool
}

// StepOption customizes a step built by NewStep.
type StepOption func(*Step)

// NewStep builds a step with the defaults: 30s timeout, 3 retries 1s apart,
// idempotent.
func NewStep(name string, action Action, opts ...StepOption) Step {
	s := Step{
		Name:       name,
		Action:     action,
		Timeout:    30 * time.Second,
		RetryCount: 3,
		RetryDelay: time.Second,
		Idempotent: true,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithCompensation sets the step's compensation.
func WithCompensation(c Compensation) StepOption {
	return func(s *Step) { s.Compensation = c }
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) StepOption {
	return func(s *Step) { s.Timeout = d }
}

// WithRetries sets the retry count and the fixed delay between attempts.
func WithRetries(count int, delay time.Duration) StepOption {
	return func(s *Step) {
		s.RetryCount = count
		s.RetryDelay = delay
	}
}

// WithBackoff replaces the fixed retry delay with an exponential policy.
func WithBackoff(p retry.Policy) StepOption {
	return func(s *Step) { s.Backoff = &p }
}

// NonIdempotent marks the step's action unsafe to retry blindly.
func NonIdempotent() StepOption {
	return func(s *Step) { s.Idempotent = false }
}

// Validate checks the step invariants.
func (s Step) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: empty step name", ErrInvalidStep)
	}
	if s.Action == nil {
		return fmt.Errorf("%w: step %q", ErrNilAction, s.Name)
	}
	if s.RetryCount < 0 {
		return fmt.Errorf("%w: step %q retry_count must be >= 0, got %d", ErrInvalidStep, s.Name, s.RetryCount)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("%w: step %q timeout must not be negative", ErrInvalidStep, s.Name)
	}
	if s.RetryDelay < 0 {
		return fmt.Errorf("%w: step %q retry_delay must not be negative", ErrInvalidStep, s.Name)
	}
	return nil
}

// delay returns the wait after a failed zero-based attempt.
func (s Step) delay(sagaID string, attempt int) time.Duration {
	if s.Backoff != nil {
		return s.Backoff.Delay(sagaID+"/"+s.Name, attempt)
	}
	return s.RetryDelay
}

func validateSteps(steps []Step) error {
	if len(steps) == 0 {
		return ErrNoSteps
	}
	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateStep, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// GuardedAction wraps action so each invocation goes through cb. A call rejected by
// an open circuit fails the attempt with resiliency.ErrCircuitOpen, which the
// step's retry policy then handles like any other failure.
func GuardedAction(cb *resiliency.CircuitBreaker, action Action) Action {
	return ActionFunc(func(ctx context.Context, values *Values) (any, error) {
		return cb.Do(ctx, func(ctx context.Context) (any, error) {
			return action.Execute(ctx, values)
		})
	})
}
