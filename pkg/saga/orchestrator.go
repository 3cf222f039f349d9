// Package saga runs distributed transactions as ordered steps with
// compensations.
//
// An execution moves PENDING -> IN_PROGRESS -> SUCCEEDED, or on a step whose
// retries are exhausted IN_PROGRESS -> COMPENSATING -> FAILED. When any
// compensation itself fails the terminal state is PARTIALLY_COMPENSATED
// instead. Compensations run in reverse completion order and their errors are
// logged, never returned.
//
// Executions are keyed by a caller-supplied id: submitting an id twice returns
// the first execution without running anything again.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/orchestra/pkg/retry"
)

var (
	ErrNoSteps        = errors.New("saga: no steps")
	ErrDuplicateStep  = errors.New("saga: duplicate step name")
	ErrNilAction      = errors.New("saga: step has no action")
	ErrInvalidStep    = errors.New("saga: invalid step")
	ErrSagaNotFound   = errors.New("saga: execution not found")
	ErrSagaInProgress = errors.New("saga: execution in progress")
	// ErrActionPanicked wraps a recovered panic from an action or compensation.
	ErrActionPanicked = errors.New("saga: panic")
)

// Stats aggregates all known executions.
type Stats struct {
	TotalExecutions      int     `json:"total_executions"`
	Succeeded            int     `json:"succeeded"`
	Failed               int     `json:"failed"`
	PartiallyCompensated int     `json:"partially_compensated"`
	InProgress           int     `json:"in_progress"`
	SuccessRate          float64 `json:"success_rate"` // percent
	AvgDurationSeconds   float64 `json:"avg_duration_seconds"`
	TotalRetries         int     `json:"total_retries"`
}

// Orchestrator owns the registry of executions. It is safe for concurrent use;
// a single saga's steps always run sequentially.
type Orchestrator struct {
	mu         sync.RWMutex
	executions map[string]*Execution

	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
	tracer trace.Tracer

	sagaCounter    metric.Int64Counter
	attemptCounter metric.Int64Counter
	durationHist   metric.Float64Histogram
}

// NewOrchestrator creates an empty orchestrator.
func NewOrchestrator() *Orchestrator {
	o := &Orchestrator{
		executions: make(map[string]*Execution),
		clock:      time.Now,
		sleep:      retry.Sleep,
		logger:     slog.Default().With("component", "saga_orchestrator"),
		tracer:     otel.Tracer("orchestra/saga"),
	}
	o.WithMeter(otel.Meter("orchestra/saga"))
	return o
}

// WithClock overrides the clock for testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithSleep overrides how retry delays are waited out.
func (o *Orchestrator) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Orchestrator {
	o.sleep = sleep
	return o
}

// WithLogger overrides the logger.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger.With("component", "saga_orchestrator")
	return o
}

// WithTracer overrides the tracer.
func (o *Orchestrator) WithTracer(tracer trace.Tracer) *Orchestrator {
	o.tracer = tracer
	return o
}

// WithMeter records saga outcomes, step attempts and durations on meter.
func (o *Orchestrator) WithMeter(meter metric.Meter) *Orchestrator {
	o.sagaCounter, _ = meter.Int64Counter("orchestra.saga.completed",
		metric.WithDescription("Sagas reaching a terminal state"),
		metric.WithUnit("{saga}"),
	)
	o.attemptCounter, _ = meter.Int64Counter("orchestra.saga.step_attempts",
		metric.WithDescription("Step action invocations"),
		metric.WithUnit("{attempt}"),
	)
	o.durationHist, _ = meter.Float64Histogram("orchestra.saga.duration",
		metric.WithDescription("Saga run duration"),
		metric.WithUnit("s"),
	)
	return o
}

// Execute runs steps in order under sagaID.
//
// If sagaID is already known the existing execution is returned as is.
// Validation errors are returned before anything is registered. A saga that
// fails is not an error: inspect the returned execution's State.
func (o *Orchestrator) Execute(ctx context.Context, sagaID, name string, steps []Step, values map[string]any) (*Execution, error) {
	o.mu.Lock()
	if existing, ok := o.executions[sagaID]; ok {
		o.mu.Unlock()
		o.logger.Warn("saga already exists", "saga_id", sagaID, "state", existing.currentState())
		return existing, nil
	}
	if err := validateSteps(steps); err != nil {
		o.mu.Unlock()
		return nil, err
	}

	now := o.clock()
	exec := &Execution{
		ID:             sagaID,
		Name:           name,
		State:          StatePending,
		Steps:          append([]Step(nil), steps...),
		StepExecutions: make(map[string]*StepExecution, len(steps)),
		Values:         NewValues(values),
		CreatedAt:      now,
	}
	o.executions[sagaID] = exec
	o.mu.Unlock()

	o.logger.Info("saga started", "saga_id", sagaID, "saga_name", name, "total_steps", len(steps))

	exec.mu.Lock()
	exec.State = StateInProgress
	exec.StartedAt = now
	exec.mu.Unlock()

	o.run(ctx, exec, 0)
	return exec, nil
}

// RetryFailed resumes a FAILED or PARTIALLY_COMPENSATED saga from its failed
// step with the same values. A SUCCEEDED saga is returned unchanged.
func (o *Orchestrator) RetryFailed(ctx context.Context, sagaID string) (*Execution, error) {
	o.mu.RLock()
	exec, ok := o.executions[sagaID]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}

	exec.mu.Lock()
	switch state := exec.State; {
	case state == StateSucceeded:
		exec.mu.Unlock()
		o.logger.Warn("saga already succeeded", "saga_id", sagaID)
		return exec, nil
	case !state.Terminal():
		exec.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrSagaInProgress, sagaID, state)
	}

	from := len(exec.StepsCompleted)
	if i := exec.stepIndex(exec.FailedStep); i >= 0 {
		from = i
		exec.StepsCompleted = removeName(exec.StepsCompleted, exec.FailedStep)
	}
	exec.State = StateInProgress
	exec.RetryCount++
	exec.CompensationPerformed = false
	exec.CompensationFailed = false
	exec.StartedAt = o.clock()
	exec.CompletedAt = time.Time{}
	retries := exec.RetryCount
	exec.mu.Unlock()

	o.logger.Info("retrying saga", "saga_id", sagaID, "from_step", from, "retry_count", retries)
	o.run(ctx, exec, from)
	return exec, nil
}

// Status returns a copy of the execution.
func (o *Orchestrator) Status(sagaID string) (*Execution, bool) {
	o.mu.RLock()
	exec, ok := o.executions[sagaID]
	o.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return exec.Snapshot(), true
}

// List returns copies of executions, newest first, optionally filtered to
// the given states.
func (o *Orchestrator) List(states ...State) []*Execution {
	o.mu.RLock()
	all := make([]*Execution, 0, len(o.executions))
	for _, e := range o.executions {
		all = append(all, e)
	}
	o.mu.RUnlock()

	out := make([]*Execution, 0, len(all))
	for _, e := range all {
		snap := e.Snapshot()
		if len(states) > 0 && !containsState(states, snap.State) {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats aggregates over all executions. The average duration covers
// succeeded sagas only.
func (o *Orchestrator) Stats() Stats {
	var s Stats
	var totalDuration time.Duration
	for _, e := range o.List() {
		s.TotalExecutions++
		s.TotalRetries += e.RetryCount
		switch {
		case !e.State.Terminal():
			s.InProgress++
		case e.State == StateSucceeded:
			s.Succeeded++
			totalDuration += e.Duration()
		case e.State == StateFailed:
			s.Failed++
		case e.State == StatePartiallyCompensated:
			s.PartiallyCompensated++
		}
	}
	if s.TotalExecutions > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.TotalExecutions) * 100
	}
	if s.Succeeded > 0 {
		s.AvgDurationSeconds = totalDuration.Seconds() / float64(s.Succeeded)
	}
	return s
}

// run executes steps[from:] and then succeeds or compensates.
func (o *Orchestrator) run(ctx context.Context, exec *Execution, from int) {
	ctx, span := o.tracer.Start(ctx, "saga.run", trace.WithAttributes(
		attribute.String("saga.id", exec.ID),
		attribute.String("saga.name", exec.Name),
		attribute.Int("saga.from_step", from),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrActionPanicked, r)
			exec.mu.Lock()
			exec.State = StateFailed
			exec.LastError = err.Error()
			exec.CompletedAt = o.clock()
			exec.mu.Unlock()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.logger.Error("saga aborted", "saga_id", exec.ID, "error", err)
			o.finish(ctx, exec)
		}
	}()

	for _, step := range exec.Steps[from:] {
		if exec.isCompleted(step.Name) {
			continue
		}
		if !o.runStep(ctx, exec, step) {
			exec.mu.Lock()
			exec.State = StateCompensating
			exec.FailedStep = step.Name
			lastErr := exec.LastError
			exec.mu.Unlock()

			span.SetStatus(codes.Error, lastErr)
			o.logger.Error("saga step failed, compensating", "saga_id", exec.ID, "step", step.Name, "error", lastErr)
			o.compensate(ctx, exec)
			o.finish(ctx, exec)
			return
		}
	}

	exec.mu.Lock()
	exec.State = StateSucceeded
	exec.FailedStep = ""
	exec.CompletedAt = o.clock()
	exec.mu.Unlock()

	span.SetStatus(codes.Ok, "")
	o.logger.Info("saga succeeded", "saga_id", exec.ID, "duration", exec.Duration())
	o.finish(ctx, exec)
}

// runStep makes up to RetryCount+1 attempts and reports whether one succeeded.
func (o *Orchestrator) runStep(ctx context.Context, exec *Execution, step Step) bool {
	rec := &StepExecution{
		StepName: step.Name,
		Status:   StepPending,
		Timeout:  step.Timeout,
	}
	exec.mu.Lock()
	exec.StepExecutions[step.Name] = rec
	exec.mu.Unlock()

	attempts := step.RetryCount + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && !step.Idempotent {
			o.logger.Warn("retrying non-idempotent step", "saga_id", exec.ID, "step", step.Name, "attempt", attempt)
		}

		start := o.clock()
		exec.mu.Lock()
		rec.Status = StepRunning
		rec.Attempt = attempt
		rec.ExecutedAt = start
		exec.mu.Unlock()

		result, err := o.invoke(ctx, exec, step, attempt)
		elapsed := o.clock().Sub(start)

		a := Attempt{Index: attempt, StartedAt: start, Duration: elapsed}
		if err != nil {
			a.Error = err.Error()
			a.ErrorType = fmt.Sprintf("%T", err)
		}

		exec.mu.Lock()
		rec.Attempts = append(rec.Attempts, a)
		rec.Duration = elapsed
		if err == nil {
			rec.Status = StepSuccess
			rec.Result = result
			rec.Error, rec.ErrorType = "", ""
			exec.StepsCompleted = append(exec.StepsCompleted, step.Name)
			exec.mu.Unlock()

			o.attemptCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step.Name), attribute.String("outcome", "success")))
			o.logger.Info("saga step completed", "saga_id", exec.ID, "step", step.Name, "attempt", attempt, "duration", elapsed)
			return true
		}
		rec.Status = StepFailed
		rec.Error = a.Error
		rec.ErrorType = a.ErrorType
		exec.LastError = a.Error
		exec.mu.Unlock()

		o.attemptCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step.Name), attribute.String("outcome", "failure")))
		o.logger.Warn("saga step attempt failed",
			"saga_id", exec.ID, "step", step.Name,
			"attempt", attempt+1, "max_attempts", attempts, "error", err)

		if attempt == attempts-1 {
			break
		}
		if serr := o.sleep(ctx, step.delay(exec.ID, attempt)); serr != nil {
			exec.mu.Lock()
			exec.LastError = fmt.Sprintf("%s (retries abandoned: %v)", a.Error, serr)
			exec.mu.Unlock()
			return false
		}
	}
	return false
}

// invoke runs one attempt under the step timeout, turning a panic into an error.
func (o *Orchestrator) invoke(ctx context.Context, exec *Execution, step Step, attempt int) (result any, err error) {
	ctx, span := o.tracer.Start(ctx, "saga.step", trace.WithAttributes(
		attribute.String("saga.id", exec.ID),
		attribute.String("saga.step", step.Name),
		attribute.Int("saga.attempt", attempt),
	))
	defer span.End()

	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w in step %s: %v", ErrActionPanicked, step.Name, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return step.Action.Execute(ctx, exec.Values)
}

// compensate undoes completed steps in reverse order. Compensations run on a
// context that outlives cancellation of the caller's.
func (o *Orchestrator) compensate(ctx context.Context, exec *Execution) {
	ctx = context.WithoutCancel(ctx)
	completed := exec.completedSteps()
	o.logger.Info("compensating saga", "saga_id", exec.ID, "steps", len(completed))

	failed := false
	for i := len(completed) - 1; i >= 0; i-- {
		step, ok := exec.step(completed[i])
		if !ok || step.Compensation == nil {
			o.logger.Debug("no compensation for step", "saga_id", exec.ID, "step", completed[i])
			continue
		}

		err := o.invokeCompensation(ctx, exec, step)

		exec.mu.Lock()
		rec := exec.StepExecutions[step.Name]
		if rec != nil {
			if err != nil {
				rec.CompensationError = err.Error()
			} else {
				rec.CompensationExecuted = true
				rec.CompensationError = ""
			}
		}
		exec.mu.Unlock()

		if err != nil {
			failed = true
			o.logger.Error("compensation failed", "saga_id", exec.ID, "step", step.Name, "error", err)
			continue
		}
		o.logger.Info("compensation completed", "saga_id", exec.ID, "step", step.Name)
	}

	exec.mu.Lock()
	exec.CompensationPerformed = true
	exec.CompensationFailed = failed
	if failed {
		exec.State = StatePartiallyCompensated
	} else {
		exec.State = StateFailed
	}
	exec.CompletedAt = o.clock()
	exec.mu.Unlock()
}

func (o *Orchestrator) invokeCompensation(ctx context.Context, exec *Execution, step Step) (err error) {
	ctx, span := o.tracer.Start(ctx, "saga.compensate", trace.WithAttributes(
		attribute.String("saga.id", exec.ID),
		attribute.String("saga.step", step.Name),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w in compensation %s: %v", ErrActionPanicked, step.Name, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	return step.Compensation.Compensate(ctx, exec.Values)
}

func (o *Orchestrator) finish(ctx context.Context, exec *Execution) {
	exec.mu.Lock()
	state := exec.State
	d := exec.Duration()
	exec.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("saga", exec.Name), attribute.String("state", string(state)))
	o.sagaCounter.Add(ctx, 1, attrs)
	o.durationHist.Record(ctx, d.Seconds(), attrs)
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

func containsState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
