// Package dispatch drains a task queue into per-agent handlers under a
// per-agent rate limit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/orchestra/pkg/taskqueue"
)

var (
	ErrNoHandler = errors.New("dispatch: no handler registered for agent")
	// ErrQueueFull is reported when a task could not be put back.
	ErrQueueFull = errors.New("dispatch: queue full, task dropped")
)

// Handler processes tasks for one agent.
type Handler interface {
	Handle(ctx context.Context, task *taskqueue.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *taskqueue.Task) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, task *taskqueue.Task) error {
	return f(ctx, task)
}

// Outcome describes what happened to one popped task.
type Outcome struct {
	Task      *taskqueue.Task
	Handled   bool // handler returned nil
	Throttled bool
	Requeued  bool
	Dropped   bool
	Overdue   bool
	Err       error
}

// Dispatcher is safe for concurrent use, though one Run at a time per queue
// keeps throttled-task deferral predictable.
type Dispatcher struct {
	queue   *taskqueue.Queue
	limiter LimiterStore
	policy  Policy

	mu          sync.Mutex
	handlers    map[string]Handler
	schemas     map[string]*jsonschema.Schema
	requeues    map[string]int
	maxRequeues int

	clock  func() time.Time
	logger *slog.Logger
}

// New creates a dispatcher over queue. A nil limiter disables rate limiting.
func New(queue *taskqueue.Queue, limiter LimiterStore, policy Policy) *Dispatcher {
	return &Dispatcher{
		queue:       queue,
		limiter:     limiter,
		policy:      policy,
		handlers:    make(map[string]Handler),
		schemas:     make(map[string]*jsonschema.Schema),
		requeues:    make(map[string]int),
		maxRequeues: 3,
		clock:       time.Now,
		logger:      slog.Default().With("component", "dispatcher"),
	}
}

// WithClock overrides the clock for testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// WithLogger overrides the logger.
func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	d.logger = logger.With("component", "dispatcher")
	return d
}

// WithMaxRequeues bounds how often a failing task is put back.
func (d *Dispatcher) WithMaxRequeues(n int) *Dispatcher {
	d.maxRequeues = n
	return d
}

// Register routes tasks whose AgentName is agent to h.
func (d *Dispatcher) Register(agent string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[agent] = h
}

// DispatchOnce handles the most urgent task. A throttled task goes straight
// back to the queue. ok is false when the queue was empty.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (Outcome, bool) {
	t, ok := d.queue.Pop()
	if !ok {
		return Outcome{}, false
	}
	out := d.dispatch(ctx, t)
	if out.Throttled {
		d.requeue(&out)
	}
	return out, true
}

// Run drains the queue until it is empty or ctx is done. Tasks throttled
// during the run are put back once the queue has drained, so the run always
// terminates.
func (d *Dispatcher) Run(ctx context.Context) ([]Outcome, error) {
	var (
		outcomes []Outcome
		deferred []int
	)
	defer func() {
		for _, i := range deferred {
			d.requeue(&outcomes[i])
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		t, ok := d.queue.Pop()
		if !ok {
			return outcomes, nil
		}
		out := d.dispatch(ctx, t)
		if out.Throttled {
			deferred = append(deferred, len(outcomes))
		}
		outcomes = append(outcomes, out)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, t *taskqueue.Task) Outcome {
	out := Outcome{Task: t, Overdue: t.IsOverdue(d.clock())}

	d.mu.Lock()
	h, ok := d.handlers[t.AgentName]
	d.mu.Unlock()
	if !ok {
		out.Dropped = true
		out.Err = fmt.Errorf("%w: %s", ErrNoHandler, t.AgentName)
		d.logger.Error("dropping task", "task_id", t.ID, "agent", t.AgentName, "error", out.Err)
		return out
	}

	if err := d.checkPayload(t); err != nil {
		out.Dropped = true
		out.Err = err
		d.logger.Error("dropping task", "task_id", t.ID, "agent", t.AgentName, "error", err)
		return out
	}

	allowed, err := checkAllowed(ctx, d.limiter, t.AgentName, d.policy)
	if err != nil {
		// Limiter outages throttle rather than drop.
		d.logger.Warn("limiter unavailable", "agent", t.AgentName, "error", err)
		out.Throttled = true
		out.Err = err
		return out
	}
	if !allowed {
		d.logger.Debug("task throttled", "task_id", t.ID, "agent", t.AgentName)
		out.Throttled = true
		return out
	}

	if err := h.Handle(ctx, t); err != nil {
		out.Err = err
		d.mu.Lock()
		d.requeues[t.ID]++
		n := d.requeues[t.ID]
		d.mu.Unlock()

		if n > d.maxRequeues {
			out.Dropped = true
			d.forget(t.ID)
			d.logger.Error("task failed permanently", "task_id", t.ID, "agent", t.AgentName, "requeues", n-1, "error", err)
			return out
		}
		d.logger.Warn("task failed, requeueing", "task_id", t.ID, "agent", t.AgentName, "requeue", n, "error", err)
		d.requeue(&out)
		return out
	}

	out.Handled = true
	d.forget(t.ID)
	d.logger.Info("task handled", "task_id", t.ID, "agent", t.AgentName, "priority", t.Priority.String(), "overdue", out.Overdue)
	return out
}

func (d *Dispatcher) requeue(out *Outcome) {
	ok, err := d.queue.PushTask(out.Task)
	switch {
	case err != nil:
		out.Dropped = true
		out.Err = errors.Join(out.Err, err)
		d.forget(out.Task.ID)
	case !ok:
		out.Dropped = true
		out.Err = errors.Join(out.Err, ErrQueueFull)
		d.forget(out.Task.ID)
		d.logger.Error("could not requeue task", "task_id", out.Task.ID, "agent", out.Task.AgentName)
	default:
		out.Requeued = true
	}
}

func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.requeues, id)
}
