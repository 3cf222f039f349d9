package taskqueue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority is the urgency ordinal of a task. Lower = more urgent.
type Priority int

const (
	// PriorityCritical is for deadlines due today or production incidents.
	PriorityCritical Priority = 1
	// PriorityHigh is for deadlines within one or two days.
	PriorityHigh Priority = 2
	// PriorityMedium is normal operational work.
	PriorityMedium Priority = 3
	// PriorityLow is background work with distant deadlines.
	PriorityLow Priority = 4
	// PriorityDeferred can wait indefinitely.
	PriorityDeferred Priority = 5
)

// Valid reports whether p is within [PriorityCritical, PriorityDeferred].
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityDeferred
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	case PriorityDeferred:
		return "DEFERRED"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// Task is a unit of pending work. The queue never modifies a queued task, and
// its read methods hand out copies.
type Task struct {
	ID        string         `json:"task_id"`
	Priority  Priority       `json:"priority"`
	Deadline  time.Time      `json:"deadline"`
	Cost      int            `json:"cost"`
	AgentName string         `json:"agent_name"`
	ClientID  string         `json:"client_id"`
	Payload   map[string]any `json:"payload,omitempty"` // never part of ordering
	CreatedAt time.Time      `json:"created_at"`

	seq uint64
}

// SecondsUntilDeadline returns the seconds left before the deadline at now.
// Negative once the deadline has passed.
func (t *Task) SecondsUntilDeadline(now time.Time) float64 {
	return t.Deadline.Sub(now).Seconds()
}

// IsOverdue reports whether the deadline elapsed before now.
func (t *Task) IsOverdue(now time.Time) bool {
	return now.After(t.Deadline)
}

func (t *Task) String() string {
	return fmt.Sprintf("Task(%s, %s, deadline=%s, cost=%d, agent=%s, client=%s)",
		t.ID, t.Priority, t.Deadline.Format("2006-01-02 15:04:05"), t.Cost, t.AgentName, t.ClientID)
}

// clone copies t so callers cannot reorder the heap through it. The payload
// map is copied one level deep.
func (t *Task) clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

// validate checks the enqueue invariants.
func (t *Task) validate() error {
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: %d (must be 1-5)", ErrInvalidPriority, t.Priority)
	}
	if t.Cost < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCost, t.Cost)
	}
	if t.Deadline.IsZero() {
		return ErrInvalidDeadline
	}
	return nil
}

// less orders tasks by (priority, deadline, cost, created_at, seq).
func less(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.Deadline.Equal(b.Deadline) {
		return a.Deadline.Before(b.Deadline)
	}
	if a.Cost != b.Cost {
		return a.Cost < b.Cost
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

// NewTaskID returns a short random task identifier.
func NewTaskID() string {
	return uuid.NewString()[:8]
}

// DeadlineIn returns an absolute deadline d from now.
func DeadlineIn(d time.Duration) time.Time {
	return time.Now().Add(d)
}
