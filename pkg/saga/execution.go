package saga

import (
	"sync"
	"time"
)

// State is the saga execution state.
type State string

const (
	StatePending              State = "PENDING"
	StateInProgress           State = "IN_PROGRESS"
	StateCompensating         State = "COMPENSATING"
	StateSucceeded            State = "SUCCEEDED"
	StateFailed               State = "FAILED"
	StatePartiallyCompensated State = "PARTIALLY_COMPENSATED"
)

// Terminal reports whether no further steps will run without RetryFailed.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StatePartiallyCompensated
}

// StepStatus is the state of one step within an execution.
type StepStatus string

const (
	StepPending StepStatus = "PENDING"
	StepRunning StepStatus = "RUNNING"
	StepSuccess StepStatus = "SUCCESS"
	StepFailed  StepStatus = "FAILED"
)

// Attempt is one try of a step action.
type Attempt struct {
	Index     int           `json:"index"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	ErrorType string        `json:"error_type,omitempty"`
}

// StepExecution records what happened to one step.
type StepExecution struct {
	StepName   string        `json:"step_name"`
	Status     StepStatus    `json:"status"`
	Result     any           `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorType  string        `json:"error_type,omitempty"`
	Attempt    int           `json:"attempt"` // zero-based index of the last try
	Attempts   []Attempt     `json:"attempts"`
	ExecutedAt time.Time     `json:"executed_at"`
	Duration   time.Duration `json:"duration"`
	Timeout    time.Duration `json:"timeout"`

	CompensationExecuted bool   `json:"compensation_executed"`
	CompensationError    string `json:"compensation_error,omitempty"`
}

func (s *StepExecution) clone() *StepExecution {
	c := *s
	c.Attempts = append([]Attempt(nil), s.Attempts...)
	return &c
}

// Execution is one run of a saga definition, keyed by its caller-supplied id.
//
// The pointer returned by Orchestrator.Execute is the live record. Read it
// after Execute returns, or use Orchestrator.Status for a copy while the saga
// may still be running.
type Execution struct {
	mu sync.Mutex

	ID    string `json:"saga_id"`
	Name  string `json:"saga_name"`
	State State  `json:"state"`

	Steps          []Step                    `json:"-"`
	StepExecutions map[string]*StepExecution `json:"step_executions"`
	StepsCompleted []string                  `json:"steps_completed"`
	FailedStep     string                    `json:"failed_step,omitempty"`

	CompensationPerformed bool `json:"compensation_performed"`
	CompensationFailed    bool `json:"compensation_failed"`

	Values     *Values `json:"-"`
	LastError  string  `json:"last_error,omitempty"`
	RetryCount int     `json:"retry_count"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Duration is CompletedAt-StartedAt, or zero while the saga has not finished.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.CompletedAt.IsZero() {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// Progress is the completed fraction of steps in [0,1].
func (e *Execution) Progress() float64 {
	if len(e.Steps) == 0 {
		return 0
	}
	return float64(len(e.StepsCompleted)) / float64(len(e.Steps))
}

// Snapshot returns a copy that does not share mutable state with e.
func (e *Execution) Snapshot() *Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Execution) snapshotLocked() *Execution {
	c := &Execution{
		ID:                    e.ID,
		Name:                  e.Name,
		State:                 e.State,
		Steps:                 append([]Step(nil), e.Steps...),
		StepExecutions:        make(map[string]*StepExecution, len(e.StepExecutions)),
		StepsCompleted:        append([]string(nil), e.StepsCompleted...),
		FailedStep:            e.FailedStep,
		CompensationPerformed: e.CompensationPerformed,
		CompensationFailed:    e.CompensationFailed,
		Values:                NewValues(e.Values.Map()),
		LastError:             e.LastError,
		RetryCount:            e.RetryCount,
		CreatedAt:             e.CreatedAt,
		StartedAt:             e.StartedAt,
		CompletedAt:           e.CompletedAt,
	}
	for name, rec := range e.StepExecutions {
		c.StepExecutions[name] = rec.clone()
	}
	return c
}

func (e *Execution) stepIndex(name string) int {
	for i, s := range e.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func (e *Execution) step(name string) (Step, bool) {
	if i := e.stepIndex(name); i >= 0 {
		return e.Steps[i], true
	}
	return Step{}, false
}

func (e *Execution) currentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.State
}

func (e *Execution) completedSteps() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.StepsCompleted...)
}

func (e *Execution) isCompleted(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range e.StepsCompleted {
		if n == name {
			return true
		}
	}
	return false
}
