// Package taskqueue provides a bounded priority queue for pending agent work.
//
// Tasks are ordered by (priority, deadline, cost, creation time); equal keys
// leave the queue in insertion order. The queue only orders work, it never
// executes anything.
package taskqueue

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrInvalidPriority = errors.New("taskqueue: invalid priority")
	ErrInvalidCost     = errors.New("taskqueue: cost must not be negative")
	ErrInvalidDeadline = errors.New("taskqueue: deadline must be an absolute time")
	ErrDuplicateTaskID = errors.New("taskqueue: duplicate task id")
	ErrNilTask         = errors.New("taskqueue: nil task")
)

// Stats holds the monotone queue counters plus current occupancy.
type Stats struct {
	TotalPushed   uint64 `json:"total_pushed"`
	TotalPopped   uint64 `json:"total_popped"`
	TotalRejected uint64 `json:"total_rejected"`
	Size          int    `json:"size"`
	MaxSize       int    `json:"max_size"` // 0 = unbounded
}

// Efficiency is popped/pushed in percent.
func (s Stats) Efficiency() float64 {
	if s.TotalPushed == 0 {
		return 0
	}
	return float64(s.TotalPopped) / float64(s.TotalPushed) * 100
}

// taskHeap implements heap.Interface.
type taskHeap []*Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*Task))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// Queue is a thread-safe bounded min-heap of tasks.
type Queue struct {
	mu      sync.Mutex
	tasks   taskHeap
	ids     map[string]struct{}
	maxSize int
	nextSeq uint64

	pushed   uint64
	popped   uint64
	rejected uint64

	clock  func() time.Time
	logger *slog.Logger

	pushCounter   metric.Int64Counter
	popCounter    metric.Int64Counter
	rejectCounter metric.Int64Counter
}

// New creates a queue holding at most maxSize tasks. maxSize <= 0 means unbounded.
func New(maxSize int) *Queue {
	if maxSize < 0 {
		maxSize = 0
	}
	q := &Queue{
		tasks:   make(taskHeap, 0),
		ids:     make(map[string]struct{}),
		maxSize: maxSize,
		nextSeq: 1,
		clock:   time.Now,
		logger:  slog.Default().With("component", "taskqueue"),
	}
	heap.Init(&q.tasks)
	q.WithMeter(otel.Meter("orchestra/taskqueue"))
	return q
}

// WithClock overrides the clock for testing.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// WithLogger overrides the logger.
func (q *Queue) WithLogger(logger *slog.Logger) *Queue {
	q.logger = logger.With("component", "taskqueue")
	return q
}

// WithMeter records queue counters on the given meter.
func (q *Queue) WithMeter(meter metric.Meter) *Queue {
	// Instrument errors only occur for invalid names; the noop instruments
	// returned alongside them are safe to use.
	q.pushCounter, _ = meter.Int64Counter("orchestra.queue.pushed",
		metric.WithDescription("Tasks accepted by the queue"),
		metric.WithUnit("{task}"),
	)
	q.popCounter, _ = meter.Int64Counter("orchestra.queue.popped",
		metric.WithDescription("Tasks removed by Pop"),
		metric.WithUnit("{task}"),
	)
	q.rejectCounter, _ = meter.Int64Counter("orchestra.queue.rejected",
		metric.WithDescription("Tasks rejected because the queue was full"),
		metric.WithUnit("{task}"),
	)
	return q
}

// Push validates and enqueues a new task. The queue stamps CreatedAt and, when
// t.ID is empty, generates an id.
//
// A full queue rejects the task by returning an empty id and a nil error.
func (q *Queue) Push(t Task) (string, error) {
	if err := t.validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if t.ID == "" {
		t.ID = NewTaskID()
		for q.has(t.ID) {
			t.ID = NewTaskID()
		}
	} else if q.has(t.ID) {
		return "", ErrDuplicateTaskID
	}

	if q.full() {
		q.reject(t.AgentName, t.ClientID)
		return "", nil
	}

	t.CreatedAt = q.clock()
	task := t
	q.insert(&task)
	q.logger.Debug("task pushed", "task", task.String())
	return task.ID, nil
}

// PushTask re-enqueues an already built task, keeping its id and creation time.
// It is meant for retrying tasks previously returned by Pop. Reports false when
// the queue is full.
func (q *Queue) PushTask(t *Task) (bool, error) {
	if t == nil {
		return false, ErrNilTask
	}
	if err := t.validate(); err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if t.ID == "" {
		t.ID = NewTaskID()
	}
	if q.has(t.ID) {
		return false, ErrDuplicateTaskID
	}
	if q.full() {
		q.reject(t.AgentName, t.ClientID)
		return false, nil
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = q.clock()
	}
	q.insert(t)
	q.logger.Debug("task re-pushed", "task", t.String())
	return true, nil
}

// Pop removes and returns the most urgent task. Overdue tasks are still
// returned; callers inspect IsOverdue.
func (q *Queue) Pop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.tasks.Len() == 0 {
		return nil, false
	}

	t := heap.Pop(&q.tasks).(*Task)
	delete(q.ids, t.ID)
	q.popped++
	q.popCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("agent", t.AgentName)))

	if t.IsOverdue(q.clock()) {
		q.logger.Warn("popped overdue task", "task_id", t.ID, "agent", t.AgentName, "deadline", t.Deadline)
	}
	return t, true
}

// Peek returns a copy of the most urgent task without removing it.
func (q *Queue) Peek() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.tasks.Len() == 0 {
		return nil, false
	}
	return q.tasks[0].clone(), true
}

// Remove deletes the task with the given id. O(n) to locate, O(log n) to fix the heap.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.tasks {
		if t.ID == id {
			heap.Remove(&q.tasks, i)
			delete(q.ids, id)
			q.logger.Info("task removed", "task_id", id)
			return true
		}
	}
	q.logger.Warn("task not found for removal", "task_id", id)
	return false
}

// Snapshot returns copies of every queued task in pop order.
func (q *Queue) Snapshot() []*Task {
	q.mu.Lock()
	tasks := make([]*Task, len(q.tasks))
	for i, t := range q.tasks {
		tasks[i] = t.clone()
	}
	q.mu.Unlock()

	sortTasks(tasks)
	return tasks
}

// TasksForAgent returns queued tasks owned by the named agent, in heap order.
func (q *Queue) TasksForAgent(name string) []*Task {
	return q.filter(func(t *Task) bool { return t.AgentName == name })
}

// TasksForClient returns queued tasks for a client, in heap order.
func (q *Queue) TasksForClient(clientID string) []*Task {
	return q.filter(func(t *Task) bool { return t.ClientID == clientID })
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// IsEmpty reports whether the queue holds no tasks.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Clear drops every queued task. Counters are kept.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.tasks)
	q.tasks = make(taskHeap, 0)
	q.ids = make(map[string]struct{})
	q.logger.Info("queue cleared", "removed", n)
}

// Stats returns a copy of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		TotalPushed:   q.pushed,
		TotalPopped:   q.popped,
		TotalRejected: q.rejected,
		Size:          len(q.tasks),
		MaxSize:       q.maxSize,
	}
}

// SnapshotHash returns a canonical hash of the ordered queue contents.
// Payloads are excluded.
func (q *Queue) SnapshotHash() string {
	tasks := q.Snapshot()

	type entry struct {
		ID        string `json:"task_id"`
		Priority  int    `json:"priority"`
		Deadline  string `json:"deadline"`
		Cost      int    `json:"cost"`
		AgentName string `json:"agent_name"`
		ClientID  string `json:"client_id"`
	}
	entries := make([]entry, len(tasks))
	for i, t := range tasks {
		entries[i] = entry{
			ID:        t.ID,
			Priority:  int(t.Priority),
			Deadline:  t.Deadline.UTC().Format(time.RFC3339Nano),
			Cost:      t.Cost,
			AgentName: t.AgentName,
			ClientID:  t.ClientID,
		}
	}

	data, _ := json.Marshal(entries)
	if canonical, err := jcs.Transform(data); err == nil {
		data = canonical
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func (q *Queue) has(id string) bool {
	_, ok := q.ids[id]
	return ok
}

func (q *Queue) full() bool {
	return q.maxSize > 0 && len(q.tasks) >= q.maxSize
}

// reject must be called with q.mu held.
func (q *Queue) reject(agent, client string) {
	q.rejected++
	q.rejectCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("agent", agent)))
	q.logger.Warn("queue full, rejecting task",
		"size", len(q.tasks), "max_size", q.maxSize, "agent", agent, "client", client)
}

// insert must be called with q.mu held.
func (q *Queue) insert(t *Task) {
	t.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.tasks, t)
	q.ids[t.ID] = struct{}{}
	q.pushed++
	q.pushCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("agent", t.AgentName)))
}

func (q *Queue) filter(keep func(*Task) bool) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Task
	for _, t := range q.tasks {
		if keep(t) {
			out = append(out, t.clone())
		}
	}
	return out
}

// sortTasks sorts tasks into pop order using O(n log n) sort.
func sortTasks(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return less(tasks[i], tasks[j])
	})
}
