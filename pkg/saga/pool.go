package saga

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Submission is one saga handed to a Pool.
type Submission struct {
	ID     string
	Name   string
	Steps  []Step
	Values map[string]any
}

// Pool runs independent sagas concurrently on a shared orchestrator with at
// most Limit in flight.
type Pool struct {
	orch  *Orchestrator
	limit int
}

// NewPool bounds concurrency to limit. A limit <= 0 means unbounded.
func NewPool(orch *Orchestrator, limit int) *Pool {
	return &Pool{orch: orch, limit: limit}
}

// Run executes every submission and returns the executions in submission
// order. The first validation error is returned after all sagas finish; the
// slot of a rejected submission is nil. Failed sagas are not errors.
func (p *Pool) Run(ctx context.Context, subs []Submission) ([]*Execution, error) {
	out := make([]*Execution, len(subs))

	var g errgroup.Group
	if p.limit > 0 {
		g.SetLimit(p.limit)
	}
	for i, sub := range subs {
		g.Go(func() error {
			exec, err := p.orch.Execute(ctx, sub.ID, sub.Name, sub.Steps, sub.Values)
			out[i] = exec
			return err
		})
	}
	err := g.Wait()
	return out, err
}
