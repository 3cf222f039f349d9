package saga

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	var inFlight, peak atomic.Int32
	work := ActionFunc(func(ctx context.Context, v *Values) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	})

	subs := make([]Submission, 12)
	for i := range subs {
		subs[i] = Submission{
			ID:    fmt.Sprintf("pool-%02d", i),
			Name:  "create_booking",
			Steps: []Step{NewStep("reserve", work), NewStep("confirm", work)},
		}
	}

	execs, err := NewPool(o, 3).Run(context.Background(), subs)
	require.NoError(t, err)
	require.Len(t, execs, len(subs))

	for i, e := range execs {
		assert.Equal(t, subs[i].ID, e.ID)
		assert.Equal(t, StateSucceeded, e.State)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 12, o.Stats().Succeeded)
}

func TestPoolReportsValidationErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	j := &journal{}

	execs, err := NewPool(o, 0).Run(context.Background(), []Submission{
		{ID: "ok", Name: "x", Steps: []Step{okStep(j, "a")}},
		{ID: "empty", Name: "x"},
	})
	assert.ErrorIs(t, err, ErrNoSteps)
	require.Len(t, execs, 2)
	require.NotNil(t, execs[0])
	assert.Equal(t, StateSucceeded, execs[0].State)
	assert.Nil(t, execs[1])
}
