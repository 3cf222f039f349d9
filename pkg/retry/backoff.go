// Package retry computes delays between attempts of a retried operation.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy is an exponential backoff with deterministic jitter.
// A zero BaseDelay yields a zero delay for every attempt.
type Policy struct {
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay" yaml:"max_delay"`
	MaxJitter time.Duration `json:"max_jitter" yaml:"max_jitter"`
}

// Fixed returns a policy that always waits d.
func Fixed(d time.Duration) Policy {
	return Policy{BaseDelay: d, MaxDelay: d}
}

// Delay returns the wait before retrying after the given zero-based attempt.
// delay = min(base * 2^attempt, max) + jitter(key, attempt)
func (p Policy) Delay(key string, attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}

	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			// Avoid overflow, cap exponent
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := time.Duration(int64(p.BaseDelay) * factor)
	if delay < p.BaseDelay {
		// overflowed
		delay = p.MaxDelay
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	return delay + p.Jitter(key, attempt)
}

// Jitter derives a stable jitter in [0, MaxJitter) from key and attempt, so a
// replayed run waits exactly as long as the original did.
func (p Policy) Jitter(key string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%d", key, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])

	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}

// Schedule lists the delays preceding each retry of an operation attempted
// maxAttempts times in total.
func (p Policy) Schedule(key string, maxAttempts int) []time.Duration {
	if maxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, maxAttempts-1)
	for i := range out {
		out[i] = p.Delay(key, i)
	}
	return out
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
