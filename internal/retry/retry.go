// Package retry governs re-attempts for transient failures: an
// exponential backoff policy with jitter, per-job retry state, and a
// deadline-ordered scheduler so that jobs in backoff do not each pin a
// sleeping goroutine timer of their own.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes the backoff curve and the attempt budget. The delay
// before attempt n is min(Base * 2^n, Cap), randomized by ±Jitter.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64
	MaxAttempts int
}

// DefaultPolicy mirrors the engine defaults: 100ms base, 1s cap, 20%
// jitter, 5 attempts.
func DefaultPolicy() Policy {
	return Policy{Base: 100 * time.Millisecond, Cap: time.Second, Jitter: 0.2, MaxAttempts: 5}
}

// DefaultStorePolicy governs retries of cache store outages: a slower
// curve and a smaller budget than the upstream policy.
func DefaultStorePolicy() Policy {
	return Policy{Base: 250 * time.Millisecond, Cap: 5 * time.Second, Jitter: 0.2, MaxAttempts: 4}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Cap <= 0 {
		p.Cap = d.Cap
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// State tracks one job's attempts. It is owned by the job's leader and
// survives across retries, so a retrying leader keeps its attempt
// count.
type State struct {
	policy   Policy
	attempts int
	b        backoff.BackOff
}

// NewState builds the per-job retry state.
func (p Policy) NewState() *State {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Cap
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	// Attempt accounting is ours; elapsed time never stops the curve.
	b.MaxElapsedTime = 0
	b.Reset()
	return &State{policy: p, b: b}
}

// Attempts returns the number of attempts performed so far.
func (s *State) Attempts() int { return s.attempts }

// Fail records a failed attempt. It returns the delay before the next
// attempt, or ok=false when the attempt budget is exhausted and the
// job must go terminal.
func (s *State) Fail() (time.Duration, bool) {
	s.attempts++
	if s.attempts >= s.policy.MaxAttempts {
		return 0, false
	}
	d := s.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}
