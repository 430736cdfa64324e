// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package backoff decides whether a failed remote call is retried and how
// long to wait first. The policy is exponential with a ceiling:
// attempt k waits min(InitialDelay * 2^(k-1), MaxDelay), and the
// (MaxRetries+1)-th failure is terminal.
//
// The package does not decide which errors are retryable. Callers mark
// errors that must not be retried with Permanent.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted wraps the last error once the retry budget is spent.
var ErrExhausted = errors.New("retries exhausted")

// Policy is the retry budget for one call sequence. The zero value never
// retries.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// AttemptTimeout bounds each attempt. Zero leaves attempts unbounded.
	AttemptTimeout time.Duration
}

// Validate reports policies that cannot be executed.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("max delay %v is below initial delay %v", p.MaxDelay, p.InitialDelay)
	}
	return nil
}

// Delay returns the wait after the k-th failure (1-based).
func (p Policy) Delay(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	d := p.InitialDelay
	for i := 1; i < k; i++ {
		if d >= p.MaxDelay || d > p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Decision is the outcome of Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide returns what to do after the k-th failure of a call sequence.
func (p Policy) Decide(k int, err error) Decision {
	if IsPermanent(err) || k > p.MaxRetries {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Delay(k)}
}

// Phase is the position of a call sequence in the retry state machine.
type Phase int

const (
	Attempting Phase = iota
	Waiting
	Terminal
	Succeeded
)

func (p Phase) String() string {
	switch p {
	case Attempting:
		return "attempting"
	case Waiting:
		return "waiting"
	case Terminal:
		return "terminal"
	case Succeeded:
		return "succeeded"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the RetryState of one in-flight call sequence. It is owned by a
// single goroutine and never shared.
type State struct {
	Phase   Phase
	Attempt int
	Delay   time.Duration
	LastErr error
}

// Start returns the state before the first attempt.
func Start() State {
	return State{Phase: Attempting, Attempt: 1}
}

// Fail records a failed attempt. The state moves to Waiting with the next
// delay set, or to Terminal.
func (s State) Fail(p Policy, err error) State {
	s.LastErr = err
	d := p.Decide(s.Attempt, err)
	if !d.Retry {
		s.Phase = Terminal
		s.Delay = 0
		return s
	}
	s.Phase = Waiting
	s.Delay = d.Delay
	return s
}

// Resume moves a Waiting state to the next attempt.
func (s State) Resume() State {
	if s.Phase != Waiting {
		return s
	}
	s.Phase = Attempting
	s.Attempt++
	s.Delay = 0
	return s
}

// Succeed marks the sequence as done.
func (s State) Succeed() State {
	s.Phase = Succeeded
	s.Delay = 0
	return s
}

// Retries returns how many retries the sequence has used.
func (s State) Retries() int {
	if s.Attempt == 0 {
		return 0
	}
	return s.Attempt - 1
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retrier runs call sequences under a Policy.
type Retrier struct {
	Policy Policy

	// Sleep defaults to backoff.Sleep. Tests inject a recorder.
	Sleep Sleeper

	// OnRetry is called before each wait, with the state in Waiting phase.
	OnRetry func(State)
}

// Do calls op until it succeeds, fails permanently, or the budget is spent.
// The returned State is the final one; the error is nil on success.
func (r Retrier) Do(ctx context.Context, op func(ctx context.Context) error) (State, error) {
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	s := Start()
	for {
		err := r.attempt(ctx, op)
		if err == nil {
			return s.Succeed(), nil
		}
		if ctx.Err() != nil {
			s.LastErr = err
			s.Phase = Terminal
			return s, ctx.Err()
		}
		s = s.Fail(r.Policy, err)
		if s.Phase == Terminal {
			if IsPermanent(err) {
				return s, err
			}
			return s, fmt.Errorf("%w after %d attempt(s): %w", ErrExhausted, s.Attempt, err)
		}
		if r.OnRetry != nil {
			r.OnRetry(s)
		}
		if err := sleep(ctx, s.Delay); err != nil {
			s.Phase = Terminal
			return s, err
		}
		s = s.Resume()
	}
}

func (r Retrier) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if r.Policy.AttemptTimeout <= 0 {
		return op(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, r.Policy.AttemptTimeout)
	defer cancel()
	return op(actx)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err or any error it wraps was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
