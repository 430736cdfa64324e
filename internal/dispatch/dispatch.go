// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package dispatch runs a per-item action over a list of work items with a
// fixed worker ceiling. One failing item never stops the batch: every
// outcome is folded into RunStats and the caller decides what a failure
// count means once the run is complete.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Status is the outcome class of one action.
type Status int

const (
	Succeeded Status = iota
	Skipped
	Failed
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is what an action returns for one item. Value carries stage
// specific output to the OnResult callback.
type Result[V any] struct {
	Status Status
	Value  V
	Err    error
	// Reason explains a skip.
	Reason string
}

// OK returns a successful Result.
func OK[V any](v V) Result[V] {
	return Result[V]{Status: Succeeded, Value: v}
}

// Skip returns a skipped Result.
func Skip[V any](reason string) Result[V] {
	return Result[V]{Status: Skipped, Reason: reason}
}

// Fail returns a failed Result. A nil err is replaced so that failures
// always carry an error.
func Fail[V any](err error) Result[V] {
	if err == nil {
		err = fmt.Errorf("action failed without an error")
	}
	return Result[V]{Status: Failed, Err: err}
}

// Action processes one item.
type Action[T, V any] func(ctx context.Context, item T) Result[V]

// Options configures one Run.
type Options[T, V any] struct {
	// Workers is the concurrency ceiling. It must be positive.
	Workers int

	// RateLimit caps action starts per second across all workers. Zero
	// disables it.
	RateLimit float64

	// Satisfied, when set, is consulted for each item before it is handed
	// to a worker. Items it accepts are counted as skipped and never run.
	Satisfied func(ctx context.Context, item T) bool

	// OnResult observes each outcome. It runs inside the stats fold, so it
	// may mutate caller state without further locking, and must not block.
	OnResult func(item T, res Result[V])
}

// Failure pairs an item with the error that failed it.
type Failure[T any] struct {
	Item T
	Err  error
}

// RunStats is the aggregate outcome of a Run. Total always equals
// Succeeded+Failed+Skipped; Attempted counts actions that actually ran.
type RunStats[T any] struct {
	Total     int
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
	Failures  []Failure[T]
	Elapsed   time.Duration
}

// HasFailures reports whether any item failed.
func (s RunStats[T]) HasFailures() bool {
	return s.Failed > 0
}

// FailureRatio returns Failed/Total, or 0 for an empty run.
func (s RunStats[T]) FailureRatio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Total)
}

// Exceeds reports whether the run failed more than maxRatio of its items.
// A maxRatio of zero means any failure exceeds it.
func (s RunStats[T]) Exceeds(maxRatio float64) bool {
	return s.Failed > 0 && s.FailureRatio() > maxRatio
}

// aggregator is the single point of synchronized mutation for a run.
type aggregator[T, V any] struct {
	mu       sync.Mutex
	stats    RunStats[T]
	onResult func(T, Result[V])
}

func (a *aggregator[T, V]) fold(item T, res Result[V], attempted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if attempted {
		a.stats.Attempted++
	}
	switch res.Status {
	case Succeeded:
		a.stats.Succeeded++
	case Skipped:
		a.stats.Skipped++
	default:
		a.stats.Failed++
		a.stats.Failures = append(a.stats.Failures, Failure[T]{Item: item, Err: res.Err})
	}
	if a.onResult != nil {
		a.onResult(item, res)
	}
}

func (a *aggregator[T, V]) snapshot() RunStats[T] {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.Failures = append([]Failure[T](nil), a.stats.Failures...)
	return s
}

// Run executes action for every item with at most opts.Workers in flight
// and blocks until all items are done. The only error it returns is a
// configuration error, reported before any item runs.
func Run[T, V any](ctx context.Context, items []T, action Action[T, V], opts Options[T, V]) (RunStats[T], error) {
	if opts.Workers <= 0 {
		return RunStats[T]{}, fmt.Errorf("worker count must be > 0, got %d", opts.Workers)
	}
	if opts.RateLimit < 0 {
		return RunStats[T]{}, fmt.Errorf("rate limit must be >= 0, got %v", opts.RateLimit)
	}

	start := time.Now()
	agg := &aggregator[T, V]{onResult: opts.OnResult}
	agg.stats.Total = len(items)

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	// No group context and no goroutine errors: a failure never cancels siblings.
	var g errgroup.Group
	g.SetLimit(opts.Workers)

	for _, item := range items {
		if opts.Satisfied != nil && opts.Satisfied(ctx, item) {
			agg.fold(item, Skip[V]("output already present"), false)
			continue
		}
		g.Go(func() error {
			agg.fold(item, execute(ctx, item, action, limiter), true)
			return nil
		})
	}
	_ = g.Wait()

	stats := agg.snapshot()
	stats.Elapsed = time.Since(start)
	return stats, nil
}

func execute[T, V any](ctx context.Context, item T, action Action[T, V], limiter *rate.Limiter) (res Result[V]) {
	defer func() {
		if r := recover(); r != nil {
			res = Fail[V](fmt.Errorf("action panicked: %v", r))
		}
	}()
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return Fail[V](fmt.Errorf("waiting for rate limiter: %w", err))
		}
	}
	res = action(ctx, item)
	if res.Status == Failed && res.Err == nil {
		res.Err = fmt.Errorf("action failed without an error")
	}
	return res
}
