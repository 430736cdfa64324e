// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package discovery enumerates a remote result set whose size is unknown
// and whose listing API only accepts a page-size hint. The hint grows until
// a call returns fewer records than asked for; the window of that call is
// the result.
//
// The listing must be monotonic-prefix: a larger limit returns a superset
// of a smaller one, in the same order.
package discovery

import (
	"context"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
)

// Limits bounds the escalation.
type Limits struct {
	Initial   int
	Increment int
	Max       int
}

// Validate rejects limits that could not terminate.
func (l Limits) Validate() error {
	if l.Initial <= 0 {
		return fmt.Errorf("initial limit must be > 0, got %d", l.Initial)
	}
	if l.Increment <= 0 {
		return fmt.Errorf("limit increment must be > 0, got %d", l.Increment)
	}
	if l.Max < l.Initial {
		return fmt.Errorf("max limit %d is below initial limit %d", l.Max, l.Initial)
	}
	return nil
}

// ListFunc returns up to limit records.
type ListFunc[R any] func(ctx context.Context, limit int) ([]R, error)

// Result is the outcome of one discovery.
type Result[R any] struct {
	// Records are the deduplicated records of the final call in server order.
	Records []R

	// Calls holds the limit of every call issued, in order.
	Calls []int

	FinalLimit int

	// Duplicates counts records of the final window dropped by key.
	Duplicates int

	// CapacityReached is set when the call at Max still came back full.
	// More records may exist beyond the returned window.
	CapacityReached bool
}

// Run escalates the limit until the set stabilizes or Max is reached. A
// full page at Max logs a capacity warning and is accepted. The limit never
// exceeds Max: when the next increment would overshoot, one last call is
// made at exactly Max.
func Run[R any](ctx context.Context, list ListFunc[R], key func(R) string, limits Limits, logger *slog.Logger) (Result[R], error) {
	if err := limits.Validate(); err != nil {
		return Result[R]{}, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var res Result[R]
	limit := limits.Initial
	for {
		records, err := list(ctx, limit)
		res.Calls = append(res.Calls, limit)
		if err != nil {
			return res, fmt.Errorf("listing with limit %d: %w", limit, err)
		}
		res.FinalLimit = limit

		if len(records) < limit {
			logger.Debug("result set stable", "limit", limit, "records", len(records))
			res.Records, res.Duplicates = dedup(records, key)
			return res, nil
		}

		if limit >= limits.Max {
			logger.Warn("discovery reached max limit, results may be truncated",
				"max_limit", limits.Max, "records", len(records))
			res.CapacityReached = true
			res.Records, res.Duplicates = dedup(records, key)
			return res, nil
		}

		next := limit + limits.Increment
		if next > limits.Max {
			next = limits.Max
		}
		logger.Debug("page full, raising limit", "limit", limit, "next", next)
		limit = next
	}
}

// dedup keeps the first record of each key and preserves order.
func dedup[R any](records []R, key func(R) string) ([]R, int) {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]R, 0, len(records))
	for _, r := range records {
		k := key(r)
		if seen.Contains(k) {
			continue
		}
		seen.Add(k)
		out = append(out, r)
	}
	return out, len(records) - len(out)
}
