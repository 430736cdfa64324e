// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEndpoint serves the first min(limit, len(records)) records and
// records every limit it was called with.
type fakeEndpoint struct {
	records []string
	calls   []int
}

func newFakeEndpoint(n int) *fakeEndpoint {
	f := &fakeEndpoint{}
	for i := 0; i < n; i++ {
		f.records = append(f.records, fmt.Sprintf("tx-%04d", i))
	}
	return f
}

func (f *fakeEndpoint) list(_ context.Context, limit int) ([]string, error) {
	f.calls = append(f.calls, limit)
	if limit > len(f.records) {
		limit = len(f.records)
	}
	return append([]string(nil), f.records[:limit]...), nil
}

// alwaysFull returns exactly limit distinct records on every call.
func alwaysFull(calls *[]int) ListFunc[string] {
	return func(_ context.Context, limit int) ([]string, error) {
		*calls = append(*calls, limit)
		out := make([]string, limit)
		for i := range out {
			out[i] = fmt.Sprintf("r%d", i)
		}
		return out, nil
	}
}

func identity(s string) string { return s }

func TestRun_StableBelowMax(t *testing.T) {
	limits := Limits{Initial: 200, Increment: 200, Max: 5000}
	tests := []struct {
		size      int
		wantCalls []int
	}{
		{0, []int{200}},
		{150, []int{200}},
		{200, []int{200, 400}},
		{250, []int{200, 400}},
		{1000, []int{200, 400, 600, 800, 1000, 1200}},
		{4999, nil},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("S=%d", tt.size), func(t *testing.T) {
			ep := newFakeEndpoint(tt.size)
			res, err := Run(context.Background(), ep.list, identity, limits, nil)
			require.NoError(t, err)

			assert.Len(t, res.Records, tt.size)
			assert.False(t, res.CapacityReached)
			assert.Equal(t, ep.calls, res.Calls)
			if tt.wantCalls != nil {
				assert.Equal(t, tt.wantCalls, res.Calls)
			}
			for _, c := range res.Calls {
				assert.LessOrEqual(t, c, limits.Max)
			}
			if tt.size > 0 {
				assert.Equal(t, "tx-0000", res.Records[0], "server order preserved")
			}
		})
	}
}

func TestRun_AlwaysFullStopsAtMaxWithWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	var calls []int

	res, err := Run(context.Background(), alwaysFull(&calls), identity,
		Limits{Initial: 200, Increment: 200, Max: 1000}, logger)
	require.NoError(t, err)

	assert.Equal(t, []int{200, 400, 600, 800, 1000}, calls)
	assert.True(t, res.CapacityReached)
	assert.Equal(t, 1000, res.FinalLimit)
	assert.Len(t, res.Records, 1000)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "max_limit=1000")
}

func TestRun_ClampsFinalCallToMax(t *testing.T) {
	var calls []int
	res, err := Run(context.Background(), alwaysFull(&calls), identity,
		Limits{Initial: 200, Increment: 300, Max: 600}, nil)
	require.NoError(t, err)

	assert.Equal(t, []int{200, 500, 600}, calls)
	assert.True(t, res.CapacityReached)
}

func TestRun_InitialEqualsMax(t *testing.T) {
	var calls []int
	res, err := Run(context.Background(), alwaysFull(&calls), identity,
		Limits{Initial: 50, Increment: 10, Max: 50}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{50}, calls)
	assert.True(t, res.CapacityReached)
}

func TestRun_Dedup(t *testing.T) {
	list := func(_ context.Context, limit int) ([]string, error) {
		return []string{"a", "b", "a", "c", "b"}, nil
	}
	res, err := Run(context.Background(), list, identity, Limits{Initial: 10, Increment: 10, Max: 100}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, res.Records)
	assert.Equal(t, 2, res.Duplicates)
}

func TestRun_DedupByKeyKeepsFirst(t *testing.T) {
	type tx struct {
		name string
		dur  int
	}
	list := func(_ context.Context, limit int) ([]tx, error) {
		return []tx{{"GET /a", 9}, {"GET /b", 5}, {"GET /a", 1}}, nil
	}
	res, err := Run(context.Background(), list, func(t tx) string { return t.name },
		Limits{Initial: 5, Increment: 5, Max: 5}, nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, 9, res.Records[0].dur)
}

func TestRun_ListError(t *testing.T) {
	boom := errors.New("HTTP 500")
	calls := 0
	list := func(_ context.Context, limit int) ([]string, error) {
		calls++
		if calls == 2 {
			return nil, boom
		}
		return make([]string, limit), nil
	}
	res, err := Run(context.Background(), list, identity, Limits{Initial: 1, Increment: 1, Max: 10}, nil)
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "limit 2")
	assert.Equal(t, []int{1, 2}, res.Calls)
}

func TestLimits_Validate(t *testing.T) {
	assert.NoError(t, Limits{Initial: 200, Increment: 200, Max: 5000}.Validate())
	assert.Error(t, Limits{Initial: 0, Increment: 200, Max: 5000}.Validate())
	assert.Error(t, Limits{Initial: 200, Increment: 0, Max: 5000}.Validate())
	assert.Error(t, Limits{Initial: 200, Increment: 200, Max: 100}.Validate())

	_, err := Run(context.Background(), newFakeEndpoint(1).list, identity, Limits{}, nil)
	assert.Error(t, err)
}
