// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/sql-reviewer/internal/dispatch"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outputs", DBFile)
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestRecordAndRecent(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	firstID, err := s.Record(ctx, Run{
		Stage: "fetch", StartedAt: base, FinishedAt: base.Add(90 * time.Second),
		Total: 10, Attempted: 8, Succeeded: 7, Failed: 1, Skipped: 2,
		Failures: []Failure{{Item: "app__GET_x__1", Error: "HTTP 500"}},
	})
	require.NoError(t, err)
	_, err = uuid.Parse(firstID)
	assert.NoError(t, err, "generated ID is a UUID")

	_, err = s.Record(ctx, Run{ID: "fixed", Stage: "review", StartedAt: base.Add(time.Hour), FinishedAt: base.Add(2 * time.Hour), Total: 3, Succeeded: 3, Attempted: 3})
	require.NoError(t, err)

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "fixed", runs[0].ID)
	assert.Equal(t, "review", runs[0].Stage)
	assert.Empty(t, runs[0].Failures)
	assert.Equal(t, time.Hour, runs[0].Duration())

	assert.Equal(t, firstID, runs[1].ID)
	assert.True(t, base.Equal(runs[1].StartedAt))
	assert.Equal(t, 90*time.Second, runs[1].Duration())
	assert.Equal(t, 10, runs[1].Total)
	assert.Equal(t, 8, runs[1].Attempted)
	assert.Equal(t, 7, runs[1].Succeeded)
	assert.Equal(t, 1, runs[1].Failed)
	assert.Equal(t, 2, runs[1].Skipped)
	assert.Equal(t, []Failure{{Item: "app__GET_x__1", Error: "HTTP 500"}}, runs[1].Failures)

	limited, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "fixed", limited[0].ID)

	none, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecord_DuplicateID(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.Record(ctx, Run{ID: "dup", Stage: "fetch", StartedAt: now, FinishedAt: now})
	require.NoError(t, err)
	_, err = s.Record(ctx, Run{ID: "dup", Stage: "fetch", StartedAt: now, FinishedAt: now,
		Failures: []Failure{{Item: "x"}}})
	assert.Error(t, err)

	runs, err := s.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Empty(t, runs[0].Failures, "rolled back transaction leaves no failures")
}

func TestOpen_Reopen(t *testing.T) {
	s, path := testStore(t)
	now := time.Now()
	_, err := s.Record(context.Background(), Run{Stage: "review", StartedAt: now, FinishedAt: now})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	again, err := Open(path)
	require.NoError(t, err)
	defer again.Close()
	runs, err := again.Recent(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestFromStats(t *testing.T) {
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	stats := dispatch.RunStats[int]{
		Total: 4, Attempted: 3, Succeeded: 1, Failed: 2, Skipped: 1,
		Failures: []dispatch.Failure[int]{{Item: 7, Err: errors.New("boom")}, {Item: 9}},
		Elapsed:  5 * time.Second,
	}
	r := FromStats("fetch", started, stats, func(i int) string { return "item-" + string(rune('0'+i)) })

	assert.Equal(t, "fetch", r.Stage)
	assert.Equal(t, 5*time.Second, r.Duration())
	assert.Equal(t, 4, r.Total)
	assert.Equal(t, 2, r.Failed)
	assert.Equal(t, []Failure{{Item: "item-7", Error: "boom"}, {Item: "item-9"}}, r.Failures)
}

func TestAppendFailures(t *testing.T) {
	r := Run{Stage: "fetch", Total: 2, Failed: 1, Failures: []Failure{{Item: "q1", Error: "late"}}}
	stats := dispatch.RunStats[string]{Total: 3, Failed: 1, Failures: []dispatch.Failure[string]{{Item: "app", Err: errors.New("HTTP 503")}}}

	AppendFailures(&r, stats, func(s string) string { return "agent " + s })
	assert.Equal(t, []Failure{{Item: "q1", Error: "late"}, {Item: "agent app", Error: "HTTP 503"}}, r.Failures)
	assert.Equal(t, 2, r.Total, "counts are unchanged")
	assert.Equal(t, 1, r.Failed)
}
