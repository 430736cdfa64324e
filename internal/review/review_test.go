// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/sql-reviewer/internal/backoff"
	"github.com/pdiddy/sql-reviewer/internal/gate"
	"github.com/pdiddy/sql-reviewer/internal/llm"
	"github.com/pdiddy/sql-reviewer/pkg/types"
)

const goodReview = `{"summary":{"performance_score":7.5,"complexity_score":3,"total_issues":2,
"overall_assessment":"Full scan on ORDERS 全表扫描"},"issues":[{"title":"Missing index","severity":"high"}]}`

// mockCompleter answers with responses[i] on the i-th call and repeats the
// last one afterwards.
type mockCompleter struct {
	mu        sync.Mutex
	responses []mockResponse
	calls     int
	requests  []llm.ChatRequest
}

type mockResponse struct {
	content string
	err     error
}

func (m *mockCompleter) Complete(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	m.calls++
	m.requests = append(m.requests, req)
	r := m.responses[i]
	usage := types.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120, CachedTokens: 50, ReasoningTokens: 5}
	if r.err != nil {
		return llm.ChatResponse{}, r.err
	}
	return llm.ChatResponse{Content: r.content, Usage: usage}, nil
}

func (m *mockCompleter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func noSleep(context.Context, time.Duration) error { return nil }

func testConfig() types.PipelineConfig {
	cfg := types.PipelineConfig{}
	cfg.Review.MaxWorkers = 2
	cfg.Review.Retry = types.RetryConfig{MaxRetries: types.IntPtr(3), InitialRetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond}
	return cfg.WithDefaults()
}

type fixture struct {
	stores                   Stores
	sql, info, meta, reviews *gate.MemStore
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	f := &fixture{sql: gate.NewMemStore(), info: gate.NewMemStore(), meta: gate.NewMemStore(), reviews: gate.NewMemStore()}
	f.stores = Stores{SQL: f.sql, Info: f.info, Metadata: f.meta, Review: f.reviews}
	ctx := context.Background()
	for k, sql := range files {
		require.NoError(t, f.sql.Write(ctx, k, []byte(sql)))
		require.NoError(t, f.info.Write(ctx, k, []byte(fmt.Sprintf(`{"fingerprint":%q}`, k))))
	}
	return f
}

func (f *fixture) stage(c Completer) *Stage {
	return NewStage(testConfig(), c, "You review SQL.", f.stores, nil).WithSleeper(noSleep)
}

func TestRun_ReviewsAndAggregatesUsage(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a": "SELECT * FROM orders",
		"b": "SELECT * FROM items",
	})
	ctx := context.Background()
	require.NoError(t, f.meta.Write(ctx, "a", []byte(`{"tables":["ORDERS"]}`)))
	mc := &mockCompleter{responses: []mockResponse{{content: goodReview}}}

	sum, err := f.stage(mc).Run(ctx, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Stats.Succeeded)
	assert.Equal(t, 4, sum.Issues)
	assert.Equal(t, int64(200), sum.Usage.PromptTokens)
	assert.Equal(t, int64(40), sum.Usage.CompletionTokens)
	assert.Equal(t, int64(100), sum.Usage.CachedTokens)
	assert.Equal(t, int64(140), sum.Usage.Effective())
	assert.InDelta(t, 50.0, sum.Usage.CacheHitRate(), 0.001)
	assert.NoError(t, sum.Err(0))

	raw, err := f.reviews.Read(ctx, "a")
	require.NoError(t, err)
	var r types.Review
	require.NoError(t, json.Unmarshal(raw, &r))
	assert.Equal(t, "Full scan on ORDERS ", r.Summary.OverallAssessment, "CJK stripped")
	assert.Equal(t, 2, r.Summary.TotalIssues)
	require.Len(t, r.Issues, 1)

	var payloads []userPayload
	for _, req := range mc.requests {
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "You review SQL.", req.Messages[0].Content)
		var p userPayload
		require.NoError(t, json.Unmarshal([]byte(req.Messages[1].Content), &p))
		payloads = append(payloads, p)
	}
	for _, p := range payloads {
		if p.SQL == "SELECT * FROM orders" {
			assert.JSONEq(t, `{"tables":["ORDERS"]}`, string(p.Metadata))
		} else {
			assert.JSONEq(t, `{}`, string(p.Metadata))
		}
	}
}

func TestRun_Idempotent(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 6; i++ {
		files[fmt.Sprintf("q%d", i)] = "SELECT 1"
	}
	f := newFixture(t, files)
	mc := &mockCompleter{responses: []mockResponse{{content: goodReview}}}
	st := f.stage(mc)
	ctx := context.Background()

	first, err := st.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 6, first.Stats.Succeeded)

	second, err := st.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 6, second.Stats.Skipped)
	assert.Equal(t, 6, mc.callCount())

	third, err := st.Run(ctx, Options{Clean: true})
	require.NoError(t, err)
	assert.Equal(t, 6, third.Cleaned)
	assert.Zero(t, third.Stats.Skipped)
	assert.Equal(t, 12, mc.callCount())
}

func TestRun_AlterSessionIsSynthetic(t *testing.T) {
	f := newFixture(t, map[string]string{"s": "alter session set current_schema = APP"})
	mc := &mockCompleter{responses: []mockResponse{{content: goodReview}}}

	sum, err := f.stage(mc).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Stats.Succeeded)
	assert.Equal(t, 1, sum.Synthetic)
	assert.Zero(t, mc.callCount())

	raw, err := f.reviews.Read(context.Background(), "s")
	require.NoError(t, err)
	assert.NoError(t, gate.JSONObject(raw))
	assert.Contains(t, string(raw), `"issues": []`)
	assert.Contains(t, string(raw), `"performance_score": 10`)
}

func TestRun_MissingInfoIsSkipped(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "SELECT 1"})
	require.NoError(t, f.sql.Write(context.Background(), "orphan", []byte("SELECT 2")))
	mc := &mockCompleter{responses: []mockResponse{{content: goodReview}}}

	sum, err := f.stage(mc).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Stats.Succeeded)
	assert.Equal(t, 1, sum.Stats.Skipped)
	assert.Equal(t, 2, sum.Stats.Attempted)
	assert.Equal(t, 1, mc.callCount())
}

func TestRun_ProcessingErrorsAreRetried(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "SELECT 1"})
	mc := &mockCompleter{responses: []mockResponse{
		{content: "not json"},
		{err: llm.ErrNoChoices},
		{err: errors.New("HTTP 503")},
		{content: goodReview},
	}}

	sum, err := f.stage(mc).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Stats.Succeeded)
	assert.Equal(t, 3, sum.Retries)
	assert.Equal(t, 4, mc.callCount())
	assert.Equal(t, int64(200), sum.Usage.PromptTokens, "usage of answered calls counted")
}

func TestRun_RetryBudgetExhausted(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "SELECT 1", "b": "SELECT 2"})
	mc := &mockCompleter{responses: []mockResponse{{content: "[]"}}}

	sum, err := f.stage(mc).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Stats.Failed)
	assert.Equal(t, 8, mc.callCount(), "(1 attempt + 3 retries) per file")
	for _, fl := range sum.Stats.Failures {
		assert.ErrorIs(t, fl.Err, backoff.ErrExhausted)
	}
	assert.Error(t, sum.Err(0.5))
	assert.Zero(t, f.reviews.Len())
}

func TestRun_PermanentErrorNotRetried(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "SELECT 1"})
	mc := &mockCompleter{responses: []mockResponse{{err: backoff.Permanent(errors.New("HTTP 401"))}}}

	sum, err := f.stage(mc).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Stats.Failed)
	assert.Equal(t, 1, mc.callCount())
}

func TestRun_SelectionAndLimit(t *testing.T) {
	f := newFixture(t, map[string]string{
		"app__GET_orders__1": "SELECT 1",
		"app__GET_orders__2": "SELECT 2",
		"app__GET_items__1":  "SELECT 3",
	})
	mc := &mockCompleter{responses: []mockResponse{{content: goodReview}}}
	st := f.stage(mc)

	sum, err := st.Run(context.Background(), Options{Files: []string{"ORDERS"}, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Available)
	assert.Equal(t, 1, sum.Stats.Total)
	ok, _ := f.reviews.Exists(context.Background(), "app__GET_orders__1")
	assert.True(t, ok)

	_, err = st.Run(context.Background(), Options{Files: []string{"nothing"}})
	assert.ErrorContains(t, err, "no SQL files match")
}

func TestRun_NoFiles(t *testing.T) {
	f := newFixture(t, nil)
	sum, err := f.stage(&mockCompleter{responses: []mockResponse{{content: goodReview}}}).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Zero(t, sum.Stats.Total)
}

func TestLoadSystemPrompt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("Review this SQL."), 0o644))

	got, err := LoadSystemPrompt(path)
	require.NoError(t, err)
	assert.Equal(t, "Review this SQL.", got)

	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))
	_, err = LoadSystemPrompt(path)
	assert.Error(t, err)

	_, err = LoadSystemPrompt(filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)
}

func TestRun_ZeroRetriesMakesOneAttempt(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "SELECT 1"})
	mc := &mockCompleter{responses: []mockResponse{{content: "not json"}, {content: goodReview}}}
	cfg := testConfig()
	cfg.Review.Retry.MaxRetries = types.IntPtr(0)

	st := NewStage(cfg, mc, "You review SQL.", f.stores, nil).WithSleeper(noSleep)
	sum, err := st.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Stats.Failed)
	assert.Equal(t, 1, mc.callCount())
	assert.Zero(t, sum.Retries)
}
