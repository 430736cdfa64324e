// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package review implements the review stage: every fetched SQL artifact
// is sent, with its info sidecar and optional table metadata, to an LLM
// reviewer, and the JSON review it returns is stored next to the others.
package review

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pdiddy/sql-reviewer/internal/backoff"
	"github.com/pdiddy/sql-reviewer/internal/dispatch"
	"github.com/pdiddy/sql-reviewer/internal/gate"
	"github.com/pdiddy/sql-reviewer/internal/llm"
	"github.com/pdiddy/sql-reviewer/pkg/types"
)

// Completer sends one chat request. *llm.ChatClient implements it.
type Completer interface {
	Complete(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error)
}

// Stores are the artifact sets the stage reads and writes.
type Stores struct {
	SQL      gate.Store
	Info     gate.Store
	Metadata gate.Store
	Review   gate.Store
}

// NewFileStores returns the file-backed stores for cfg.
func NewFileStores(cfg types.PipelineConfig) Stores {
	o := cfg.Output
	return Stores{
		SQL:      gate.NewFileStore(o.Path(o.SQLDir), ".sql"),
		Info:     gate.NewFileStore(o.Path(o.SQLInfoDir), ".json"),
		Metadata: gate.NewFileStore(o.Path(o.MetadataDir), ".json"),
		Review:   gate.NewFileStore(o.Path(cfg.Review.ReviewDir), ".json"),
	}
}

// Options are per-run overrides from the command line.
type Options struct {
	Clean bool

	// Limit keeps only the first Limit selected files.
	Limit int

	// Files are name patterns; see SelectFiles.
	Files []string
}

// Outcome is the per-file result carried to the stats fold.
type Outcome struct {
	Issues    int
	Score     float64
	Synthetic bool
	Retries   int
	Usage     types.Usage
}

// Summary is the outcome of one review run.
type Summary struct {
	Available int
	Stats     dispatch.RunStats[string]
	Usage     types.Usage
	Retries   int
	Synthetic int
	Issues    int
	Cleaned   int
	Elapsed   time.Duration
}

// Err reports the run as failed when more than maxRatio of files failed.
func (s Summary) Err(maxRatio float64) error {
	if s.Stats.Exceeds(maxRatio) {
		return fmt.Errorf("%d of %d review(s) failed", s.Stats.Failed, s.Stats.Total)
	}
	return nil
}

// Stage runs the review stage.
type Stage struct {
	cfg    types.PipelineConfig
	client Completer
	prompt string
	stores Stores
	logger *slog.Logger
	sleep  backoff.Sleeper
}

// NewStage returns a review Stage. cfg must already be validated.
func NewStage(cfg types.PipelineConfig, client Completer, systemPrompt string, stores Stores, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Stage{cfg: cfg, client: client, prompt: systemPrompt, stores: stores, logger: logger}
}

// WithSleeper replaces the retry sleeper. Tests use it to avoid waiting.
func (s *Stage) WithSleeper(sl backoff.Sleeper) *Stage {
	s.sleep = sl
	return s
}

// LoadSystemPrompt reads the reviewer system prompt.
func LoadSystemPrompt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading system prompt: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", fmt.Errorf("system prompt %s is empty", path)
	}
	return string(data), nil
}

// Gate returns the output gate of the review stage.
func (s *Stage) Gate() *gate.Gate {
	return gate.New(s.logger, gate.Requirement{Name: "review", Store: s.stores.Review, Validate: gate.JSONObject})
}

// Run reviews the selected SQL files.
func (s *Stage) Run(ctx context.Context, opts Options) (Summary, error) {
	start := time.Now()
	var sum Summary

	g := s.Gate()
	if opts.Clean {
		n, err := g.Clean(ctx)
		if err != nil {
			return sum, fmt.Errorf("cleaning reviews: %w", err)
		}
		sum.Cleaned = n
	}

	keys, err := s.stores.SQL.List(ctx)
	if err != nil {
		return sum, fmt.Errorf("listing SQL files: %w", err)
	}
	sum.Available = len(keys)
	if len(keys) == 0 {
		s.logger.Warn("no SQL files found")
		return sum, nil
	}
	selected, err := SelectFiles(keys, opts.Files, opts.Limit)
	if err != nil {
		return sum, err
	}
	if len(selected) != len(keys) {
		s.logger.Info("file selection", "selected", len(selected), "available", len(keys))
	}

	s.logger.Info("starting review",
		"files", len(selected),
		"model", s.cfg.Review.Model,
		"max_workers", s.cfg.Review.MaxWorkers,
		"max_retries", s.cfg.Review.Retry.Retries())

	sum.Stats, err = dispatch.Run(ctx, selected, s.reviewFile, dispatch.Options[string, Outcome]{
		Workers:   s.cfg.Review.MaxWorkers,
		RateLimit: s.cfg.Review.RateLimit,
		Satisfied: g.Satisfied,
		OnResult: func(key string, res dispatch.Result[Outcome]) {
			sum.Usage.Add(res.Value.Usage)
			sum.Retries += res.Value.Retries
			switch res.Status {
			case dispatch.Succeeded:
				sum.Issues += res.Value.Issues
				if res.Value.Synthetic {
					sum.Synthetic++
				}
			case dispatch.Skipped:
				if res.Reason != "" {
					s.logger.Debug("skipped", "file", key, "reason", res.Reason)
				}
			case dispatch.Failed:
				s.logger.Error("review failed", "file", key, "error", res.Err)
			}
		},
	})
	if err != nil {
		return sum, err
	}

	sum.Elapsed = time.Since(start)
	s.logSummary(sum)
	return sum, nil
}

func (s *Stage) retrier(key string) backoff.Retrier {
	r := s.cfg.Review.Retry
	return backoff.Retrier{
		Policy: backoff.Policy{
			MaxRetries:     r.Retries(),
			InitialDelay:   r.InitialRetryDelay,
			MaxDelay:       r.MaxRetryDelay,
			AttemptTimeout: r.RequestTimeout,
		},
		Sleep: s.sleep,
		OnRetry: func(st backoff.State) {
			s.logger.Warn("review attempt failed, retrying",
				"file", key, "attempt", st.Attempt, "max_retries", r.Retries(), "delay", st.Delay, "error", st.LastErr)
		},
	}
}

type userPayload struct {
	SQL      string          `json:"sql"`
	SQLInfo  json.RawMessage `json:"sql_info"`
	Metadata json.RawMessage `json:"metadata"`
}

func (s *Stage) reviewFile(ctx context.Context, key string) dispatch.Result[Outcome] {
	start := time.Now()
	raw, err := s.stores.SQL.Read(ctx, key)
	if err != nil {
		return dispatch.Fail[Outcome](fmt.Errorf("reading sql: %w", err))
	}
	sql := strings.TrimSpace(string(raw))

	if IsAlterSession(sql) {
		if err := s.writeReview(ctx, key, syntheticReview()); err != nil {
			return dispatch.Fail[Outcome](err)
		}
		s.logger.Info("ALTER SESSION statement, synthetic review written", "file", key)
		return dispatch.OK(Outcome{Synthetic: true, Score: 10})
	}

	info, err := s.stores.Info.Read(ctx, key)
	if errors.Is(err, gate.ErrNotFound) {
		s.logger.Warn("skipping file without info sidecar", "file", key)
		return dispatch.Skip[Outcome]("sql info file not found")
	}
	if err != nil {
		return dispatch.Fail[Outcome](fmt.Errorf("reading sql info: %w", err))
	}
	if !json.Valid(info) {
		return dispatch.Fail[Outcome](fmt.Errorf("sql info of %s is not valid JSON", key))
	}

	payload, err := json.Marshal(userPayload{SQL: sql, SQLInfo: info, Metadata: s.metadata(ctx, key)})
	if err != nil {
		return dispatch.Fail[Outcome](fmt.Errorf("encoding payload: %w", err))
	}
	req := llm.NewJSONRequest(s.cfg.Review.Model, s.prompt, string(payload), s.cfg.Review.MaxTokens)

	var (
		out    Outcome
		review map[string]any
	)
	st, err := s.retrier(key).Do(ctx, func(ctx context.Context) error {
		resp, err := s.client.Complete(ctx, req)
		out.Usage.Add(resp.Usage)
		if err != nil {
			return err
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
			return fmt.Errorf("response processing: %w", err)
		}
		if parsed == nil {
			return errors.New("response processing: review is not a JSON object")
		}
		review = parsed
		return nil
	})
	out.Retries = st.Retries()
	if err != nil {
		return dispatch.Result[Outcome]{Status: dispatch.Failed, Err: err, Value: out}
	}

	cleaned := stripCJK(review).(map[string]any)
	if err := s.writeReview(ctx, key, cleaned); err != nil {
		return dispatch.Result[Outcome]{Status: dispatch.Failed, Err: err, Value: out}
	}

	out.Issues, out.Score = summarize(cleaned)
	s.logger.Info("reviewed",
		"file", key, "issues", out.Issues, "score", out.Score,
		"retries", out.Retries, "elapsed", time.Since(start).Round(time.Millisecond))
	return dispatch.OK(out)
}

// metadata returns the table metadata of key, or an empty object when it
// is missing or unreadable.
func (s *Stage) metadata(ctx context.Context, key string) json.RawMessage {
	empty := json.RawMessage(`{}`)
	if s.stores.Metadata == nil {
		return empty
	}
	data, err := s.stores.Metadata.Read(ctx, key)
	if err != nil {
		if !errors.Is(err, gate.ErrNotFound) {
			s.logger.Warn("reading metadata", "file", key, "error", err)
		} else {
			s.logger.Debug("metadata not found", "file", key)
		}
		return empty
	}
	if !json.Valid(data) {
		s.logger.Warn("metadata is not valid JSON, ignoring", "file", key)
		return empty
	}
	return data
}

func (s *Stage) writeReview(ctx context.Context, key string, review any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(review); err != nil {
		return fmt.Errorf("encoding review: %w", err)
	}
	if err := s.stores.Review.Write(ctx, key, buf.Bytes()); err != nil {
		return fmt.Errorf("writing review: %w", err)
	}
	return nil
}

// summarize extracts the issue count and performance score of a review.
// Missing or mistyped fields count as zero.
func summarize(review map[string]any) (int, float64) {
	data, err := json.Marshal(review)
	if err != nil {
		return 0, 0
	}
	var r struct {
		Summary struct {
			TotalIssues      json.Number `json:"total_issues"`
			PerformanceScore json.Number `json:"performance_score"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return 0, 0
	}
	issues, _ := r.Summary.TotalIssues.Int64()
	score, _ := r.Summary.PerformanceScore.Float64()
	return int(issues), score
}

func (s *Stage) logSummary(sum Summary) {
	st := sum.Stats
	s.logger.Info("review summary",
		"files", st.Total,
		"succeeded", st.Succeeded,
		"failed", st.Failed,
		"skipped", st.Skipped,
		"synthetic", sum.Synthetic,
		"issues", sum.Issues,
		"retries", sum.Retries,
		"elapsed", sum.Elapsed.Round(time.Millisecond))
	u := sum.Usage
	s.logger.Info("token usage",
		"prompt", u.PromptTokens,
		"completion", u.CompletionTokens,
		"reasoning", u.ReasoningTokens,
		"cached", u.CachedTokens,
		"total", u.TotalTokens,
		"effective", u.Effective(),
		"cache_hit_rate", fmt.Sprintf("%.1f%%", u.CacheHitRate()))
}
