// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package glowroot is a client for the parts of the Glowroot APM backend
// API the fetch stage needs: transaction summaries, per-transaction query
// aggregates and full query text by SHA1.
package glowroot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pdiddy/sql-reviewer/internal/backoff"
	"github.com/pdiddy/sql-reviewer/internal/httputil"
	"github.com/pdiddy/sql-reviewer/pkg/types"
)

// DefaultTransactionType is the only transaction type discovered.
const DefaultTransactionType = "Web"

// Window is the time range of a fetch.
type Window struct {
	From time.Time
	To   time.Time
}

// LastHours returns the window of the given number of hours ending at now.
func LastHours(now time.Time, hours int) Window {
	return Window{From: now.Add(-time.Duration(hours) * time.Hour), To: now}
}

func (w Window) fromMillis() string { return strconv.FormatInt(w.From.UnixMilli(), 10) }
func (w Window) toMillis() string   { return strconv.FormatInt(w.To.UnixMilli(), 10) }

// Client talks to one Glowroot server. Every call runs inside its own
// backoff sequence.
type Client struct {
	baseURL string
	http    *http.Client
	retrier backoff.Retrier
	logger  *slog.Logger
}

// NewClient returns a Client for baseURL. A nil httpClient uses a default
// client; per-call timeouts come from the retry policy.
func NewClient(baseURL string, httpClient *http.Client, retry types.RetryConfig, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
	c.retrier = backoff.Retrier{
		Policy: backoff.Policy{
			MaxRetries:     retry.Retries(),
			InitialDelay:   retry.InitialRetryDelay,
			MaxDelay:       retry.MaxRetryDelay,
			AttemptTimeout: retry.RequestTimeout,
		},
		OnRetry: func(s backoff.State) {
			logger.Warn("glowroot call failed, retrying",
				"attempt", s.Attempt, "delay", s.Delay, "error", s.LastErr)
		},
	}
	return c
}

// WithSleeper replaces the retry sleeper. Tests use it to avoid waiting.
func (c *Client) WithSleeper(s backoff.Sleeper) *Client {
	c.retrier.Sleep = s
	return c
}

type summariesResponse struct {
	Transactions  []types.Transaction `json:"transactions"`
	MoreAvailable bool                `json:"moreAvailable"`
}

// TransactionSummaries lists up to limit Web transactions of an agent,
// sorted by total time.
func (c *Client) TransactionSummaries(ctx context.Context, agentID string, w Window, limit int) ([]types.Transaction, error) {
	q := url.Values{}
	q.Set("agent-rollup-id", agentID)
	q.Set("transaction-type", DefaultTransactionType)
	q.Set("from", w.fromMillis())
	q.Set("to", w.toMillis())
	q.Set("sort-order", "total-time")
	q.Set("limit", strconv.Itoa(limit))

	resp, err := get[summariesResponse](ctx, c, "/backend/transaction/summaries", q)
	if err != nil {
		return nil, fmt.Errorf("transaction summaries for %s: %w", agentID, err)
	}
	for i := range resp.Transactions {
		if resp.Transactions[i].Type == "" {
			resp.Transactions[i].Type = DefaultTransactionType
		}
	}
	c.logger.Debug("fetched transaction summaries",
		"agent", agentID, "limit", limit, "count", len(resp.Transactions), "more_available", resp.MoreAvailable)
	return resp.Transactions, nil
}

// Queries returns the query aggregates of one transaction.
func (c *Client) Queries(ctx context.Context, agentID, txType, txName string, w Window) ([]types.Query, error) {
	q := url.Values{}
	q.Set("agent-rollup-id", agentID)
	q.Set("transaction-type", txType)
	q.Set("transaction-name", txName)
	q.Set("from", w.fromMillis())
	q.Set("to", w.toMillis())

	queries, err := get[[]types.Query](ctx, c, "/backend/transaction/queries", q)
	if err != nil {
		return nil, fmt.Errorf("queries for %s/%s: %w", agentID, txName, err)
	}
	return queries, nil
}

type fullTextResponse struct {
	FullText string `json:"fullText"`
}

// FullQueryText returns the untruncated text of a query. An empty string
// with a nil error means the server no longer has it.
func (c *Client) FullQueryText(ctx context.Context, agentID, sha1 string) (string, error) {
	q := url.Values{}
	q.Set("agent-rollup-id", agentID)
	q.Set("full-text-sha1", sha1)

	resp, err := get[fullTextResponse](ctx, c, "/backend/transaction/full-query-text", q)
	if err != nil {
		return "", fmt.Errorf("full query text %s: %w", sha1, err)
	}
	return resp.FullText, nil
}

// get decodes each attempt into a fresh T; only a fully decoded response
// is returned.
func get[T any](ctx context.Context, c *Client, path string, q url.Values) (T, error) {
	u := c.baseURL + path + "?" + q.Encode()
	var result T
	_, err := c.retrier.Do(ctx, func(ctx context.Context) error {
		var attempt T
		if err := httputil.GetJSON(ctx, c.http, u, nil, &attempt); err != nil {
			return err
		}
		result = attempt
		return nil
	})
	return result, err
}
