// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package fetch implements the fetch stage: discover the transactions of
// each configured agent, list their queries, and persist every unique
// query as a .sql artifact with a JSON info sidecar.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/sql-reviewer/internal/discovery"
	"github.com/pdiddy/sql-reviewer/internal/dispatch"
	"github.com/pdiddy/sql-reviewer/internal/gate"
	"github.com/pdiddy/sql-reviewer/internal/glowroot"
	"github.com/pdiddy/sql-reviewer/pkg/types"
)

// Source is the APM backend the stage reads from. *glowroot.Client
// implements it.
type Source interface {
	TransactionSummaries(ctx context.Context, agentID string, w glowroot.Window, limit int) ([]types.Transaction, error)
	Queries(ctx context.Context, agentID, txType, txName string, w glowroot.Window) ([]types.Query, error)
	FullQueryText(ctx context.Context, agentID, sha1 string) (string, error)
}

// Stores are the artifact sets the stage writes.
type Stores struct {
	SQL       gate.Store
	Info      gate.Store
	Discovery gate.Store
}

// Options are per-run overrides from the command line.
type Options struct {
	// Agent restricts the run to one configured agent.
	Agent string

	// Transaction restricts the run to one transaction name.
	Transaction string

	// Clean deletes existing SQL and info artifacts first.
	Clean bool

	// Now anchors the time window. Zero means time.Now.
	Now time.Time
}

// TransactionRef is one discovered transaction of one agent.
type TransactionRef struct {
	AgentID     string
	Transaction types.Transaction
}

func (r TransactionRef) String() string { return r.AgentID + "/" + r.Transaction.Name }

// QueryItem is the fetch stage's unit of work.
type QueryItem struct {
	Fingerprint string
	AgentID     string
	Transaction types.Transaction
	Query       types.Query
}

func (q QueryItem) String() string { return q.Fingerprint }

// Summary is the outcome of one fetch run.
type Summary struct {
	Agents       int
	Discovery    dispatch.RunStats[string]
	Transactions dispatch.RunStats[TransactionRef]
	Queries      dispatch.RunStats[QueryItem]

	CapacityWarnings  int
	EmptyTransactions int
	Duplicates        int
	FullText          int
	Truncated         int
	Cleaned           int
	Elapsed           time.Duration
}

// Stage runs the fetch stage against one Source.
type Stage struct {
	cfg    types.PipelineConfig
	src    Source
	stores Stores
	logger *slog.Logger
}

// NewStage returns a fetch Stage. cfg must already be validated.
func NewStage(cfg types.PipelineConfig, src Source, stores Stores, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Stage{cfg: cfg, src: src, stores: stores, logger: logger}
}

// NewFileStores returns the file-backed stores for cfg.
func NewFileStores(cfg types.OutputConfig) Stores {
	return Stores{
		SQL:       gate.NewFileStore(cfg.Path(cfg.SQLDir), ".sql"),
		Info:      gate.NewFileStore(cfg.Path(cfg.SQLInfoDir), ".json"),
		Discovery: gate.NewFileStore(cfg.Path(cfg.DiscoveryDir), ".yaml"),
	}
}

// Gate returns the output gate of the fetch stage: a query is done when
// its SQL text is non-empty and its info sidecar is a JSON object.
func (s *Stage) Gate() *gate.Gate {
	return gate.New(s.logger,
		gate.Requirement{Name: "sql", Store: s.stores.SQL, Validate: gate.NonEmpty},
		gate.Requirement{Name: "sql_info", Store: s.stores.Info, Validate: gate.JSONObject},
	)
}

func (s *Stage) agents(filter string) ([]string, error) {
	ids := s.cfg.Glowroot.AgentIDs()
	if len(ids) == 0 {
		return nil, fmt.Errorf("no agents configured under glowroot.agents")
	}
	if filter == "" {
		return ids, nil
	}
	for _, id := range ids {
		if id == filter {
			return []string{id}, nil
		}
	}
	return nil, fmt.Errorf("agent %q not found in configuration", filter)
}

// Run executes the stage. Only configuration errors and a failing clean
// are returned as errors; per-item failures are reported in the Summary.
func (s *Stage) Run(ctx context.Context, opts Options) (Summary, error) {
	start := time.Now()
	agents, err := s.agents(opts.Agent)
	if err != nil {
		return Summary{}, err
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	window := glowroot.LastHours(now, s.cfg.Glowroot.HoursAgo)

	s.logger.Info("starting fetch",
		"agents", len(agents),
		"from", window.From.Format(time.DateTime),
		"to", window.To.Format(time.DateTime),
		"hours_ago", s.cfg.Glowroot.HoursAgo)
	if opts.Transaction != "" {
		s.logger.Info("transaction filter", "transaction", opts.Transaction)
	}

	sum := Summary{Agents: len(agents)}
	g := s.Gate()
	if opts.Clean {
		n, err := g.Clean(ctx)
		if err != nil {
			return sum, fmt.Errorf("cleaning fetch outputs: %w", err)
		}
		sum.Cleaned = n
	}

	refs, err := s.discover(ctx, agents, window, opts.Transaction, &sum)
	if err != nil {
		return sum, err
	}
	items, err := s.listQueries(ctx, refs, window, &sum)
	if err != nil {
		return sum, err
	}

	sum.Queries, err = dispatch.Run(ctx, items, s.fetchQuery(now),
		dispatch.Options[QueryItem, bool]{
			Workers: s.cfg.Glowroot.MaxWorkers,
			Satisfied: func(ctx context.Context, it QueryItem) bool {
				return g.Satisfied(ctx, it.Fingerprint)
			},
			OnResult: func(it QueryItem, res dispatch.Result[bool]) {
				switch res.Status {
				case dispatch.Succeeded:
					if res.Value {
						sum.Truncated++
					} else {
						sum.FullText++
					}
				case dispatch.Failed:
					s.logger.Error("query failed", "item", it.Fingerprint, "error", res.Err)
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

type agentResult struct {
	txs      []types.Transaction
	capacity bool
}

// discover runs discovery for every agent and returns the transactions to
// process, in agent configuration order.
func (s *Stage) discover(ctx context.Context, agents []string, w glowroot.Window, txFilter string, sum *Summary) ([]TransactionRef, error) {
	d := s.cfg.Glowroot.Discovery
	limits := discovery.Limits{Initial: d.InitialLimit, Increment: d.LimitIncrement, Max: d.MaxLimit}
	found := make(map[string][]types.Transaction, len(agents))

	action := func(ctx context.Context, agentID string) dispatch.Result[agentResult] {
		log := s.logger.With("agent", agentID)
		log.Info("discovering transactions")
		list := func(ctx context.Context, limit int) ([]types.Transaction, error) {
			return s.src.TransactionSummaries(ctx, agentID, w, limit)
		}
		res, err := discovery.Run(ctx, list, func(t types.Transaction) string { return t.Name }, limits, log)
		if err != nil {
			return dispatch.Fail[agentResult](fmt.Errorf("discovering %s: %w", agentID, err))
		}
		if res.Duplicates > 0 {
			log.Info("removed duplicate transactions", "duplicates", res.Duplicates)
		}
		if err := s.writeManifest(ctx, agentID, w, res); err != nil {
			log.Warn("writing discovery manifest", "error", err)
		}

		txs := res.Records
		if txFilter != "" {
			txs = filterTransactions(txs, txFilter)
			if len(txs) == 0 {
				log.Warn("transaction not found", "transaction", txFilter)
			}
		}
		log.Info("discovered transactions", "count", len(txs), "calls", res.Calls, "capacity_reached", res.CapacityReached)
		return dispatch.OK(agentResult{txs: txs, capacity: res.CapacityReached})
	}

	stats, err := dispatch.Run(ctx, agents, action, dispatch.Options[string, agentResult]{
		Workers: s.cfg.Glowroot.DiscoveryWorkers,
		OnResult: func(agentID string, res dispatch.Result[agentResult]) {
			if res.Status == dispatch.Failed {
				s.logger.Error("discovery failed", "agent", agentID, "error", res.Err)
				return
			}
			found[agentID] = res.Value.txs
			if res.Value.capacity {
				sum.CapacityWarnings++
			}
		},
	})
	if err != nil {
		return nil, err
	}
	sum.Discovery = stats

	var refs []TransactionRef
	for _, a := range agents {
		for _, tx := range found[a] {
			refs = append(refs, TransactionRef{AgentID: a, Transaction: tx})
		}
	}
	return refs, nil
}

func filterTransactions(txs []types.Transaction, name string) []types.Transaction {
	var out []types.Transaction
	for _, t := range txs {
		if t.Name == name {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stage) writeManifest(ctx context.Context, agentID string, w glowroot.Window, res discovery.Result[types.Transaction]) error {
	if s.stores.Discovery == nil {
		return nil
	}
	m := types.DiscoveryManifest{
		AgentID:         agentID,
		From:            w.From,
		To:              w.To,
		Calls:           res.Calls,
		FinalLimit:      res.FinalLimit,
		CapacityReached: res.CapacityReached,
		Duplicates:      res.Duplicates,
		Transactions:    res.Records,
	}
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return s.stores.Discovery.Write(ctx, Sanitize(agentID), data)
}

// listQueries lists the queries of every transaction and turns them into
// deduplicated QueryItems, in transaction order.
func (s *Stage) listQueries(ctx context.Context, refs []TransactionRef, w glowroot.Window, sum *Summary) ([]QueryItem, error) {
	index := make(map[TransactionRef]int, len(refs))
	for i, r := range refs {
		index[r] = i
	}
	perTx := make([][]types.Query, len(refs))

	action := func(ctx context.Context, r TransactionRef) dispatch.Result[[]types.Query] {
		qs, err := s.src.Queries(ctx, r.AgentID, r.Transaction.Type, r.Transaction.Name, w)
		if err != nil {
			return dispatch.Fail[[]types.Query](err)
		}
		if len(qs) == 0 {
			return dispatch.Skip[[]types.Query]("no queries")
		}
		s.logger.Debug("listed queries", "agent", r.AgentID, "transaction", r.Transaction.Name, "count", len(qs))
		return dispatch.OK(qs)
	}

	stats, err := dispatch.Run(ctx, refs, action, dispatch.Options[TransactionRef, []types.Query]{
		Workers: s.cfg.Glowroot.MaxWorkers,
		OnResult: func(r TransactionRef, res dispatch.Result[[]types.Query]) {
			switch res.Status {
			case dispatch.Succeeded:
				perTx[index[r]] = res.Value
			case dispatch.Skipped:
				sum.EmptyTransactions++
				s.logger.Warn("no queries found", "agent", r.AgentID, "transaction", r.Transaction.Name)
			case dispatch.Failed:
				s.logger.Error("listing queries failed", "agent", r.AgentID, "transaction", r.Transaction.Name, "error", res.Err)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	sum.Transactions = stats

	seen := mapset.NewThreadUnsafeSet[string]()
	var items []QueryItem
	for i, r := range refs {
		for _, q := range perTx[i] {
			fp := Fingerprint(r.AgentID, r.Transaction.Name, q)
			if seen.Contains(fp) {
				sum.Duplicates++
				continue
			}
			seen.Add(fp)
			items = append(items, QueryItem{Fingerprint: fp, AgentID: r.AgentID, Transaction: r.Transaction, Query: q})
		}
	}
	if sum.Duplicates > 0 {
		s.logger.Warn("duplicate queries dropped", "duplicates", sum.Duplicates)
	}
	s.logger.Info("queries to fetch", "count", len(items))
	return items, nil
}

// fetchQuery returns the per-item action. Its Value reports whether the
// truncated text had to be used.
func (s *Stage) fetchQuery(now time.Time) dispatch.Action[QueryItem, bool] {
	return func(ctx context.Context, it QueryItem) dispatch.Result[bool] {
		text, truncated := s.queryText(ctx, it)
		if normalizeSQL(text) == "" {
			return dispatch.Fail[bool](fmt.Errorf("query %s has no text", it.Fingerprint))
		}

		info := types.SQLInfo{
			Fingerprint:        it.Fingerprint,
			AgentID:            it.AgentID,
			TransactionName:    it.Transaction.Name,
			TransactionType:    it.Transaction.Type,
			QueryType:          it.Query.QueryType,
			TotalDurationNanos: it.Query.TotalDurationNanos,
			ExecutionCount:     it.Query.ExecutionCount,
			TotalRows:          it.Query.TotalRows,
			FullQueryTextSHA1:  it.Query.FullQueryTextSHA1,
			Truncated:          truncated,
			Timestamp:          now,
		}
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return dispatch.Fail[bool](fmt.Errorf("encoding info: %w", err))
		}

		// SQL first: the info sidecar completes the artifact pair.
		if err := s.stores.SQL.Write(ctx, it.Fingerprint, []byte(text)); err != nil {
			return dispatch.Fail[bool](fmt.Errorf("writing sql: %w", err))
		}
		if err := s.stores.Info.Write(ctx, it.Fingerprint, data); err != nil {
			return dispatch.Fail[bool](fmt.Errorf("writing info: %w", err))
		}
		s.logger.Debug("saved query", "item", it.Fingerprint, "chars", len(text), "truncated", truncated)
		return dispatch.OK(truncated)
	}
}

func (s *Stage) queryText(ctx context.Context, it QueryItem) (string, bool) {
	sha1 := it.Query.FullQueryTextSHA1
	if sha1 == "" {
		return it.Query.TruncatedQueryText, true
	}
	full, err := s.src.FullQueryText(ctx, it.AgentID, sha1)
	if err != nil {
		s.logger.Warn("full text fetch failed, using truncated text", "item", it.Fingerprint, "error", err)
		return it.Query.TruncatedQueryText, true
	}
	if full == "" {
		s.logger.Warn("full text unavailable, using truncated text", "item", it.Fingerprint)
		return it.Query.TruncatedQueryText, true
	}
	return full, false
}

func (s *Stage) logSummary(sum Summary) {
	s.logger.Info("fetch summary",
		"agents", sum.Agents,
		"discovery_failed", sum.Discovery.Failed,
		"transactions", sum.Transactions.Total,
		"transactions_failed", sum.Transactions.Failed,
		"empty_transactions", sum.EmptyTransactions,
		"queries", sum.Queries.Total,
		"fetched", sum.Queries.Succeeded,
		"skipped", sum.Queries.Skipped,
		"failed", sum.Queries.Failed,
		"full_text", sum.FullText,
		"truncated", sum.Truncated,
		"duplicates", sum.Duplicates,
		"elapsed", sum.Elapsed.Round(time.Millisecond))
}

// Err reports the run as failed when any stage of it exceeded maxRatio.
func (sum Summary) Err(maxRatio float64) error {
	switch {
	case sum.Discovery.Exceeds(maxRatio):
		return fmt.Errorf("discovery failed for %d of %d agent(s)", sum.Discovery.Failed, sum.Discovery.Total)
	case sum.Transactions.Exceeds(maxRatio):
		return fmt.Errorf("%d of %d transaction(s) failed", sum.Transactions.Failed, sum.Transactions.Total)
	case sum.Queries.Exceeds(maxRatio):
		return fmt.Errorf("%d of %d query(ies) failed", sum.Queries.Failed, sum.Queries.Total)
	}
	return nil
}
