package investigate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/commonsmap/pulse/internal/util"
	"github.com/commonsmap/pulse/pkg/ai"
	"github.com/commonsmap/pulse/pkg/budget"
	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/dedupe"
	"github.com/commonsmap/pulse/pkg/fetch"
	"github.com/commonsmap/pulse/pkg/logger"
	"github.com/commonsmap/pulse/pkg/store"
)

// finding is one entity extracted from a Phase A transcript.
type finding struct {
	Kind          string  `json:"kind" jsonschema_description:"Signal kind: tension, ask, give, event, or notice"`
	Title         string  `json:"title" jsonschema_description:"Short factual noun phrase"`
	Summary       string  `json:"summary" jsonschema_description:"One to three grounded sentences"`
	SourceURL     string  `json:"source_url" jsonschema_description:"URL the finding was read from"`
	Location      string  `json:"location,omitempty"`
	TimeInfo      string  `json:"time_info,omitempty" jsonschema_description:"Recurrence or scheduling when stated"`
	MatchStrength float64 `json:"match_strength" jsonschema_description:"How directly this addresses the target, 0 to 1"`
	Explanation   string  `json:"explanation" jsonschema_description:"Why this relates to the target"`
}

// extraction is the complete typed Phase B result.
type extraction struct {
	EarlyTerminate bool      `json:"early_terminate" jsonschema_description:"True when the investigation concluded the target was not worth pursuing or nothing was found"`
	Triage         string    `json:"triage,omitempty" jsonschema_description:"Short note on why the target was dismissed"`
	Findings       []finding `json:"findings"`
	FutureQueries  []string  `json:"future_queries,omitempty" jsonschema_description:"Concrete URLs or feeds worth scraping in later runs"`
}

// Report summarizes one mode's run for the cycle report.
type Report struct {
	Mode            string
	Targets         int
	Succeeded       int
	EarlyTerminated int
	Contradictions  int
	Failures        int
	SignalsCreated  int
	BudgetStopped   bool
}

// Engine runs investigation modes over the graph.
type Engine struct {
	store    store.SignalStore
	oracle   ai.Oracle
	resolver *dedupe.Engine
	tracker  *budget.Tracker
	searcher Searcher
	fetcher  fetch.Fetcher
	cfg      Config

	mu         sync.Mutex
	wiredEdges []common.Edge
}

// NewEngine wires the engine's collaborators. resolver handles every
// graph write a finding produces; tracker gates every oracle call.
func NewEngine(
	s store.SignalStore,
	oracle ai.Oracle,
	resolver *dedupe.Engine,
	tracker *budget.Tracker,
	searcher Searcher,
	fetcher fetch.Fetcher,
	cfg Config,
) *Engine {
	return &Engine{
		store:    s,
		oracle:   oracle,
		resolver: resolver,
		tracker:  tracker,
		searcher: searcher,
		fetcher:  fetcher,
		cfg:      cfg,
	}
}

// WiredEdges returns the edges written by investigations so far this
// cycle; the structural discovery fallback derives new sources from them.
func (e *Engine) WiredEdges() []common.Edge {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]common.Edge, len(e.wiredEdges))
	copy(out, e.wiredEdges)
	return out
}

func (e *Engine) recordEdge(edge common.Edge) {
	e.mu.Lock()
	e.wiredEdges = append(e.wiredEdges, edge)
	e.mu.Unlock()
}

// Run executes one mode over its selected targets. Budget exhaustion
// stops scheduling further targets but never rolls back committed work.
func (e *Engine) Run(ctx context.Context, mode Mode, now time.Time) (*Report, error) {
	query := mode.Query
	query.Limit = mode.TargetCap
	if query.ModeTag != "" {
		query.ModeDueBefore = now
	}
	targets, err := e.store.ListSignals(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select %s targets: %w", mode.Tag, err)
	}

	report := &Report{Mode: mode.Tag, Targets: len(targets)}
	logger.Info("[Investigate] Starting mode", "mode", mode.Tag, "targets", len(targets))

	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(util.Min(e.cfg.Workers, mode.TargetCap))

	// A target is scheduled only with its full cost prepaid, scout turn
	// plus extraction, so a started target can never lose its Phase B
	// reservation to a later target's Phase A.
	perTarget := e.tracker.Cost(budget.OpOracleTurn) + e.tracker.Cost(budget.OpStructuredCall)
	for i := range targets {
		if !e.tracker.Reserve(perTarget) {
			logger.Warn("[Investigate] Budget exhausted, skipping remaining targets",
				"mode", mode.Tag, "skipped", len(targets)-i)
			report.BudgetStopped = true
			break
		}
		target := targets[i]
		group.Go(func() error {
			outcome := e.investigate(gctx, mode, &target, now)
			mu.Lock()
			defer mu.Unlock()
			report.Succeeded += outcome.succeeded
			report.EarlyTerminated += outcome.earlyTerminated
			report.Contradictions += outcome.contradictions
			report.Failures += outcome.failures
			report.SignalsCreated += outcome.created
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return report, err
	}

	logger.Info("[Investigate] Mode finished",
		"mode", mode.Tag,
		"targets", report.Targets,
		"succeeded", report.Succeeded,
		"early_terminated", report.EarlyTerminated,
		"contradictions", report.Contradictions,
		"failures", report.Failures,
		"created", report.SignalsCreated,
	)
	return report, nil
}

type outcome struct {
	succeeded       int
	earlyTerminated int
	contradictions  int
	failures        int
	created         int
}

func (e *Engine) investigate(ctx context.Context, mode Mode, target *common.Signal, now time.Time) outcome {
	transcript, err := e.scout(ctx, mode, target)
	if err != nil {
		logger.Warn("[Investigate] Scout phase failed",
			"mode", mode.Tag, "target", target.ID, "err", err)
		e.recordFailure(ctx, mode, target, now)
		return outcome{failures: 1}
	}

	result, err := e.extract(ctx, mode, transcript)
	if err != nil {
		// Malformed typed output discards the whole finding; it is never
		// partially trusted.
		logger.Warn("[Investigate] Extraction failed",
			"mode", mode.Tag, "target", target.ID, "err", err)
		e.recordFailure(ctx, mode, target, now)
		return outcome{failures: 1}
	}

	if result.EarlyTerminate && len(result.Findings) > 0 {
		logger.Warn("[Investigate] Contradictory extraction, findings discarded",
			"mode", mode.Tag, "target", target.ID, "findings", len(result.Findings))
		e.recordMiss(ctx, mode, target, result.Triage, now)
		return outcome{contradictions: 1, earlyTerminated: 1}
	}

	if result.EarlyTerminate || len(result.Findings) == 0 {
		e.recordMiss(ctx, mode, target, result.Triage, now)
		return outcome{earlyTerminated: 1}
	}

	created := e.processFindings(ctx, mode, target, result, now)
	e.recordHit(ctx, mode, target, now)
	return outcome{succeeded: 1, created: created}
}

// scout is Phase A: a bounded tool conversation. An early negative from
// the oracle is a first-class outcome, not an error.
func (e *Engine) scout(ctx context.Context, mode Mode, target *common.Signal) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	prompt := fmt.Sprintf(mode.ScoutPrompt, target.Title, target.Summary, target.SourceURL)

	// Phase B extracts from the whole conversation, not just the closing
	// answer: tool outputs carry the URLs actually read and the evidence
	// behind them.
	var transcript strings.Builder
	transcript.WriteString(prompt)
	tools := []ai.Tool{
		e.instrumentTool(toolSearch(e.searcher), &transcript),
		e.instrumentTool(toolReadPage(e.fetcher, e.cfg.ReadPageTokens), &transcript),
	}

	answer, err := e.oracle.GenerateChatWithTools(ctx,
		[]ai.ChatMessage{{Role: "user", Message: prompt}},
		tools,
		ai.WithMaxToolRounds(mode.TurnBudget),
	)
	if err != nil {
		return "", err
	}
	transcript.WriteString("\n\n# Closing assessment\n")
	transcript.WriteString(answer)
	return transcript.String(), nil
}

// instrumentTool appends each successful tool call and its output to the
// transcript and charges one oracle turn for it: every tool result sends
// the model one more request beyond the prepaid first turn. The charge is
// committed work, never gated, so the ledger tracks what a scout actually
// costs. Tool handlers within one conversation run sequentially.
func (e *Engine) instrumentTool(tool ai.Tool, transcript *strings.Builder) ai.Tool {
	handler := tool.Handler
	tool.Handler = func(ctx context.Context, arguments string) (string, error) {
		result, err := handler(ctx, arguments)
		if err != nil {
			return result, err
		}
		e.tracker.ChargeOp(budget.OpOracleTurn)
		fmt.Fprintf(transcript, "\n\n# Tool call: %s %s\n%s", tool.Name, arguments, result)
		return result, nil
	}
	return tool
}

// extract is Phase B: exactly one structured call over the transcript.
func (e *Engine) extract(ctx context.Context, mode Mode, transcript string) (*extraction, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	var result extraction
	err := e.oracle.GenerateCompletionWithFormat(ctx,
		"investigation_findings",
		"Structured findings extracted from an investigation transcript",
		fmt.Sprintf(ai.ExtractFindingsPrompt, mode.Tag, transcript),
		&result,
	)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// findingConfidence keeps the monotone confidence gate: side-effect
// tensions land below the target-selection threshold so a mode cannot
// feed itself.
func (e *Engine) findingConfidence(mode Mode, kind common.SignalKind) float64 {
	if kind == common.KindTension {
		if mode.Tag == TagDiagnostic {
			return e.cfg.DiagnosticConfidence
		}
		return e.cfg.EmergentConfidence
	}
	return e.cfg.ResponseConfidence
}

func (e *Engine) processFindings(ctx context.Context, mode Mode, target *common.Signal, result *extraction, now time.Time) int {
	created := 0
	for i := range result.Findings {
		f := &result.Findings[i]
		kind := common.SignalKind(f.Kind)
		switch kind {
		case common.KindTension, common.KindAsk, common.KindGive, common.KindEvent, common.KindNotice:
		default:
			kind = mode.EmitKind
		}

		cand := &common.CandidateSignal{
			Kind:      kind,
			Title:     f.Title,
			Summary:   f.Summary,
			SourceURL: f.SourceURL,
			Location:  f.Location,
			TimeInfo:  f.TimeInfo,
		}
		res, err := e.resolver.Resolve(ctx, cand, e.findingConfidence(mode, kind), now)
		if err != nil {
			logger.Warn("[Investigate] Failed to resolve finding",
				"mode", mode.Tag, "title", f.Title, "err", err)
			continue
		}
		if res.Action == dedupe.ActionCreate {
			created++
		}

		strength := util.Clamp(f.MatchStrength, 0, 1)
		if strength == 0 {
			strength = 0.7
		}

		if kind == common.KindTension {
			if mode.Tag == TagDiagnostic {
				// The target evidences the tension that explains it.
				e.wireEdge(ctx, common.Edge{
					SourceID:      target.ID,
					TargetID:      res.Signal.ID,
					Type:          common.EdgeEvidenceOf,
					MatchStrength: strength,
					Explanation:   f.Explanation,
				})
			}
			// Emergent tensions get no response edge; they wait for
			// corroboration.
			continue
		}

		e.wireEdge(ctx, common.Edge{
			SourceID:      res.Signal.ID,
			TargetID:      target.ID,
			Type:          common.EdgeRespondsTo,
			GatheringType: mode.GatheringType,
			MatchStrength: strength,
			Explanation:   f.Explanation,
		})
		e.wireAdditionalTensions(ctx, mode, res.Signal, target.ID)
	}

	e.seedFutureQueries(ctx, result.FutureQueries)
	return created
}

func (e *Engine) wireEdge(ctx context.Context, edge common.Edge) {
	if err := e.store.UpsertEdge(ctx, &edge); err != nil {
		logger.Warn("[Investigate] Failed to write edge",
			"source", edge.SourceID, "target", edge.TargetID, "err", err)
		return
	}
	e.recordEdge(edge)
}

// wireAdditionalTensions links a discovered response to every other
// active tension it addresses, not just the one that prompted the search.
func (e *Engine) wireAdditionalTensions(ctx context.Context, mode Mode, sig *common.Signal, primaryTargetID string) {
	if len(sig.Embedding) == 0 {
		full, err := e.store.GetSignal(ctx, sig.ID)
		if err != nil || len(full.Embedding) == 0 {
			return
		}
		sig = full
	}

	matches, err := e.store.NearestSignals(ctx, sig.Embedding, e.cfg.WireSimilarity, 10)
	if err != nil {
		logger.Warn("[Investigate] Tension wiring lookup failed", "signal", sig.ID, "err", err)
		return
	}
	for _, m := range matches {
		if m.Signal.Kind != common.KindTension ||
			m.Signal.ID == primaryTargetID ||
			m.Signal.Confidence < e.cfg.TargetConfidence {
			continue
		}
		e.wireEdge(ctx, common.Edge{
			SourceID:      sig.ID,
			TargetID:      m.Signal.ID,
			Type:          common.EdgeRespondsTo,
			GatheringType: mode.GatheringType,
			MatchStrength: m.Similarity,
			Explanation:   "addresses a closely related tension",
		})
	}
}

// seedFutureQueries turns transcript-suggested leads into low-trust
// discovery sources for later cycles. This is how one successful
// investigation compounds into the next.
func (e *Engine) seedFutureQueries(ctx context.Context, queries []string) {
	for _, q := range queries {
		if q == "" {
			continue
		}
		_, err := e.store.UpsertSource(ctx, &common.Source{
			URL:      SourceURLForQuery(q),
			Category: common.CategoryDiscovery,
			Weight:   0.1,
			Active:   true,
		})
		if err != nil {
			logger.Warn("[Investigate] Failed to seed source", "query", q, "err", err)
		}
	}
}

func (e *Engine) recordHit(ctx context.Context, mode Mode, target *common.Signal, now time.Time) {
	if mode.Tag == TagDiagnostic {
		if err := e.store.SetInvestigationState(ctx, target.ID, common.StateInvestigated, ""); err != nil {
			logger.Warn("[Investigate] Failed to mark investigated", "target", target.ID, "err", err)
		}
	}
	ms := common.ModeState{ScoutedAt: now}
	switch {
	case len(mode.Backoff) > 0:
		ms.NextVisitAt = now.Add(mode.Backoff[0])
	case mode.FixedInterval > 0:
		ms.NextVisitAt = now.Add(mode.FixedInterval)
	}
	if err := e.store.SetModeState(ctx, target.ID, mode.Tag, ms); err != nil {
		logger.Warn("[Investigate] Failed to update mode state", "target", target.ID, "err", err)
	}
}

// recordMiss handles a clean negative. For diagnostic that settles the
// target; re-visit modes push the next visit out.
func (e *Engine) recordMiss(ctx context.Context, mode Mode, target *common.Signal, triage string, now time.Time) {
	if mode.Tag == TagDiagnostic {
		if triage == "" {
			triage = "dismissed"
		}
		if err := e.store.SetInvestigationState(ctx, target.ID, common.StateInvestigated, triage); err != nil {
			logger.Warn("[Investigate] Failed to mark investigated", "target", target.ID, "err", err)
		}
		if err := e.store.SetModeState(ctx, target.ID, mode.Tag, common.ModeState{ScoutedAt: now}); err != nil {
			logger.Warn("[Investigate] Failed to update mode state", "target", target.ID, "err", err)
		}
		return
	}

	ms := target.Mode(mode.Tag)
	ms.ScoutedAt = now
	ms.MissCount++
	switch {
	case len(mode.Backoff) > 0:
		idx := util.Min(ms.MissCount-1, len(mode.Backoff)-1)
		ms.NextVisitAt = now.Add(mode.Backoff[idx])
	case mode.FixedInterval > 0:
		ms.NextVisitAt = now.Add(mode.FixedInterval)
	}
	if err := e.store.SetModeState(ctx, target.ID, mode.Tag, ms); err != nil {
		logger.Warn("[Investigate] Failed to update mode state", "target", target.ID, "err", err)
	}
}

// recordFailure handles a transient or structural failure. Diagnostic
// retries up to its limit then abandons; re-visit modes stay due and are
// simply picked up next cycle.
func (e *Engine) recordFailure(ctx context.Context, mode Mode, target *common.Signal, now time.Time) {
	if mode.MaxRetries <= 0 {
		return
	}

	ms := target.Mode(mode.Tag)
	ms.MissCount++
	ms.ScoutedAt = now
	if err := e.store.SetModeState(ctx, target.ID, mode.Tag, ms); err != nil {
		logger.Warn("[Investigate] Failed to update mode state", "target", target.ID, "err", err)
	}

	if ms.MissCount >= mode.MaxRetries {
		logger.Warn("[Investigate] Abandoning target after repeated failures",
			"mode", mode.Tag, "target", target.ID, "failures", ms.MissCount)
		if err := e.store.SetInvestigationState(ctx, target.ID, common.StateAbandoned, "investigation failed repeatedly"); err != nil {
			logger.Warn("[Investigate] Failed to abandon target", "target", target.ID, "err", err)
		}
	}
}
