package investigate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/commonsmap/pulse/pkg/ai"
	"github.com/commonsmap/pulse/pkg/ai/fake"
	"github.com/commonsmap/pulse/pkg/budget"
	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/dedupe"
	"github.com/commonsmap/pulse/pkg/fetch"
	"github.com/commonsmap/pulse/pkg/store"
	"github.com/commonsmap/pulse/pkg/store/memory"
)

type stubSearcher struct {
	results []SearchResult
}

func (s *stubSearcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return s.results, nil
}

type stubFetcher struct {
	pages map[string]string
}

func (s *stubFetcher) Fetch(ctx context.Context, url string) (*common.RawPage, error) {
	content, ok := s.pages[url]
	if !ok {
		return nil, fetch.ErrUnreachable
	}
	return &common.RawPage{URL: url, Content: content, ContentHash: "h-" + url}, nil
}

// scriptedResult makes a FormatFn that fills every extraction request
// with the given result.
func scriptedResult(result extraction) func(name, prompt string, out any, opts ai.GenerateOptions) error {
	return func(name, prompt string, out any, opts ai.GenerateOptions) error {
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, out)
	}
}

func newTestEngine(m *memory.MemoryStore, oracle *fake.Oracle, ceiling int64) *Engine {
	resolver := dedupe.NewEngine(m, oracle, dedupe.DefaultConfig())
	tracker := budget.NewTracker(ceiling, nil)
	return NewEngine(m, oracle, resolver, tracker,
		&stubSearcher{}, &stubFetcher{}, DefaultConfig())
}

func addTarget(t *testing.T, m *memory.MemoryStore, kind common.SignalKind, title string, confidence, heat float64) *common.Signal {
	t.Helper()
	ctx := context.Background()
	sig, err := m.UpsertSignal(ctx, &common.Signal{
		Kind:                kind,
		Title:               title,
		Summary:             "summary of " + title,
		SourceURL:           "https://origin.example.org",
		Confidence:          confidence,
		LastConfirmedActive: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if heat > 0 {
		if err := m.UpdateHeat(ctx, sig.ID, heat); err != nil {
			t.Fatal(err)
		}
	}
	return sig
}

func TestRunDiagnosticSuccess(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m := memory.NewMemoryStore()

	oracle := &fake.Oracle{
		ChatFn: func(messages []ai.ChatMessage, tools []ai.Tool, opts ai.GenerateOptions) (string, error) {
			if opts.MaxToolRounds != 8 {
				return "", nil
			}
			return "the shelter waitlist traces back to a citywide housing shortage", nil
		},
		FormatFn: scriptedResult(extraction{
			Findings: []finding{{
				Kind:          "tension",
				Title:         "Citywide housing shortage",
				Summary:       "Vacancy rates under one percent drive waitlists",
				SourceURL:     "https://report.example.org",
				MatchStrength: 0.9,
				Explanation:   "named as the direct cause",
			}},
			FutureQueries: []string{"https://report.example.org/feed"},
		}),
	}

	target := addTarget(t, m, common.KindNotice, "Shelter waitlist doubles", 0.6, 0)
	engine := newTestEngine(m, oracle, 1000)

	report, err := engine.Run(ctx, Diagnostic(engine.cfg), now)
	if err != nil {
		t.Fatal(err)
	}
	if report.Succeeded != 1 || report.SignalsCreated != 1 {
		t.Fatalf("report = %+v, want 1 success, 1 created", report)
	}

	got, err := m.GetSignal(ctx, target.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.InvestigationState != common.StateInvestigated {
		t.Errorf("target state = %s, want investigated", got.InvestigationState)
	}

	tension, err := m.FindSignalByTitle(ctx, "citywide housing shortage", common.KindTension)
	if err != nil {
		t.Fatal(err)
	}
	if tension.Confidence != 0.7 {
		t.Errorf("diagnostic tension confidence = %v, want 0.7", tension.Confidence)
	}

	edges, err := m.ListEdgesFrom(ctx, target.ID, common.EdgeEvidenceOf)
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 || edges[0].TargetID != tension.ID {
		t.Fatalf("expected one evidence edge target -> tension, got %+v", edges)
	}

	src, err := m.GetSourceByURL(ctx, "https://report.example.org/feed")
	if err != nil {
		t.Fatal(err)
	}
	if src.Category != common.CategoryDiscovery || src.Weight != 0.1 {
		t.Errorf("future query seeded wrong: %+v", src)
	}
}

func TestRunEarlyTerminationIsCleanMiss(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m := memory.NewMemoryStore()

	oracle := &fake.Oracle{
		ChatFn: func(messages []ai.ChatMessage, tools []ai.Tool, opts ai.GenerateOptions) (string, error) {
			return "not worth pursuing", nil
		},
		FormatFn: scriptedResult(extraction{EarlyTerminate: true, Triage: "one-off complaint"}),
	}

	target := addTarget(t, m, common.KindNotice, "Pothole complaint", 0.6, 0)
	engine := newTestEngine(m, oracle, 1000)

	report, err := engine.Run(ctx, Diagnostic(engine.cfg), now)
	if err != nil {
		t.Fatal(err)
	}
	if report.EarlyTerminated != 1 || report.Failures != 0 {
		t.Fatalf("report = %+v, want 1 early termination, 0 failures", report)
	}

	got, err := m.GetSignal(ctx, target.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.InvestigationState != common.StateInvestigated {
		t.Errorf("dismissed target state = %s, want investigated", got.InvestigationState)
	}
	if got.TriageFlag != "one-off complaint" {
		t.Errorf("triage = %q", got.TriageFlag)
	}
}

func TestRunContradictionDiscardsFindings(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m := memory.NewMemoryStore()

	oracle := &fake.Oracle{
		FormatFn: scriptedResult(extraction{
			EarlyTerminate: true,
			Findings: []finding{
				{Kind: "tension", Title: "phantom tension one"},
				{Kind: "tension", Title: "phantom tension two"},
			},
		}),
	}

	addTarget(t, m, common.KindNotice, "Ambiguous report", 0.6, 0)
	engine := newTestEngine(m, oracle, 1000)

	report, err := engine.Run(ctx, Diagnostic(engine.cfg), now)
	if err != nil {
		t.Fatal(err)
	}
	if report.Contradictions != 1 {
		t.Fatalf("contradictions = %d, want 1", report.Contradictions)
	}
	if report.SignalsCreated != 0 {
		t.Fatalf("created = %d, want 0", report.SignalsCreated)
	}

	if _, err := m.FindSignalByTitle(ctx, "phantom tension one", common.KindTension); err != store.ErrNotFound {
		t.Error("contradictory finding was written to the graph")
	}
}

func TestRunInstrumentalLoopPrevention(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m := memory.NewMemoryStore()

	oracle := &fake.Oracle{
		FormatFn: scriptedResult(extraction{
			Findings: []finding{
				{
					Kind:          "give",
					Title:         "Tenant legal aid clinic",
					SourceURL:     "https://clinic.example.org",
					MatchStrength: 0.8,
				},
				{
					Kind:      "tension",
					Title:     "Court interpreter shortage",
					SourceURL: "https://clinic.example.org",
				},
			},
		}),
	}

	target := addTarget(t, m, common.KindTension, "Eviction wave", 0.7, 0)
	engine := newTestEngine(m, oracle, 1000)

	report, err := engine.Run(ctx, Instrumental(engine.cfg), now)
	if err != nil {
		t.Fatal(err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("report = %+v, want 1 success", report)
	}

	// The response is wired with the instrumental tag.
	give, err := m.FindSignalByTitle(ctx, "tenant legal aid clinic", common.KindGive)
	if err != nil {
		t.Fatal(err)
	}
	edges, err := m.ListEdgesFrom(ctx, give.ID, common.EdgeRespondsTo)
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 || edges[0].TargetID != target.ID {
		t.Fatalf("response edges = %+v", edges)
	}
	if edges[0].GatheringType != common.GatheringInstrumental {
		t.Errorf("gathering_type = %q", edges[0].GatheringType)
	}

	// The emergent tension lands below the selection threshold and is
	// never picked up by the next instrumental or solidarity pass.
	emergent, err := m.FindSignalByTitle(ctx, "court interpreter shortage", common.KindTension)
	if err != nil {
		t.Fatal(err)
	}
	if emergent.Confidence != 0.4 {
		t.Fatalf("emergent confidence = %v, want 0.4", emergent.Confidence)
	}

	for _, mode := range []Mode{Instrumental(engine.cfg), Solidarity(engine.cfg)} {
		query := mode.Query
		query.ModeDueBefore = now.Add(365 * 24 * time.Hour)
		targets, err := m.ListSignals(ctx, query)
		if err != nil {
			t.Fatal(err)
		}
		for _, got := range targets {
			if got.ID == emergent.ID {
				t.Errorf("emergent tension selected as %s target", mode.Tag)
			}
		}
	}
}

func TestRunSolidarityBackoffSequence(t *testing.T) {
	ctx := context.Background()
	m := memory.NewMemoryStore()

	oracle := &fake.Oracle{
		FormatFn: scriptedResult(extraction{EarlyTerminate: true}),
	}

	target := addTarget(t, m, common.KindTension, "Transit desert", 0.7, 0.5)
	engine := newTestEngine(m, oracle, 100000)
	mode := Solidarity(engine.cfg)

	day := 24 * time.Hour
	wantDelays := []time.Duration{7 * day, 14 * day, 21 * day, 30 * day, 30 * day}

	visitAt := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i, want := range wantDelays {
		report, err := engine.Run(ctx, mode, visitAt)
		if err != nil {
			t.Fatal(err)
		}
		if report.Targets != 1 {
			t.Fatalf("miss %d: targets = %d, want 1", i+1, report.Targets)
		}

		got, err := m.GetSignal(ctx, target.ID)
		if err != nil {
			t.Fatal(err)
		}
		ms := got.Mode(TagSolidarity)
		if ms.MissCount != i+1 {
			t.Fatalf("miss %d: miss_count = %d", i+1, ms.MissCount)
		}
		if !ms.NextVisitAt.Equal(visitAt.Add(want)) {
			t.Errorf("miss %d: next visit %v, want %v", i+1, ms.NextVisitAt, visitAt.Add(want))
		}
		visitAt = ms.NextVisitAt
	}

	// A hit resets the interval to the first backoff step.
	oracle.FormatFn = scriptedResult(extraction{
		Findings: []finding{{
			Kind:      "event",
			Title:     "Riders union weekly meeting",
			SourceURL: "https://riders.example.org",
			TimeInfo:  "every Tuesday",
		}},
	})
	report, err := engine.Run(ctx, mode, visitAt)
	if err != nil {
		t.Fatal(err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("hit report = %+v", report)
	}

	got, err := m.GetSignal(ctx, target.ID)
	if err != nil {
		t.Fatal(err)
	}
	ms := got.Mode(TagSolidarity)
	if !ms.NextVisitAt.Equal(visitAt.Add(7 * day)) {
		t.Errorf("after hit: next visit %v, want %v", ms.NextVisitAt, visitAt.Add(7*day))
	}
}

func TestRunDiagnosticRetriesThenAbandons(t *testing.T) {
	ctx := context.Background()
	m := memory.NewMemoryStore()

	oracle := &fake.Oracle{
		ChatFn: func(messages []ai.ChatMessage, tools []ai.Tool, opts ai.GenerateOptions) (string, error) {
			return "", context.DeadlineExceeded
		},
	}

	target := addTarget(t, m, common.KindNotice, "Flaky target", 0.6, 0)
	engine := newTestEngine(m, oracle, 100000)
	mode := Diagnostic(engine.cfg)

	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		report, err := engine.Run(ctx, mode, now.Add(time.Duration(i)*24*time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if report.Failures != 1 {
			t.Fatalf("run %d: failures = %d, want 1", i+1, report.Failures)
		}
	}

	got, err := m.GetSignal(ctx, target.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.InvestigationState != common.StateAbandoned {
		t.Fatalf("state after 3 failures = %s, want abandoned", got.InvestigationState)
	}

	// Abandoned is terminal: the target is never selected again.
	report, err := engine.Run(ctx, mode, now.Add(10*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if report.Targets != 0 {
		t.Errorf("abandoned target re-selected, targets = %d", report.Targets)
	}
}

func TestRunBudgetExhaustionSkipsRemainingTargets(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m := memory.NewMemoryStore()

	oracle := &fake.Oracle{
		FormatFn: scriptedResult(extraction{EarlyTerminate: true}),
	}

	for _, title := range []string{"target a", "target b", "target c"} {
		addTarget(t, m, common.KindNotice, title, 0.6, 0)
	}

	// One full target costs one oracle turn plus one structured call.
	engine := newTestEngine(m, oracle, 20)
	cfg := DefaultConfig()
	cfg.Workers = 1
	engine.cfg = cfg

	report, err := engine.Run(ctx, Diagnostic(cfg), now)
	if err != nil {
		t.Fatal(err)
	}
	if !report.BudgetStopped {
		t.Fatal("budget stop not reported")
	}
	if report.EarlyTerminated != 1 {
		t.Errorf("processed = %d targets, want 1", report.EarlyTerminated)
	}
	if oracle.FormatCalls != 1 {
		t.Errorf("format calls = %d, want 1", oracle.FormatCalls)
	}
}

func TestRunExtractionSeesToolOutputs(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m := memory.NewMemoryStore()

	var extractPrompt string
	oracle := &fake.Oracle{
		ChatFn: func(messages []ai.ChatMessage, tools []ai.Tool, opts ai.GenerateOptions) (string, error) {
			out, ok, err := fake.RunTool(ctx, tools, "search", `{"query": "community response"}`)
			if err != nil || !ok {
				return "", err
			}
			if !strings.Contains(out, "https://found.example.org/page") {
				return "", errors.New("search tool lost its result")
			}
			return "The response program is active.", nil
		},
		FormatFn: func(name, prompt string, out any, opts ai.GenerateOptions) error {
			extractPrompt = prompt
			return json.Unmarshal([]byte(`{"early_terminate": true, "findings": []}`), out)
		},
	}

	addTarget(t, m, common.KindNotice, "Clinic closure rumors", 0.6, 0)

	resolver := dedupe.NewEngine(m, oracle, dedupe.DefaultConfig())
	tracker := budget.NewTracker(100000, nil)
	engine := NewEngine(m, oracle, resolver, tracker,
		&stubSearcher{results: []SearchResult{
			{Title: "Found page", URL: "https://found.example.org/page", Snippet: "relevant"},
		}},
		&stubFetcher{}, DefaultConfig())

	if _, err := engine.Run(ctx, Diagnostic(engine.cfg), now); err != nil {
		t.Fatal(err)
	}

	// The transcript handed to extraction carries the tool outputs and the
	// closing answer, not just the final message.
	for _, want := range []string{
		"https://found.example.org/page",
		"The response program is active.",
	} {
		if !strings.Contains(extractPrompt, want) {
			t.Errorf("extraction prompt missing %q", want)
		}
	}

	// One prepaid target (turn + extraction) plus one charged tool round.
	if got := tracker.Spent(); got != 30 {
		t.Errorf("spent = %d, want 30", got)
	}
}

func TestRunBudgetSkipLeavesNoFailureStrike(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m := memory.NewMemoryStore()

	oracle := &fake.Oracle{
		FormatFn: scriptedResult(extraction{EarlyTerminate: true}),
	}

	first := addTarget(t, m, common.KindNotice, "target a", 0.6, 0)
	second := addTarget(t, m, common.KindNotice, "target b", 0.6, 0)

	// Room for exactly one full target.
	engine := newTestEngine(m, oracle, 20)
	cfg := DefaultConfig()
	cfg.Workers = 1
	engine.cfg = cfg

	report, err := engine.Run(ctx, Diagnostic(cfg), now)
	if err != nil {
		t.Fatal(err)
	}
	if !report.BudgetStopped {
		t.Fatal("budget stop not reported")
	}
	if report.Failures != 0 {
		t.Errorf("failures = %d, want 0: a budget skip is not a strike", report.Failures)
	}

	investigated := 0
	for _, id := range []string{first.ID, second.ID} {
		got, err := m.GetSignal(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		switch got.InvestigationState {
		case common.StateInvestigated:
			investigated++
		case common.StateAbandoned:
			t.Errorf("signal %s abandoned by a budget skip", got.Title)
		default:
			// The skipped target stays selectable with a clean slate.
			if ms := got.Mode(TagDiagnostic); ms.MissCount != 0 {
				t.Errorf("signal %s miss count = %d, want 0", got.Title, ms.MissCount)
			}
		}
	}
	if investigated != 1 {
		t.Errorf("investigated targets = %d, want 1", investigated)
	}
}

func TestRunMechanicalSeedsTemplateQueries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m := memory.NewMemoryStore()

	oracle := &fake.Oracle{}
	addTarget(t, m, common.KindTension, "Childcare shortage", 0.7, 0)
	engine := newTestEngine(m, oracle, 1000)

	report, err := engine.RunMechanical(ctx, Instrumental(engine.cfg), now)
	if err != nil {
		t.Fatal(err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("seeded = %d, want 1", report.Succeeded)
	}
	if oracle.ChatCalls+oracle.FormatCalls+oracle.CompletionCalls != 0 {
		t.Fatal("mechanical fallback made oracle calls")
	}

	sources, err := m.ListSources(ctx, store.SourceQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 {
		t.Fatalf("sources = %d, want 1", len(sources))
	}
	if !strings.HasPrefix(sources[0].URL, "search://?q=") {
		t.Errorf("seeded URL = %q", sources[0].URL)
	}
}

func TestRunStructuralDerivesSourcesFromEdges(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m := memory.NewMemoryStore()

	oracle := &fake.Oracle{
		FormatFn: scriptedResult(extraction{
			Findings: []finding{{
				Kind:      "give",
				Title:     "Mutual aid pantry",
				SourceURL: "https://pantry.example.org/about",
			}},
		}),
	}

	addTarget(t, m, common.KindTension, "Food insecurity", 0.7, 0)
	engine := newTestEngine(m, oracle, 1000)

	if _, err := engine.Run(ctx, Instrumental(engine.cfg), now); err != nil {
		t.Fatal(err)
	}

	report, err := engine.RunStructural(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("structural seeded = %d, want 1", report.Succeeded)
	}
	if _, err := m.GetSourceByURL(ctx, "https://pantry.example.org/about"); err != nil {
		t.Errorf("responder source not seeded: %v", err)
	}
}
