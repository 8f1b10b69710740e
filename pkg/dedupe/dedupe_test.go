package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/commonsmap/pulse/pkg/ai/fake"
	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/store"
	"github.com/commonsmap/pulse/pkg/store/memory"
)

func listAll() store.SignalQuery {
	return store.SignalQuery{}
}

// embeddingScript maps candidate titles to fixed vectors so similarity
// between candidates is fully controlled by the test.
func embeddingScript(vectors map[string][]float32) func(input []byte) ([]float32, error) {
	return func(input []byte) ([]float32, error) {
		for title, vec := range vectors {
			if len(input) >= len(title) && string(input[:len(title)]) == title {
				return vec, nil
			}
		}
		return []float32{0, 0, 0, 1}, nil
	}
}

func TestResolveIdempotentObservation(t *testing.T) {
	ctx := context.Background()
	m := memory.NewMemoryStore()
	oracle := &fake.Oracle{}
	engine := NewEngine(m, oracle, DefaultConfig())

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	cand := &common.CandidateSignal{
		Kind:      common.KindTension,
		Title:     "Library Branch Closing",
		Summary:   "The east branch is slated to close",
		SourceURL: "https://news.example.org/library",
	}

	var lastID string
	for i := range 5 {
		seenAt := base.Add(time.Duration(i) * 24 * time.Hour)
		res, err := engine.Resolve(ctx, cand, 0.7, seenAt)
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if i == 0 {
			if res.Action != ActionCreate {
				t.Fatalf("first feed action = %s, want create", res.Action)
			}
			lastID = res.Signal.ID
			continue
		}
		if res.Action != ActionRefresh {
			t.Errorf("feed %d action = %s, want refresh", i, res.Action)
		}
		if res.Signal.ID != lastID {
			t.Errorf("feed %d resolved to %s, want %s", i, res.Signal.ID, lastID)
		}
	}

	sigs, err := m.ListSignals(ctx, listAll())
	if err != nil {
		t.Fatal(err)
	}
	if len(sigs) != 1 {
		t.Fatalf("got %d signals after 5 feeds, want 1", len(sigs))
	}
	want := base.Add(4 * 24 * time.Hour)
	if !sigs[0].LastConfirmedActive.Equal(want) {
		t.Errorf("last_confirmed_active = %v, want %v", sigs[0].LastConfirmedActive, want)
	}
}

func TestResolveTitleMatchCrossSourceCorroborates(t *testing.T) {
	ctx := context.Background()
	m := memory.NewMemoryStore()
	oracle := &fake.Oracle{}
	engine := NewEngine(m, oracle, DefaultConfig())
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	first, err := engine.Resolve(ctx, &common.CandidateSignal{
		Kind:      common.KindTension,
		Title:     "Water Main Failures",
		SourceURL: "https://a.example.org",
	}, 0.7, now)
	if err != nil {
		t.Fatal(err)
	}

	res, err := engine.Resolve(ctx, &common.CandidateSignal{
		Kind:      common.KindTension,
		Title:     "water main failures",
		SourceURL: "https://b.example.org",
		ContentHash: "h2",
	}, 0.7, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionCorroborate {
		t.Fatalf("action = %s, want corroborate", res.Action)
	}
	if res.Signal.ID != first.Signal.ID {
		t.Fatal("corroboration resolved to a different node")
	}

	got, err := m.GetSignal(ctx, first.Signal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Corroborations != 1 || got.SourceDiversity != 1 {
		t.Errorf("counters = %d/%d, want 1/1", got.Corroborations, got.SourceDiversity)
	}
	if got.Confidence <= 0.7 {
		t.Errorf("confidence not raised: %v", got.Confidence)
	}
	count, err := m.CountEvidence(ctx, first.Signal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("evidence count = %d, want 1", count)
	}
}

func TestResolveSimilarityThresholds(t *testing.T) {
	// Vectors chosen so "near duplicate" sits at ~0.95 similarity to the
	// original and "related topic" at ~0.80.
	vectors := map[string][]float32{
		"Rising rents in the north end":    {1, 0, 0, 0},
		"North end rent spike":             {0.95, 0.3122, 0, 0},
		"Housing repairs backlog":          {0.8, 0.6, 0, 0},
	}

	tests := []struct {
		name   string
		title  string
		source string
		want   Action
	}{
		{"high sim cross source", "North end rent spike", "https://b.example.org", ActionCorroborate},
		{"low sim cross source", "Housing repairs backlog", "https://b.example.org", ActionCreate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := memory.NewMemoryStore()
			oracle := &fake.Oracle{EmbeddingFn: embeddingScript(vectors)}
			engine := NewEngine(m, oracle, DefaultConfig())
			now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

			_, err := engine.Resolve(ctx, &common.CandidateSignal{
				Kind:      common.KindTension,
				Title:     "Rising rents in the north end",
				SourceURL: "https://a.example.org",
			}, 0.7, now)
			if err != nil {
				t.Fatal(err)
			}

			res, err := engine.Resolve(ctx, &common.CandidateSignal{
				Kind:      common.KindTension,
				Title:     tt.title,
				SourceURL: tt.source,
			}, 0.7, now.Add(time.Hour))
			if err != nil {
				t.Fatal(err)
			}
			if res.Action != tt.want {
				t.Errorf("action = %s, want %s", res.Action, tt.want)
			}
		})
	}
}

func TestResolveSameSourceSimilarityRefreshes(t *testing.T) {
	vectors := map[string][]float32{
		"Transit cuts announced": {1, 0, 0, 0},
		"Cuts to transit service": {0.9, 0.4358, 0, 0},
	}

	ctx := context.Background()
	m := memory.NewMemoryStore()
	oracle := &fake.Oracle{EmbeddingFn: embeddingScript(vectors)}
	engine := NewEngine(m, oracle, DefaultConfig())
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	first, err := engine.Resolve(ctx, &common.CandidateSignal{
		Kind:      common.KindTension,
		Title:     "Transit cuts announced",
		SourceURL: "https://a.example.org",
	}, 0.7, now)
	if err != nil {
		t.Fatal(err)
	}

	// ~0.90 similarity: above the same-source bar, below cross-source.
	res, err := engine.Resolve(ctx, &common.CandidateSignal{
		Kind:      common.KindTension,
		Title:     "Cuts to transit service",
		SourceURL: "https://a.example.org",
	}, 0.7, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionRefresh {
		t.Fatalf("same-source 0.90 action = %s, want refresh", res.Action)
	}
	if res.Signal.ID != first.Signal.ID {
		t.Fatal("refresh resolved to a different node")
	}

	got, err := m.GetSignal(ctx, first.Signal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Confidence != 0.7 {
		t.Errorf("same-source re-statement changed confidence: %v", got.Confidence)
	}
}

func TestResolvePageShortCircuit(t *testing.T) {
	ctx := context.Background()
	m := memory.NewMemoryStore()
	oracle := &fake.Oracle{}
	engine := NewEngine(m, oracle, DefaultConfig())
	earlier := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	res, err := engine.Resolve(ctx, &common.CandidateSignal{
		Kind:      common.KindNotice,
		Title:     "Street fair permit",
		SourceURL: "https://a.example.org",
	}, 0.7, earlier)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.RecordPage(ctx, "pagehash", "https://a.example.org", []string{res.Signal.ID}); err != nil {
		t.Fatal(err)
	}

	later := earlier.Add(24 * time.Hour)
	seen, err := engine.ResolvePage(ctx, &common.RawPage{
		URL:         "https://a.example.org",
		ContentHash: "pagehash",
	}, later)
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Fatal("recorded page not recognized")
	}

	got, err := m.GetSignal(ctx, res.Signal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastConfirmedActive.Equal(later) {
		t.Errorf("page refresh did not advance freshness: %v", got.LastConfirmedActive)
	}

	seen, err = engine.ResolvePage(ctx, &common.RawPage{
		URL:         "https://a.example.org/new",
		ContentHash: "unseen",
	}, later)
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("unseen page reported as seen")
	}
}
