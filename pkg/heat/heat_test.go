package heat

import (
	"context"
	"testing"
	"time"

	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/store/memory"
)

func addTension(t *testing.T, m *memory.MemoryStore, title string, embedding []float32, seenAt time.Time) *common.Signal {
	t.Helper()
	sig, err := m.UpsertSignal(context.Background(), &common.Signal{
		Kind:                common.KindTension,
		Title:               title,
		Embedding:           embedding,
		LastConfirmedActive: seenAt,
		Confidence:          0.7,
	})
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func heatOf(t *testing.T, m *memory.MemoryStore, id string) float64 {
	t.Helper()
	sig, err := m.GetSignal(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return sig.CauseHeat
}

func TestRecomputeFreshSimilarTensionIncreasesHeat(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	m := memory.NewMemoryStore()
	p := NewPropagator(m, DefaultConfig())

	base := addTension(t, m, "eviction filings rising", []float32{1, 0, 0}, now.Add(-24*time.Hour))
	addTension(t, m, "unrelated noise", []float32{0, 1, 0}, now.Add(-24*time.Hour))

	if err := p.Recompute(ctx, now); err != nil {
		t.Fatal(err)
	}
	before := heatOf(t, m, base.ID)

	// A fresh, highly similar tension must strictly increase heat.
	addTension(t, m, "rent court backlog growing", []float32{0.98, 0.199, 0}, now.Add(-48*time.Hour))
	if err := p.Recompute(ctx, now); err != nil {
		t.Fatal(err)
	}
	afterFresh := heatOf(t, m, base.ID)
	if afterFresh <= before {
		t.Fatalf("fresh similar tension did not increase heat: %v -> %v", before, afterFresh)
	}

	// The same tension aged past the recency floor contributes strictly
	// less.
	m2 := memory.NewMemoryStore()
	p2 := NewPropagator(m2, DefaultConfig())
	base2 := addTension(t, m2, "eviction filings rising", []float32{1, 0, 0}, now.Add(-24*time.Hour))
	addTension(t, m2, "unrelated noise", []float32{0, 1, 0}, now.Add(-24*time.Hour))
	addTension(t, m2, "rent court backlog growing", []float32{0.98, 0.199, 0}, now.Add(-365*24*time.Hour))
	if err := p2.Recompute(ctx, now); err != nil {
		t.Fatal(err)
	}
	afterAged := heatOf(t, m2, base2.ID)
	if afterAged <= before {
		t.Fatalf("aged tension should still contribute above the floor: %v -> %v", before, afterAged)
	}
	if afterAged >= afterFresh {
		t.Fatalf("aged contribution not smaller than fresh: aged %v, fresh %v", afterAged, afterFresh)
	}
}

func TestRecomputeEvidenceBoostIsCapped(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	boosted := func(evidenceCount int) float64 {
		m := memory.NewMemoryStore()
		p := NewPropagator(m, DefaultConfig())
		a := addTension(t, m, "flooding complaints", []float32{1, 0}, now)
		addTension(t, m, "storm drain maintenance gap", []float32{0.95, 0.3122}, now)
		for range evidenceCount {
			err := m.AddEvidence(ctx, &common.Evidence{
				SignalID:    a.ID,
				SourceURL:   "https://x.example.org",
				RetrievedAt: now,
			})
			if err != nil {
				t.Fatal(err)
			}
		}
		if err := p.Recompute(ctx, now); err != nil {
			t.Fatal(err)
		}
		return heatOf(t, m, a.ID)
	}

	none := boosted(0)
	some := boosted(2)
	viral := boosted(1000)

	if some <= none {
		t.Errorf("evidence did not boost heat: %v vs %v", some, none)
	}
	if viral > none*3.0+1e-9 {
		t.Errorf("boost exceeded cap: base %v, viral %v", none, viral)
	}
}

func TestRecomputeOnlyTensionsEmit(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	m := memory.NewMemoryStore()
	p := NewPropagator(m, DefaultConfig())

	tension := addTension(t, m, "isolated seniors", []float32{1, 0}, now)

	// A dense cluster of similar non-tension signals must not heat the
	// tension.
	for _, title := range []string{"weekly bingo", "monthly bingo", "bingo night"} {
		_, err := m.UpsertSignal(ctx, &common.Signal{
			Kind:                common.KindEvent,
			Title:               title,
			Embedding:           []float32{1, 0},
			LastConfirmedActive: now,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if err := p.Recompute(ctx, now); err != nil {
		t.Fatal(err)
	}
	if h := heatOf(t, m, tension.ID); h != 0 {
		t.Errorf("non-tension signals emitted heat: %v", h)
	}
}

func TestRecomputePropagatesToResponders(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	m := memory.NewMemoryStore()
	p := NewPropagator(m, DefaultConfig())

	tension := addTension(t, m, "food insecurity", []float32{1, 0}, now)
	addTension(t, m, "pantry shortages", []float32{0.95, 0.3122}, now)

	give, err := m.UpsertSignal(ctx, &common.Signal{
		Kind:                common.KindGive,
		Title:               "community fridge",
		LastConfirmedActive: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = m.UpsertEdge(ctx, &common.Edge{
		SourceID:      give.ID,
		TargetID:      tension.ID,
		Type:          common.EdgeRespondsTo,
		MatchStrength: 0.9,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Recompute(ctx, now); err != nil {
		t.Fatal(err)
	}

	tensionHeat := heatOf(t, m, tension.ID)
	giveHeat := heatOf(t, m, give.ID)
	if giveHeat <= 0 {
		t.Fatal("responder received no heat")
	}
	if giveHeat >= tensionHeat {
		t.Errorf("propagated heat %v not damped below source %v", giveHeat, tensionHeat)
	}
}
