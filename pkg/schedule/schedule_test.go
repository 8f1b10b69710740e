package schedule

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/store/memory"
)

func TestWeightClamped(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	s := NewScheduler(memory.NewMemoryStore(), DefaultConfig(), rand.New(rand.NewSource(1)))

	tests := []struct {
		name string
		src  common.Source
		lo   float64
		hi   float64
	}{
		{
			name: "dead source floors at 0.1",
			src: common.Source{
				TotalScrapes:   50,
				TotalSignals:   0,
				QualityPenalty: 1.0,
				LastYieldAt:    now.Add(-300 * 24 * time.Hour),
			},
			lo: 0.1, hi: 0.1,
		},
		{
			name: "prolific source caps at 1.0",
			src: common.Source{
				TotalScrapes:        20,
				TotalSignals:        200,
				TensionSignals:      150,
				CorroboratedSignals: 100,
				QualityPenalty:      1.0,
				LastYieldAt:         now.Add(-time.Hour),
			},
			lo: 1.0, hi: 1.0,
		},
		{
			name: "unscraped source gets the prior",
			src:  common.Source{QualityPenalty: 1.0},
			lo:   0.25, hi: 0.35,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.Weight(&tt.src, now)
			if w < tt.lo || w > tt.hi {
				t.Errorf("weight = %v, want in [%v, %v]", w, tt.lo, tt.hi)
			}
		})
	}
}

func TestWeightTensionBonus(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	s := NewScheduler(memory.NewMemoryStore(), DefaultConfig(), rand.New(rand.NewSource(1)))

	plain := common.Source{
		TotalScrapes: 10, TotalSignals: 5,
		QualityPenalty: 1.0,
		LastYieldAt:    now.Add(-24 * time.Hour),
	}
	tensiony := plain
	tensiony.TensionSignals = 5

	if s.Weight(&tensiony, now) <= s.Weight(&plain, now) {
		t.Error("tension-producing source should outweigh a plain one")
	}
}

func TestIntervalStepTable(t *testing.T) {
	tests := []struct {
		weight   float64
		category common.SourceCategory
		want     time.Duration
	}{
		{0.9, common.CategoryForum, 12 * time.Hour},
		{0.7, common.CategoryForum, 24 * time.Hour},
		{0.5, common.CategoryForum, 48 * time.Hour},
		{0.3, common.CategoryForum, 96 * time.Hour},
		{0.1, common.CategoryForum, 7 * 24 * time.Hour},
		{0.9, common.CategoryNews, 6 * time.Hour},
		{0.9, common.CategoryDiscovery, 24 * time.Hour},
	}

	for _, tt := range tests {
		got := Interval(tt.weight, tt.category)
		if got != tt.want {
			t.Errorf("Interval(%v, %s) = %v, want %v", tt.weight, tt.category, got, tt.want)
		}
	}
}

func TestDueSelectsPastCadenceAndExplores(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	m := memory.NewMemoryStore()

	cfg := DefaultConfig()
	cfg.ExplorationFraction = 0.5
	s := NewScheduler(m, cfg, rand.New(rand.NewSource(42)))

	mkSource := func(url string, lastScraped time.Time) {
		src, err := m.UpsertSource(ctx, &common.Source{
			URL:      url,
			Category: common.CategoryForum,
			Active:   true,
		})
		if err != nil {
			t.Fatal(err)
		}
		src.LastScrapedAt = lastScraped
		// Heavy empty history keeps weight at the floor, cadence 7d.
		src.TotalScrapes = 50
		if err := m.UpdateSource(ctx, src); err != nil {
			t.Fatal(err)
		}
	}

	mkSource("https://overdue.example.org", now.Add(-8*24*time.Hour))
	mkSource("https://never.example.org", time.Time{})
	for i := range 4 {
		mkSource("https://recent.example.org/"+string(rune('a'+i)), now.Add(-time.Hour))
	}

	due, err := s.Due(ctx, now)
	if err != nil {
		t.Fatal(err)
	}

	urls := make(map[string]bool, len(due))
	for _, src := range due {
		urls[src.URL] = true
	}
	if !urls["https://overdue.example.org"] {
		t.Error("overdue source not selected")
	}
	if !urls["https://never.example.org"] {
		t.Error("never-scraped source not selected")
	}
	// 4 recently scraped sources at 50% exploration: exactly 2 sampled.
	if len(due) != 4 {
		t.Errorf("len(due) = %d, want 4 (2 due + 2 explored)", len(due))
	}
}

func TestRecordRunRetiresDeadSource(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	m := memory.NewMemoryStore()
	s := NewScheduler(m, DefaultConfig(), rand.New(rand.NewSource(1)))

	src, err := m.UpsertSource(ctx, &common.Source{
		URL:      "https://social.example.org",
		Category: common.CategorySocial,
		Weight:   0.3,
		Active:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := range 10 {
		cycleAt := now.Add(time.Duration(i) * 24 * time.Hour)
		if err := s.RecordRun(ctx, src, RunYield{}, cycleAt); err != nil {
			t.Fatal(err)
		}
		if i < 9 && !src.Active {
			t.Fatalf("retired too early, after %d empty runs", i+1)
		}
	}

	got, err := m.GetSourceByURL(ctx, "https://social.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if got.Active {
		t.Error("source still active after 10 empty runs")
	}
	if got.ConsecutiveEmpty != 10 {
		t.Errorf("consecutive_empty = %d, want 10", got.ConsecutiveEmpty)
	}
}

func TestRecordRunCuratedSourceIsImmune(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	m := memory.NewMemoryStore()
	s := NewScheduler(m, DefaultConfig(), rand.New(rand.NewSource(1)))

	src, err := m.UpsertSource(ctx, &common.Source{
		URL:      "https://curated.example.org",
		Category: common.CategoryCivic,
		Curated:  true,
		Active:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := range 15 {
		if err := s.RecordRun(ctx, src, RunYield{}, now.Add(time.Duration(i)*24*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := m.GetSourceByURL(ctx, "https://curated.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active {
		t.Error("curated source was retired")
	}
}

func TestRecordRunYieldResetsEmptyStreak(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	m := memory.NewMemoryStore()
	s := NewScheduler(m, DefaultConfig(), rand.New(rand.NewSource(1)))

	src, err := m.UpsertSource(ctx, &common.Source{
		URL:    "https://streaky.example.org",
		Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	for range 5 {
		if err := s.RecordRun(ctx, src, RunYield{}, now); err != nil {
			t.Fatal(err)
		}
	}
	if src.ConsecutiveEmpty != 5 {
		t.Fatalf("consecutive_empty = %d, want 5", src.ConsecutiveEmpty)
	}

	if err := s.RecordRun(ctx, src, RunYield{Signals: 2, Tensions: 1}, now); err != nil {
		t.Fatal(err)
	}
	if src.ConsecutiveEmpty != 0 {
		t.Errorf("yield did not reset empty streak: %d", src.ConsecutiveEmpty)
	}
	if !src.LastYieldAt.Equal(now) {
		t.Errorf("last_yield_at = %v, want %v", src.LastYieldAt, now)
	}
	if src.TotalSignals != 2 || src.TensionSignals != 1 {
		t.Errorf("counters = %d/%d, want 2/1", src.TotalSignals, src.TensionSignals)
	}
}
