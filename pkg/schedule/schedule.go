// Package schedule converts each source's historical yield into a
// re-visit weight and cadence, decides which sources run this cycle, and
// retires sources that stopped producing.
package schedule

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/commonsmap/pulse/internal/util"
	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/logger"
	"github.com/commonsmap/pulse/pkg/store"
)

// Config holds the scheduler tuning knobs.
type Config struct {
	// YieldPrior is the Bayesian prior on signals per scrape; PriorWeight
	// is how many pseudo-scrapes back it.
	YieldPrior  float64
	PriorWeight float64
	// TensionBonusCap bounds the reward for tension-producing sources.
	TensionBonusCap float64
	// DiversityCap bounds the reward for sources whose signals get
	// corroborated elsewhere.
	DiversityCap float64
	// RecencyScale controls weight decay with days since last yield.
	RecencyScale time.Duration
	// ExplorationFraction of otherwise-skipped sources is sampled each
	// cycle regardless of weight, so one bad run cannot bury a source
	// forever.
	ExplorationFraction float64
	// RetireAfter is the consecutive-empty-run count that deactivates a
	// non-curated source.
	RetireAfter int
}

// DefaultConfig returns the standard scheduler parameters.
func DefaultConfig() Config {
	return Config{
		YieldPrior:          0.3,
		PriorWeight:         5,
		TensionBonusCap:     2.0,
		DiversityCap:        1.5,
		RecencyScale:        30 * 24 * time.Hour,
		ExplorationFraction: 0.1,
		RetireAfter:         10,
	}
}

// cadenceStep maps a weight floor to a re-visit interval.
type cadenceStep struct {
	minWeight float64
	interval  time.Duration
}

// Higher weight means shorter interval.
var cadenceTable = []cadenceStep{
	{0.8, 12 * time.Hour},
	{0.6, 24 * time.Hour},
	{0.4, 48 * time.Hour},
	{0.2, 96 * time.Hour},
	{0.0, 7 * 24 * time.Hour},
}

// categoryFactor scales the base cadence per source category: news churns
// fast, civic registries barely move, discovery candidates are probed
// slowly until they prove out.
var categoryFactor = map[common.SourceCategory]float64{
	common.CategoryNews:      0.5,
	common.CategorySocial:    0.75,
	common.CategoryForum:     1.0,
	common.CategoryCivic:     1.5,
	common.CategoryDiscovery: 2.0,
}

// Scheduler decides which sources run each cycle.
type Scheduler struct {
	store store.SignalStore
	cfg   Config
	rng   *rand.Rand
}

// NewScheduler creates a scheduler. rng drives exploration sampling; pass
// a seeded source in tests for determinism.
func NewScheduler(s store.SignalStore, cfg Config, rng *rand.Rand) *Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{store: s, cfg: cfg, rng: rng}
}

// Weight computes the source's re-visit weight, clamped to [0.1, 1.0].
func (s *Scheduler) Weight(src *common.Source, now time.Time) float64 {
	baseYield := (float64(src.TotalSignals) + s.cfg.YieldPrior*s.cfg.PriorWeight) /
		(float64(src.TotalScrapes) + s.cfg.PriorWeight)
	if baseYield > 1 {
		baseYield = 1
	}

	tensionBonus := 1.0
	diversity := 1.0
	if src.TotalSignals > 0 {
		tensionBonus = util.Clamp(
			1+float64(src.TensionSignals)/float64(src.TotalSignals),
			1, s.cfg.TensionBonusCap)
		diversity = util.Clamp(
			1+float64(src.CorroboratedSignals)/float64(src.TotalSignals),
			1, s.cfg.DiversityCap)
	}

	recency := 1.0
	if !src.LastYieldAt.IsZero() && src.LastYieldAt.Unix() > 0 {
		age := now.Sub(src.LastYieldAt)
		if age > 0 {
			recency = math.Exp(-float64(age) / float64(s.cfg.RecencyScale))
		}
	}

	penalty := src.QualityPenalty
	if penalty == 0 {
		penalty = 1.0
	}

	return util.Clamp(baseYield*tensionBonus*recency*diversity*penalty, 0.1, 1.0)
}

// Interval maps a weight and category onto the cadence step table.
func Interval(weight float64, category common.SourceCategory) time.Duration {
	factor, ok := categoryFactor[category]
	if !ok {
		factor = 1.0
	}
	for _, step := range cadenceTable {
		if weight >= step.minWeight {
			return time.Duration(float64(step.interval) * factor)
		}
	}
	return cadenceTable[len(cadenceTable)-1].interval
}

// Due returns the active sources to scrape this cycle: everything past
// its cadence interval, plus an exploration sample of the skipped rest.
func (s *Scheduler) Due(ctx context.Context, now time.Time) ([]common.Source, error) {
	sources, err := s.store.ListSources(ctx, store.SourceQuery{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	due := make([]common.Source, 0, len(sources))
	skipped := make([]common.Source, 0)
	for _, src := range sources {
		weight := s.Weight(&src, now)
		next := src.LastScrapedAt.Add(Interval(weight, src.Category))
		if src.LastScrapedAt.IsZero() || src.LastScrapedAt.Unix() <= 0 || !now.Before(next) {
			due = append(due, src)
		} else {
			skipped = append(skipped, src)
		}
	}

	explored := 0
	if len(skipped) > 0 && s.cfg.ExplorationFraction > 0 {
		n := int(math.Ceil(float64(len(skipped)) * s.cfg.ExplorationFraction))
		s.rng.Shuffle(len(skipped), func(i, j int) {
			skipped[i], skipped[j] = skipped[j], skipped[i]
		})
		due = append(due, skipped[:n]...)
		explored = n
	}

	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	logger.Info("[Scheduler] Selected sources",
		"due", len(due)-explored, "explored", explored, "skipped", len(skipped)-explored)
	return due, nil
}

// RunYield summarizes what one scrape of a source produced.
type RunYield struct {
	Signals      int
	Tensions     int
	Corroborated int
}

// RecordRun updates a source's counters and weight after a scrape and
// retires non-curated sources that have gone quiet. Retirement
// deactivates, never deletes.
func (s *Scheduler) RecordRun(ctx context.Context, src *common.Source, yield RunYield, now time.Time) error {
	src.TotalScrapes++
	src.TotalSignals += yield.Signals
	src.TensionSignals += yield.Tensions
	src.CorroboratedSignals += yield.Corroborated
	src.LastScrapedAt = now

	if yield.Signals > 0 {
		src.ConsecutiveEmpty = 0
		src.LastYieldAt = now
	} else {
		src.ConsecutiveEmpty++
	}

	src.Weight = s.Weight(src, now)

	if err := s.store.UpdateSource(ctx, src); err != nil {
		return fmt.Errorf("update source %s: %w", src.ID, err)
	}

	if !src.Curated && src.ConsecutiveEmpty >= s.cfg.RetireAfter {
		logger.Info("[Scheduler] Retiring dead source",
			"id", src.ID, "url", src.URL, "empty_runs", src.ConsecutiveEmpty)
		if err := s.store.RetireSource(ctx, src.ID); err != nil {
			return fmt.Errorf("retire source %s: %w", src.ID, err)
		}
		src.Active = false
	}
	return nil
}
