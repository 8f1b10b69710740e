// Package pipeline orchestrates one discovery cycle: scheduled scraping,
// dedup writes, the heat pass, and the three investigation modes, all
// under one budget tracker. Phases run strictly in order because each
// reads graph state the previous one wrote.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/commonsmap/pulse/pkg/ai"
	"github.com/commonsmap/pulse/pkg/budget"
	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/dedupe"
	"github.com/commonsmap/pulse/pkg/fetch"
	"github.com/commonsmap/pulse/pkg/heat"
	"github.com/commonsmap/pulse/pkg/investigate"
	"github.com/commonsmap/pulse/pkg/logger"
	"github.com/commonsmap/pulse/pkg/schedule"
	"github.com/commonsmap/pulse/pkg/store"
)

// Archiver stores a copy of a fetched page and returns its storage key.
// Evidence rows carry the key so corroboration stays auditable. A nil
// archiver disables archival.
type Archiver interface {
	Archive(ctx context.Context, page *common.RawPage) (string, error)
}

// Pipeline holds the external collaborators a cycle needs.
type Pipeline struct {
	store     store.SignalStore
	oracle    ai.Oracle
	fetcher   fetch.Fetcher
	extractor fetch.Extractor
	searcher  investigate.Searcher
	archiver  Archiver
	cfg       Config
	rng       *rand.Rand
}

// New wires a pipeline. archiver may be nil.
func New(
	s store.SignalStore,
	oracle ai.Oracle,
	fetcher fetch.Fetcher,
	extractor fetch.Extractor,
	searcher investigate.Searcher,
	archiver Archiver,
	cfg Config,
	rng *rand.Rand,
) *Pipeline {
	return &Pipeline{
		store:     s,
		oracle:    oracle,
		fetcher:   fetcher,
		extractor: extractor,
		searcher:  searcher,
		archiver:  archiver,
		cfg:       cfg,
		rng:       rng,
	}
}

// CycleReport summarizes one full cycle for logging and the report queue.
type CycleReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	SourcesScraped int `json:"sources_scraped"`
	PagesFetched   int `json:"pages_fetched"`
	PagesUnchanged int `json:"pages_unchanged"`

	Created      int `json:"created"`
	Refreshed    int `json:"refreshed"`
	Corroborated int `json:"corroborated"`

	Modes []investigate.Report `json:"modes"`

	BudgetSpent int64  `json:"budget_spent"`
	BudgetLevel string `json:"budget_level"`
}

// RunCycle executes one full cycle. Budget exhaustion mid-cycle degrades
// the remaining phases; it never rolls back committed work.
func (p *Pipeline) RunCycle(ctx context.Context) (*CycleReport, error) {
	now := time.Now()
	report := &CycleReport{StartedAt: now}

	// Cycle-scoped state starts fresh: the fetcher's page cache, like the
	// dedupe engine's run-local embedding cache, must not outlive a cycle
	// or re-visited sources would keep serving stale snapshots.
	if r, ok := p.fetcher.(interface{ Reset() }); ok {
		r.Reset()
	}

	tracker := budget.NewTracker(p.cfg.BudgetCeiling, nil)
	resolver := dedupe.NewEngine(p.store, p.oracle, p.cfg.DedupeConfig())
	scheduler := schedule.NewScheduler(p.store, p.cfg.ScheduleConfig(), p.rng)
	propagator := heat.NewPropagator(p.store, p.cfg.HeatConfig())
	engine := investigate.NewEngine(p.store, p.oracle, resolver, tracker,
		p.searcher, p.fetcher, p.cfg.InvestigateConfig())

	logger.Info("[Pipeline] Cycle starting", "budget_ceiling", p.cfg.BudgetCeiling)

	if err := p.scrapePhase(ctx, scheduler, resolver, tracker, report, now); err != nil {
		return report, err
	}

	if err := propagator.Recompute(ctx, now); err != nil {
		return report, fmt.Errorf("heat pass: %w", err)
	}

	if err := p.investigatePhase(ctx, engine, tracker, report, now); err != nil {
		return report, err
	}

	report.Duration = time.Since(now)
	report.BudgetSpent = tracker.Spent()
	report.BudgetLevel = tracker.Level().String()
	logger.Info("[Pipeline] Cycle finished",
		"duration", report.Duration.Round(time.Millisecond),
		"sources", report.SourcesScraped,
		"created", report.Created,
		"refreshed", report.Refreshed,
		"corroborated", report.Corroborated,
		"spent", report.BudgetSpent,
		"level", report.BudgetLevel,
	)
	return report, nil
}

func (p *Pipeline) scrapePhase(
	ctx context.Context,
	scheduler *schedule.Scheduler,
	resolver *dedupe.Engine,
	tracker *budget.Tracker,
	report *CycleReport,
	now time.Time,
) error {
	sources, err := scheduler.Due(ctx, now)
	if err != nil {
		return fmt.Errorf("source selection: %w", err)
	}

	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.cfg.ScrapeWorkers)

	for i := range sources {
		if !tracker.ReserveOp(budget.OpScrape) {
			logger.Warn("[Pipeline] Budget exhausted, skipping remaining sources",
				"skipped", len(sources)-i)
			break
		}
		src := sources[i]
		group.Go(func() error {
			yield, stats := p.scrapeSource(gctx, &src, resolver, tracker, now)

			mu.Lock()
			report.SourcesScraped++
			report.PagesFetched += stats.fetched
			report.PagesUnchanged += stats.unchanged
			report.Created += stats.created
			report.Refreshed += stats.refreshed
			report.Corroborated += stats.corroborated
			mu.Unlock()

			if err := scheduler.RecordRun(gctx, &src, yield, now); err != nil {
				logger.Warn("[Pipeline] Failed to record run", "source", src.URL, "err", err)
			}
			return nil
		})
	}
	return group.Wait()
}

type scrapeStats struct {
	fetched      int
	unchanged    int
	created      int
	refreshed    int
	corroborated int
}

func (p *Pipeline) scrapeSource(
	ctx context.Context,
	src *common.Source,
	resolver *dedupe.Engine,
	tracker *budget.Tracker,
	now time.Time,
) (schedule.RunYield, scrapeStats) {
	var yield schedule.RunYield
	var stats scrapeStats

	for _, pageURL := range p.resolveURLs(ctx, src) {
		page, err := p.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			if errors.Is(err, fetch.ErrUnreachable) || errors.Is(err, fetch.ErrEmpty) {
				logger.Debug("[Pipeline] Page skipped", "url", pageURL, "err", err)
			} else {
				logger.Warn("[Pipeline] Fetch failed", "url", pageURL, "err", err)
			}
			continue
		}
		stats.fetched++

		seen, err := resolver.ResolvePage(ctx, page, now)
		if err != nil {
			logger.Warn("[Pipeline] Page resolution failed", "url", pageURL, "err", err)
			continue
		}
		if seen {
			stats.unchanged++
			continue
		}

		if !tracker.ReserveOp(budget.OpStructuredCall) {
			logger.Warn("[Pipeline] Budget exhausted, page not extracted", "url", pageURL)
			continue
		}

		candidates, err := p.extractor.Extract(ctx, page, src.Category)
		if err != nil {
			logger.Warn("[Pipeline] Extraction failed", "url", pageURL, "err", err)
			continue
		}

		snapshotKey := ""
		if p.archiver != nil && len(candidates) > 0 {
			snapshotKey, err = p.archiver.Archive(ctx, page)
			if err != nil {
				logger.Warn("[Pipeline] Snapshot failed", "url", pageURL, "err", err)
				snapshotKey = ""
			}
		}

		signalIDs := make([]string, 0, len(candidates))
		for i := range candidates {
			cand := &candidates[i]
			cand.SnapshotKey = snapshotKey

			res, err := resolver.Resolve(ctx, cand, p.cfg.ScrapeConfidence, now)
			if err != nil {
				logger.Warn("[Pipeline] Candidate resolution failed",
					"title", cand.Title, "err", err)
				continue
			}
			signalIDs = append(signalIDs, res.Signal.ID)

			switch res.Action {
			case dedupe.ActionCreate:
				stats.created++
				yield.Signals++
				if cand.Kind == common.KindTension {
					yield.Tensions++
				}
			case dedupe.ActionRefresh:
				stats.refreshed++
			case dedupe.ActionCorroborate:
				stats.corroborated++
				yield.Corroborated++
			}

			p.seedDiscovery(ctx, cand.NextQueries)
		}

		if err := p.store.RecordPage(ctx, page.ContentHash, page.URL, signalIDs); err != nil {
			logger.Warn("[Pipeline] Failed to record page", "url", pageURL, "err", err)
		}
		p.seedDiscovery(ctx, page.Links)
	}

	return yield, stats
}

// resolveURLs expands a source into the concrete pages to fetch this run.
// Search-scheme sources resolve through the searcher at scrape time.
func (p *Pipeline) resolveURLs(ctx context.Context, src *common.Source) []string {
	if !strings.HasPrefix(src.URL, "search://") {
		return []string{src.URL}
	}

	query := strings.TrimPrefix(src.URL, "search://?q=")
	if unescaped, err := url.QueryUnescape(query); err == nil {
		query = unescaped
	}
	results, err := p.searcher.Search(ctx, query, 3)
	if err != nil {
		logger.Warn("[Pipeline] Search source failed", "query", query, "err", err)
		return nil
	}
	urls := make([]string, 0, len(results))
	for _, r := range results {
		urls = append(urls, r.URL)
	}
	return urls
}

// seedDiscovery registers harvested leads as low-trust discovery sources
// for future cycles.
func (p *Pipeline) seedDiscovery(ctx context.Context, leads []string) {
	for _, lead := range leads {
		if lead == "" {
			continue
		}
		_, err := p.store.UpsertSource(ctx, &common.Source{
			URL:      investigate.SourceURLForQuery(lead),
			Category: common.CategoryDiscovery,
			Weight:   0.1,
			Active:   true,
		})
		if err != nil {
			logger.Warn("[Pipeline] Failed to seed discovery source", "lead", lead, "err", err)
		}
	}
}

// investigatePhase runs the three modes in fixed order, re-reading the
// degradation ladder before each so exhaustion mid-phase stops the next
// phase from starting.
func (p *Pipeline) investigatePhase(
	ctx context.Context,
	engine *investigate.Engine,
	tracker *budget.Tracker,
	report *CycleReport,
	now time.Time,
) error {
	icfg := p.cfg.InvestigateConfig()
	modes := []investigate.Mode{
		investigate.Diagnostic(icfg),
		investigate.Instrumental(icfg),
		investigate.Solidarity(icfg),
	}

	structuralRan := false
	for _, mode := range modes {
		tracker.LogLevel()
		var (
			modeReport *investigate.Report
			err        error
		)
		switch tracker.Level() {
		case budget.LevelFull:
			modeReport, err = engine.Run(ctx, mode, now)
		case budget.LevelMechanical:
			modeReport, err = engine.RunMechanical(ctx, mode, now)
		case budget.LevelStructural:
			if structuralRan {
				continue
			}
			structuralRan = true
			modeReport, err = engine.RunStructural(ctx)
		default:
			logger.Warn("[Pipeline] Budget exhausted, skipping mode", "mode", mode.Tag)
			continue
		}
		if err != nil {
			return fmt.Errorf("%s phase: %w", mode.Tag, err)
		}
		report.Modes = append(report.Modes, *modeReport)
	}
	return nil
}
