package investigate

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/commonsmap/pulse/pkg/ai"
	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/logger"
	"github.com/commonsmap/pulse/pkg/store"
)

// SourceURLForQuery turns a free-text lead into a stable source URL.
// Actual URLs pass through; plain queries get the search scheme the
// fetcher resolves at scrape time.
func SourceURLForQuery(q string) string {
	q = strings.TrimSpace(q)
	if strings.HasPrefix(q, "http://") || strings.HasPrefix(q, "https://") {
		return q
	}
	return "search://?q=" + url.QueryEscape(q)
}

// RunMechanical is the first degradation step: template-generated
// discovery queries seeded from the same targets the full engine would
// have investigated, with no oracle call.
func (e *Engine) RunMechanical(ctx context.Context, mode Mode, now time.Time) (*Report, error) {
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
	for i := range targets {
		q := fmt.Sprintf(ai.MechanicalQueryPrompt, targets[i].Title)
		_, err := e.store.UpsertSource(ctx, &common.Source{
			URL:      SourceURLForQuery(q),
			Category: common.CategoryDiscovery,
			Weight:   0.1,
			Active:   true,
		})
		if err != nil {
			logger.Warn("[Investigate] Mechanical seed failed", "target", targets[i].ID, "err", err)
			continue
		}
		report.Succeeded++
	}

	logger.Info("[Investigate] Mechanical fallback finished",
		"mode", mode.Tag, "seeded", report.Succeeded)
	return report, nil
}

// RunStructural is the zero-cost degradation step: derive new sources
// purely from the response edges already written this cycle, using the
// responder's own source URL as the lead.
func (e *Engine) RunStructural(ctx context.Context) (*Report, error) {
	report := &Report{Mode: "structural"}
	seen := make(map[string]bool)

	for _, edge := range e.WiredEdges() {
		if edge.Type != common.EdgeRespondsTo {
			continue
		}
		sig, err := e.store.GetSignal(ctx, edge.SourceID)
		if err != nil {
			if err != store.ErrNotFound {
				logger.Warn("[Investigate] Structural lookup failed", "signal", edge.SourceID, "err", err)
			}
			continue
		}
		if sig.SourceURL == "" || seen[sig.SourceURL] {
			continue
		}
		seen[sig.SourceURL] = true

		_, err = e.store.UpsertSource(ctx, &common.Source{
			URL:      sig.SourceURL,
			Category: common.CategoryDiscovery,
			Weight:   0.1,
			Active:   true,
		})
		if err != nil {
			logger.Warn("[Investigate] Structural seed failed", "url", sig.SourceURL, "err", err)
			continue
		}
		report.Succeeded++
	}

	logger.Info("[Investigate] Structural fallback finished", "seeded", report.Succeeded)
	return report, nil
}
