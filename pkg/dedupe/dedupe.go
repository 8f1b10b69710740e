// Package dedupe resolves candidate signals against the graph: refresh an
// existing node, corroborate it from a new source, or create a new one.
// Checks run cheapest first and the first match wins.
package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/commonsmap/pulse/pkg/ai"
	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/logger"
	"github.com/commonsmap/pulse/pkg/store"
)

// Action is the resolution outcome for one candidate.
type Action string

const (
	ActionRefresh     Action = "refresh"
	ActionCorroborate Action = "corroborate"
	ActionCreate      Action = "create"
)

// Resolution carries the outcome and the canonical stored signal the
// candidate resolved to.
type Resolution struct {
	Action Action
	Signal *common.Signal
}

// ConfidencePolicy decides the confidence an existing signal is raised to
// when corroborated. This is the path an emergent low-confidence tension
// takes toward becoming investigable.
type ConfidencePolicy func(existing *common.Signal) float64

// DefaultConfidencePolicy bumps confidence by a fixed step, capped below
// certainty.
func DefaultConfidencePolicy(existing *common.Signal) float64 {
	c := existing.Confidence + 0.15
	if c > 0.95 {
		c = 0.95
	}
	return c
}

// Config holds the similarity thresholds. Same-source re-statement is
// expected noise and matches at a lower bar than cross-source agreement,
// which is the actual credibility signal.
type Config struct {
	SameSourceSimilarity  float64
	CrossSourceSimilarity float64
	OnCorroborate         ConfidencePolicy
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		SameSourceSimilarity:  0.85,
		CrossSourceSimilarity: 0.92,
		OnCorroborate:         DefaultConfidencePolicy,
	}
}

type cacheEntry struct {
	signalID  string
	sourceURL string
	embedding []float32
}

// Engine resolves candidates for one run. The run-local embedding cache
// covers signals seen this run before the persistent index is consulted;
// construct a fresh Engine per cycle.
type Engine struct {
	store    store.SignalStore
	embedder ai.Embedder
	cfg      Config

	mu    sync.Mutex
	cache []cacheEntry
}

// NewEngine creates a dedup engine over a store and an embedder.
func NewEngine(s store.SignalStore, embedder ai.Embedder, cfg Config) *Engine {
	if cfg.OnCorroborate == nil {
		cfg.OnCorroborate = DefaultConfidencePolicy
	}
	return &Engine{store: s, embedder: embedder, cfg: cfg}
}

// ResolvePage is the origin-hash layer: a content hash already on record
// means extraction can be skipped entirely; only the freshness of the
// signals that page produced advances. It reports whether the page was
// seen before.
func (e *Engine) ResolvePage(ctx context.Context, page *common.RawPage, seenAt time.Time) (bool, error) {
	if page.ContentHash == "" {
		return false, nil
	}
	seen, err := e.store.PageSeen(ctx, page.ContentHash)
	if err != nil {
		return false, fmt.Errorf("page lookup: %w", err)
	}
	if !seen {
		return false, nil
	}
	logger.Debug("[Dedupe] Page unchanged, refreshing its signals", "url", page.URL)
	if err := e.store.RefreshPageSignals(ctx, page.ContentHash, seenAt); err != nil {
		return true, fmt.Errorf("refresh page signals: %w", err)
	}
	return true, nil
}

// Resolve runs the decision tree for one candidate. createConfidence is
// the confidence a newly created node gets; callers creating side-effect
// discoveries pass a value below their own target threshold.
func (e *Engine) Resolve(ctx context.Context, cand *common.CandidateSignal, createConfidence float64, seenAt time.Time) (*Resolution, error) {
	// Exact title match before any embedding work.
	existing, err := e.store.FindSignalByTitle(ctx, store.NormalizeTitle(cand.Title), cand.Kind)
	if err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("title lookup: %w", err)
	}
	if existing != nil {
		if existing.SourceURL == cand.SourceURL {
			return e.refresh(ctx, existing, seenAt)
		}
		return e.corroborate(ctx, existing, cand, seenAt)
	}

	embedding, err := e.embedder.GenerateEmbedding(ctx, []byte(cand.Title+"\n"+cand.Summary))
	if err != nil {
		return nil, fmt.Errorf("candidate embedding: %w", err)
	}

	if match := e.lookupCache(ctx, embedding, cand.SourceURL); match != nil {
		sig, err := e.store.GetSignal(ctx, match.signalID)
		if err != nil {
			return nil, fmt.Errorf("cached signal lookup: %w", err)
		}
		if match.sourceURL == cand.SourceURL {
			return e.refresh(ctx, sig, seenAt)
		}
		return e.corroborate(ctx, sig, cand, seenAt)
	}

	floor := e.cfg.SameSourceSimilarity
	if e.cfg.CrossSourceSimilarity < floor {
		floor = e.cfg.CrossSourceSimilarity
	}
	matches, err := e.store.NearestSignals(ctx, embedding, floor, 5)
	if err != nil {
		return nil, fmt.Errorf("nearest neighbors: %w", err)
	}
	for _, m := range matches {
		sameSource := m.Signal.SourceURL == cand.SourceURL
		if sameSource && m.Similarity >= e.cfg.SameSourceSimilarity {
			sig := m.Signal
			return e.refresh(ctx, &sig, seenAt)
		}
		if !sameSource && m.Similarity >= e.cfg.CrossSourceSimilarity {
			sig := m.Signal
			return e.corroborate(ctx, &sig, cand, seenAt)
		}
	}

	return e.create(ctx, cand, embedding, createConfidence, seenAt)
}

func (e *Engine) lookupCache(ctx context.Context, embedding []float32, sourceURL string) *cacheEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	var best *cacheEntry
	bestSim := 0.0
	for i := range e.cache {
		entry := &e.cache[i]
		sim := store.CosineSimilarity(embedding, entry.embedding)
		sameSource := entry.sourceURL == sourceURL
		if sameSource && sim < e.cfg.SameSourceSimilarity {
			continue
		}
		if !sameSource && sim < e.cfg.CrossSourceSimilarity {
			continue
		}
		if sim > bestSim {
			best = entry
			bestSim = sim
		}
	}
	return best
}

func (e *Engine) remember(signalID, sourceURL string, embedding []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = append(e.cache, cacheEntry{
		signalID:  signalID,
		sourceURL: sourceURL,
		embedding: embedding,
	})
}

func (e *Engine) refresh(ctx context.Context, sig *common.Signal, seenAt time.Time) (*Resolution, error) {
	if err := e.store.RefreshSignal(ctx, sig.ID, seenAt); err != nil {
		return nil, fmt.Errorf("refresh signal %s: %w", sig.ID, err)
	}
	if seenAt.After(sig.LastConfirmedActive) {
		sig.LastConfirmedActive = seenAt
	}
	logger.Debug("[Dedupe] Refreshed signal", "id", sig.ID, "title", sig.Title)
	return &Resolution{Action: ActionRefresh, Signal: sig}, nil
}

func (e *Engine) corroborate(ctx context.Context, sig *common.Signal, cand *common.CandidateSignal, seenAt time.Time) (*Resolution, error) {
	conf := e.cfg.OnCorroborate(sig)
	if err := e.store.CorroborateSignal(ctx, sig.ID, seenAt, conf); err != nil {
		return nil, fmt.Errorf("corroborate signal %s: %w", sig.ID, err)
	}
	err := e.store.AddEvidence(ctx, &common.Evidence{
		SignalID:    sig.ID,
		SourceURL:   cand.SourceURL,
		ContentHash: cand.ContentHash,
		SnapshotKey: cand.SnapshotKey,
		RetrievedAt: seenAt,
	})
	if err != nil {
		return nil, fmt.Errorf("evidence for signal %s: %w", sig.ID, err)
	}

	sig.Corroborations++
	sig.SourceDiversity++
	if conf > sig.Confidence {
		sig.Confidence = conf
	}
	if seenAt.After(sig.LastConfirmedActive) {
		sig.LastConfirmedActive = seenAt
	}
	logger.Debug("[Dedupe] Corroborated signal",
		"id", sig.ID, "title", sig.Title, "confidence", sig.Confidence)
	return &Resolution{Action: ActionCorroborate, Signal: sig}, nil
}

func (e *Engine) create(ctx context.Context, cand *common.CandidateSignal, embedding []float32, confidence float64, seenAt time.Time) (*Resolution, error) {
	sig, err := e.store.UpsertSignal(ctx, &common.Signal{
		Kind:                cand.Kind,
		Title:               cand.Title,
		Summary:             cand.Summary,
		SourceURL:           cand.SourceURL,
		Confidence:          confidence,
		LastConfirmedActive: seenAt,
		Embedding:           embedding,
		Location:            cand.Location,
		TimeInfo:            cand.TimeInfo,
	})
	if err != nil {
		return nil, fmt.Errorf("create signal: %w", err)
	}
	e.remember(sig.ID, cand.SourceURL, embedding)
	logger.Debug("[Dedupe] Created signal",
		"id", sig.ID, "kind", sig.Kind, "title", sig.Title)
	return &Resolution{Action: ActionCreate, Signal: sig}, nil
}
