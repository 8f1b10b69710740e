// Package heat scores how well each tension is causally corroborated by
// the rest of the graph. The score recomputes on a full pass each cycle;
// it is not incremental.
package heat

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/commonsmap/pulse/internal/util"
	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/logger"
	"github.com/commonsmap/pulse/pkg/store"
)

// Config holds the heat tuning knobs.
type Config struct {
	// FreshWindow is the age under which another tension contributes at
	// full strength.
	FreshWindow time.Duration
	// DecayScale controls how fast contribution falls toward RecencyFloor
	// past the fresh window.
	DecayScale time.Duration
	// RecencyFloor is the minimum contribution factor of an old tension.
	RecencyFloor float64
	// Saturation scales the sum before normalization; higher values
	// saturate heat faster.
	Saturation float64
	// EvidenceBoostCap bounds the corroboration multiplier so one viral
	// report cannot dominate.
	EvidenceBoostCap float64
	// PropagationDamping scales heat flowing outward over RESPONDS_TO
	// edges.
	PropagationDamping float64
}

// DefaultConfig returns the standard heat parameters.
func DefaultConfig() Config {
	return Config{
		FreshWindow:        14 * 24 * time.Hour,
		DecayScale:         30 * 24 * time.Hour,
		RecencyFloor:       0.2,
		Saturation:         1.0,
		EvidenceBoostCap:   3.0,
		PropagationDamping: 0.5,
	}
}

// Propagator recomputes cause heat over the whole graph.
type Propagator struct {
	store store.SignalStore
	cfg   Config
}

// NewPropagator creates a propagator over a store.
func NewPropagator(s store.SignalStore, cfg Config) *Propagator {
	return &Propagator{store: s, cfg: cfg}
}

// recencyFactor is 1.0 inside the fresh window and decays exponentially
// toward the floor beyond it.
func (p *Propagator) recencyFactor(age time.Duration) float64 {
	if age <= p.cfg.FreshWindow {
		return 1.0
	}
	excess := float64(age-p.cfg.FreshWindow) / float64(p.cfg.DecayScale)
	f := p.cfg.RecencyFloor + (1-p.cfg.RecencyFloor)*math.Exp(-excess)
	return util.Clamp(f, p.cfg.RecencyFloor, 1.0)
}

// evidenceBoost rewards independent corroboration logarithmically, capped
// so it can amplify but never fabricate heat.
func (p *Propagator) evidenceBoost(count int) float64 {
	if count <= 0 {
		return 1.0
	}
	boost := 1.0 + math.Log1p(float64(count))
	if boost > p.cfg.EvidenceBoostCap {
		boost = p.cfg.EvidenceBoostCap
	}
	return boost
}

// Recompute runs the full heat pass: pairwise tension contribution,
// evidence boost, then outward propagation to responders. Only tensions
// emit heat; everything else can only receive it.
func (p *Propagator) Recompute(ctx context.Context, now time.Time) error {
	tensions, err := p.store.ListSignals(ctx, store.SignalQuery{
		Kinds:          []common.SignalKind{common.KindTension},
		WithEmbeddings: true,
	})
	if err != nil {
		return fmt.Errorf("list tensions: %w", err)
	}

	recency := make([]float64, len(tensions))
	for i := range tensions {
		recency[i] = p.recencyFactor(now.Sub(tensions[i].LastConfirmedActive))
	}

	heats := make(map[string]float64, len(tensions))
	for i := range tensions {
		if len(tensions[i].Embedding) == 0 {
			continue
		}
		sum := 0.0
		for j := range tensions {
			if i == j || len(tensions[j].Embedding) == 0 {
				continue
			}
			sim := store.CosineSimilarity(tensions[i].Embedding, tensions[j].Embedding)
			if sim <= 0 {
				continue
			}
			sum += sim * recency[j]
		}

		// Saturating normalization keeps heat in [0,1) while every
		// contribution still strictly increases it.
		raw := 1 - math.Exp(-p.cfg.Saturation*sum)

		count, err := p.store.CountEvidence(ctx, tensions[i].ID)
		if err != nil {
			return fmt.Errorf("evidence count for %s: %w", tensions[i].ID, err)
		}
		h := util.Clamp(raw*p.evidenceBoost(count), 0, 1)
		heats[tensions[i].ID] = h

		if err := p.store.UpdateHeat(ctx, tensions[i].ID, h); err != nil {
			return fmt.Errorf("update heat for %s: %w", tensions[i].ID, err)
		}
	}

	// Outward propagation: responders inherit damped heat from the
	// hottest tension they respond to.
	received := make(map[string]float64)
	tensionIDs := make(map[string]bool, len(tensions))
	for i := range tensions {
		tensionIDs[tensions[i].ID] = true
	}
	for i := range tensions {
		edges, err := p.store.ListEdgesTo(ctx, tensions[i].ID, common.EdgeRespondsTo)
		if err != nil {
			return fmt.Errorf("edges to %s: %w", tensions[i].ID, err)
		}
		for _, e := range edges {
			if tensionIDs[e.SourceID] {
				continue
			}
			h := heats[tensions[i].ID] * p.cfg.PropagationDamping * e.MatchStrength
			if h > received[e.SourceID] {
				received[e.SourceID] = h
			}
		}
	}
	for id, h := range received {
		if err := p.store.UpdateHeat(ctx, id, h); err != nil {
			return fmt.Errorf("propagate heat to %s: %w", id, err)
		}
	}

	logger.Info("[Heat] Recomputed",
		"tensions", len(tensions), "responders", len(received))
	return nil
}
