package store

import (
	"context"
	"errors"
	"time"

	"github.com/commonsmap/pulse/pkg/common"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// SignalOrder selects the ordering of a signal listing.
type SignalOrder string

const (
	OrderNone SignalOrder = ""
	// OrderHeatDesc lists hottest tensions first.
	OrderHeatDesc SignalOrder = "heat_desc"
	// OrderLeastResponded lists signals with the fewest incoming
	// RESPONDS_TO edges first.
	OrderLeastResponded SignalOrder = "least_responded"
	// OrderNewest lists most recently confirmed signals first.
	OrderNewest SignalOrder = "newest"
)

// SignalQuery is a predicate-filtered, ordered, limited read over signals.
// Zero values mean "no constraint".
type SignalQuery struct {
	Kinds          []common.SignalKind
	MinConfidence  float64
	MinHeat        float64
	States         []common.InvestigationState
	ExcludeStates  []common.InvestigationState
	ModeTag        string    // with ModeDueBefore: only signals due for this mode
	ModeDueBefore  time.Time // due means NextVisitAt is zero or <= this time
	Order          SignalOrder
	Limit          int
	WithEmbeddings bool
}

// SignalMatch is one nearest-neighbor result.
type SignalMatch struct {
	Signal     common.Signal
	Similarity float64
}

// SourceQuery filters source listings.
type SourceQuery struct {
	ActiveOnly bool
	Limit      int
}

// SignalStore is the persistence surface every component works against.
// Writes are idempotent upserts keyed by stable identity, so concurrent
// writers racing to create "the same" node converge to one row.
type SignalStore interface {
	// UpsertSignal writes a signal keyed by (normalized title, kind).
	// On conflict it merges: freshness advances, confidence only rises,
	// and set properties are never overwritten with empty values.
	// The stored signal (with its canonical ID) is returned.
	UpsertSignal(ctx context.Context, s *common.Signal) (*common.Signal, error)
	GetSignal(ctx context.Context, id string) (*common.Signal, error)
	FindSignalByTitle(ctx context.Context, normTitle string, kind common.SignalKind) (*common.Signal, error)
	ListSignals(ctx context.Context, q SignalQuery) ([]common.Signal, error)

	// RefreshSignal advances last_confirmed_active without touching
	// confidence. Same-source re-observation is expected noise and must
	// not inflate credibility.
	RefreshSignal(ctx context.Context, id string, seenAt time.Time) error

	// CorroborateSignal records cross-source agreement: counters advance
	// and confidence is raised to the given value.
	CorroborateSignal(ctx context.Context, id string, seenAt time.Time, confidence float64) error

	UpdateHeat(ctx context.Context, id string, heat float64) error
	SetInvestigationState(ctx context.Context, id string, state common.InvestigationState, triage string) error
	SetModeState(ctx context.Context, id string, tag string, ms common.ModeState) error

	// NearestSignals returns signals whose embedding similarity to the
	// query vector is at least floor, most similar first.
	NearestSignals(ctx context.Context, embedding []float32, floor float64, limit int) ([]SignalMatch, error)

	// UpsertEdge writes an edge unique per (source, target) pair. A second
	// write updates match_strength and explanation and never overwrites a
	// previously set gathering_type with an empty one.
	UpsertEdge(ctx context.Context, e *common.Edge) error
	ListEdgesTo(ctx context.Context, targetID string, t common.EdgeType) ([]common.Edge, error)
	ListEdgesFrom(ctx context.Context, sourceID string, t common.EdgeType) ([]common.Edge, error)

	AddEvidence(ctx context.Context, ev *common.Evidence) error
	CountEvidence(ctx context.Context, signalID string) (int, error)

	// Pages back the origin-hash dedupe layer: a content hash already on
	// record means no extraction is needed, only a freshness refresh of
	// whatever signals that page produced.
	PageSeen(ctx context.Context, contentHash string) (bool, error)
	RecordPage(ctx context.Context, contentHash, url string, signalIDs []string) error
	RefreshPageSignals(ctx context.Context, contentHash string, seenAt time.Time) error

	// UpsertSource writes a source keyed by URL; an existing row keeps its
	// counters and curated flag.
	UpsertSource(ctx context.Context, src *common.Source) (*common.Source, error)
	GetSourceByURL(ctx context.Context, url string) (*common.Source, error)
	ListSources(ctx context.Context, q SourceQuery) ([]common.Source, error)
	UpdateSource(ctx context.Context, src *common.Source) error

	// RetireSource deactivates a source. Retirement is never deletion;
	// reaping by age is an external housekeeping job.
	RetireSource(ctx context.Context, id string) error
}
