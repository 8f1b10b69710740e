// Package investigate runs the two-phase agentic investigation engine:
// a bounded tool conversation against the oracle, then one structured
// extraction call. Three modes share the state machine and differ only in
// a small policy struct.
package investigate

import (
	"time"

	"github.com/commonsmap/pulse/pkg/ai"
	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/store"
)

// Config holds every investigation tuning knob. Values come from the
// pipeline config, not hard-coded thresholds.
type Config struct {
	// TargetConfidence gates target selection for every mode.
	TargetConfidence float64
	// WireSimilarity is the embedding bar above which a discovered
	// response is wired to additional tensions beyond its target.
	WireSimilarity float64
	// EmergentConfidence is the confidence of tensions discovered as a
	// side effect; it sits below TargetConfidence so discoveries cannot
	// immediately become targets of the mode that produced them.
	EmergentConfidence float64
	// ResponseConfidence is the confidence of non-tension discoveries.
	ResponseConfidence float64
	// DiagnosticConfidence is the confidence of a tension emitted by the
	// diagnostic mode for its direct target.
	DiagnosticConfidence float64

	DiagnosticTargets    int
	DiagnosticTurns      int
	DiagnosticMaxRetries int

	InstrumentalTargets  int
	InstrumentalTurns    int
	InstrumentalInterval time.Duration

	SolidarityTargets int
	SolidarityTurns   int
	SolidarityMinHeat float64
	SolidarityBackoff []time.Duration

	// CallTimeout is the hard wall-clock limit on each oracle call.
	CallTimeout time.Duration
	// Workers bounds the per-phase target pool.
	Workers int
	// ReadPageTokens caps read_page tool output fed back to the oracle.
	ReadPageTokens int
}

// DefaultConfig returns the standard investigation parameters.
func DefaultConfig() Config {
	return Config{
		TargetConfidence:     0.5,
		WireSimilarity:       0.85,
		EmergentConfidence:   0.4,
		ResponseConfidence:   0.6,
		DiagnosticConfidence: 0.7,

		DiagnosticTargets:    10,
		DiagnosticTurns:      8,
		DiagnosticMaxRetries: 3,

		InstrumentalTargets:  5,
		InstrumentalTurns:    10,
		InstrumentalInterval: 7 * 24 * time.Hour,

		SolidarityTargets: 3,
		SolidarityTurns:   10,
		SolidarityMinHeat: 0.1,
		SolidarityBackoff: []time.Duration{
			7 * 24 * time.Hour,
			14 * 24 * time.Hour,
			21 * 24 * time.Hour,
			30 * 24 * time.Hour,
		},

		CallTimeout:    3 * time.Minute,
		Workers:        3,
		ReadPageTokens: 4000,
	}
}

const (
	TagDiagnostic   = "diagnostic"
	TagInstrumental = "instrumental"
	TagSolidarity   = "solidarity"
)

// Mode is the policy struct one instance of the state machine runs under.
type Mode struct {
	Tag         string
	ScoutPrompt string

	// Query selects targets; TargetCap bounds them per cycle.
	Query     store.SignalQuery
	TargetCap int

	TurnBudget int

	// MaxRetries > 0 enables failure-retry bookkeeping ending in the
	// abandoned state. Modes without it rely on periodic re-visit.
	MaxRetries int
	// Backoff lengthens the re-visit interval after consecutive misses;
	// a hit resets to the first step.
	Backoff []time.Duration
	// FixedInterval re-visits on a constant cadence when Backoff is nil.
	FixedInterval time.Duration

	// EmitKind is the kind a finding defaults to when the oracle omits
	// it. GatheringType tags RESPONDS_TO edges written by this mode.
	EmitKind      common.SignalKind
	GatheringType string
}

// Diagnostic investigates why an uninvestigated signal exists.
func Diagnostic(cfg Config) Mode {
	return Mode{
		Tag:         TagDiagnostic,
		ScoutPrompt: ai.DiagnosticScoutPrompt,
		Query: store.SignalQuery{
			States:        []common.InvestigationState{common.StateUninvestigated},
			MinConfidence: cfg.TargetConfidence,
			Order:         store.OrderNewest,
		},
		TargetCap:  cfg.DiagnosticTargets,
		TurnBudget: cfg.DiagnosticTurns,
		MaxRetries: cfg.DiagnosticMaxRetries,
		EmitKind:   common.KindTension,
	}
}

// Instrumental finds responses for the least-addressed tensions.
func Instrumental(cfg Config) Mode {
	return Mode{
		Tag:         TagInstrumental,
		ScoutPrompt: ai.InstrumentalScoutPrompt,
		Query: store.SignalQuery{
			Kinds:         []common.SignalKind{common.KindTension},
			MinConfidence: cfg.TargetConfidence,
			ExcludeStates: []common.InvestigationState{common.StateAbandoned},
			ModeTag:       TagInstrumental,
			Order:         store.OrderLeastResponded,
		},
		TargetCap:     cfg.InstrumentalTargets,
		TurnBudget:    cfg.InstrumentalTurns,
		FixedInterval: cfg.InstrumentalInterval,
		EmitKind:      common.KindGive,
		GatheringType: common.GatheringInstrumental,
	}
}

// Solidarity finds gatherings around the hottest tensions.
func Solidarity(cfg Config) Mode {
	return Mode{
		Tag:         TagSolidarity,
		ScoutPrompt: ai.SolidarityScoutPrompt,
		Query: store.SignalQuery{
			Kinds:         []common.SignalKind{common.KindTension},
			MinConfidence: cfg.TargetConfidence,
			MinHeat:       cfg.SolidarityMinHeat,
			ExcludeStates: []common.InvestigationState{common.StateAbandoned},
			ModeTag:       TagSolidarity,
			Order:         store.OrderHeatDesc,
		},
		TargetCap:     cfg.SolidarityTargets,
		TurnBudget:    cfg.SolidarityTurns,
		Backoff:       cfg.SolidarityBackoff,
		EmitKind:      common.KindEvent,
		GatheringType: common.GatheringSolidarity,
	}
}
