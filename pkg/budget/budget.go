// Package budget is the process-lifetime spend ledger. Every costly phase
// reserves units before running; exhaustion is planned degradation, not an
// error.
package budget

import (
	"errors"
	"sync/atomic"

	"github.com/commonsmap/pulse/pkg/logger"
)

// ErrExhausted is returned by helpers that require a reservation when the
// ceiling leaves no room for it.
var ErrExhausted = errors.New("budget: ceiling reached")

// Op classifies a spend for the cost table.
type Op string

const (
	OpScrape         Op = "scrape"
	OpEmbedding      Op = "embedding"
	OpOracleTurn     Op = "oracle_turn"
	OpStructuredCall Op = "structured_call"
)

// DefaultCosts is in abstract budget units per operation. Oracle turns
// dominate real spend, so they dominate the table.
var DefaultCosts = map[Op]int64{
	OpScrape:         1,
	OpEmbedding:      1,
	OpOracleTurn:     10,
	OpStructuredCall: 10,
}

// Level is the degradation ladder position, cheapest last.
type Level int

const (
	// LevelFull runs the complete investigation engine.
	LevelFull Level = iota
	// LevelMechanical replaces oracle-backed discovery with template
	// queries.
	LevelMechanical
	// LevelStructural derives new sources only from edges already written
	// this cycle.
	LevelStructural
	// LevelNone skips discovery entirely.
	LevelNone
)

func (l Level) String() string {
	switch l {
	case LevelFull:
		return "full"
	case LevelMechanical:
		return "mechanical"
	case LevelStructural:
		return "structural"
	default:
		return "none"
	}
}

// Tracker is an injectable spend counter with a fixed ceiling. Reserve is
// a single compare-and-swap so two workers can never both take the last
// unit.
type Tracker struct {
	ceiling int64
	spent   atomic.Int64
	costs   map[Op]int64
}

// NewTracker creates a tracker with the given ceiling in budget units.
// A nil or empty cost table falls back to DefaultCosts.
func NewTracker(ceiling int64, costs map[Op]int64) *Tracker {
	if len(costs) == 0 {
		costs = DefaultCosts
	}
	return &Tracker{ceiling: ceiling, costs: costs}
}

// Cost returns the configured cost of an operation class.
func (t *Tracker) Cost(op Op) int64 {
	return t.costs[op]
}

// Reserve atomically charges cost units if they fit under the ceiling.
// It reports whether the reservation succeeded; a failed reservation
// charges nothing.
func (t *Tracker) Reserve(cost int64) bool {
	for {
		cur := t.spent.Load()
		if cur+cost > t.ceiling {
			return false
		}
		if t.spent.CompareAndSwap(cur, cur+cost) {
			return true
		}
	}
}

// ReserveOp charges one operation of the given class.
func (t *Tracker) ReserveOp(op Op) bool {
	return t.Reserve(t.costs[op])
}

// Charge records cost for work already committed. Unlike Reserve it never
// refuses: a conversation round that already ran must appear in the
// ledger even when it lands past the ceiling.
func (t *Tracker) Charge(cost int64) {
	t.spent.Add(cost)
}

// ChargeOp charges one committed operation of the given class.
func (t *Tracker) ChargeOp(op Op) {
	t.Charge(t.costs[op])
}

// Spent returns units charged so far.
func (t *Tracker) Spent() int64 {
	return t.spent.Load()
}

// Remaining returns unreserved units under the ceiling.
func (t *Tracker) Remaining() int64 {
	rem := t.ceiling - t.spent.Load()
	if rem < 0 {
		return 0
	}
	return rem
}

// Ceiling returns the configured ceiling.
func (t *Tracker) Ceiling() int64 {
	return t.ceiling
}

// Level maps the remaining fraction onto the degradation ladder. The
// chosen level should be logged once per cycle by the caller.
func (t *Tracker) Level() Level {
	if t.ceiling <= 0 {
		return LevelNone
	}
	frac := float64(t.Remaining()) / float64(t.ceiling)
	switch {
	case frac > 0.25:
		return LevelFull
	case frac > 0.10:
		return LevelMechanical
	case frac > 0:
		return LevelStructural
	default:
		return LevelNone
	}
}

// LogLevel records the current ladder position.
func (t *Tracker) LogLevel() {
	logger.Info("[Budget] Degradation level",
		"level", t.Level().String(),
		"spent", t.Spent(),
		"ceiling", t.ceiling,
	)
}
