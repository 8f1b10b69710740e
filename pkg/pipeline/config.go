package pipeline

import (
	"fmt"
	"time"

	"github.com/go-playground/validator"

	"github.com/commonsmap/pulse/internal/util"
	"github.com/commonsmap/pulse/pkg/dedupe"
	"github.com/commonsmap/pulse/pkg/heat"
	"github.com/commonsmap/pulse/pkg/investigate"
	"github.com/commonsmap/pulse/pkg/schedule"
)

// Config carries every tuning knob of the control system. Nothing here is
// hard-coded: it is populated from the environment with defaults and
// validated before a cycle runs.
type Config struct {
	BudgetCeiling      int64 `validate:"min=1"`
	ScrapeWorkers      int   `validate:"min=1"`
	InvestigateWorkers int   `validate:"min=1"`

	// ScrapeConfidence is the confidence of signals created directly from
	// scraped pages.
	ScrapeConfidence float64 `validate:"gte=0,lte=1"`

	// TargetConfidence gates investigation target selection. Emergent
	// discoveries must land strictly below it.
	TargetConfidence     float64 `validate:"gte=0,lte=1"`
	DiagnosticConfidence float64 `validate:"gte=0,lte=1"`
	EmergentConfidence   float64 `validate:"gte=0,lte=1,ltfield=TargetConfidence"`
	ResponseConfidence   float64 `validate:"gte=0,lte=1"`

	SameSourceSimilarity  float64 `validate:"gte=0,lte=1"`
	CrossSourceSimilarity float64 `validate:"gte=0,lte=1,gtefield=SameSourceSimilarity"`
	WireSimilarity        float64 `validate:"gte=0,lte=1"`
	SolidarityMinHeat     float64 `validate:"gte=0,lte=1"`

	DiagnosticTargets    int `validate:"min=1"`
	DiagnosticTurns      int `validate:"min=1"`
	DiagnosticMaxRetries int `validate:"min=1"`

	InstrumentalTargets      int `validate:"min=1"`
	InstrumentalTurns        int `validate:"min=1"`
	InstrumentalIntervalDays int `validate:"min=1"`

	SolidarityTargets     int   `validate:"min=1"`
	SolidarityTurns       int   `validate:"min=1"`
	SolidarityBackoffDays []int `validate:"min=1,dive,min=1"`

	ExplorationFraction float64 `validate:"gte=0,lte=1"`
	RetireAfter         int     `validate:"min=1"`

	CallTimeoutSeconds int `validate:"min=1"`
	ReadPageTokens     int `validate:"min=1"`
	MaxPageTokens      int `validate:"min=1"`
}

// FromEnv builds the config from environment variables with the standard
// defaults.
func FromEnv() Config {
	return Config{
		BudgetCeiling:      int64(util.GetEnvNumeric("BUDGET_CEILING", 2000)),
		ScrapeWorkers:      int(util.GetEnvNumeric("SCRAPE_WORKERS", 4)),
		InvestigateWorkers: int(util.GetEnvNumeric("INVESTIGATE_WORKERS", 3)),

		ScrapeConfidence:     util.GetEnvNumeric("SCRAPE_CONFIDENCE", 0.6),
		TargetConfidence:     util.GetEnvNumeric("TARGET_CONFIDENCE", 0.5),
		DiagnosticConfidence: util.GetEnvNumeric("DIAGNOSTIC_CONFIDENCE", 0.7),
		EmergentConfidence:   util.GetEnvNumeric("EMERGENT_CONFIDENCE", 0.4),
		ResponseConfidence:   util.GetEnvNumeric("RESPONSE_CONFIDENCE", 0.6),

		SameSourceSimilarity:  util.GetEnvNumeric("SAME_SOURCE_SIMILARITY", 0.85),
		CrossSourceSimilarity: util.GetEnvNumeric("CROSS_SOURCE_SIMILARITY", 0.92),
		WireSimilarity:        util.GetEnvNumeric("WIRE_SIMILARITY", 0.85),
		SolidarityMinHeat:     util.GetEnvNumeric("SOLIDARITY_MIN_HEAT", 0.1),

		DiagnosticTargets:    int(util.GetEnvNumeric("DIAGNOSTIC_TARGETS", 10)),
		DiagnosticTurns:      int(util.GetEnvNumeric("DIAGNOSTIC_TURNS", 8)),
		DiagnosticMaxRetries: int(util.GetEnvNumeric("DIAGNOSTIC_MAX_RETRIES", 3)),

		InstrumentalTargets:      int(util.GetEnvNumeric("INSTRUMENTAL_TARGETS", 5)),
		InstrumentalTurns:        int(util.GetEnvNumeric("INSTRUMENTAL_TURNS", 10)),
		InstrumentalIntervalDays: int(util.GetEnvNumeric("INSTRUMENTAL_INTERVAL_DAYS", 7)),

		SolidarityTargets:     int(util.GetEnvNumeric("SOLIDARITY_TARGETS", 3)),
		SolidarityTurns:       int(util.GetEnvNumeric("SOLIDARITY_TURNS", 10)),
		SolidarityBackoffDays: []int{7, 14, 21, 30},

		ExplorationFraction: util.GetEnvNumeric("EXPLORATION_FRACTION", 0.1),
		RetireAfter:         int(util.GetEnvNumeric("RETIRE_AFTER_EMPTY_RUNS", 10)),

		CallTimeoutSeconds: int(util.GetEnvNumeric("ORACLE_CALL_TIMEOUT_SECONDS", 180)),
		ReadPageTokens:     int(util.GetEnvNumeric("READ_PAGE_TOKENS", 4000)),
		MaxPageTokens:      int(util.GetEnvNumeric("MAX_PAGE_TOKENS", 8000)),
	}
}

// Validate checks tag constraints plus the ordering of the backoff table.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}
	for i := 1; i < len(c.SolidarityBackoffDays); i++ {
		if c.SolidarityBackoffDays[i] <= c.SolidarityBackoffDays[i-1] {
			return fmt.Errorf("invalid pipeline config: backoff table not strictly increasing at index %d", i)
		}
	}
	return nil
}

// DedupeConfig builds the dedup engine thresholds.
func (c Config) DedupeConfig() dedupe.Config {
	cfg := dedupe.DefaultConfig()
	cfg.SameSourceSimilarity = c.SameSourceSimilarity
	cfg.CrossSourceSimilarity = c.CrossSourceSimilarity
	return cfg
}

// HeatConfig builds the heat pass parameters.
func (c Config) HeatConfig() heat.Config {
	return heat.DefaultConfig()
}

// ScheduleConfig builds the scheduler parameters.
func (c Config) ScheduleConfig() schedule.Config {
	cfg := schedule.DefaultConfig()
	cfg.ExplorationFraction = c.ExplorationFraction
	cfg.RetireAfter = c.RetireAfter
	return cfg
}

// InvestigateConfig builds the mode policies.
func (c Config) InvestigateConfig() investigate.Config {
	backoff := make([]time.Duration, len(c.SolidarityBackoffDays))
	for i, days := range c.SolidarityBackoffDays {
		backoff[i] = time.Duration(days) * 24 * time.Hour
	}
	return investigate.Config{
		TargetConfidence:     c.TargetConfidence,
		WireSimilarity:       c.WireSimilarity,
		EmergentConfidence:   c.EmergentConfidence,
		ResponseConfidence:   c.ResponseConfidence,
		DiagnosticConfidence: c.DiagnosticConfidence,

		DiagnosticTargets:    c.DiagnosticTargets,
		DiagnosticTurns:      c.DiagnosticTurns,
		DiagnosticMaxRetries: c.DiagnosticMaxRetries,

		InstrumentalTargets:  c.InstrumentalTargets,
		InstrumentalTurns:    c.InstrumentalTurns,
		InstrumentalInterval: time.Duration(c.InstrumentalIntervalDays) * 24 * time.Hour,

		SolidarityTargets: c.SolidarityTargets,
		SolidarityTurns:   c.SolidarityTurns,
		SolidarityMinHeat: c.SolidarityMinHeat,
		SolidarityBackoff: backoff,

		CallTimeout:    time.Duration(c.CallTimeoutSeconds) * time.Second,
		Workers:        c.InvestigateWorkers,
		ReadPageTokens: c.ReadPageTokens,
	}
}
