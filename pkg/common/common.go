package common

import "time"

// SignalKind classifies a signal node. Tensions represent systemic
// pressures; the remaining kinds are response and context variants.
type SignalKind string

const (
	KindTension SignalKind = "tension"
	KindAsk     SignalKind = "ask"
	KindGive    SignalKind = "give"
	KindEvent   SignalKind = "event"
	KindNotice  SignalKind = "notice"
)

// InvestigationState tracks the diagnostic lifecycle of a signal.
// Abandoned is terminal and distinct from "never investigated": a signal
// that failed repeatedly is never silently retried nor silently forgotten.
type InvestigationState string

const (
	StateUninvestigated InvestigationState = "uninvestigated"
	StateInvestigated   InvestigationState = "investigated"
	StateAbandoned      InvestigationState = "abandoned"
)

// ModeState is the per-investigation-mode bookkeeping carried by a signal:
// when it was last scouted, how many consecutive misses it has accumulated,
// and when it becomes due for another visit.
type ModeState struct {
	ScoutedAt   time.Time `json:"scouted_at"`
	MissCount   int       `json:"miss_count"`
	NextVisitAt time.Time `json:"next_visit_at"`
}

// Signal is a discrete extracted fact with stable identity. Re-observation
// mutates timestamps and confidence; it never duplicates the node.
type Signal struct {
	ID                  string             `json:"id"`
	Kind                SignalKind         `json:"kind"`
	Title               string             `json:"title"`
	Summary             string             `json:"summary"`
	SourceURL           string             `json:"source_url"`
	Confidence          float64            `json:"confidence"`
	LastConfirmedActive time.Time          `json:"last_confirmed_active"`
	Embedding           []float32          `json:"embedding,omitempty"`
	Location            string             `json:"location,omitempty"`
	TimeInfo            string             `json:"time_info,omitempty"`

	// Tension bookkeeping. CauseHeat is only ever emitted by tensions;
	// other kinds receive heat but never generate it.
	CauseHeat          float64            `json:"cause_heat"`
	InvestigationState InvestigationState `json:"investigation_state"`
	TriageFlag         string             `json:"triage_flag,omitempty"`

	Corroborations  int `json:"corroborations"`
	SourceDiversity int `json:"source_diversity"`

	Modes map[string]ModeState `json:"modes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Mode returns the bookkeeping for the named investigation mode, zero if
// the signal has never been visited by it.
func (s *Signal) Mode(tag string) ModeState {
	if s.Modes == nil {
		return ModeState{}
	}
	return s.Modes[tag]
}

// SourceCategory affects a source's base re-visit cadence.
type SourceCategory string

const (
	CategoryNews      SourceCategory = "news"
	CategoryForum     SourceCategory = "forum"
	CategorySocial    SourceCategory = "social"
	CategoryCivic     SourceCategory = "civic"
	CategoryDiscovery SourceCategory = "discovery"
)

// Source is a re-visitable origin of signals. Weight is kept in [0.1, 1.0]
// and maps to a scrape cadence; curated sources are never auto-retired.
type Source struct {
	ID             string         `json:"id"`
	URL            string         `json:"url"`
	Category       SourceCategory `json:"category"`
	Weight         float64        `json:"weight"`
	Curated        bool           `json:"curated"`
	Active         bool           `json:"active"`
	QualityPenalty float64        `json:"quality_penalty"`

	ConsecutiveEmpty    int `json:"consecutive_empty"`
	TotalScrapes        int `json:"total_scrapes"`
	TotalSignals        int `json:"total_signals"`
	TensionSignals      int `json:"tension_signals"`
	CorroboratedSignals int `json:"corroborated_signals"`

	LastScrapedAt time.Time `json:"last_scraped_at"`
	LastYieldAt   time.Time `json:"last_yield_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// EdgeType is the semantic relation carried by an edge.
type EdgeType string

const (
	// EdgeRespondsTo links a response or gathering to the tension it
	// addresses. GatheringType disambiguates instrumental from solidarity.
	EdgeRespondsTo EdgeType = "RESPONDS_TO"
	// EdgeEvidenceOf links a signal to the tension it evidences.
	EdgeEvidenceOf EdgeType = "EVIDENCE_OF"
)

const (
	GatheringInstrumental = "instrumental"
	GatheringSolidarity   = "solidarity"
)

// Edge is a typed relation between two signals, unique per
// (source, target) pair. A second write to the same pair updates
// properties; it never creates a parallel edge and never overwrites a
// previously set property with an empty value.
type Edge struct {
	ID            string    `json:"id"`
	SourceID      string    `json:"source_id"`
	TargetID      string    `json:"target_id"`
	Type          EdgeType  `json:"type"`
	GatheringType string    `json:"gathering_type,omitempty"`
	MatchStrength float64   `json:"match_strength"`
	Explanation   string    `json:"explanation,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Evidence is an immutable record of one corroborating fact.
type Evidence struct {
	ID          string    `json:"id"`
	SignalID    string    `json:"signal_id"`
	SourceURL   string    `json:"source_url"`
	ContentHash string    `json:"content_hash"`
	SnapshotKey string    `json:"snapshot_key,omitempty"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// RawPage is the fetcher's output: one retrieved page with its content
// hash, used for origin-hash deduplication and evidence records.
type RawPage struct {
	URL         string   `json:"url"`
	Content     string   `json:"content"`
	ContentHash string   `json:"content_hash"`
	Links       []string `json:"links,omitempty"`
}

// CandidateSignal is one typed fact proposed by the extractor before
// deduplication has decided whether it is new.
type CandidateSignal struct {
	Kind        SignalKind `json:"kind"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary"`
	SourceURL   string     `json:"source_url"`
	Location    string     `json:"location,omitempty"`
	TimeInfo    string     `json:"time_info,omitempty"`
	ContentHash string     `json:"content_hash,omitempty"`
	SnapshotKey string     `json:"snapshot_key,omitempty"`

	// NextQueries are free-text "implied next query" seeds the extractor
	// surfaced; they become low-trust source candidates for future cycles.
	NextQueries []string `json:"next_queries,omitempty"`
}
