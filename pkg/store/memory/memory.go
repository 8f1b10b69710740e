// Package memory implements store.SignalStore entirely in process. It is
// the test double for every core component and the reference for the
// merge-on-key semantics the pgx store implements in SQL.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/store"
)

type pageRecord struct {
	url       string
	signalIDs []string
}

// MemoryStore holds all graph state in maps guarded by one mutex.
type MemoryStore struct {
	mu          sync.Mutex
	signals     map[string]*common.Signal
	titleIndex  map[string]string
	edges       map[string]*common.Edge
	evidence    map[string][]common.Evidence
	pages       map[string]*pageRecord
	sources     map[string]*common.Source
	sourceByURL map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals:     make(map[string]*common.Signal),
		titleIndex:  make(map[string]string),
		edges:       make(map[string]*common.Edge),
		evidence:    make(map[string][]common.Evidence),
		pages:       make(map[string]*pageRecord),
		sources:     make(map[string]*common.Source),
		sourceByURL: make(map[string]string),
	}
}

func titleKey(normTitle string, kind common.SignalKind) string {
	return normTitle + "|" + string(kind)
}

func edgeKey(sourceID, targetID string) string {
	return sourceID + "|" + targetID
}

func copySignal(s *common.Signal) *common.Signal {
	cp := *s
	if s.Embedding != nil {
		cp.Embedding = make([]float32, len(s.Embedding))
		copy(cp.Embedding, s.Embedding)
	}
	if s.Modes != nil {
		cp.Modes = make(map[string]common.ModeState, len(s.Modes))
		for k, v := range s.Modes {
			cp.Modes[k] = v
		}
	}
	return &cp
}

func (m *MemoryStore) UpsertSignal(ctx context.Context, s *common.Signal) (*common.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := titleKey(store.NormalizeTitle(s.Title), s.Kind)
	if id, ok := m.titleIndex[key]; ok {
		existing := m.signals[id]
		// Merge-on-key: freshness advances, confidence only rises, set
		// properties are never blanked.
		if s.LastConfirmedActive.After(existing.LastConfirmedActive) {
			existing.LastConfirmedActive = s.LastConfirmedActive
		}
		if s.Confidence > existing.Confidence {
			existing.Confidence = s.Confidence
		}
		if existing.Summary == "" && s.Summary != "" {
			existing.Summary = s.Summary
		}
		if existing.Location == "" && s.Location != "" {
			existing.Location = s.Location
		}
		if existing.TimeInfo == "" && s.TimeInfo != "" {
			existing.TimeInfo = s.TimeInfo
		}
		if len(existing.Embedding) == 0 && len(s.Embedding) > 0 {
			existing.Embedding = append([]float32(nil), s.Embedding...)
		}
		return copySignal(existing), nil
	}

	cp := copySignal(s)
	if cp.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return nil, err
		}
		cp.ID = id
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.InvestigationState == "" {
		cp.InvestigationState = common.StateUninvestigated
	}
	m.signals[cp.ID] = cp
	m.titleIndex[key] = cp.ID
	return copySignal(cp), nil
}

func (m *MemoryStore) GetSignal(ctx context.Context, id string) (*common.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copySignal(s), nil
}

func (m *MemoryStore) FindSignalByTitle(ctx context.Context, normTitle string, kind common.SignalKind) (*common.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.titleIndex[titleKey(normTitle, kind)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copySignal(m.signals[id]), nil
}

func (m *MemoryStore) respondedCount(id string) int {
	count := 0
	for _, e := range m.edges {
		if e.TargetID == id && e.Type == common.EdgeRespondsTo {
			count++
		}
	}
	return count
}

func (m *MemoryStore) ListSignals(ctx context.Context, q store.SignalQuery) ([]common.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*common.Signal, 0)
	for _, s := range m.signals {
		if len(q.Kinds) > 0 && !containsKind(q.Kinds, s.Kind) {
			continue
		}
		if q.MinConfidence > 0 && s.Confidence < q.MinConfidence {
			continue
		}
		if q.MinHeat > 0 && s.CauseHeat < q.MinHeat {
			continue
		}
		if len(q.States) > 0 && !containsState(q.States, s.InvestigationState) {
			continue
		}
		if len(q.ExcludeStates) > 0 && containsState(q.ExcludeStates, s.InvestigationState) {
			continue
		}
		if q.ModeTag != "" && !q.ModeDueBefore.IsZero() {
			ms := s.Mode(q.ModeTag)
			if !ms.NextVisitAt.IsZero() && ms.NextVisitAt.After(q.ModeDueBefore) {
				continue
			}
		}
		matched = append(matched, s)
	}

	switch q.Order {
	case store.OrderHeatDesc:
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].CauseHeat > matched[j].CauseHeat
		})
	case store.OrderLeastResponded:
		sort.Slice(matched, func(i, j int) bool {
			return m.respondedCount(matched[i].ID) < m.respondedCount(matched[j].ID)
		})
	case store.OrderNewest:
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].LastConfirmedActive.After(matched[j].LastConfirmedActive)
		})
	default:
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].ID < matched[j].ID
		})
	}

	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]common.Signal, 0, len(matched))
	for _, s := range matched {
		cp := copySignal(s)
		if !q.WithEmbeddings {
			cp.Embedding = nil
		}
		out = append(out, *cp)
	}
	return out, nil
}

func (m *MemoryStore) RefreshSignal(ctx context.Context, id string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return store.ErrNotFound
	}
	if seenAt.After(s.LastConfirmedActive) {
		s.LastConfirmedActive = seenAt
	}
	return nil
}

func (m *MemoryStore) CorroborateSignal(ctx context.Context, id string, seenAt time.Time, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Corroborations++
	s.SourceDiversity++
	if seenAt.After(s.LastConfirmedActive) {
		s.LastConfirmedActive = seenAt
	}
	if confidence > s.Confidence {
		s.Confidence = confidence
	}
	return nil
}

func (m *MemoryStore) UpdateHeat(ctx context.Context, id string, heat float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return store.ErrNotFound
	}
	s.CauseHeat = heat
	return nil
}

func (m *MemoryStore) SetInvestigationState(ctx context.Context, id string, state common.InvestigationState, triage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return store.ErrNotFound
	}
	s.InvestigationState = state
	if triage != "" {
		s.TriageFlag = triage
	}
	return nil
}

func (m *MemoryStore) SetModeState(ctx context.Context, id string, tag string, ms common.ModeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return store.ErrNotFound
	}
	if s.Modes == nil {
		s.Modes = make(map[string]common.ModeState)
	}
	s.Modes[tag] = ms
	return nil
}

func (m *MemoryStore) NearestSignals(ctx context.Context, embedding []float32, floor float64, limit int) ([]store.SignalMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches := make([]store.SignalMatch, 0)
	for _, s := range m.signals {
		if len(s.Embedding) == 0 {
			continue
		}
		sim := store.CosineSimilarity(embedding, s.Embedding)
		if sim < floor {
			continue
		}
		matches = append(matches, store.SignalMatch{Signal: *copySignal(s), Similarity: sim})
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (m *MemoryStore) UpsertEdge(ctx context.Context, e *common.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := edgeKey(e.SourceID, e.TargetID)
	if existing, ok := m.edges[key]; ok {
		existing.MatchStrength = e.MatchStrength
		if e.Explanation != "" {
			existing.Explanation = e.Explanation
		}
		// A previously set gathering_type is never blanked by a later
		// write that omits it.
		if e.GatheringType != "" {
			existing.GatheringType = e.GatheringType
		}
		return nil
	}

	cp := *e
	if cp.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return err
		}
		cp.ID = id
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.edges[key] = &cp
	return nil
}

func (m *MemoryStore) ListEdgesTo(ctx context.Context, targetID string, t common.EdgeType) ([]common.Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]common.Edge, 0)
	for _, e := range m.edges {
		if e.TargetID == targetID && e.Type == t {
			out = append(out, *e)
		}
	}
	sortEdges(out)
	return out, nil
}

func (m *MemoryStore) ListEdgesFrom(ctx context.Context, sourceID string, t common.EdgeType) ([]common.Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]common.Edge, 0)
	for _, e := range m.edges {
		if e.SourceID == sourceID && e.Type == t {
			out = append(out, *e)
		}
	}
	sortEdges(out)
	return out, nil
}

func sortEdges(edges []common.Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].SourceID != edges[j].SourceID {
			return edges[i].SourceID < edges[j].SourceID
		}
		return edges[i].TargetID < edges[j].TargetID
	})
}

func (m *MemoryStore) AddEvidence(ctx context.Context, ev *common.Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	if cp.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return err
		}
		cp.ID = id
	}
	m.evidence[cp.SignalID] = append(m.evidence[cp.SignalID], cp)
	return nil
}

func (m *MemoryStore) CountEvidence(ctx context.Context, signalID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.evidence[signalID]), nil
}

func (m *MemoryStore) PageSeen(ctx context.Context, contentHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pages[contentHash]
	return ok, nil
}

func (m *MemoryStore) RecordPage(ctx context.Context, contentHash, url string, signalIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[contentHash] = &pageRecord{url: url, signalIDs: append([]string(nil), signalIDs...)}
	return nil
}

func (m *MemoryStore) RefreshPageSignals(ctx context.Context, contentHash string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[contentHash]
	if !ok {
		return store.ErrNotFound
	}
	for _, id := range page.signalIDs {
		if s, ok := m.signals[id]; ok && seenAt.After(s.LastConfirmedActive) {
			s.LastConfirmedActive = seenAt
		}
	}
	return nil
}

func (m *MemoryStore) UpsertSource(ctx context.Context, src *common.Source) (*common.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.TrimSpace(src.URL)
	if id, ok := m.sourceByURL[key]; ok {
		cp := *m.sources[id]
		return &cp, nil
	}

	cp := *src
	if cp.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return nil, err
		}
		cp.ID = id
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.QualityPenalty == 0 {
		cp.QualityPenalty = 1.0
	}
	m.sources[cp.ID] = &cp
	m.sourceByURL[key] = cp.ID
	out := cp
	return &out, nil
}

func (m *MemoryStore) GetSourceByURL(ctx context.Context, url string) (*common.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sourceByURL[strings.TrimSpace(url)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m.sources[id]
	return &cp, nil
}

func (m *MemoryStore) ListSources(ctx context.Context, q store.SourceQuery) ([]common.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]common.Source, 0, len(m.sources))
	for _, src := range m.sources {
		if q.ActiveOnly && !src.Active {
			continue
		}
		out = append(out, *src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateSource(ctx context.Context, src *common.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[src.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *src
	m.sources[src.ID] = &cp
	m.sourceByURL[strings.TrimSpace(src.URL)] = src.ID
	return nil
}

func (m *MemoryStore) RetireSource(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return store.ErrNotFound
	}
	src.Active = false
	return nil
}

func containsKind(kinds []common.SignalKind, k common.SignalKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func containsState(states []common.InvestigationState, s common.InvestigationState) bool {
	for _, state := range states {
		if state == s {
			return true
		}
	}
	return false
}
