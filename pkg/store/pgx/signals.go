package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/store"
)

const signalColumns = `id, kind, title, summary, source_url, confidence,
	last_confirmed_active, embedding, location, time_info, cause_heat,
	investigation_state, triage_flag, corroborations, source_diversity,
	modes, created_at`

func scanSignal(row pgx.Row) (*common.Signal, error) {
	var (
		sig      common.Signal
		embed    *pgvector.Vector
		modesRaw []byte
	)
	err := row.Scan(
		&sig.ID, &sig.Kind, &sig.Title, &sig.Summary, &sig.SourceURL,
		&sig.Confidence, &sig.LastConfirmedActive, &embed, &sig.Location,
		&sig.TimeInfo, &sig.CauseHeat, &sig.InvestigationState,
		&sig.TriageFlag, &sig.Corroborations, &sig.SourceDiversity,
		&modesRaw, &sig.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if embed != nil {
		sig.Embedding = embed.Slice()
	}
	if len(modesRaw) > 0 {
		if err := json.Unmarshal(modesRaw, &sig.Modes); err != nil {
			return nil, fmt.Errorf("decode modes for signal %s: %w", sig.ID, err)
		}
	}
	return &sig, nil
}

func (s *SignalDBStore) UpsertSignal(ctx context.Context, sig *common.Signal) (*common.Signal, error) {
	id := sig.ID
	if id == "" {
		var err error
		id, err = newID()
		if err != nil {
			return nil, err
		}
	}

	var embed *pgvector.Vector
	if len(sig.Embedding) > 0 {
		v := pgvector.NewVector(sig.Embedding)
		embed = &v
	}

	state := sig.InvestigationState
	if state == "" {
		state = common.StateUninvestigated
	}

	// On conflict the row keeps its identity and counters; freshness
	// advances, confidence only rises, set properties survive empties.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO signals (
			id, kind, title, title_key, summary, source_url, confidence,
			last_confirmed_active, embedding, location, time_info,
			investigation_state, modes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, '{}'::jsonb, now())
		ON CONFLICT (title_key, kind) DO UPDATE SET
			last_confirmed_active = GREATEST(signals.last_confirmed_active, EXCLUDED.last_confirmed_active),
			confidence = GREATEST(signals.confidence, EXCLUDED.confidence),
			summary = COALESCE(NULLIF(signals.summary, ''), EXCLUDED.summary),
			location = COALESCE(NULLIF(signals.location, ''), EXCLUDED.location),
			time_info = COALESCE(NULLIF(signals.time_info, ''), EXCLUDED.time_info),
			embedding = COALESCE(signals.embedding, EXCLUDED.embedding)
		RETURNING `+signalColumns,
		id, sig.Kind, sig.Title, store.NormalizeTitle(sig.Title), sig.Summary,
		sig.SourceURL, sig.Confidence, sig.LastConfirmedActive, embed,
		sig.Location, sig.TimeInfo, state,
	)
	return scanSignal(row)
}

func (s *SignalDBStore) GetSignal(ctx context.Context, id string) (*common.Signal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = $1`, id)
	return scanSignal(row)
}

func (s *SignalDBStore) FindSignalByTitle(ctx context.Context, normTitle string, kind common.SignalKind) (*common.Signal, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE title_key = $1 AND kind = $2`,
		normTitle, kind,
	)
	return scanSignal(row)
}

func (s *SignalDBStore) ListSignals(ctx context.Context, q store.SignalQuery) ([]common.Signal, error) {
	conds := make([]string, 0, 6)
	args := make([]interface{}, 0, 6)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(q.Kinds) > 0 {
		kinds := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			kinds[i] = string(k)
		}
		conds = append(conds, "kind = ANY("+arg(kinds)+")")
	}
	if q.MinConfidence > 0 {
		conds = append(conds, "confidence >= "+arg(q.MinConfidence))
	}
	if q.MinHeat > 0 {
		conds = append(conds, "cause_heat >= "+arg(q.MinHeat))
	}
	if len(q.States) > 0 {
		states := make([]string, len(q.States))
		for i, st := range q.States {
			states[i] = string(st)
		}
		conds = append(conds, "investigation_state = ANY("+arg(states)+")")
	}
	if len(q.ExcludeStates) > 0 {
		states := make([]string, len(q.ExcludeStates))
		for i, st := range q.ExcludeStates {
			states[i] = string(st)
		}
		conds = append(conds, "NOT (investigation_state = ANY("+arg(states)+"))")
	}
	if q.ModeTag != "" && !q.ModeDueBefore.IsZero() {
		tag := arg(q.ModeTag)
		conds = append(conds,
			"(modes -> "+tag+" IS NULL OR (modes -> "+tag+" ->> 'next_visit_at')::timestamptz <= "+arg(q.ModeDueBefore)+")")
	}

	query := `SELECT ` + signalColumns + ` FROM signals`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	switch q.Order {
	case store.OrderHeatDesc:
		query += " ORDER BY cause_heat DESC"
	case store.OrderLeastResponded:
		query += ` ORDER BY (
			SELECT count(*) FROM edges e
			WHERE e.target_id = signals.id AND e.type = 'RESPONDS_TO'
		) ASC`
	case store.OrderNewest:
		query += " ORDER BY last_confirmed_active DESC"
	default:
		query += " ORDER BY id"
	}

	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]common.Signal, 0)
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		if !q.WithEmbeddings {
			sig.Embedding = nil
		}
		out = append(out, *sig)
	}
	return out, rows.Err()
}

func (s *SignalDBStore) RefreshSignal(ctx context.Context, id string, seenAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE signals
		SET last_confirmed_active = GREATEST(last_confirmed_active, $2)
		WHERE id = $1`,
		id, seenAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SignalDBStore) CorroborateSignal(ctx context.Context, id string, seenAt time.Time, confidence float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE signals SET
			corroborations = corroborations + 1,
			source_diversity = source_diversity + 1,
			last_confirmed_active = GREATEST(last_confirmed_active, $2),
			confidence = GREATEST(confidence, $3)
		WHERE id = $1`,
		id, seenAt, confidence,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SignalDBStore) UpdateHeat(ctx context.Context, id string, heat float64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE signals SET cause_heat = $2 WHERE id = $1`, id, heat)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SignalDBStore) SetInvestigationState(ctx context.Context, id string, state common.InvestigationState, triage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE signals SET
			investigation_state = $2,
			triage_flag = CASE WHEN $3 <> '' THEN $3 ELSE triage_flag END
		WHERE id = $1`,
		id, state, triage,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SignalDBStore) SetModeState(ctx context.Context, id string, tag string, ms common.ModeState) error {
	raw, err := json.Marshal(ms)
	if err != nil {
		return err
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE signals
		SET modes = jsonb_set(COALESCE(modes, '{}'::jsonb), ARRAY[$2::text], $3::jsonb)
		WHERE id = $1`,
		id, tag, raw,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SignalDBStore) NearestSignals(ctx context.Context, embedding []float32, floor float64, limit int) ([]store.SignalMatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+signalColumns+`, 1 - (embedding <=> $1) AS similarity
		FROM signals
		WHERE embedding IS NOT NULL
		  AND 1 - (embedding <=> $1) >= $2
		ORDER BY embedding <=> $1
		LIMIT $3`,
		pgvector.NewVector(embedding), floor, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.SignalMatch, 0, limit)
	for rows.Next() {
		var (
			sig      common.Signal
			embed    *pgvector.Vector
			modesRaw []byte
			sim      float64
		)
		err := rows.Scan(
			&sig.ID, &sig.Kind, &sig.Title, &sig.Summary, &sig.SourceURL,
			&sig.Confidence, &sig.LastConfirmedActive, &embed, &sig.Location,
			&sig.TimeInfo, &sig.CauseHeat, &sig.InvestigationState,
			&sig.TriageFlag, &sig.Corroborations, &sig.SourceDiversity,
			&modesRaw, &sig.CreatedAt, &sim,
		)
		if err != nil {
			return nil, err
		}
		if embed != nil {
			sig.Embedding = embed.Slice()
		}
		if len(modesRaw) > 0 {
			if err := json.Unmarshal(modesRaw, &sig.Modes); err != nil {
				return nil, fmt.Errorf("decode modes for signal %s: %w", sig.ID, err)
			}
		}
		out = append(out, store.SignalMatch{Signal: sig, Similarity: sim})
	}
	return out, rows.Err()
}
