package pgx

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/store"
)

func (s *SignalDBStore) UpsertEdge(ctx context.Context, e *common.Edge) error {
	id := e.ID
	if id == "" {
		var err error
		id, err = newID()
		if err != nil {
			return err
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO edges (id, source_id, target_id, type, gathering_type, match_strength, explanation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (source_id, target_id) DO UPDATE SET
			match_strength = EXCLUDED.match_strength,
			explanation = COALESCE(NULLIF(EXCLUDED.explanation, ''), edges.explanation),
			gathering_type = COALESCE(NULLIF(EXCLUDED.gathering_type, ''), edges.gathering_type)`,
		id, e.SourceID, e.TargetID, e.Type, e.GatheringType, e.MatchStrength, e.Explanation,
	)
	return err
}

const edgeColumns = `id, source_id, target_id, type, gathering_type, match_strength, explanation, created_at`

func scanEdges(rows pgx.Rows) ([]common.Edge, error) {
	defer rows.Close()
	out := make([]common.Edge, 0)
	for rows.Next() {
		var e common.Edge
		err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Type,
			&e.GatheringType, &e.MatchStrength, &e.Explanation, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SignalDBStore) ListEdgesTo(ctx context.Context, targetID string, t common.EdgeType) ([]common.Edge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE target_id = $1 AND type = $2 ORDER BY source_id`,
		targetID, t,
	)
	if err != nil {
		return nil, err
	}
	return scanEdges(rows)
}

func (s *SignalDBStore) ListEdgesFrom(ctx context.Context, sourceID string, t common.EdgeType) ([]common.Edge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE source_id = $1 AND type = $2 ORDER BY target_id`,
		sourceID, t,
	)
	if err != nil {
		return nil, err
	}
	return scanEdges(rows)
}

func (s *SignalDBStore) AddEvidence(ctx context.Context, ev *common.Evidence) error {
	id := ev.ID
	if id == "" {
		var err error
		id, err = newID()
		if err != nil {
			return err
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO evidence (id, signal_id, source_url, content_hash, snapshot_key, retrieved_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, ev.SignalID, ev.SourceURL, ev.ContentHash, ev.SnapshotKey, ev.RetrievedAt,
	)
	return err
}

func (s *SignalDBStore) CountEvidence(ctx context.Context, signalID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM evidence WHERE signal_id = $1`, signalID,
	).Scan(&count)
	return count, err
}

func (s *SignalDBStore) PageSeen(ctx context.Context, contentHash string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pages WHERE content_hash = $1)`, contentHash,
	).Scan(&seen)
	return seen, err
}

func (s *SignalDBStore) RecordPage(ctx context.Context, contentHash, url string, signalIDs []string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pages (content_hash, url, signal_ids, first_seen_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (content_hash) DO UPDATE SET signal_ids = EXCLUDED.signal_ids`,
		contentHash, url, signalIDs,
	)
	return err
}

func (s *SignalDBStore) RefreshPageSignals(ctx context.Context, contentHash string, seenAt time.Time) error {
	var signalIDs []string
	err := s.pool.QueryRow(ctx,
		`SELECT signal_ids FROM pages WHERE content_hash = $1`, contentHash,
	).Scan(&signalIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if len(signalIDs) == 0 {
		return nil
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE signals
		SET last_confirmed_active = GREATEST(last_confirmed_active, $2)
		WHERE id = ANY($1)`,
		signalIDs, seenAt,
	)
	return err
}
