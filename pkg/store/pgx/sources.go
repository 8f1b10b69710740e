package pgx

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/store"
)

const sourceColumns = `id, url, category, weight, curated, active, quality_penalty,
	consecutive_empty, total_scrapes, total_signals, tension_signals,
	corroborated_signals, last_scraped_at, last_yield_at, created_at`

func scanSource(row pgx.Row) (*common.Source, error) {
	var src common.Source
	err := row.Scan(
		&src.ID, &src.URL, &src.Category, &src.Weight, &src.Curated,
		&src.Active, &src.QualityPenalty, &src.ConsecutiveEmpty,
		&src.TotalScrapes, &src.TotalSignals, &src.TensionSignals,
		&src.CorroboratedSignals, &src.LastScrapedAt, &src.LastYieldAt,
		&src.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &src, nil
}

func (s *SignalDBStore) UpsertSource(ctx context.Context, src *common.Source) (*common.Source, error) {
	id := src.ID
	if id == "" {
		var err error
		id, err = newID()
		if err != nil {
			return nil, err
		}
	}

	penalty := src.QualityPenalty
	if penalty == 0 {
		penalty = 1.0
	}

	// An existing row keeps everything it has learned; re-registering a
	// known URL is a no-op beyond returning the canonical row.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sources (
			id, url, category, weight, curated, active, quality_penalty,
			last_scraped_at, last_yield_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (url) DO UPDATE SET url = EXCLUDED.url
		RETURNING `+sourceColumns,
		id, strings.TrimSpace(src.URL), src.Category, src.Weight,
		src.Curated, src.Active, penalty, src.LastScrapedAt, src.LastYieldAt,
	)
	return scanSource(row)
}

func (s *SignalDBStore) GetSourceByURL(ctx context.Context, url string) (*common.Source, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE url = $1`, strings.TrimSpace(url))
	return scanSource(row)
}

func (s *SignalDBStore) ListSources(ctx context.Context, q store.SourceQuery) ([]common.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources`
	args := make([]interface{}, 0, 1)
	if q.ActiveOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += ` LIMIT $1`
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]common.Source, 0)
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *src)
	}
	return out, rows.Err()
}

func (s *SignalDBStore) UpdateSource(ctx context.Context, src *common.Source) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sources SET
			url = $2, category = $3, weight = $4, curated = $5, active = $6,
			quality_penalty = $7, consecutive_empty = $8, total_scrapes = $9,
			total_signals = $10, tension_signals = $11,
			corroborated_signals = $12, last_scraped_at = $13, last_yield_at = $14
		WHERE id = $1`,
		src.ID, strings.TrimSpace(src.URL), src.Category, src.Weight,
		src.Curated, src.Active, src.QualityPenalty, src.ConsecutiveEmpty,
		src.TotalScrapes, src.TotalSignals, src.TensionSignals,
		src.CorroboratedSignals, src.LastScrapedAt, src.LastYieldAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SignalDBStore) RetireSource(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sources SET active = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
