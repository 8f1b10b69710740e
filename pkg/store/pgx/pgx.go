// Package pgx implements store.SignalStore on PostgreSQL with pgvector.
// All writes are upserts keyed on stable identity so concurrent workers
// converge to single rows.
package pgx

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// SignalDBStore holds the connection pool. It is safe for concurrent use.
type SignalDBStore struct {
	pool *pgxpool.Pool
}

// NewSignalDBStore creates a store over an existing pool. The caller owns
// the pool lifecycle.
func NewSignalDBStore(pool *pgxpool.Pool) *SignalDBStore {
	return &SignalDBStore{pool: pool}
}

func newID() (string, error) {
	return gonanoid.New()
}

// Ping verifies connectivity, used by the worker on startup.
func (s *SignalDBStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
