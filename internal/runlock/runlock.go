// Package runlock guards against overlapping cycles. A timer-triggered
// cycle and a queue-triggered one racing each other would double-spend
// the budget and double-scrape every due source, so only one runs.
package runlock

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrBusy means another worker holds the cycle lock right now.
var ErrBusy = errors.New("cycle already running")

// cycleLockKey is the advisory lock key shared by every worker on the
// same database.
const cycleLockKey = int64(0x70756c7365)

type Guard struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Guard {
	return &Guard{pool: pool}
}

// WithCycle runs fn while holding the cycle lock. Advisory locks are
// session-scoped, so the pool connection is pinned until fn returns.
func (g *Guard) WithCycle(ctx context.Context, fn func(ctx context.Context) error) error {
	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", cycleLockKey).Scan(&acquired); err != nil {
		return err
	}
	if !acquired {
		return ErrBusy
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", cycleLockKey)
	}()

	return fn(ctx)
}
