package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RateCounter backs the fixed-window limiter with the rate_limit_hit function.
type RateCounter struct {
	pool *pgxpool.Pool
}

func NewRateCounter(pool *pgxpool.Pool) *RateCounter {
	return &RateCounter{pool: pool}
}

func (c *RateCounter) Increment(ctx context.Context, key string, windowStart time.Time) (int, error) {
	var hits int
	if err := c.pool.QueryRow(ctx, `SELECT rate_limit_hit($1, $2)`, key, windowStart).Scan(&hits); err != nil {
		return 0, fmt.Errorf("rate limit hit: %w", err)
	}
	return hits, nil
}

func (c *RateCounter) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := c.pool.Exec(ctx, `DELETE FROM rate_limits WHERE window_start < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune rate limits: %w", err)
	}
	return tag.RowsAffected(), nil
}
