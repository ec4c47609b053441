package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Inbox records consumed broker events so redeliveries are skipped.
type Inbox struct {
	pool *pgxpool.Pool
}

func NewInbox(pool *pgxpool.Pool) *Inbox {
	return &Inbox{pool: pool}
}

// Claim reports true the first time eventID is seen.
func (i *Inbox) Claim(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := i.pool.Exec(ctx, `
		INSERT INTO notification_inbox (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return false, fmt.Errorf("insert inbox: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release forgets eventID so a redelivery is processed again.
func (i *Inbox) Release(ctx context.Context, eventID string) error {
	if _, err := i.pool.Exec(ctx, `DELETE FROM notification_inbox WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("delete inbox: %w", err)
	}
	return nil
}
