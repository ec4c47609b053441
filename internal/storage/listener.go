package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const orderStatusChannel = "order_status"

type StatusNotification struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// Listener forwards pg_notify events raised by the orders trigger. It sees
// every status write, including ones made outside this service.
type Listener struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	retry  time.Duration
}

func NewListener(pool *pgxpool.Pool, logger *slog.Logger) *Listener {
	return &Listener{pool: pool, logger: logger, retry: 2 * time.Second}
}

// Run blocks until ctx is done, reconnecting after connection failures.
func (l *Listener) Run(ctx context.Context, handle func(StatusNotification)) {
	for {
		err := l.listen(ctx, handle)
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn("order status listener stopped, reconnecting", "err", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.retry):
		}
	}
}

func (l *Listener) listen(ctx context.Context, handle func(StatusNotification)) error {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	// A listening session must not go back to the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+orderStatusChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.logger.Info("listening for order status changes", "channel", orderStatusChannel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var msg StatusNotification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			l.logger.Error("invalid status notification", "payload", n.Payload, "err", err)
			continue
		}
		handle(msg)
	}
}
