// Package observer follows an order from the buyer's side until it is paid
// or reaches a final status.
// It merges the realtime feed with a periodic re-read of the order; both
// report the same server-side status, so whichever sees a change first wins.
package observer

import (
	"context"
	"log/slog"
	"time"

	"oraculo/internal/order"

	"github.com/google/uuid"
)

const DefaultInterval = 5 * time.Second

// Subscriber opens a push feed of status values for one order. The channel
// is closed when the feed ends or ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, orderID uuid.UUID) (<-chan order.Status, error)
}

// Poller reads the current status of an order.
type Poller interface {
	Status(ctx context.Context, orderID uuid.UUID) (order.Status, error)
}

type Options struct {
	// Poll enables the periodic re-read. It is on only while the buyer waits
	// for an automatic PIX confirmation.
	Poll     bool
	Interval time.Duration
}

type Observer struct {
	sub    Subscriber
	poller Poller
	logger *slog.Logger
}

func New(sub Subscriber, poller Poller, logger *slog.Logger) *Observer {
	return &Observer{sub: sub, poller: poller, logger: logger}
}

// Watch emits each distinct status of orderID. The returned channel is closed
// after paid or a terminal status has been emitted, when ctx is done, or when
// no source is left.
func (o *Observer) Watch(ctx context.Context, orderID uuid.UUID, opts Options) <-chan order.Status {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	out := make(chan order.Status, 1)
	ctx, cancel := context.WithCancel(ctx)

	var feed <-chan order.Status
	if o.sub != nil {
		ch, err := o.sub.Subscribe(ctx, orderID)
		if err != nil {
			o.logger.Warn("status subscription unavailable, relying on polling", "order_id", orderID, "err", err)
		} else {
			feed = ch
		}
	}

	var tick <-chan time.Time
	var ticker *time.Ticker
	if opts.Poll && o.poller != nil {
		ticker = time.NewTicker(opts.Interval)
		tick = ticker.C
	}

	go func() {
		defer close(out)
		defer cancel()
		if ticker != nil {
			defer ticker.Stop()
		}

		var last order.Status
		emit := func(s order.Status) bool {
			if s == "" || s == last {
				return true
			}
			last = s
			select {
			case out <- s:
			case <-ctx.Done():
				return false
			}
			return s != order.StatusPaid && !s.Terminal()
		}

		for {
			if feed == nil && tick == nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case s, ok := <-feed:
				if !ok {
					feed = nil
					continue
				}
				if !emit(s) {
					return
				}
			case <-tick:
				s, err := o.poller.Status(ctx, orderID)
				if err != nil {
					if ctx.Err() == nil {
						o.logger.Warn("poll order status", "order_id", orderID, "err", err)
					}
					continue
				}
				if !emit(s) {
					return
				}
			}
		}
	}()

	return out
}
