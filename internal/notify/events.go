package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"oraculo/internal/order"
	"oraculo/pkg/contracts"
	"oraculo/pkg/messaging"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

type Inbox interface {
	Claim(ctx context.Context, eventID, eventType string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type OrderReader interface {
	Get(ctx context.Context, id uuid.UUID) (*order.Order, error)
}

// PaidHandler turns orders.status_changed events into payment receipts.
type PaidHandler struct {
	dispatcher *Dispatcher
	orders     OrderReader
	inbox      Inbox
	logger     *slog.Logger
}

func NewPaidHandler(d *Dispatcher, orders OrderReader, inbox Inbox, logger *slog.Logger) *PaidHandler {
	return &PaidHandler{dispatcher: d, orders: orders, inbox: inbox, logger: logger}
}

// HandleDelivery adapts HandleStatusChanged to a broker consumer.
func (h *PaidHandler) HandleDelivery(ctx context.Context, msg amqp091.Delivery) error {
	var evt contracts.OrderStatusChangedEvent
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return fmt.Errorf("%w: decode status event: %v", messaging.ErrDrop, err)
	}
	return h.HandleStatusChanged(ctx, evt)
}

func (h *PaidHandler) HandleStatusChanged(ctx context.Context, evt contracts.OrderStatusChangedEvent) error {
	if evt.Status != string(order.StatusPaid) {
		return nil
	}
	orderID, err := uuid.Parse(evt.OrderID)
	if err != nil {
		return fmt.Errorf("%w: invalid order id %q", messaging.ErrDrop, evt.OrderID)
	}

	first, err := h.inbox.Claim(ctx, evt.EventID, contracts.EventOrderStatusChanged)
	if err != nil {
		return err
	}
	if !first {
		h.logger.Debug("duplicate status event", "event_id", evt.EventID)
		return nil
	}

	o, err := h.orders.Get(ctx, orderID)
	if err != nil {
		if rerr := h.inbox.Release(ctx, evt.EventID); rerr != nil {
			h.logger.Error("release inbox", "event_id", evt.EventID, "err", rerr)
		}
		return fmt.Errorf("load order %s: %w", orderID, err)
	}

	summary := h.dispatcher.PaymentConfirmed(ctx, o)
	h.logger.Info("payment confirmation dispatched", "order_id", orderID, "delivered", summary.Delivered())
	return nil
}
