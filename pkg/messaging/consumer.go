package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. A nil error acks it; an error requeues it
// once and drops it on the second failure.
type Handler func(ctx context.Context, msg amqp091.Delivery) error

// ErrDrop marks a delivery that can never succeed, such as a malformed body.
var ErrDrop = errors.New("drop message")

type Consumer struct {
	conn   *amqp091.Connection
	queue  string
	types  map[string]bool
	logger *slog.Logger
}

// NewRabbitConsumer binds a durable queue to the exchange. When types is
// non-empty only deliveries of those event types reach the handler; the
// rest are acked and skipped.
func NewRabbitConsumer(url, exchange, queue string, types []string, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declareExchange(ch, exchange); err != nil {
		conn.Close()
		return nil, err
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(
		queue,
		"",
		exchange,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	return &Consumer{
		conn:   conn,
		queue:  queue,
		types:  typeSet(types),
		logger: logger,
	}, nil
}

func typeSet(types []string) map[string]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

func (c *Consumer) Start(ctx context.Context, handler Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(32, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume queue: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = ch.Cancel("", false)
		ch.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Info("consumer channel closed", "queue", c.queue)
				return nil
			}
			c.deliver(ctx, msg, handler)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, msg amqp091.Delivery, handler Handler) {
	if c.types != nil && !c.types[msg.Type] {
		_ = msg.Ack(false)
		return
	}

	err := handler(ctx, msg)
	switch {
	case err == nil:
		_ = msg.Ack(false)
	case errors.Is(err, ErrDrop) || msg.Redelivered:
		c.logger.Error("dropping message", "queue", c.queue, "type", msg.Type, "message_id", msg.MessageId, "err", err)
		_ = msg.Nack(false, false)
	default:
		c.logger.Warn("requeue message", "queue", c.queue, "type", msg.Type, "message_id", msg.MessageId, "err", err)
		_ = msg.Nack(false, true)
	}
}

func (c *Consumer) Close() error {
	return c.conn.Close()
}
