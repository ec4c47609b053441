package order

import (
	"context"
	"io"
	"time"

	"oraculo/pkg/contracts"

	"github.com/google/uuid"
)

// Store persists orders and everything hanging off them. Every method that
// changes an order's status must apply the change only if the row is still in
// StatusChange.From, and must return ErrInvalidTransition otherwise.
type Store interface {
	Products(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Product, error)
	Coupon(ctx context.Context, code string) (*Coupon, error)

	// CreateOrder inserts the order with its items. When the order carries a
	// coupon the usage counter is incremented in the same transaction and
	// ErrCouponExhausted is returned if the limit was already reached.
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID) ([]Order, error)
	UpdateStatus(ctx context.Context, change StatusChange) error

	// RecordTransaction sets the order's provider and method and inserts the
	// transaction, provided the order is still in expected.
	RecordTransaction(ctx context.Context, expected Status, txn Transaction) error
	ConfirmGatewayPayment(ctx context.Context, change StatusChange, chargeID string) error
	Transactions(ctx context.Context, orderID uuid.UUID) ([]Transaction, error)

	SubmitProof(ctx context.Context, p Proof, change StatusChange) error
	GetProof(ctx context.Context, id uuid.UUID) (*Proof, error)
	ListProofs(ctx context.Context, status ReviewStatus) ([]Proof, error)
	ReviewProof(ctx context.Context, p Proof, change StatusChange) error
}

// FileStore keeps uploaded proof files.
type FileStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
}

type StatusChange struct {
	OrderID uuid.UUID
	UserID  uuid.UUID
	From    Status
	To      Status
	At      time.Time
	Reason  string
}

func (c StatusChange) Event() contracts.OrderStatusChangedEvent {
	return contracts.OrderStatusChangedEvent{
		EventID:    uuid.New().String(),
		OrderID:    c.OrderID.String(),
		UserID:     c.UserID.String(),
		FromStatus: string(c.From),
		Status:     string(c.To),
		Reason:     c.Reason,
		ChangedAt:  c.At,
	}
}
