package order

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPendingPayment   Status = "pending_payment"
	StatusPaymentSubmitted Status = "payment_submitted"
	StatusPaid             Status = "paid"
	StatusRejected         Status = "rejected"
	StatusCancelled        Status = "cancelled"
	StatusRefunded         Status = "refunded"
)

const (
	ProviderManual  = "manual"
	ProviderPagarme = "pagarme"

	MethodPix = "pix"
)

type Order struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Discount        decimal.Decimal `json:"discount"`
	Total           decimal.Decimal `json:"total"`
	Status          Status          `json:"status"`
	PaymentProvider string          `json:"payment_provider,omitempty"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	CouponCode      *string         `json:"coupon_code,omitempty"`
	Customer        Customer        `json:"customer"`
	Items           []Item          `json:"items,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
}

type Customer struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	Document string `json:"document,omitempty"`
}

// Item is a snapshot of the catalog row at purchase time.
type Item struct {
	ProductID   uuid.UUID       `json:"product_id"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
}

func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Product struct {
	ID     uuid.UUID       `json:"id"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Active bool            `json:"active"`
}

type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionPaid    TransactionStatus = "paid"
	TransactionFailed  TransactionStatus = "failed"
)

type Transaction struct {
	ID                    uuid.UUID         `json:"id"`
	OrderID               uuid.UUID         `json:"order_id"`
	Provider              string            `json:"provider"`
	Method                string            `json:"method"`
	Status                TransactionStatus `json:"status"`
	ProviderTransactionID string            `json:"provider_transaction_id,omitempty"`
	ProviderChargeID      string            `json:"provider_charge_id,omitempty"`
	RawResponse           json.RawMessage   `json:"raw_response,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
}

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

type Proof struct {
	ID              uuid.UUID    `json:"id"`
	OrderID         uuid.UUID    `json:"order_id"`
	FileKey         string       `json:"file_key"`
	ContentType     string       `json:"content_type"`
	ReviewStatus    ReviewStatus `json:"review_status"`
	ReviewedBy      *uuid.UUID   `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time   `json:"reviewed_at,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Cents converts a decimal amount into integer minor units.
func Cents(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
