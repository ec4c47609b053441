package order

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrNotOwner        = errors.New("order belongs to another user")
	ErrProductNotFound = errors.New("product not found")
	ErrEmptyOrder      = errors.New("order has no items")
	ErrInvalidQuantity = errors.New("quantity must be between 1 and 99")
	ErrProofNotFound   = errors.New("payment proof not found")
	ErrProofReviewed   = errors.New("payment proof already reviewed")
	ErrForbidden       = errors.New("operation requires staff role")
)

const maxQuantity = 99

// Actor is whoever drives an operation: a customer or a staff member.
type Actor struct {
	ID    uuid.UUID
	Staff bool
}

type CreateItem struct {
	ProductID   uuid.UUID  `json:"product_id"`
	Quantity    int        `json:"quantity"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

type CreateInput struct {
	Items      []CreateItem `json:"items"`
	CouponCode string       `json:"coupon_code,omitempty"`
	Customer   Customer     `json:"customer"`
}

type ProofUpload struct {
	ContentType string
	Data        []byte
}

type Decision struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

type Service struct {
	store  Store
	files  FileStore
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, files FileStore, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		files:  files,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Create(ctx context.Context, userID uuid.UUID, in CreateInput) (*Order, error) {
	if len(in.Items) == 0 {
		return nil, ErrEmptyOrder
	}

	merged := make([]CreateItem, 0, len(in.Items))
	index := make(map[uuid.UUID]int, len(in.Items))
	ids := make([]uuid.UUID, 0, len(in.Items))
	for _, it := range in.Items {
		if it.Quantity <= 0 || it.Quantity > maxQuantity {
			return nil, ErrInvalidQuantity
		}
		if i, ok := index[it.ProductID]; ok && it.ScheduledAt == nil && merged[i].ScheduledAt == nil {
			merged[i].Quantity += it.Quantity
			if merged[i].Quantity > maxQuantity {
				return nil, ErrInvalidQuantity
			}
			continue
		}
		if _, seen := index[it.ProductID]; !seen {
			ids = append(ids, it.ProductID)
		}
		index[it.ProductID] = len(merged)
		merged = append(merged, it)
	}

	products, err := s.store.Products(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	now := s.now()
	o := &Order{
		ID:        uuid.New(),
		UserID:    userID,
		Status:    StatusPendingPayment,
		Customer:  in.Customer,
		CreatedAt: now,
		UpdatedAt: now,
	}

	subtotal := decimal.Zero
	for _, it := range merged {
		p, ok := products[it.ProductID]
		if !ok || !p.Active {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, it.ProductID)
		}
		item := Item{
			ProductID:   p.ID,
			ProductName: p.Name,
			UnitPrice:   p.Price,
			Quantity:    it.Quantity,
			ScheduledAt: it.ScheduledAt,
		}
		o.Items = append(o.Items, item)
		subtotal = subtotal.Add(item.Subtotal())
	}
	o.Subtotal = subtotal

	if code := normalizeCoupon(in.CouponCode); code != "" {
		c, err := s.store.Coupon(ctx, code)
		if err != nil {
			return nil, err
		}
		if err := c.Validate(now); err != nil {
			return nil, err
		}
		o.CouponCode = &code
		o.Discount = c.Discount(subtotal)
	}
	o.Total = o.Subtotal.Sub(o.Discount)

	if err := s.store.CreateOrder(ctx, o); err != nil {
		return nil, err
	}

	s.logger.Info("order created", "order_id", o.ID, "user_id", userID, "total", o.Total.StringFixed(2))

	// Nothing left to charge once a coupon covers the whole amount.
	if o.Total.IsZero() {
		change := StatusChange{OrderID: o.ID, UserID: o.UserID, From: StatusPendingPayment, To: StatusPaid, At: now, Reason: "fully discounted"}
		if err := s.store.UpdateStatus(ctx, change); err != nil {
			return nil, fmt.Errorf("settle free order: %w", err)
		}
		o.Status = StatusPaid
		o.PaidAt = &now
	}

	return o, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.store.GetOrder(ctx, id)
}

// GetVisible returns the order if actor owns it or is staff. Orders owned by
// someone else are reported as not found.
func (s *Service) GetVisible(ctx context.Context, actor Actor, id uuid.UUID) (*Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Staff && o.UserID != actor.ID {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	return s.store.ListOrders(ctx, userID)
}

// Transactions lists the payment attempts recorded for an order, oldest
// first.
func (s *Service) Transactions(ctx context.Context, orderID uuid.UUID) ([]Transaction, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.Transactions(ctx, orderID)
}

// RecordGatewayCharge stores the provider's answer for a freshly issued charge.
func (s *Service) RecordGatewayCharge(ctx context.Context, txn Transaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = s.now()
	}
	if txn.Status == "" {
		txn.Status = TransactionPending
	}
	return s.store.RecordTransaction(ctx, StatusPendingPayment, txn)
}

// UseManualPix moves a pending order onto the manual PIX path after the
// gateway could not be used.
func (s *Service) UseManualPix(ctx context.Context, userID, orderID uuid.UUID) (*Order, error) {
	o, err := s.owned(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusPendingPayment {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidTransition, o.Status)
	}

	txn := Transaction{
		ID:        uuid.New(),
		OrderID:   o.ID,
		Provider:  ProviderManual,
		Method:    MethodPix,
		Status:    TransactionPending,
		CreatedAt: s.now(),
	}
	if err := s.store.RecordTransaction(ctx, StatusPendingPayment, txn); err != nil {
		return nil, err
	}

	o.PaymentProvider = ProviderManual
	o.PaymentMethod = MethodPix
	s.logger.Info("order switched to manual pix", "order_id", o.ID)
	return o, nil
}

func (s *Service) SubmitProof(ctx context.Context, userID, orderID uuid.UUID, up ProofUpload) (*Proof, error) {
	o, err := s.owned(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(o.Status, StatusPaymentSubmitted); err != nil {
		return nil, err
	}

	now := s.now()
	p := Proof{
		ID:           uuid.New(),
		OrderID:      o.ID,
		ContentType:  up.ContentType,
		ReviewStatus: ReviewPending,
		CreatedAt:    now,
	}
	p.FileKey = fmt.Sprintf("proofs/%s/%s%s", o.ID, p.ID, extension(up.ContentType))

	if err := s.files.Put(ctx, p.FileKey, up.ContentType, bytes.NewReader(up.Data), int64(len(up.Data))); err != nil {
		return nil, fmt.Errorf("store proof file: %w", err)
	}

	change := StatusChange{OrderID: o.ID, UserID: o.UserID, From: o.Status, To: StatusPaymentSubmitted, At: now}
	if err := s.store.SubmitProof(ctx, p, change); err != nil {
		s.discardFile(ctx, p.FileKey)
		return nil, err
	}

	s.logger.Info("payment proof submitted", "order_id", o.ID, "proof_id", p.ID)
	return &p, nil
}

// discardFile removes an uploaded proof whose order moved on before the
// proof row could be written.
func (s *Service) discardFile(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.files.Delete(ctx, key); err != nil {
		s.logger.Warn("remove orphaned proof file", "key", key, "err", err)
	}
}

func (s *Service) GetProof(ctx context.Context, id uuid.UUID) (*Proof, error) {
	return s.store.GetProof(ctx, id)
}

func (s *Service) ListProofs(ctx context.Context, status ReviewStatus) ([]Proof, error) {
	return s.store.ListProofs(ctx, status)
}

// ReviewProof applies a staff decision to a pending proof and its order.
func (s *Service) ReviewProof(ctx context.Context, staff Actor, proofID uuid.UUID, d Decision) (*Order, *Proof, error) {
	if !staff.Staff {
		return nil, nil, ErrForbidden
	}

	p, err := s.store.GetProof(ctx, proofID)
	if err != nil {
		return nil, nil, err
	}
	if p.ReviewStatus != ReviewPending {
		return nil, nil, ErrProofReviewed
	}

	o, err := s.store.GetOrder(ctx, p.OrderID)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	target, review := StatusRejected, ReviewRejected
	if d.Approve {
		target, review = StatusPaid, ReviewApproved
	}
	if err := checkTransition(o.Status, target); err != nil {
		return nil, nil, err
	}

	reviewer := staff.ID
	p.ReviewStatus = review
	p.ReviewedBy = &reviewer
	p.ReviewedAt = &now
	if !d.Approve {
		p.RejectionReason = strings.TrimSpace(d.Reason)
	}

	change := StatusChange{OrderID: o.ID, UserID: o.UserID, From: o.Status, To: target, At: now, Reason: p.RejectionReason}
	if err := s.store.ReviewProof(ctx, *p, change); err != nil {
		return nil, nil, err
	}

	o.Status = target
	o.UpdatedAt = now
	if d.Approve {
		o.PaidAt = &now
	}

	s.logger.Info("payment proof reviewed", "order_id", o.ID, "proof_id", p.ID, "decision", review, "staff_id", staff.ID)
	return o, p, nil
}

// ConfirmGatewayPayment marks an order paid after the provider confirmed the
// charge. Repeated confirmations for an already paid order are no-ops.
func (s *Service) ConfirmGatewayPayment(ctx context.Context, orderID uuid.UUID, chargeID string) (*Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == StatusPaid {
		return o, nil
	}
	if err := checkTransition(o.Status, StatusPaid); err != nil {
		return nil, err
	}

	now := s.now()
	change := StatusChange{OrderID: o.ID, UserID: o.UserID, From: o.Status, To: StatusPaid, At: now, Reason: "gateway confirmed"}
	if err := s.store.ConfirmGatewayPayment(ctx, change, chargeID); err != nil {
		return nil, err
	}

	o.Status = StatusPaid
	o.PaidAt = &now
	o.UpdatedAt = now
	s.logger.Info("gateway payment confirmed", "order_id", o.ID, "charge_id", chargeID)
	return o, nil
}

func (s *Service) Cancel(ctx context.Context, actor Actor, orderID uuid.UUID) (*Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.Staff && o.UserID != actor.ID {
		return nil, ErrNotOwner
	}
	return s.transition(ctx, o, StatusCancelled, "")
}

func (s *Service) Refund(ctx context.Context, staff Actor, orderID uuid.UUID, reason string) (*Order, error) {
	if !staff.Staff {
		return nil, ErrForbidden
	}
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, o, StatusRefunded, reason)
}

func (s *Service) transition(ctx context.Context, o *Order, to Status, reason string) (*Order, error) {
	if err := checkTransition(o.Status, to); err != nil {
		return nil, err
	}
	now := s.now()
	change := StatusChange{OrderID: o.ID, UserID: o.UserID, From: o.Status, To: to, At: now, Reason: reason}
	if err := s.store.UpdateStatus(ctx, change); err != nil {
		return nil, err
	}
	o.Status = to
	o.UpdatedAt = now
	s.logger.Info("order status changed", "order_id", o.ID, "from", change.From, "to", to)
	return o, nil
}

func (s *Service) owned(ctx context.Context, userID, orderID uuid.UUID) (*Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrNotOwner
	}
	return o, nil
}

func normalizeCoupon(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "application/pdf":
		return ".pdf"
	}
	return ""
}
