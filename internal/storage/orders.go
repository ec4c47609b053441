package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"oraculo/internal/order"
	"oraculo/pkg/contracts"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OrderStore is the Postgres implementation of order.Store.
type OrderStore struct {
	pool *pgxpool.Pool
}

func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

var _ order.Store = (*OrderStore)(nil)

const orderColumns = `
	id, user_id, subtotal, discount, total, status, payment_provider, payment_method,
	coupon_code, customer_name, customer_email, customer_phone, customer_document,
	created_at, updated_at, paid_at`

func scanOrder(row pgx.Row) (*order.Order, error) {
	var o order.Order
	err := row.Scan(
		&o.ID, &o.UserID, &o.Subtotal, &o.Discount, &o.Total, &o.Status, &o.PaymentProvider, &o.PaymentMethod,
		&o.CouponCode, &o.Customer.Name, &o.Customer.Email, &o.Customer.Phone, &o.Customer.Document,
		&o.CreatedAt, &o.UpdatedAt, &o.PaidAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *OrderStore) Products(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]order.Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, price, active
		FROM products
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	result := make(map[uuid.UUID]order.Product, len(ids))
	for rows.Next() {
		var p order.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	return result, rows.Err()
}

func (s *OrderStore) Coupon(ctx context.Context, code string) (*order.Coupon, error) {
	var c order.Coupon
	err := s.pool.QueryRow(ctx, `
		SELECT code, discount_type, discount_value, max_uses, used_count, expires_at, active
		FROM coupons
		WHERE code = $1`, code,
	).Scan(&c.Code, &c.DiscountType, &c.DiscountValue, &c.MaxUses, &c.UsedCount, &c.ExpiresAt, &c.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	return &c, nil
}

func (s *OrderStore) CreateOrder(ctx context.Context, o *order.Order) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if o.CouponCode != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE coupons
			SET used_count = used_count + 1
			WHERE code = $1 AND (max_uses IS NULL OR used_count < max_uses)`,
			*o.CouponCode)
		if err != nil {
			return fmt.Errorf("increment coupon: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return order.ErrCouponExhausted
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (
			id, user_id, subtotal, discount, total, status, payment_provider, payment_method,
			coupon_code, customer_name, customer_email, customer_phone, customer_document,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		o.ID, o.UserID, o.Subtotal, o.Discount, o.Total, o.Status, o.PaymentProvider, o.PaymentMethod,
		o.CouponCode, o.Customer.Name, o.Customer.Email, o.Customer.Phone, o.Customer.Document,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, it := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, unit_price, quantity, scheduled_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			o.ID, it.ProductID, it.ProductName, it.UnitPrice, it.Quantity, it.ScheduledAt,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	event := contracts.OrderCreatedEvent{
		EventID:   uuid.New().String(),
		OrderID:   o.ID.String(),
		UserID:    o.UserID.String(),
		Total:     o.Total.StringFixed(2),
		CreatedAt: o.CreatedAt,
	}
	if err := insertOutbox(ctx, tx, event.EventID, contracts.EventOrderCreated, event); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *OrderStore) GetOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT product_id, product_name, unit_price, quantity, scheduled_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it order.Item
		if err := rows.Scan(&it.ProductID, &it.ProductName, &it.UnitPrice, &it.Quantity, &it.ScheduledAt); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

func (s *OrderStore) ListOrders(ctx context.Context, userID uuid.UUID) ([]order.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var result []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

func (s *OrderStore) UpdateStatus(ctx context.Context, change order.StatusChange) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := applyStatus(ctx, tx, change); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *OrderStore) RecordTransaction(ctx context.Context, expected order.Status, txn order.Transaction) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET payment_provider = $2, payment_method = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		txn.OrderID, txn.Provider, txn.Method, expected,
	)
	if err != nil {
		return fmt.Errorf("update order payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrTransition(ctx, tx, txn.OrderID)
	}

	if err := insertTransaction(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *OrderStore) ConfirmGatewayPayment(ctx context.Context, change order.StatusChange, chargeID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := applyStatus(ctx, tx, change); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE payment_transactions
		SET status = $3, updated_at = NOW()
		WHERE order_id = $1 AND status = $4 AND ($2 = '' OR provider_charge_id = $2)`,
		change.OrderID, chargeID, order.TransactionPaid, order.TransactionPending,
	)
	if err != nil {
		return fmt.Errorf("update transactions: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *OrderStore) Transactions(ctx context.Context, orderID uuid.UUID) ([]order.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, provider, method, status, provider_transaction_id, provider_charge_id, raw_response, created_at
		FROM payment_transactions
		WHERE order_id = $1
		ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var result []order.Transaction
	for rows.Next() {
		var t order.Transaction
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Provider, &t.Method, &t.Status,
			&t.ProviderTransactionID, &t.ProviderChargeID, &t.RawResponse, &t.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *OrderStore) SubmitProof(ctx context.Context, p order.Proof, change order.StatusChange) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := applyStatus(ctx, tx, change); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payment_proofs (id, order_id, file_key, content_type, review_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.OrderID, p.FileKey, p.ContentType, p.ReviewStatus, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert proof: %w", err)
	}
	return tx.Commit(ctx)
}

const proofColumns = `id, order_id, file_key, content_type, review_status, reviewed_by, reviewed_at, rejection_reason, created_at`

func scanProof(row pgx.Row) (*order.Proof, error) {
	var p order.Proof
	if err := row.Scan(&p.ID, &p.OrderID, &p.FileKey, &p.ContentType, &p.ReviewStatus,
		&p.ReviewedBy, &p.ReviewedAt, &p.RejectionReason, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *OrderStore) GetProof(ctx context.Context, id uuid.UUID) (*order.Proof, error) {
	p, err := scanProof(s.pool.QueryRow(ctx, `SELECT `+proofColumns+` FROM payment_proofs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrProofNotFound
		}
		return nil, fmt.Errorf("get proof: %w", err)
	}
	return p, nil
}

func (s *OrderStore) ListProofs(ctx context.Context, status order.ReviewStatus) ([]order.Proof, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+proofColumns+`
		FROM payment_proofs
		WHERE review_status = $1
		ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("query proofs: %w", err)
	}
	defer rows.Close()

	var result []order.Proof
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *OrderStore) ReviewProof(ctx context.Context, p order.Proof, change order.StatusChange) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE payment_proofs
		SET review_status = $2, reviewed_by = $3, reviewed_at = $4, rejection_reason = $5
		WHERE id = $1 AND review_status = $6`,
		p.ID, p.ReviewStatus, p.ReviewedBy, p.ReviewedAt, p.RejectionReason, order.ReviewPending,
	)
	if err != nil {
		return fmt.Errorf("update proof: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrProofReviewed
	}

	if err := applyStatus(ctx, tx, change); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// applyStatus performs the compare-and-swap on orders.status and queues the
// change event in the outbox.
func applyStatus(ctx context.Context, tx pgx.Tx, change order.StatusChange) error {
	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $3,
		    updated_at = $4,
		    paid_at = CASE WHEN $3 = 'paid' THEN $4 ELSE paid_at END
		WHERE id = $1 AND status = $2`,
		change.OrderID, change.From, change.To, change.At,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, change.OrderID).Scan(&exists); err != nil {
			return fmt.Errorf("check order: %w", err)
		}
		if !exists {
			return order.ErrOrderNotFound
		}
		return fmt.Errorf("%w: order is no longer %s", order.ErrInvalidTransition, change.From)
	}

	event := change.Event()
	return insertOutbox(ctx, tx, event.EventID, contracts.EventOrderStatusChanged, event)
}

func (s *OrderStore) missingOrTransition(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) error {
	var status order.Status
	err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.ErrOrderNotFound
		}
		return fmt.Errorf("check order: %w", err)
	}
	return fmt.Errorf("%w: order is %s", order.ErrInvalidTransition, status)
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t order.Transaction) error {
	var raw any
	if len(t.RawResponse) > 0 {
		raw = t.RawResponse
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO payment_transactions (
			id, order_id, provider, method, status, provider_transaction_id, provider_charge_id, raw_response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.OrderID, t.Provider, t.Method, t.Status, t.ProviderTransactionID, t.ProviderChargeID, raw, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, eventID, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO order_outbox (event_id, event_type, payload)
		VALUES ($1, $2, $3)`,
		eventID, eventType, body,
	)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
