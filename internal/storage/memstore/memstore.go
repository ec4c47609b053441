// Package memstore keeps orders in process memory. It backs local
// development (STORE_DRIVER=memory) and the package tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"oraculo/internal/order"
	"oraculo/pkg/contracts"

	"github.com/google/uuid"
)

type Store struct {
	mu           sync.Mutex
	products     map[uuid.UUID]order.Product
	coupons      map[string]*order.Coupon
	orders       map[uuid.UUID]*order.Order
	transactions []order.Transaction
	proofs       map[uuid.UUID]*order.Proof
	events       []contracts.OrderStatusChangedEvent
	writes       int
	hits         map[window]int
	inbox        map[string]bool
	onChange     func(orderID uuid.UUID, status order.Status)
}

var _ order.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		products: make(map[uuid.UUID]order.Product),
		coupons:  make(map[string]*order.Coupon),
		orders:   make(map[uuid.UUID]*order.Order),
		proofs:   make(map[uuid.UUID]*order.Proof),
		hits:     make(map[window]int),
		inbox:    make(map[string]bool),
	}
}

// OnStatusChange registers fn to be called after every status write, the
// in-memory counterpart of the Postgres notification trigger.
func (s *Store) OnStatusChange(fn func(orderID uuid.UUID, status order.Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Store) AddProduct(p order.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *Store) AddCoupon(c order.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coupons[c.Code] = &c
}

// PutOrder stores o as-is, bypassing lifecycle checks. Tests use it to seed
// orders in arbitrary states.
func (s *Store) PutOrder(o order.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = &o
}

// SetStatus overwrites the status like an out-of-band writer would.
func (s *Store) SetStatus(id uuid.UUID, status order.Status) {
	s.mu.Lock()
	o, ok := s.orders[id]
	if ok {
		o.Status = status
	}
	fn := s.onChange
	s.mu.Unlock()
	if ok && fn != nil {
		fn(id, status)
	}
}

// Writes counts mutating calls that succeeded.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Store) Events() []contracts.OrderStatusChangedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contracts.OrderStatusChangedEvent(nil), s.events...)
}

func (s *Store) CouponUses(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.coupons[code]; ok {
		return c.UsedCount
	}
	return 0
}

func (s *Store) Products(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]order.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]order.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) Coupon(_ context.Context, code string) (*order.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coupons[code]
	if !ok {
		return nil, order.ErrCouponNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) CreateOrder(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.CouponCode != nil {
		c, ok := s.coupons[*o.CouponCode]
		if !ok {
			return order.ErrCouponNotFound
		}
		if c.MaxUses != nil && c.UsedCount >= *c.MaxUses {
			return order.ErrCouponExhausted
		}
		c.UsedCount++
	}

	cp := cloneOrder(o)
	s.orders[o.ID] = cp
	s.writes++
	return nil
}

func (s *Store) GetOrder(_ context.Context, id uuid.UUID) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) ListOrders(_ context.Context, userID uuid.UUID) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []order.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateStatus(_ context.Context, change order.StatusChange) error {
	s.mu.Lock()
	err := s.applyStatus(change)
	fn := s.onChange
	s.mu.Unlock()
	s.notify(err, fn, change)
	return err
}

func (s *Store) RecordTransaction(_ context.Context, expected order.Status, txn order.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[txn.OrderID]
	if !ok {
		return order.ErrOrderNotFound
	}
	if o.Status != expected {
		return fmt.Errorf("%w: order is %s", order.ErrInvalidTransition, o.Status)
	}
	o.PaymentProvider = txn.Provider
	o.PaymentMethod = txn.Method
	s.transactions = append(s.transactions, txn)
	s.writes++
	return nil
}

func (s *Store) ConfirmGatewayPayment(_ context.Context, change order.StatusChange, chargeID string) error {
	s.mu.Lock()
	err := s.applyStatus(change)
	if err == nil {
		for i := range s.transactions {
			t := &s.transactions[i]
			if t.OrderID == change.OrderID && t.Status == order.TransactionPending && (chargeID == "" || t.ProviderChargeID == chargeID) {
				t.Status = order.TransactionPaid
			}
		}
	}
	fn := s.onChange
	s.mu.Unlock()
	s.notify(err, fn, change)
	return err
}

func (s *Store) Transactions(_ context.Context, orderID uuid.UUID) ([]order.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []order.Transaction
	for _, t := range s.transactions {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) SubmitProof(_ context.Context, p order.Proof, change order.StatusChange) error {
	s.mu.Lock()
	err := s.applyStatus(change)
	if err == nil {
		s.proofs[p.ID] = &p
	}
	fn := s.onChange
	s.mu.Unlock()
	s.notify(err, fn, change)
	return err
}

func (s *Store) GetProof(_ context.Context, id uuid.UUID) (*order.Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proofs[id]
	if !ok {
		return nil, order.ErrProofNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListProofs(_ context.Context, status order.ReviewStatus) ([]order.Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []order.Proof
	for _, p := range s.proofs {
		if p.ReviewStatus == status {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ReviewProof(_ context.Context, p order.Proof, change order.StatusChange) error {
	s.mu.Lock()
	stored, ok := s.proofs[p.ID]
	var err error
	switch {
	case !ok:
		err = order.ErrProofNotFound
	case stored.ReviewStatus != order.ReviewPending:
		err = order.ErrProofReviewed
	default:
		err = s.applyStatus(change)
		if err == nil {
			cp := p
			s.proofs[p.ID] = &cp
		}
	}
	fn := s.onChange
	s.mu.Unlock()
	s.notify(err, fn, change)
	return err
}

// Increment implements the rate limiter counter for memory mode.
func (s *Store) Increment(_ context.Context, key string, windowStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := window{key: key, start: windowStart.UnixNano()}
	s.hits[w]++
	return s.hits[w], nil
}

func (s *Store) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for w := range s.hits {
		if w.start < before.UnixNano() {
			delete(s.hits, w)
			n++
		}
	}
	return n, nil
}

func (s *Store) Claim(_ context.Context, eventID, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbox[eventID] {
		return false, nil
	}
	s.inbox[eventID] = true
	return true, nil
}

func (s *Store) Release(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inbox, eventID)
	return nil
}

type window struct {
	key   string
	start int64
}

func (s *Store) applyStatus(change order.StatusChange) error {
	o, ok := s.orders[change.OrderID]
	if !ok {
		return order.ErrOrderNotFound
	}
	if o.Status != change.From {
		return fmt.Errorf("%w: order is no longer %s", order.ErrInvalidTransition, change.From)
	}
	o.Status = change.To
	o.UpdatedAt = change.At
	if change.To == order.StatusPaid {
		at := change.At
		o.PaidAt = &at
	}
	s.events = append(s.events, change.Event())
	s.writes++
	return nil
}

func (s *Store) notify(err error, fn func(uuid.UUID, order.Status), change order.StatusChange) {
	if err == nil && fn != nil {
		fn(change.OrderID, change.To)
	}
}

func cloneOrder(o *order.Order) *order.Order {
	cp := *o
	cp.Items = append([]order.Item(nil), o.Items...)
	return &cp
}
