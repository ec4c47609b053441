package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"oraculo/internal/gateway"
	"oraculo/internal/metrics"
	"oraculo/internal/order"

	"github.com/google/uuid"
)

const (
	MethodPix  = "pix"
	MethodCard = "card"

	maxDescription = 256
)

// Orders is the slice of order.Service the adapter needs.
type Orders interface {
	Get(ctx context.Context, id uuid.UUID) (*order.Order, error)
	RecordGatewayCharge(ctx context.Context, txn order.Transaction) error
}

type Gateway interface {
	Name() string
	Configured() bool
	CreatePixOrder(ctx context.Context, in gateway.PixOrder) (*gateway.PixCharge, error)
}

type Request struct {
	OrderID string `json:"order_id"`
	Method  string `json:"method"`
}

// Payment is the provider-neutral answer handed back to the checkout.
type Payment struct {
	Provider      string     `json:"provider"`
	Method        string     `json:"method"`
	TransactionID string     `json:"transaction_id"`
	ChargeID      string     `json:"charge_id,omitempty"`
	QRCodeURL     string     `json:"qr_code_url,omitempty"`
	PixCopyPaste  string     `json:"pix_copy_paste,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

type Adapter struct {
	orders  Orders
	gateway Gateway
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewAdapter(orders Orders, gw Gateway, logger *slog.Logger, m *metrics.Metrics) *Adapter {
	return &Adapter{orders: orders, gateway: gw, logger: logger, metrics: m}
}

// CreatePayment issues a gateway charge for one of the caller's pending
// orders. Every failure is an *Error; nothing is written unless the provider
// accepted the charge.
func (a *Adapter) CreatePayment(ctx context.Context, actor order.Actor, req Request) (*Payment, error) {
	if actor.ID == uuid.Nil {
		return nil, errUnauthorized()
	}

	switch strings.ToLower(strings.TrimSpace(req.Method)) {
	case MethodPix:
	case MethodCard:
		return nil, NewError(CodeInvalidMethod, http.StatusBadRequest, "card payments are not implemented")
	default:
		return nil, NewError(CodeInvalidMethod, http.StatusBadRequest, fmt.Sprintf("unsupported payment method %q", req.Method))
	}

	orderID, err := uuid.Parse(strings.TrimSpace(req.OrderID))
	if err != nil {
		return nil, NewError(CodeInvalidRequest, http.StatusBadRequest, "order_id must be a valid id")
	}

	o, err := a.orders.Get(ctx, orderID)
	if errors.Is(err, order.ErrOrderNotFound) {
		return nil, errOrderNotFound()
	}
	if err != nil {
		a.logger.Error("load order", "order_id", orderID, "err", err)
		return nil, errInternal()
	}
	if o.UserID != actor.ID {
		return nil, errNotOwner()
	}
	if o.Status != order.StatusPendingPayment {
		return nil, NewError(CodeInvalidStatus, http.StatusBadRequest, fmt.Sprintf("order is %s, payment can only be created for pending orders", o.Status))
	}

	if !a.gateway.Configured() {
		a.observe("not_configured")
		return nil, &Error{
			Code:    CodeProviderError,
			Status:  http.StatusInternalServerError,
			Message: "payment provider is not configured",
			Reason:  ReasonNotConfigured,
		}
	}

	charge, err := a.gateway.CreatePixOrder(ctx, pixOrderFor(o))
	if err != nil {
		return nil, a.gatewayError(o.ID, err)
	}
	a.observe("ok")

	txn := order.Transaction{
		OrderID:               o.ID,
		Provider:              a.gateway.Name(),
		Method:                MethodPix,
		Status:                order.TransactionPending,
		ProviderTransactionID: charge.TransactionID,
		ProviderChargeID:      charge.ChargeID,
		RawResponse:           charge.Raw,
	}
	if err := a.orders.RecordGatewayCharge(ctx, txn); err != nil {
		if errors.Is(err, order.ErrInvalidTransition) {
			return nil, NewError(CodeInvalidStatus, http.StatusBadRequest, "order changed while the payment was being created")
		}
		a.logger.Error("record gateway charge", "order_id", o.ID, "charge_id", charge.ChargeID, "err", err)
		return nil, errInternal()
	}

	a.logger.Info("pix charge created", "order_id", o.ID, "charge_id", charge.ChargeID, "amount_cents", order.Cents(o.Total))

	out := &Payment{
		Provider:      a.gateway.Name(),
		Method:        MethodPix,
		TransactionID: charge.TransactionID,
		ChargeID:      charge.ChargeID,
		QRCodeURL:     charge.QRCodeURL,
		PixCopyPaste:  charge.QRCode,
	}
	if !charge.ExpiresAt.IsZero() {
		exp := charge.ExpiresAt.UTC()
		out.ExpiresAt = &exp
	}
	return out, nil
}

func (a *Adapter) gatewayError(orderID uuid.UUID, err error) *Error {
	var gerr *gateway.Error
	switch {
	case errors.Is(err, gateway.ErrNotConfigured):
		a.observe("not_configured")
		return &Error{Code: CodeProviderError, Status: http.StatusInternalServerError, Message: "payment provider is not configured", Reason: ReasonNotConfigured}
	case errors.As(err, &gerr) && gerr.Kind == gateway.KindInvalidRequest:
		a.observe("rejected")
		a.logger.Warn("gateway rejected pix order", "order_id", orderID, "status", gerr.Status, "err", gerr.Message)
		return &Error{Code: CodeInvalidRequest, Status: http.StatusBadRequest, Message: "payment provider rejected the request", Reason: ReasonGatewayRejected}
	default:
		a.observe("error")
		a.logger.Error("gateway call failed", "order_id", orderID, "err", err)
		return &Error{Code: CodeProviderError, Status: http.StatusInternalServerError, Message: "payment provider is unavailable, try manual PIX"}
	}
}

func (a *Adapter) observe(outcome string) {
	if a.metrics != nil {
		a.metrics.GatewayRequests.WithLabelValues(outcome).Inc()
	}
}

func pixOrderFor(o *order.Order) gateway.PixOrder {
	items := make([]gateway.Item, 0, len(o.Items))
	names := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, gateway.Item{
			Code:        it.ProductID.String(),
			Description: it.ProductName,
			AmountCents: order.Cents(it.UnitPrice),
			Quantity:    it.Quantity,
		})
		names = append(names, it.ProductName)
	}

	return gateway.PixOrder{
		Code:        o.ID.String(),
		AmountCents: order.Cents(o.Total),
		Description: describe(o.ID, names),
		Items:       items,
		Customer: gateway.Customer{
			Name:     o.Customer.Name,
			Email:    o.Customer.Email,
			Document: o.Customer.Document,
			Phone:    o.Customer.Phone,
		},
	}
}

func describe(id uuid.UUID, names []string) string {
	d := "Pedido #" + strings.ToUpper(id.String()[:8])
	if len(names) > 0 {
		d += " - " + strings.Join(names, ", ")
	}
	if r := []rune(d); len(r) > maxDescription {
		d = string(r[:maxDescription-3]) + "..."
	}
	return d
}
