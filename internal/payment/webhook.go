package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"oraculo/internal/order"

	"github.com/google/uuid"
)

const SignatureHeader = "X-Hub-Signature-256"

type Confirmer interface {
	ConfirmGatewayPayment(ctx context.Context, orderID uuid.UUID, chargeID string) (*order.Order, error)
}

// Webhook verifies and applies provider callbacks.
type Webhook struct {
	secret []byte
	orders Confirmer
	logger *slog.Logger
}

func NewWebhook(secret string, orders Confirmer, logger *slog.Logger) *Webhook {
	return &Webhook{secret: []byte(secret), orders: orders, logger: logger}
}

type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		ID       string            `json:"id"`
		Code     string            `json:"code"`
		Status   string            `json:"status"`
		Metadata map[string]string `json:"metadata"`
		Order    *struct {
			ID       string            `json:"id"`
			Code     string            `json:"code"`
			Metadata map[string]string `json:"metadata"`
		} `json:"order"`
		Charges []struct {
			ID string `json:"id"`
		} `json:"charges"`
	} `json:"data"`
}

// Handle checks the signature of body and confirms the order on paid events.
// Events about unknown orders or orders that can no longer be paid are
// acknowledged so the provider stops retrying.
func (w *Webhook) Handle(ctx context.Context, signature string, body []byte) error {
	if !w.verify(signature, body) {
		return NewError(CodeUnauthorized, http.StatusUnauthorized, "invalid webhook signature")
	}

	var evt webhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return NewError(CodeInvalidRequest, http.StatusBadRequest, "malformed webhook payload")
	}

	var code, chargeID string
	switch evt.Type {
	case "order.paid":
		code = firstNonEmpty(evt.Data.Code, evt.Data.Metadata["order_id"])
		if len(evt.Data.Charges) > 0 {
			chargeID = evt.Data.Charges[0].ID
		}
	case "charge.paid":
		chargeID = evt.Data.ID
		if evt.Data.Order != nil {
			code = firstNonEmpty(evt.Data.Order.Code, evt.Data.Order.Metadata["order_id"])
		}
		code = firstNonEmpty(code, evt.Data.Metadata["order_id"])
	default:
		w.logger.Debug("webhook ignored", "event_id", evt.ID, "type", evt.Type)
		return nil
	}

	orderID, err := uuid.Parse(code)
	if err != nil {
		w.logger.Warn("webhook without order reference", "event_id", evt.ID, "type", evt.Type, "code", code)
		return nil
	}

	_, err = w.orders.ConfirmGatewayPayment(ctx, orderID, chargeID)
	switch {
	case err == nil:
		w.logger.Info("webhook confirmed payment", "event_id", evt.ID, "order_id", orderID, "charge_id", chargeID)
		return nil
	case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, order.ErrInvalidTransition):
		w.logger.Warn("webhook not applied", "event_id", evt.ID, "order_id", orderID, "err", err)
		return nil
	default:
		w.logger.Error("webhook confirm payment", "event_id", evt.ID, "order_id", orderID, "err", err)
		return errInternal()
	}
}

func (w *Webhook) verify(signature string, body []byte) bool {
	if len(w.secret) == 0 {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, w.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the header value a sender with secret would attach to body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
