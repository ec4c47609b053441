package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"oraculo/internal/auth"
	"oraculo/internal/interpret"
	"oraculo/internal/notify"
	"oraculo/internal/payment"
)

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req payment.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.fail(w, r, payment.NewError(payment.CodeInvalidRequest, http.StatusBadRequest, "invalid JSON body"))
		return
	}

	pay, err := s.deps.Payments.CreatePayment(r.Context(), p.Actor(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "payment": pay})
}

func (s *Server) interpret(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Interpreter.Decode(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	text, err := s.deps.Interpreter.Interpret(r.Context(), req)
	if err != nil {
		if errors.Is(err, interpret.ErrLLMNotConfigured) {
			s.fail(w, r, err)
			return
		}
		s.logger.Error("interpretation failed", "type", req.Type(), "err", err)
		s.fail(w, r, payment.NewError(payment.CodeProviderError, http.StatusBadGateway, "interpretation service unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "type": req.Type(), "interpretation": text})
}

func (s *Server) confirmConsultation(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req notify.Consultation
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil || json.Unmarshal(body, &req) != nil {
		s.fail(w, r, badRequest("invalid JSON body"))
		return
	}
	if req.CustomerName == "" || req.Service == "" || req.StartsAt.IsZero() {
		s.fail(w, r, badRequest("customer_name, service and starts_at are required"))
		return
	}
	if req.StartsAt.Before(time.Now().Add(-24 * time.Hour)) {
		s.fail(w, r, badRequest("starts_at is in the past"))
		return
	}

	summary := s.deps.Notifier.ConfirmConsultation(r.Context(), req)
	s.logger.Info("consultation confirmed", "order_id", req.OrderID, "staff_id", p.UserID, "delivered", summary.Delivered())
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "delivered": summary.Delivered(), "results": summary.Results})
}

func (s *Server) pagarmeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.fail(w, r, badRequest("unreadable body"))
		return
	}
	if err := s.deps.Webhook.Handle(r.Context(), r.Header.Get(payment.SignatureHeader), body); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
