package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"oraculo/internal/auth"
	"oraculo/internal/interpret"
	"oraculo/internal/order"
	"oraculo/internal/payment"
	"oraculo/internal/proofs"
)

type errorBody struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fail writes err using the envelope of the route: /functions/ callers
// get success:false on top of the code and message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := s.classify(r, err)
	body := errorBody{Error: string(e.Code), Message: e.Message, Reason: e.Reason}
	if strings.HasPrefix(r.URL.Path, "/functions/") {
		f := false
		body.Success = &f
	}
	writeJSON(w, e.Status, body)
}

func (s *Server) classify(r *http.Request, err error) *payment.Error {
	var pe *payment.Error
	if errors.As(err, &pe) {
		if pe.Status == 0 {
			pe.Status = http.StatusInternalServerError
		}
		return pe
	}

	switch {
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return payment.NewError(payment.CodeUnauthorized, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, order.ErrNotOwner), errors.Is(err, order.ErrForbidden):
		return payment.NewError(payment.CodeUnauthorized, http.StatusForbidden, err.Error())
	case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, order.ErrProofNotFound), errors.Is(err, proofs.ErrFileNotFound):
		return payment.NewError(payment.CodeOrderNotFound, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrProofReviewed):
		return payment.NewError(payment.CodeInvalidStatus, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrProductNotFound),
		errors.Is(err, order.ErrEmptyOrder),
		errors.Is(err, order.ErrInvalidQuantity),
		errors.Is(err, order.ErrCouponNotFound),
		errors.Is(err, order.ErrCouponInactive),
		errors.Is(err, order.ErrCouponExpired),
		errors.Is(err, order.ErrCouponExhausted),
		errors.Is(err, interpret.ErrInvalid),
		errors.Is(err, proofs.ErrEmpty),
		errors.Is(err, errBadRequest):
		return payment.NewError(payment.CodeInvalidRequest, http.StatusBadRequest, err.Error())
	case errors.Is(err, proofs.ErrTooLarge):
		return payment.NewError(payment.CodeInvalidRequest, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, proofs.ErrUnsupported):
		return payment.NewError(payment.CodeInvalidRequest, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, interpret.ErrLLMNotConfigured), errors.Is(err, errPixNotConfigured):
		e := payment.NewError(payment.CodeProviderError, http.StatusInternalServerError, "service not configured")
		e.Reason = payment.ReasonNotConfigured
		return e
	}

	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	return payment.NewError(payment.CodeInternal, http.StatusInternalServerError, "internal error")
}

var (
	errBadRequest       = errors.New("malformed request")
	errPixNotConfigured = errors.New("manual pix key not configured")
)

func badRequest(msg string) error {
	return &wrapped{msg: msg, err: errBadRequest}
}

type wrapped struct {
	msg string
	err error
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.err }
