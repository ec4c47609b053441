package payment

import (
	"fmt"
	"net/http"
)

type Code string

const (
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeInvalidRequest    Code = "INVALID_REQUEST"
	CodeInvalidMethod     Code = "INVALID_METHOD"
	CodeOrderNotFound     Code = "ORDER_NOT_FOUND"
	CodeInvalidStatus     Code = "INVALID_STATUS"
	CodeProviderError     Code = "PROVIDER_ERROR"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal          Code = "INTERNAL_ERROR"
)

const (
	// ReasonNotConfigured marks a PROVIDER_ERROR caused by missing credentials.
	ReasonNotConfigured = "NOT_CONFIGURED"
	// ReasonGatewayRejected marks an INVALID_REQUEST the provider refused,
	// as opposed to one rejected by our own validation.
	ReasonGatewayRejected = "GATEWAY_REJECTED"
)

// Error is the structured failure returned to callers of the payment
// functions. Message is safe to show to end users.
type Error struct {
	Code    Code   `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Reason  string `json:"reason,omitempty"`
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// GatewayFailure reports whether the provider, not the caller, caused the
// error. Checkout falls back to manual PIX on these.
func (e *Error) GatewayFailure() bool {
	return e.Code == CodeProviderError || e.Reason == ReasonGatewayRejected
}

func NewError(code Code, status int, msg string) *Error {
	return &Error{Code: code, Status: status, Message: msg}
}

func errUnauthorized() *Error {
	return NewError(CodeUnauthorized, http.StatusUnauthorized, "authentication required")
}

func errNotOwner() *Error {
	return NewError(CodeUnauthorized, http.StatusForbidden, "order does not belong to the caller")
}

func errOrderNotFound() *Error {
	return NewError(CodeOrderNotFound, http.StatusNotFound, "order not found")
}

func errInternal() *Error {
	return NewError(CodeInternal, http.StatusInternalServerError, "internal error")
}
