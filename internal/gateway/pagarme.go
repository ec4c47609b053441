package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	ProviderPagarme = "pagarme"

	defaultBaseURL   = "https://api.pagar.me/core/v5"
	defaultPixExpiry = 30 * time.Minute
	maxErrorBody     = 4096
)

var ErrNotConfigured = errors.New("payment provider not configured")

type Kind string

const (
	KindInvalidRequest Kind = "INVALID_REQUEST"
	KindProvider       Kind = "PROVIDER_ERROR"
)

// Error is a failed call to the provider. Kind separates requests the
// provider refused from provider or transport failures.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("pagarme: %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("pagarme: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

type Customer struct {
	Name     string
	Email    string
	Document string
	Phone    string
}

type Item struct {
	Code        string
	Description string
	AmountCents int64
	Quantity    int
}

type PixOrder struct {
	Code        string
	AmountCents int64
	Description string
	Items       []Item
	Customer    Customer
	ExpiresIn   time.Duration
}

type PixCharge struct {
	Provider      string
	OrderID       string
	ChargeID      string
	TransactionID string
	Status        string
	QRCode        string
	QRCodeURL     string
	ExpiresAt     time.Time
	Raw           json.RawMessage
}

type Pagarme struct {
	secretKey string
	baseURL   string
	expiresIn time.Duration
	client    *http.Client
}

type Option func(*Pagarme)

func WithBaseURL(u string) Option {
	return func(p *Pagarme) { p.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Pagarme) { p.client = c }
}

func WithPixExpiry(d time.Duration) Option {
	return func(p *Pagarme) {
		if d > 0 {
			p.expiresIn = d
		}
	}
}

func NewPagarme(secretKey string, opts ...Option) *Pagarme {
	p := &Pagarme{
		secretKey: secretKey,
		baseURL:   defaultBaseURL,
		expiresIn: defaultPixExpiry,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pagarme) Name() string { return ProviderPagarme }

func (p *Pagarme) Configured() bool { return p.secretKey != "" }

type pagarmeOrderRequest struct {
	Code     string            `json:"code"`
	Items    []pagarmeItem     `json:"items"`
	Customer pagarmeCustomer   `json:"customer"`
	Payments []pagarmePayment  `json:"payments"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Closed   bool              `json:"closed"`
}

type pagarmeItem struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	Code        string `json:"code,omitempty"`
}

type pagarmeCustomer struct {
	Name     string         `json:"name"`
	Email    string         `json:"email"`
	Type     string         `json:"type"`
	Document string         `json:"document,omitempty"`
	Phones   *pagarmePhones `json:"phones,omitempty"`
}

type pagarmePhones struct {
	Mobile pagarmePhone `json:"mobile_phone"`
}

type pagarmePhone struct {
	CountryCode string `json:"country_code"`
	AreaCode    string `json:"area_code"`
	Number      string `json:"number"`
}

type pagarmePayment struct {
	PaymentMethod string     `json:"payment_method"`
	Pix           pagarmePix `json:"pix"`
}

type pagarmePix struct {
	ExpiresIn int64 `json:"expires_in"`
}

type pagarmeOrderResponse struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Status  string `json:"status"`
	Charges []struct {
		ID              string `json:"id"`
		Status          string `json:"status"`
		LastTransaction struct {
			ID        string    `json:"id"`
			Status    string    `json:"status"`
			QRCode    string    `json:"qr_code"`
			QRCodeURL string    `json:"qr_code_url"`
			ExpiresAt time.Time `json:"expires_at"`
		} `json:"last_transaction"`
	} `json:"charges"`
}

type pagarmeError struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

// CreatePixOrder issues a closed order with a single PIX payment.
func (p *Pagarme) CreatePixOrder(ctx context.Context, in PixOrder) (*PixCharge, error) {
	if !p.Configured() {
		return nil, ErrNotConfigured
	}
	if in.AmountCents <= 0 {
		return nil, &Error{Kind: KindInvalidRequest, Message: "amount must be positive"}
	}

	expires := in.ExpiresIn
	if expires <= 0 {
		expires = p.expiresIn
	}

	items := make([]pagarmeItem, 0, len(in.Items))
	for _, it := range in.Items {
		items = append(items, pagarmeItem{Amount: it.AmountCents, Description: it.Description, Quantity: it.Quantity, Code: it.Code})
	}
	// The provider checks items against the charged amount, so discounts are
	// folded into a single line when they do not add up.
	if len(items) == 0 || sumItems(items) != in.AmountCents {
		items = []pagarmeItem{{Amount: in.AmountCents, Description: in.Description, Quantity: 1, Code: in.Code}}
	}

	body := pagarmeOrderRequest{
		Code:     in.Code,
		Items:    items,
		Customer: toPagarmeCustomer(in.Customer),
		Payments: []pagarmePayment{{
			PaymentMethod: "pix",
			Pix:           pagarmePix{ExpiresIn: int64(expires.Seconds())},
		}},
		Metadata: map[string]string{"order_id": in.Code},
		Closed:   true,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal pagarme order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/orders", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build pagarme request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(p.secretKey+":")))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindProvider, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindProvider, Status: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode >= 300 {
		return nil, responseError(resp.StatusCode, raw)
	}

	var out pagarmeOrderResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &Error{Kind: KindProvider, Status: resp.StatusCode, Message: "decode response", Err: err}
	}
	if len(out.Charges) == 0 {
		return nil, &Error{Kind: KindProvider, Status: resp.StatusCode, Message: "response has no charges"}
	}

	charge := out.Charges[0]
	if charge.Status == "failed" || charge.LastTransaction.QRCode == "" {
		return nil, &Error{Kind: KindProvider, Status: resp.StatusCode, Message: "pix charge was not issued"}
	}

	return &PixCharge{
		Provider:      ProviderPagarme,
		OrderID:       out.ID,
		ChargeID:      charge.ID,
		TransactionID: charge.LastTransaction.ID,
		Status:        charge.Status,
		QRCode:        charge.LastTransaction.QRCode,
		QRCodeURL:     charge.LastTransaction.QRCodeURL,
		ExpiresAt:     charge.LastTransaction.ExpiresAt,
		Raw:           json.RawMessage(raw),
	}, nil
}

func responseError(status int, raw []byte) *Error {
	kind := KindProvider
	if status >= 400 && status < 500 && status != http.StatusUnauthorized && status != http.StatusTooManyRequests {
		kind = KindInvalidRequest
	}

	msg := http.StatusText(status)
	var perr pagarmeError
	if err := json.Unmarshal(raw, &perr); err == nil && perr.Message != "" {
		msg = perr.Message
	} else if len(raw) > 0 {
		if len(raw) > maxErrorBody {
			raw = raw[:maxErrorBody]
		}
		msg = strings.TrimSpace(string(raw))
	}
	return &Error{Kind: kind, Status: status, Message: msg}
}

func toPagarmeCustomer(c Customer) pagarmeCustomer {
	out := pagarmeCustomer{
		Name:     c.Name,
		Email:    c.Email,
		Type:     "individual",
		Document: onlyDigits(c.Document),
	}
	if phone := onlyDigits(c.Phone); len(phone) >= 10 {
		if strings.HasPrefix(phone, "55") && len(phone) >= 12 {
			phone = phone[2:]
		}
		out.Phones = &pagarmePhones{Mobile: pagarmePhone{CountryCode: "55", AreaCode: phone[:2], Number: phone[2:]}}
	}
	return out
}

func sumItems(items []pagarmeItem) int64 {
	var total int64
	for _, it := range items {
		total += it.Amount * int64(it.Quantity)
	}
	return total
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
