// Package client talks to the oraculo HTTP API the way the storefront does.
// The checkout orchestrator and the status observer are built on it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"oraculo/internal/order"
	"oraculo/internal/payment"
	"oraculo/internal/pix"

	"github.com/google/uuid"
	gw "github.com/gorilla/websocket"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	dialer  *gw.Dialer
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		dialer:  &gw.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) CreateOrder(ctx context.Context, in order.CreateInput) (*order.Order, error) {
	var out order.Order
	if err := c.do(ctx, http.MethodPost, "/orders", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	var out order.Order
	if err := c.do(ctx, http.MethodGet, "/orders/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status implements observer.Poller.
func (c *Client) Status(ctx context.Context, id uuid.UUID) (order.Status, error) {
	o, err := c.GetOrder(ctx, id)
	if err != nil {
		return "", err
	}
	return o.Status, nil
}

func (c *Client) CreatePayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	var out struct {
		Success bool             `json:"success"`
		Payment *payment.Payment `json:"payment"`
	}
	req := payment.Request{OrderID: id.String(), Method: payment.MethodPix}
	if err := c.do(ctx, http.MethodPost, "/functions/create-payment", req, &out); err != nil {
		return nil, err
	}
	if !out.Success || out.Payment == nil {
		return nil, payment.NewError(payment.CodeInternal, http.StatusInternalServerError, "empty payment response")
	}
	return out.Payment, nil
}

func (c *Client) UseManualPix(ctx context.Context, id uuid.UUID) (*pix.Instructions, error) {
	var out pix.Instructions
	if err := c.do(ctx, http.MethodPost, "/orders/"+id.String()+"/manual-pix", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscribe implements observer.Subscriber over the order websocket.
func (c *Client) Subscribe(ctx context.Context, id uuid.UUID) (<-chan order.Status, error) {
	u := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/orders/" + id.String() + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := c.dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("subscribe to order %s: status %d: %w", id, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("subscribe to order %s: %w", id, err)
	}

	out := make(chan order.Status)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var upd struct {
				Status order.Status `json:"status"`
			}
			if err := conn.ReadJSON(&upd); err != nil {
				return
			}
			select {
			case out <- upd.Status:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// do sends body as JSON and decodes the reply into out. Error replies come
// back as *payment.Error.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &payment.Error{Status: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = payment.CodeInternal
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
