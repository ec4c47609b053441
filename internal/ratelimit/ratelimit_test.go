package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type memCounter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (c *memCounter) Increment(_ context.Context, key string, windowStart time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hits == nil {
		c.hits = make(map[string]int)
	}
	k := key + "|" + windowStart.Format(time.RFC3339)
	c.hits[k]++
	return c.hits[k], nil
}

type MockCounter struct {
	IncrementFunc func(ctx context.Context, key string, windowStart time.Time) (int, error)
}

func (m *MockCounter) Increment(ctx context.Context, key string, windowStart time.Time) (int, error) {
	return m.IncrementFunc(ctx, key, windowStart)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAllowRejectsAfterLimitInWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 10, 0, time.UTC)
	l := New(&memCounter{}, discard(), nil).WithClock(func() time.Time { return now })
	rule := Rule{Limit: 3, Window: time.Minute}

	for i := 1; i <= 3; i++ {
		if !l.Allow(context.Background(), "create-payment:1.2.3.4", rule) {
			t.Fatalf("call %d rejected", i)
		}
	}
	if l.Allow(context.Background(), "create-payment:1.2.3.4", rule) {
		t.Fatal("4th call in the same window allowed")
	}

	if !l.Allow(context.Background(), "create-payment:5.6.7.8", rule) {
		t.Fatal("other key rejected")
	}

	now = now.Add(50 * time.Second)
	if !l.Allow(context.Background(), "create-payment:1.2.3.4", rule) {
		t.Fatal("call in the next window rejected")
	}
}

func TestAllowFailsOpen(t *testing.T) {
	counter := &MockCounter{IncrementFunc: func(context.Context, string, time.Time) (int, error) {
		return 0, errors.New("connection refused")
	}}
	l := New(counter, discard(), nil)

	for i := 0; i < 20; i++ {
		if !l.Allow(context.Background(), "interpret:1.2.3.4", InterpretRule) {
			t.Fatalf("call %d blocked by failing counter", i)
		}
	}
}

func TestAllowUsesWindowStart(t *testing.T) {
	var got time.Time
	counter := &MockCounter{IncrementFunc: func(_ context.Context, _ string, ws time.Time) (int, error) {
		got = ws
		return 1, nil
	}}
	now := time.Date(2025, 3, 1, 12, 7, 42, 500, time.UTC)
	New(counter, discard(), nil).WithClock(func() time.Time { return now }).Allow(context.Background(), "k", Rule{Limit: 1, Window: time.Minute})

	if want := time.Date(2025, 3, 1, 12, 7, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("window start = %v, want %v", got, want)
	}
}

func TestMiddlewareWritesRejection(t *testing.T) {
	l := New(&memCounter{}, discard(), nil)
	h := l.Middleware("create-payment", Rule{Limit: 1, Window: time.Minute}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/functions/create-payment", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "RATE_LIMIT_EXCEEDED" || body["message"] == "" {
		t.Fatalf("body = %v", body)
	}
}

func TestClientIP(t *testing.T) {
	proxies, err := ParseProxies([]string{"10.0.0.0/8", "192.0.2.10"})
	if err != nil {
		t.Fatalf("ParseProxies: %v", err)
	}

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded by proxy", map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.3"}, "10.0.0.2:443", "198.51.100.7"},
		{"spoofed hop left of real client", map[string]string{"X-Forwarded-For": "1.1.1.1, 198.51.100.7"}, "10.0.0.2:443", "198.51.100.7"},
		{"all hops trusted", map[string]string{"X-Forwarded-For": "10.0.0.9"}, "192.0.2.10:443", "10.0.0.9"},
		{"garbage hop", map[string]string{"X-Forwarded-For": "nonsense, 10.0.0.4"}, "10.0.0.2:443", "10.0.0.4"},
		{"real ip via proxy", map[string]string{"X-Real-IP": "198.51.100.8"}, "10.0.0.2:443", "198.51.100.8"},
		{"untrusted peer ignores forwarded", map[string]string{"X-Forwarded-For": "198.51.100.7"}, "203.0.113.7:5555", "203.0.113.7"},
		{"untrusted peer ignores real ip", map[string]string{"X-Real-IP": "198.51.100.8"}, "203.0.113.7:5555", "203.0.113.7"},
		{"remote", nil, "192.0.2.1:5555", "192.0.2.1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r, proxies); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseProxiesRejectsGarbage(t *testing.T) {
	if _, err := ParseProxies([]string{"10.0.0.0/8", "not-an-ip"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestMiddlewareIgnoresRotatedForwardedFor(t *testing.T) {
	l := New(&memCounter{}, discard(), nil)
	h := l.Middleware("create-payment", PaymentRule, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 1; i <= 4; i++ {
		req := httptest.NewRequest(http.MethodPost, "/functions/create-payment", nil)
		req.RemoteAddr = "203.0.113.7:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		want := http.StatusNoContent
		if i == 4 {
			want = http.StatusTooManyRequests
		}
		if rec.Code != want {
			t.Fatalf("call %d status = %d, want %d", i, rec.Code, want)
		}
	}
}
