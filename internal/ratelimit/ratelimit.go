// Package ratelimit implements a fixed-window request counter shared by the
// serverless-style endpoints. The counter lives in the database so every
// instance sees the same windows.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"oraculo/internal/metrics"
)

// Counter bumps the hit count of key in the window starting at windowStart
// and returns the new count.
type Counter interface {
	Increment(ctx context.Context, key string, windowStart time.Time) (int, error)
}

// Pruner drops windows that started before the given time.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type Rule struct {
	Limit  int
	Window time.Duration
}

var (
	PaymentRule   = Rule{Limit: 3, Window: time.Minute}
	InterpretRule = Rule{Limit: 10, Window: time.Minute}
)

const checkTimeout = 2 * time.Second

type Limiter struct {
	counter Counter
	logger  *slog.Logger
	metrics *metrics.Metrics
	proxies Proxies
	now     func() time.Time
}

func New(counter Counter, logger *slog.Logger, m *metrics.Metrics) *Limiter {
	return &Limiter{
		counter: counter,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// TrustProxies sets the peers whose forwarding headers are believed.
func (l *Limiter) TrustProxies(p Proxies) *Limiter {
	l.proxies = p
	return l
}

// Allow records one call for key and reports whether it fits in the current
// window. A failing counter lets the call through.
func (l *Limiter) Allow(ctx context.Context, key string, rule Rule) bool {
	windowStart := l.now().UTC().Truncate(rule.Window)

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	hits, err := l.counter.Increment(ctx, key, windowStart)
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing request", "key", key, "err", err)
		l.record(key, "error")
		return true
	}
	if hits > rule.Limit {
		l.record(key, "rejected")
		return false
	}
	l.record(key, "allowed")
	return true
}

// Middleware guards next with rule, keyed by endpoint and client address.
func (l *Limiter) Middleware(endpoint string, rule Rule, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.Context(), endpoint+":"+ClientIP(r, l.proxies), rule) {
			WriteExceeded(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartCleanup prunes windows older than an hour every interval until ctx is
// done. It is a no-op when the counter cannot prune.
func (l *Limiter) StartCleanup(ctx context.Context, interval time.Duration) {
	pruner, ok := l.counter.(Pruner)
	if !ok {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := pruner.Prune(ctx, l.now().Add(-time.Hour))
				if err != nil {
					l.logger.Warn("prune rate limit windows", "err", err)
					continue
				}
				if n > 0 {
					l.logger.Debug("pruned rate limit windows", "rows", n)
				}
			}
		}
	}()
}

func (l *Limiter) record(key, decision string) {
	if l.metrics == nil {
		return
	}
	endpoint, _, _ := strings.Cut(key, ":")
	l.metrics.RateLimit.WithLabelValues(endpoint, decision).Inc()
}

// WriteExceeded writes the fixed 429 payload.
func WriteExceeded(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "60")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "RATE_LIMIT_EXCEEDED",
		"message": "Muitas requisições. Tente novamente em alguns instantes.",
	})
}

// Proxies is the set of reverse proxies allowed to report the client
// address through X-Forwarded-For or X-Real-IP.
type Proxies []netip.Prefix

// ParseProxies accepts addresses and CIDR ranges.
func ParseProxies(specs []string) (Proxies, error) {
	var out Proxies
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		if strings.Contains(spec, "/") {
			p, err := netip.ParsePrefix(spec)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", spec, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(spec)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", spec, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func (p Proxies) trusts(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range p {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the connection address unless the peer is a trusted
// proxy. Behind one, X-Forwarded-For is read right to left and the first
// hop that is not itself trusted wins; X-Real-IP is used when there is no
// X-Forwarded-For.
func ClientIP(r *http.Request, trusted Proxies) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !trusted.trusts(peer) {
		return host
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		client := peer
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			client = hop.Unmap()
			if !trusted.trusts(client) {
				break
			}
		}
		return client.String()
	}
	if ip, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return ip.Unmap().String()
	}
	return host
}
