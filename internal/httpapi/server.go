package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"oraculo/internal/auth"
	"oraculo/internal/interpret"
	"oraculo/internal/metrics"
	"oraculo/internal/notify"
	"oraculo/internal/order"
	"oraculo/internal/payment"
	"oraculo/internal/proofs"
	"oraculo/internal/ratelimit"

	"github.com/rs/cors"
)

// FileOpener is implemented by proof stores that keep files on this host.
type FileOpener interface {
	Open(key string) (*os.File, error)
}

type PixConfig struct {
	Key          string
	MerchantName string
	City         string
}

type Deps struct {
	Orders      *order.Service
	Payments    *payment.Adapter
	Webhook     *payment.Webhook
	Interpreter *interpret.Service
	Notifier    *notify.Dispatcher
	Proofs      proofs.Store
	Limiter     *ratelimit.Limiter
	Verifier    *auth.Verifier
	Metrics     *metrics.Metrics
	// Realtime serves GET /orders/{orderID}/ws.
	Realtime http.Handler
	// Health reports whether the backing store is reachable.
	Health func(ctx context.Context) error

	Pix            PixConfig
	PublicURL      string
	ProofLinkTTL   time.Duration
	AllowedOrigins []string
	Logger         *slog.Logger
}

type Server struct {
	deps    Deps
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler
}

func NewServer(deps Deps) *Server {
	if deps.ProofLinkTTL <= 0 {
		deps.ProofLinkTTL = 10 * time.Minute
	}
	s := &Server{
		deps:   deps,
		logger: deps.Logger,
		mux:    http.NewServeMux(),
	}
	s.routes()

	c := cors.New(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Client-Info", "Apikey"},
		AllowCredentials: true,
		MaxAge:           600,
	})
	s.handler = c.Handler(s.instrument(s.mux))
	return s
}

func (s *Server) routes() {
	limited := func(endpoint string, rule ratelimit.Rule, h http.HandlerFunc) http.Handler {
		if s.deps.Limiter == nil {
			return h
		}
		return s.deps.Limiter.Middleware(endpoint, rule, h)
	}

	s.mux.HandleFunc("GET /health", s.health)
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	s.mux.HandleFunc("POST /orders", s.authed(s.createOrder))
	s.mux.HandleFunc("GET /orders", s.authed(s.listOrders))
	s.mux.HandleFunc("GET /orders/{orderID}", s.authed(s.getOrder))
	s.mux.HandleFunc("POST /orders/{orderID}/cancel", s.authed(s.cancelOrder))
	s.mux.HandleFunc("POST /orders/{orderID}/manual-pix", s.authed(s.manualPix))
	s.mux.HandleFunc("GET /orders/{orderID}/pix-qr.png", s.authed(s.pixQR))
	s.mux.HandleFunc("POST /orders/{orderID}/proofs", s.authed(s.uploadProof))
	if s.deps.Realtime != nil {
		s.mux.Handle("GET /orders/{orderID}/ws", s.deps.Realtime)
	}

	s.mux.Handle("POST /functions/create-payment", limited("create-payment", ratelimit.PaymentRule, s.authed(s.createPayment)))
	s.mux.Handle("POST /functions/interpret", limited("interpret", ratelimit.InterpretRule, s.interpret))
	s.mux.HandleFunc("POST /functions/confirm-consultation", s.staff(s.confirmConsultation))

	s.mux.HandleFunc("POST /webhooks/pagarme", s.pagarmeWebhook)

	s.mux.HandleFunc("GET /admin/proofs", s.staff(s.listProofs))
	s.mux.HandleFunc("GET /admin/proofs/{proofID}/file", s.staff(s.proofFile))
	s.mux.HandleFunc("POST /admin/proofs/{proofID}/approve", s.staff(s.approveProof))
	s.mux.HandleFunc("POST /admin/proofs/{proofID}/reject", s.staff(s.rejectProof))
	s.mux.HandleFunc("GET /admin/orders/{orderID}/transactions", s.staff(s.listTransactions))
	s.mux.HandleFunc("POST /admin/orders/{orderID}/refund", s.staff(s.refundOrder))
	s.mux.HandleFunc("POST /admin/orders/{orderID}/cancel", s.staff(s.cancelOrder))
	if _, ok := s.deps.Proofs.(FileOpener); ok {
		s.mux.HandleFunc("GET /admin/proof-files/{key...}", s.staff(s.serveProofFile))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			s.logger.Warn("health check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
