package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"oraculo/internal/auth"
	"oraculo/internal/config"
	"oraculo/internal/gateway"
	"oraculo/internal/httpapi"
	"oraculo/internal/interpret"
	"oraculo/internal/metrics"
	"oraculo/internal/notify"
	"oraculo/internal/order"
	"oraculo/internal/payment"
	"oraculo/internal/proofs"
	"oraculo/internal/ratelimit"
	"oraculo/internal/storage"
	"oraculo/internal/storage/memstore"
	"oraculo/internal/websocket"
	"oraculo/pkg/contracts"
	"oraculo/pkg/messaging"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg       config.Config
	logger    *slog.Logger
	pg        *storage.Store
	mem       *memstore.Store
	orders    *order.Service
	hub       *websocket.Hub
	limiter   *ratelimit.Limiter
	paid      *notify.PaidHandler
	publisher messaging.Publisher
	outbox    *messaging.OutboxDispatcher
	consumer  *messaging.Consumer
	httpSrv   *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger, hub: websocket.NewHub()}
	m := metrics.NewDefault()

	files, err := newProofStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var (
		store   order.Store
		counter ratelimit.Counter
		inbox   notify.Inbox
		health  func(context.Context) error
	)
	switch cfg.StoreDriver {
	case "memory":
		a.mem = memstore.New()
		store, counter, inbox = a.mem, a.mem, a.mem
		logger.Warn("using in-memory store, data is lost on restart")
	default:
		pg, err := storage.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.AutoMigrate)
		if err != nil {
			return nil, err
		}
		a.pg = pg
		store = storage.NewOrderStore(pg.Pool())
		counter = storage.NewRateCounter(pg.Pool())
		inbox = storage.NewInbox(pg.Pool())
		health = pg.Ping
	}

	a.orders = order.NewService(store, files, logger)
	proxies, err := ratelimit.ParseProxies(cfg.TrustedProxies)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	a.limiter = ratelimit.New(counter, logger, m).TrustProxies(proxies)

	dispatcher := notify.NewDispatcher(
		notify.NewSMTPEmailer(notify.EmailConfig{
			Host: cfg.SMTP.Host, Port: cfg.SMTP.Port, Username: cfg.SMTP.User,
			Password: cfg.SMTP.Password, From: cfg.SMTP.From, FromName: cfg.SMTP.FromName,
		}),
		notify.NewWhatsAppSender(notify.WhatsAppConfig{
			Token: cfg.WhatsApp.Token, PhoneNumberID: cfg.WhatsApp.PhoneNumberID, BaseURL: cfg.WhatsApp.BaseURL,
		}),
		notify.NewCalendarScheduler(notify.CalendarConfig{
			ClientID: cfg.Google.ClientID, ClientSecret: cfg.Google.ClientSecret, RefreshToken: cfg.Google.RefreshToken,
			CalendarID: cfg.Google.CalendarID, TimeZone: cfg.Google.TimeZone,
		}),
		logger, m,
	)
	a.paid = notify.NewPaidHandler(dispatcher, a.orders, inbox, logger)

	if a.pg != nil && cfg.Rabbit.URL != "" {
		if err := a.connectBroker(m); err != nil {
			a.Close()
			return nil, err
		}
	}

	pagarme := gateway.NewPagarme(cfg.Pagarme.SecretKey,
		gateway.WithBaseURL(cfg.Pagarme.BaseURL),
		gateway.WithPixExpiry(cfg.Pagarme.PixExpiry),
	)
	if !pagarme.Configured() {
		logger.Warn("PAGARME_SECRET_KEY not set, automatic pix will fall back to manual")
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTLeeway)
	ws := websocket.NewHandler(a.hub, a.orders, verifier, cfg.AllowedOrigins, logger)

	api := httpapi.NewServer(httpapi.Deps{
		Orders:      a.orders,
		Payments:    payment.NewAdapter(a.orders, pagarme, logger, m),
		Webhook:     payment.NewWebhook(cfg.Pagarme.WebhookSecret, a.orders, logger),
		Interpreter: interpret.NewService(interpret.NewChatClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model), logger),
		Notifier:    dispatcher,
		Proofs:      files,
		Limiter:     a.limiter,
		Verifier:    verifier,
		Metrics:     m,
		Realtime:    http.HandlerFunc(ws.ServeWS),
		Health:      health,
		Pix: httpapi.PixConfig{
			Key:          cfg.Pix.Key,
			MerchantName: cfg.Pix.MerchantName,
			City:         cfg.Pix.City,
		},
		PublicURL:      cfg.PublicURL,
		ProofLinkTTL:   cfg.Proofs.LinkTTL,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	a.httpSrv = &http.Server{Addr: cfg.HTTPAddr, Handler: api, ReadHeaderTimeout: 10 * time.Second}

	return a, nil
}

func newProofStore(ctx context.Context, cfg config.Config) (proofs.Store, error) {
	if cfg.Proofs.Driver == "s3" {
		return proofs.NewS3Store(ctx, proofs.S3Config{
			Bucket:    cfg.Proofs.Bucket,
			Region:    cfg.Proofs.Region,
			Endpoint:  cfg.Proofs.Endpoint,
			PathStyle: cfg.Proofs.PathStyle,
		})
	}
	return proofs.NewDiskStore(cfg.Proofs.Dir, strings.TrimRight(cfg.PublicURL, "/")+"/admin/proof-files")
}

func (a *App) connectBroker(m *metrics.Metrics) error {
	publisher, err := messaging.NewRabbitPublisher(a.cfg.Rabbit.URL, a.cfg.Rabbit.Exchange)
	if err != nil {
		return err
	}
	a.publisher = publisher

	consumer, err := messaging.NewRabbitConsumer(a.cfg.Rabbit.URL, a.cfg.Rabbit.Exchange, a.cfg.Rabbit.NotifyQueue,
		[]string{contracts.EventOrderStatusChanged}, a.logger)
	if err != nil {
		return err
	}
	a.consumer = consumer

	a.outbox = messaging.NewOutboxDispatcher(a.pg.Pool(), publisher, "order_outbox",
		a.cfg.Rabbit.OutboxInterval, a.cfg.Rabbit.OutboxBatch, m.OutboxPublished, a.logger)
	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})
	a.limiter.StartCleanup(ctx, 10*time.Minute)

	switch {
	case a.mem != nil:
		a.mem.OnStatusChange(func(id uuid.UUID, status order.Status) {
			a.hub.BroadcastStatus(id, string(status))
			if status == order.StatusPaid {
				go a.notifyPaid(ctx, id.String())
			}
		})
	case a.pg != nil:
		listener := storage.NewListener(a.pg.Pool(), a.logger)
		g.Go(func() error {
			listener.Run(ctx, func(n storage.StatusNotification) {
				id, err := uuid.Parse(n.OrderID)
				if err != nil {
					return
				}
				a.hub.BroadcastStatus(id, n.Status)
				// Without a broker the trigger feed doubles as the paid event.
				if a.consumer == nil && n.Status == string(order.StatusPaid) {
					go a.notifyPaid(ctx, n.OrderID)
				}
			})
			return nil
		})
	}

	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	if a.consumer != nil {
		g.Go(func() error {
			return a.consumer.Start(ctx, a.paid.HandleDelivery)
		})
	}

	g.Go(func() error {
		a.logger.Info("http server listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// notifyPaid derives a stable event id from the order so every replica
// that sees the same paid transition claims the same inbox row.
func (a *App) notifyPaid(ctx context.Context, orderID string) {
	evt := contracts.OrderStatusChangedEvent{
		EventID: "paid:" + orderID,
		OrderID: orderID,
		Status:  string(order.StatusPaid),
	}
	if err := a.paid.HandleStatusChanged(ctx, evt); err != nil {
		a.logger.Error("payment confirmation", "order_id", orderID, "err", err)
	}
}

// Close releases broker and database connections after Run returned.
func (a *App) Close() {
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.pg != nil {
		a.pg.Close()
	}
}
