package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"oraculo/internal/metrics"
	"oraculo/internal/order"
	"oraculo/internal/storage/memstore"
	"oraculo/pkg/contracts"
	"oraculo/pkg/messaging"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSMTPEmailerSend(t *testing.T) {
	e := NewSMTPEmailer(EmailConfig{Host: "smtp.example.com", Username: "loja@example.com", Password: "secret", FromName: "Oraculo"})

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	e.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		if a == nil {
			t.Error("expected PLAIN auth")
		}
		return nil
	}

	err := e.Send(context.Background(), Message{To: "ana@example.com", Subject: "Pedido pago", Body: "Obrigado"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAddr != "smtp.example.com:587" || gotFrom != "loja@example.com" || len(gotTo) != 1 || gotTo[0] != "ana@example.com" {
		t.Fatalf("addr=%s from=%s to=%v", gotAddr, gotFrom, gotTo)
	}
	msg := string(gotMsg)
	for _, want := range []string{"From: Oraculo <loja@example.com>\r\n", "To: ana@example.com\r\n", "Subject: Pedido pago\r\n", "charset=UTF-8\r\n\r\nObrigado"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestSMTPEmailerNotConfigured(t *testing.T) {
	e := NewSMTPEmailer(EmailConfig{})
	if e.Configured() {
		t.Fatal("empty config reported as configured")
	}
	if err := e.Send(context.Background(), Message{To: "a@b.c"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
}

func TestWhatsAppSendText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/123/messages" || r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("request %s auth=%q", r.URL.Path, r.Header.Get("Authorization"))
		}
		var msg waMessage
		_ = json.NewDecoder(r.Body).Decode(&msg)
		if msg.To != "5581999998888" || msg.Type != "text" || msg.Text.Body != "oi" || msg.MessagingProduct != "whatsapp" {
			t.Errorf("message = %+v", msg)
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer srv.Close()

	s := NewWhatsAppSender(WhatsAppConfig{Token: "tok", PhoneNumberID: "123", BaseURL: srv.URL})
	id, err := s.SendText(context.Background(), "(81) 99999-8888", "oi")
	if err != nil || id != "wamid.1" {
		t.Fatalf("SendText = %q, %v", id, err)
	}
}

func TestWhatsAppErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"recipient not in allowed list"}}`))
	}))
	defer srv.Close()

	s := NewWhatsAppSender(WhatsAppConfig{Token: "tok", PhoneNumberID: "123", BaseURL: srv.URL})
	if _, err := s.SendText(context.Background(), "81999998888", "oi"); err == nil || !strings.Contains(err.Error(), "allowed list") {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.SendText(context.Background(), "123", "oi"); err == nil {
		t.Fatal("short phone accepted")
	}
	if _, err := NewWhatsAppSender(WhatsAppConfig{}).SendText(context.Background(), "81999998888", "oi"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"(81) 99999-8888":   "5581999998888",
		"81 3333-4444":      "558133334444",
		"+55 81 99999-8888": "5581999998888",
		"081999998888":      "5581999998888",
		"12345":             "",
		"":                  "",
	}
	for in, want := range tests {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCalendarCreateEvent(t *testing.T) {
	var tokenCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		_ = r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "refresh" || r.Form.Get("client_id") != "cid" {
			t.Errorf("token form = %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("POST /calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		var ev calendarEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		if ev.Start.DateTime != "2025-03-10T14:00:00Z" || ev.End.DateTime != "2025-03-10T15:30:00Z" {
			t.Errorf("times = %+v / %+v", ev.Start, ev.End)
		}
		if !strings.Contains(ev.Summary, "Mapa Astral") || len(ev.Attendees) != 1 || ev.Attendees[0].Email != "ana@example.com" {
			t.Errorf("event = %+v", ev)
		}
		_, _ = w.Write([]byte(`{"id":"ev-1","htmlLink":"https://calendar/ev-1"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewCalendarScheduler(CalendarConfig{
		ClientID: "cid", ClientSecret: "secret", RefreshToken: "refresh",
		TimeZone: "UTC", BaseURL: srv.URL, TokenURL: srv.URL + "/token",
	})
	c := Consultation{
		OrderID:       uuid.New(),
		CustomerName:  "Ana Souza",
		CustomerEmail: "ana@example.com",
		Service:       "Mapa Astral",
		StartsAt:      time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
		Duration:      90 * time.Minute,
	}
	for range 2 {
		id, err := s.CreateEvent(context.Background(), c)
		if err != nil || id != "ev-1" {
			t.Fatalf("CreateEvent = %q, %v", id, err)
		}
	}
	if tokenCalls != 1 {
		t.Fatalf("token refreshed %d times", tokenCalls)
	}

	if _, err := NewCalendarScheduler(CalendarConfig{ClientID: "cid"}).CreateEvent(context.Background(), c); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
}

type MockEmailer struct {
	Enabled  bool
	SendFunc func(ctx context.Context, m Message) error
}

func (m *MockEmailer) Configured() bool { return m.Enabled }

func (m *MockEmailer) Send(ctx context.Context, msg Message) error {
	return m.SendFunc(ctx, msg)
}

type MockMessenger struct {
	Enabled      bool
	SendTextFunc func(ctx context.Context, phone, text string) (string, error)
}

func (m *MockMessenger) Configured() bool { return m.Enabled }

func (m *MockMessenger) SendText(ctx context.Context, phone, text string) (string, error) {
	return m.SendTextFunc(ctx, phone, text)
}

type MockScheduler struct {
	Enabled         bool
	CreateEventFunc func(ctx context.Context, c Consultation) (string, error)
}

func (m *MockScheduler) Configured() bool { return m.Enabled }

func (m *MockScheduler) CreateEvent(ctx context.Context, c Consultation) (string, error) {
	return m.CreateEventFunc(ctx, c)
}

func TestConfirmConsultationReportsEachChannel(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	var mail Message
	d := NewDispatcher(
		&MockEmailer{Enabled: true, SendFunc: func(_ context.Context, msg Message) error {
			mail = msg
			return nil
		}},
		&MockMessenger{Enabled: true, SendTextFunc: func(context.Context, string, string) (string, error) {
			return "", errors.New("provider down")
		}},
		&MockScheduler{},
		discard(), m,
	)

	summary := d.ConfirmConsultation(context.Background(), Consultation{
		OrderID:       uuid.New(),
		CustomerName:  "Ana Souza",
		CustomerEmail: "ana@example.com",
		CustomerPhone: "81999998888",
		Service:       "Tarô",
		StartsAt:      time.Date(2025, 3, 10, 17, 0, 0, 0, time.UTC),
	})

	want := map[Channel]Outcome{ChannelEmail: OutcomeSent, ChannelWhatsApp: OutcomeFailed, ChannelCalendar: OutcomeSkipped}
	if len(summary.Results) != len(want) {
		t.Fatalf("results = %+v", summary.Results)
	}
	for ch, outcome := range want {
		r, ok := summary.Get(ch)
		if !ok || r.Outcome != outcome {
			t.Errorf("%s = %+v, want %s", ch, r, outcome)
		}
	}
	if r, _ := summary.Get(ChannelWhatsApp); r.Error != "provider down" {
		t.Errorf("whatsapp error = %q", r.Error)
	}
	if !summary.Delivered() {
		t.Error("summary not delivered")
	}
	if !strings.HasPrefix(mail.Body, "Olá, Ana!") || !strings.Contains(mail.Body, "Consulta: Tarô") {
		t.Errorf("mail body = %q", mail.Body)
	}
	if got := testutil.ToFloat64(m.Notifications.WithLabelValues("whatsapp", "failed")); got != 1 {
		t.Errorf("failed counter = %v", got)
	}
}

func TestConfirmConsultationSkipsMissingContacts(t *testing.T) {
	d := NewDispatcher(&MockEmailer{Enabled: true}, &MockMessenger{Enabled: true}, nil, discard(), nil)
	summary := d.ConfirmConsultation(context.Background(), Consultation{OrderID: uuid.New(), Service: "Tarô"})
	for _, r := range summary.Results {
		if r.Outcome != OutcomeSkipped {
			t.Errorf("%s = %s", r.Channel, r.Outcome)
		}
	}
	if summary.Delivered() {
		t.Error("nothing should have been delivered")
	}
}

func paidOrder(scheduled *time.Time) order.Order {
	return order.Order{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Subtotal: decimal.RequireFromString("120.00"),
		Total:    decimal.RequireFromString("120.00"),
		Status:   order.StatusPaid,
		Customer: order.Customer{Name: "Ana", Email: "ana@example.com", Phone: "81999998888"},
		Items: []order.Item{
			{ProductID: uuid.New(), ProductName: "Consulta de Tarô", UnitPrice: decimal.RequireFromString("120.00"), Quantity: 1, ScheduledAt: scheduled},
		},
	}
}

type notifier struct {
	mu     sync.Mutex
	emails []Message
	events []Consultation
}

func (n *notifier) dispatcher() *Dispatcher {
	return NewDispatcher(
		&MockEmailer{Enabled: true, SendFunc: func(_ context.Context, m Message) error {
			n.mu.Lock()
			defer n.mu.Unlock()
			n.emails = append(n.emails, m)
			return nil
		}},
		&MockMessenger{Enabled: true, SendTextFunc: func(context.Context, string, string) (string, error) {
			return "wamid", nil
		}},
		&MockScheduler{Enabled: true, CreateEventFunc: func(_ context.Context, c Consultation) (string, error) {
			n.mu.Lock()
			defer n.mu.Unlock()
			n.events = append(n.events, c)
			return "ev", nil
		}},
		discard(), nil,
	)
}

func TestPaymentConfirmedBooksScheduledItems(t *testing.T) {
	at := time.Date(2025, 3, 10, 17, 0, 0, 0, time.UTC)
	o := paidOrder(&at)
	n := &notifier{}

	summary := n.dispatcher().PaymentConfirmed(context.Background(), &o)

	if len(summary.Results) != 3 {
		t.Fatalf("results = %+v", summary.Results)
	}
	if len(n.emails) != 1 || !strings.Contains(n.emails[0].Body, "Total: R$ 120.00") {
		t.Fatalf("emails = %+v", n.emails)
	}
	if len(n.events) != 1 || n.events[0].Service != "Consulta de Tarô" || !n.events[0].StartsAt.Equal(at) {
		t.Fatalf("events = %+v", n.events)
	}
}

func TestPaidHandler(t *testing.T) {
	store := memstore.New()
	o := paidOrder(nil)
	store.PutOrder(o)
	n := &notifier{}
	h := NewPaidHandler(n.dispatcher(), order.NewService(store, nil, discard()), store, discard())

	evt := contracts.OrderStatusChangedEvent{EventID: uuid.NewString(), OrderID: o.ID.String(), Status: "paid"}
	for range 2 {
		if err := h.HandleStatusChanged(context.Background(), evt); err != nil {
			t.Fatalf("HandleStatusChanged: %v", err)
		}
	}
	if len(n.emails) != 1 {
		t.Fatalf("redelivery sent %d emails", len(n.emails))
	}

	other := contracts.OrderStatusChangedEvent{EventID: uuid.NewString(), OrderID: o.ID.String(), Status: "cancelled"}
	if err := h.HandleStatusChanged(context.Background(), other); err != nil || len(n.emails) != 1 {
		t.Fatalf("non-paid event: err=%v emails=%d", err, len(n.emails))
	}

	missing := contracts.OrderStatusChangedEvent{EventID: uuid.NewString(), OrderID: uuid.NewString(), Status: "paid"}
	if err := h.HandleStatusChanged(context.Background(), missing); !errors.Is(err, order.ErrOrderNotFound) {
		t.Fatalf("missing order err = %v", err)
	}
	if first, _ := store.Claim(context.Background(), missing.EventID, ""); !first {
		t.Fatal("failed event stayed claimed")
	}

	err := h.HandleDelivery(context.Background(), amqp091.Delivery{Body: []byte("{")})
	if !errors.Is(err, messaging.ErrDrop) {
		t.Fatalf("malformed body err = %v", err)
	}
}
