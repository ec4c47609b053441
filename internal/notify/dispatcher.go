package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"oraculo/internal/metrics"
	"oraculo/internal/order"
)

const sendTimeout = 20 * time.Second

type Dispatcher struct {
	email    Emailer
	whatsapp Messenger
	calendar Scheduler
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewDispatcher(email Emailer, whatsapp Messenger, calendar Scheduler, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{email: email, whatsapp: whatsapp, calendar: calendar, logger: logger, metrics: m}
}

// ConfirmConsultation books the calendar event and sends the confirmation
// over email and WhatsApp. Every channel is attempted.
func (d *Dispatcher) ConfirmConsultation(ctx context.Context, c Consultation) Summary {
	text := consultationDetails(c)
	subject := fmt.Sprintf("Sua consulta de %s está confirmada", c.Service)

	return d.run(ctx, c.OrderID.String(), []job{
		{ChannelCalendar, d.calendar != nil && d.calendar.Configured(), func(ctx context.Context) (string, error) {
			return d.calendar.CreateEvent(ctx, c)
		}},
		{ChannelEmail, d.email != nil && d.email.Configured() && c.CustomerEmail != "", func(ctx context.Context) (string, error) {
			return "", d.email.Send(ctx, Message{To: c.CustomerEmail, Subject: subject, Body: greeting(c.CustomerName) + text})
		}},
		{ChannelWhatsApp, d.whatsapp != nil && d.whatsapp.Configured() && c.CustomerPhone != "", func(ctx context.Context) (string, error) {
			return d.whatsapp.SendText(ctx, c.CustomerPhone, greeting(c.CustomerName)+text)
		}},
	})
}

// PaymentConfirmed sends the payment receipt. Items carrying a schedule are
// also booked as consultations.
func (d *Dispatcher) PaymentConfirmed(ctx context.Context, o *order.Order) Summary {
	text := receipt(o)
	subject := fmt.Sprintf("Pagamento confirmado - Pedido #%s", shortID(o))

	summary := d.run(ctx, o.ID.String(), []job{
		{ChannelEmail, d.email != nil && d.email.Configured() && o.Customer.Email != "", func(ctx context.Context) (string, error) {
			return "", d.email.Send(ctx, Message{To: o.Customer.Email, Subject: subject, Body: text})
		}},
		{ChannelWhatsApp, d.whatsapp != nil && d.whatsapp.Configured() && o.Customer.Phone != "", func(ctx context.Context) (string, error) {
			return d.whatsapp.SendText(ctx, o.Customer.Phone, text)
		}},
	})

	for _, c := range Consultations(o) {
		if d.calendar == nil || !d.calendar.Configured() {
			break
		}
		summary.Results = append(summary.Results, d.attempt(ctx, o.ID.String(), job{ChannelCalendar, true, func(ctx context.Context) (string, error) {
			return d.calendar.CreateEvent(ctx, c)
		}}))
	}
	return summary
}

// Consultations lists the scheduled items of an order.
func Consultations(o *order.Order) []Consultation {
	var out []Consultation
	for _, it := range o.Items {
		if it.ScheduledAt == nil {
			continue
		}
		out = append(out, Consultation{
			OrderID:       o.ID,
			CustomerName:  o.Customer.Name,
			CustomerEmail: o.Customer.Email,
			CustomerPhone: o.Customer.Phone,
			Service:       it.ProductName,
			StartsAt:      *it.ScheduledAt,
		})
	}
	return out
}

type job struct {
	channel Channel
	enabled bool
	send    func(ctx context.Context) (string, error)
}

func (d *Dispatcher) run(ctx context.Context, orderID string, jobs []job) Summary {
	results := make([]Result, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.attempt(ctx, orderID, j)
		}()
	}
	wg.Wait()
	return Summary{Results: results}
}

func (d *Dispatcher) attempt(ctx context.Context, orderID string, j job) Result {
	res := Result{Channel: j.channel}
	if !j.enabled {
		res.Outcome = OutcomeSkipped
		d.count(res)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	ref, err := j.send(ctx)
	switch {
	case errors.Is(err, ErrNotConfigured):
		res.Outcome = OutcomeSkipped
	case err != nil:
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		d.logger.Warn("notification failed", "channel", j.channel, "order_id", orderID, "err", err)
	default:
		res.Outcome = OutcomeSent
		res.Ref = ref
		d.logger.Info("notification sent", "channel", j.channel, "order_id", orderID)
	}
	d.count(res)
	return res
}

func (d *Dispatcher) count(r Result) {
	if d.metrics != nil {
		d.metrics.Notifications.WithLabelValues(string(r.Channel), string(r.Outcome)).Inc()
	}
}

var brt = func() *time.Location {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		return time.FixedZone("BRT", -3*60*60)
	}
	return loc
}()

func greeting(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return "Olá!\n\n"
	}
	return fmt.Sprintf("Olá, %s!\n\n", strings.Fields(name)[0])
}

func consultationDetails(c Consultation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Consulta: %s\n", c.Service)
	if !c.StartsAt.IsZero() {
		fmt.Fprintf(&b, "Data: %s (horário de Brasília)\n", c.StartsAt.In(brt).Format("02/01/2006 às 15:04"))
		fmt.Fprintf(&b, "Duração: %d minutos\n", int(c.length().Minutes()))
	}
	if c.MeetingURL != "" {
		fmt.Fprintf(&b, "Link: %s\n", c.MeetingURL)
	}
	if c.Notes != "" {
		fmt.Fprintf(&b, "Observações: %s\n", c.Notes)
	}
	fmt.Fprintf(&b, "Pedido: #%s\n", strings.ToUpper(c.OrderID.String()[:8]))
	return b.String()
}

func receipt(o *order.Order) string {
	var b strings.Builder
	b.WriteString(greeting(o.Customer.Name))
	fmt.Fprintf(&b, "Recebemos o pagamento do pedido #%s.\n\n", shortID(o))
	for _, it := range o.Items {
		fmt.Fprintf(&b, "- %s x%d: R$ %s\n", it.ProductName, it.Quantity, it.Subtotal().StringFixed(2))
	}
	if o.Discount.IsPositive() {
		fmt.Fprintf(&b, "Desconto: R$ %s\n", o.Discount.StringFixed(2))
	}
	fmt.Fprintf(&b, "Total: R$ %s\n\nObrigado pela confiança!\n", o.Total.StringFixed(2))
	return b.String()
}

func shortID(o *order.Order) string {
	return strings.ToUpper(o.ID.String()[:8])
}
