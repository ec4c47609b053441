// Package checkout drives the buyer's side of paying an order: try the
// gateway first, fall back to manual PIX when the gateway cannot be used,
// then wait for the order to be paid.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"oraculo/internal/observer"
	"oraculo/internal/order"
	"oraculo/internal/payment"
	"oraculo/internal/pix"

	"github.com/google/uuid"
)

type Path string

const (
	PathAutomatic Path = "automatic"
	PathManual    Path = "manual"
)

const FallbackNotice = "Não foi possível gerar o PIX automático. Use o PIX manual e envie o comprovante."

type API interface {
	CreatePayment(ctx context.Context, orderID uuid.UUID) (*payment.Payment, error)
	UseManualPix(ctx context.Context, orderID uuid.UUID) (*pix.Instructions, error)
}

type Result struct {
	Path    Path
	Payment *payment.Payment
	Manual  *pix.Instructions
	// Notice is set when the buyer was moved to the manual path.
	Notice string
}

type Orchestrator struct {
	api      API
	observer *observer.Observer
	interval time.Duration
	logger   *slog.Logger
}

func New(api API, obs *observer.Observer, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{api: api, observer: obs, interval: observer.DefaultInterval, logger: logger}
}

func (o *Orchestrator) WithPollInterval(d time.Duration) *Orchestrator {
	o.interval = d
	return o
}

// PayWithPix asks for a gateway charge and switches the order to manual PIX
// when the provider failed. Caller errors such as rate limiting, ownership
// or order state are returned unchanged.
func (o *Orchestrator) PayWithPix(ctx context.Context, orderID uuid.UUID) (*Result, error) {
	p, err := o.api.CreatePayment(ctx, orderID)
	if err == nil {
		return &Result{Path: PathAutomatic, Payment: p}, nil
	}

	var perr *payment.Error
	if !errors.As(err, &perr) || !perr.GatewayFailure() {
		return nil, err
	}

	o.logger.Warn("automatic pix unavailable, switching to manual", "order_id", orderID, "code", perr.Code, "reason", perr.Reason)
	manual, merr := o.api.UseManualPix(ctx, orderID)
	if merr != nil {
		return nil, fmt.Errorf("fall back to manual pix: %w", merr)
	}
	return &Result{Path: PathManual, Manual: manual, Notice: FallbackNotice}, nil
}

// ErrNotPaid reports that the order reached a final status other than paid,
// such as a rejected proof or a cancellation.
var ErrNotPaid = errors.New("order was not paid")

// AwaitPaid blocks until the order is paid, reaches another final status
// (ErrNotPaid) or ctx ends. Polling is enabled only on the automatic path,
// where nobody else will move the order along.
func (o *Orchestrator) AwaitPaid(ctx context.Context, orderID uuid.UUID, path Path, onStatus func(order.Status)) error {
	ch := o.observer.Watch(ctx, orderID, observer.Options{Poll: path == PathAutomatic, Interval: o.interval})
	for s := range ch {
		if onStatus != nil {
			onStatus(s)
		}
		if s == order.StatusPaid {
			return nil
		}
		if s.Terminal() {
			return fmt.Errorf("%w: status %s", ErrNotPaid, s)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("status feed ended before the order was paid")
}
