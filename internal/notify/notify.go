// Package notify sends consultation and payment messages over email,
// WhatsApp and Google Calendar. Channels fail independently: a broken
// provider shows up in the summary and never aborts the others.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelCalendar Channel = "calendar"
)

type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// ErrNotConfigured is returned by senders that lack credentials.
var ErrNotConfigured = errors.New("channel not configured")

type Result struct {
	Channel Channel `json:"channel"`
	Outcome Outcome `json:"outcome"`
	Ref     string  `json:"ref,omitempty"`
	Error   string  `json:"error,omitempty"`
}

type Summary struct {
	Results []Result `json:"results"`
}

// Delivered reports whether at least one channel reached the customer.
func (s Summary) Delivered() bool {
	for _, r := range s.Results {
		if r.Outcome == OutcomeSent {
			return true
		}
	}
	return false
}

func (s Summary) Get(c Channel) (Result, bool) {
	for _, r := range s.Results {
		if r.Channel == c {
			return r, true
		}
	}
	return Result{}, false
}

type Consultation struct {
	OrderID       uuid.UUID     `json:"order_id"`
	CustomerName  string        `json:"customer_name"`
	CustomerEmail string        `json:"customer_email"`
	CustomerPhone string        `json:"customer_phone,omitempty"`
	Service       string        `json:"service"`
	StartsAt      time.Time     `json:"starts_at"`
	Duration      time.Duration `json:"-"`
	DurationMin   int           `json:"duration_minutes,omitempty"`
	MeetingURL    string        `json:"meeting_url,omitempty"`
	Notes         string        `json:"notes,omitempty"`
}

func (c Consultation) length() time.Duration {
	if c.Duration > 0 {
		return c.Duration
	}
	if c.DurationMin > 0 {
		return time.Duration(c.DurationMin) * time.Minute
	}
	return time.Hour
}

type Message struct {
	To      string
	Subject string
	Body    string
}

type Emailer interface {
	Configured() bool
	Send(ctx context.Context, m Message) error
}

type Messenger interface {
	Configured() bool
	SendText(ctx context.Context, phone, text string) (string, error)
}

type Scheduler interface {
	Configured() bool
	CreateEvent(ctx context.Context, c Consultation) (string, error)
}
