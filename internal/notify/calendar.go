package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultCalendarBaseURL = "https://www.googleapis.com/calendar/v3"
	calendarScope          = "https://www.googleapis.com/auth/calendar.events"
)

var googleEndpoint = oauth2.Endpoint{
	AuthURL:   "https://accounts.google.com/o/oauth2/auth",
	TokenURL:  "https://oauth2.googleapis.com/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

type CalendarConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	CalendarID   string
	TimeZone     string
	BaseURL      string
	TokenURL     string
}

// CalendarScheduler books consultations on a Google Calendar using a
// long-lived refresh token of the shop account.
type CalendarScheduler struct {
	cfg    CalendarConfig
	oauth  *oauth2.Config
	source oauth2.TokenSource
}

func NewCalendarScheduler(cfg CalendarConfig) *CalendarScheduler {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = "America/Sao_Paulo"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCalendarBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	endpoint := googleEndpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       []string{calendarScope},
	}
	s := &CalendarScheduler{cfg: cfg, oauth: oc}
	if s.Configured() {
		// ReuseTokenSource caches the access token until it expires.
		s.source = oc.TokenSource(context.Background(), &oauth2.Token{RefreshToken: cfg.RefreshToken})
	}
	return s
}

func (s *CalendarScheduler) Configured() bool {
	return s.cfg.ClientID != "" && s.cfg.ClientSecret != "" && s.cfg.RefreshToken != ""
}

type eventTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type attendee struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

type calendarEvent struct {
	Summary     string     `json:"summary"`
	Description string     `json:"description"`
	Location    string     `json:"location,omitempty"`
	Start       eventTime  `json:"start"`
	End         eventTime  `json:"end"`
	Attendees   []attendee `json:"attendees,omitempty"`
}

type createdEvent struct {
	ID       string `json:"id"`
	HTMLLink string `json:"htmlLink"`
}

// CreateEvent inserts the consultation and returns the event id.
func (s *CalendarScheduler) CreateEvent(ctx context.Context, c Consultation) (string, error) {
	if !s.Configured() {
		return "", ErrNotConfigured
	}
	if c.StartsAt.IsZero() {
		return "", fmt.Errorf("calendar: consultation has no start time")
	}

	loc, err := time.LoadLocation(s.cfg.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	start := c.StartsAt.In(loc)
	ev := calendarEvent{
		Summary:     fmt.Sprintf("Consulta %s - %s", c.Service, c.CustomerName),
		Description: consultationDetails(c),
		Location:    c.MeetingURL,
		Start:       eventTime{DateTime: start.Format(time.RFC3339), TimeZone: s.cfg.TimeZone},
		End:         eventTime{DateTime: start.Add(c.length()).Format(time.RFC3339), TimeZone: s.cfg.TimeZone},
	}
	if c.CustomerEmail != "" {
		ev.Attendees = []attendee{{Email: c.CustomerEmail, DisplayName: c.CustomerName}}
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal calendar event: %w", err)
	}

	endpoint := fmt.Sprintf("%s/calendars/%s/events?sendUpdates=all", s.cfg.BaseURL, url.PathEscape(s.cfg.CalendarID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build calendar request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := oauth2.NewClient(ctx, s.source)
	client.Timeout = 15 * time.Second
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calendar request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("calendar API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out createdEvent
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode calendar event: %w", err)
	}
	return out.ID, nil
}
