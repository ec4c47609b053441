package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"
)

const defaultWhatsAppBaseURL = "https://graph.facebook.com/v19.0"

type WhatsAppConfig struct {
	Token         string
	PhoneNumberID string
	BaseURL       string
}

// WhatsAppSender posts text messages through the WhatsApp Cloud API.
type WhatsAppSender struct {
	cfg    WhatsAppConfig
	client *http.Client
}

func NewWhatsAppSender(cfg WhatsAppConfig) *WhatsAppSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultWhatsAppBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &WhatsAppSender{cfg: cfg, client: &http.Client{Timeout: 15 * time.Second}}
}

func (s *WhatsAppSender) Configured() bool {
	return s.cfg.Token != "" && s.cfg.PhoneNumberID != ""
}

type waText struct {
	Body string `json:"body"`
}

type waMessage struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             waText `json:"text"`
}

type waResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// SendText returns the provider message id.
func (s *WhatsAppSender) SendText(ctx context.Context, phone, text string) (string, error) {
	if !s.Configured() {
		return "", ErrNotConfigured
	}
	to := NormalizePhone(phone)
	if to == "" {
		return "", fmt.Errorf("whatsapp: invalid phone %q", phone)
	}

	body, err := json.Marshal(waMessage{MessagingProduct: "whatsapp", To: to, Type: "text", Text: waText{Body: text}})
	if err != nil {
		return "", fmt.Errorf("marshal whatsapp message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/"+s.cfg.PhoneNumberID+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var out waResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode >= 300 {
		if out.Error != nil && out.Error.Message != "" {
			return "", fmt.Errorf("whatsapp API error (%d): %s", resp.StatusCode, out.Error.Message)
		}
		return "", fmt.Errorf("whatsapp API error (%d)", resp.StatusCode)
	}
	if len(out.Messages) == 0 {
		return "", nil
	}
	return out.Messages[0].ID, nil
}

// NormalizePhone keeps digits only and prefixes Brazil's country code to
// local numbers with area code.
func NormalizePhone(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
	digits = strings.TrimLeft(digits, "0")
	switch {
	case len(digits) == 10 || len(digits) == 11:
		return "55" + digits
	case len(digits) >= 12 && len(digits) <= 15:
		return digits
	}
	return ""
}
