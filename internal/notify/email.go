package notify

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
)

type EmailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// SMTPEmailer sends plain text mail with PLAIN auth.
type SMTPEmailer struct {
	cfg      EmailConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPEmailer(cfg EmailConfig) *SMTPEmailer {
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPEmailer{cfg: cfg, sendMail: smtp.SendMail}
}

func (e *SMTPEmailer) Configured() bool {
	return e.cfg.Host != "" && e.cfg.From != ""
}

func (e *SMTPEmailer) Send(ctx context.Context, m Message) error {
	if !e.Configured() {
		return ErrNotConfigured
	}
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("email: empty recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	addr := e.cfg.Host + ":" + e.cfg.Port
	if err := e.sendMail(addr, auth, e.cfg.From, []string{m.To}, e.compose(m)); err != nil {
		return fmt.Errorf("send email to %s: %w", m.To, err)
	}
	return nil
}

func (e *SMTPEmailer) compose(m Message) []byte {
	from := e.cfg.From
	if e.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", e.cfg.FromName), e.cfg.From)
	}
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, m.To, mime.QEncoding.Encode("utf-8", m.Subject), m.Body,
	)
	return []byte(msg)
}
