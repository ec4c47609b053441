// Package interpret produces tarot, numerology and astrology readings with a
// hosted language model.
package interpret

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

type Service struct {
	llm    Completer
	logger *slog.Logger
	now    func() time.Time
}

func NewService(llm Completer, logger *slog.Logger) *Service {
	return &Service{llm: llm, logger: logger, now: time.Now}
}

// Decode validates a request body against the current date.
func (s *Service) Decode(r io.Reader) (Request, error) {
	return Decode(r, s.now())
}

func (s *Service) Interpret(ctx context.Context, req Request) (string, error) {
	start := s.now()
	text, err := s.llm.Complete(ctx, systemPrompt, req.prompt())
	if err != nil {
		return "", fmt.Errorf("interpret %s: %w", req.Type(), err)
	}
	s.logger.Info("interpretation generated", "type", req.Type(), "elapsed", time.Since(start))
	return text, nil
}
