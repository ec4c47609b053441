// Package proofs stores the payment proof files buyers upload on the manual
// PIX path.
package proofs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const MaxSize = 10 << 20

var (
	ErrTooLarge     = errors.New("proof file exceeds 10 MiB")
	ErrEmpty        = errors.New("proof file is empty")
	ErrUnsupported  = errors.New("proof must be a JPEG, PNG, WebP image or a PDF")
	ErrFileNotFound = errors.New("proof file not found")
)

var allowed = []string{"image/jpeg", "image/png", "image/webp", "application/pdf"}

// Store keeps proof files and hands out short-lived links to staff.
type Store interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// Read consumes at most MaxSize bytes of r and checks what the bytes are,
// ignoring whatever content type the client claimed.
func Read(r io.Reader) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read proof: %w", err)
	}
	if len(data) == 0 {
		return nil, "", ErrEmpty
	}
	if len(data) > MaxSize {
		return nil, "", ErrTooLarge
	}

	mt := mimetype.Detect(data)
	for _, a := range allowed {
		if mt.Is(a) {
			return data, a, nil
		}
	}
	return nil, "", fmt.Errorf("%w (got %s)", ErrUnsupported, mt.String())
}
