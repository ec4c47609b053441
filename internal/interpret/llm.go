package interpret

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultLLMBaseURL = "https://api.openai.com/v1"
	defaultModel      = "gpt-4o-mini"
	llmMaxRetries     = 3
	llmInitialDelay   = 500 * time.Millisecond
)

var ErrLLMNotConfigured = errors.New("completion API key not set")

// Completer turns a system and user prompt into text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// ChatClient speaks the OpenAI-compatible chat completions API, which most
// hosted gateways also expose.
type ChatClient struct {
	apiKey       string
	baseURL      string
	model        string
	client       *http.Client
	initialDelay time.Duration
}

func NewChatClient(apiKey, baseURL, model string) *ChatClient {
	if baseURL == "" {
		baseURL = defaultLLMBaseURL
	}
	if model == "" {
		model = defaultModel
	}
	return &ChatClient{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        model,
		client:       &http.Client{Timeout: 60 * time.Second},
		initialDelay: llmInitialDelay,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *ChatClient) Complete(ctx context.Context, system, user string) (string, error) {
	if c.apiKey == "" {
		return "", ErrLLMNotConfigured
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.8,
		MaxTokens:   900,
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < llmMaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.initialDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("build completion request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("completion request: %w", err)
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read completion response: %w", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			var cerr chatError
			if json.Unmarshal(raw, &cerr) == nil && cerr.Error.Message != "" {
				lastErr = fmt.Errorf("completion API error (%d): %s", resp.StatusCode, cerr.Error.Message)
			} else {
				lastErr = fmt.Errorf("completion API error (%d)", resp.StatusCode)
			}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				continue
			}
			return "", lastErr
		}

		var out chatResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("decode completion response: %w", err)
		}
		if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
			return "", errors.New("completion returned no text")
		}
		return strings.TrimSpace(out.Choices[0].Message.Content), nil
	}

	return "", fmt.Errorf("max retries (%d) exceeded: %w", llmMaxRetries, lastErr)
}
