package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"memvault-backend/internal/resilience"
)

// HTTPProvider talks to an OpenAI-compatible chat completions endpoint.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewHTTPProvider creates a provider against the given completions endpoint.
// The client should carry the configured LLM timeout.
func NewHTTPProvider(endpoint, apiKey, model string, client *http.Client, logger *zap.Logger) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   client,
		breaker:  resilience.NewBreaker(resilience.BreakerConfig{Name: "llm"}, logger),
	}
}

// IsAvailable reports whether the breaker currently admits requests.
func (p *HTTPProvider) IsAvailable() bool {
	return p.breaker.State() != gobreaker.StateOpen
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
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

// Complete sends the prompt as a single user message and returns the first
// choice's content.
func (p *HTTPProvider) Complete(ctx context.Context, prompt string, options CompletionOptions) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       p.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	out, err := p.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, string(data))
		}

		var parsed chatResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("decode completion response: %w", err)
		}
		if len(parsed.Choices) == 0 {
			return nil, fmt.Errorf("completion response has no choices")
		}
		return parsed.Choices[0].Message.Content, nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}
