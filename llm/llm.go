// Package llm abstracts the language-model backend used by worker agents
// and the collaboration orchestrator. Providers are interchangeable: an
// OpenAI-compatible HTTP client for real deployments and a scripted
// provider for tests and simulation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Provider produces a completion for a transcript.
type Provider interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// ─── OpenAI-Compatible HTTP Client ───────────────────────────────────────────

// Client calls any OpenAI-compatible chat-completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewClient creates a chat-completions client. baseURL is the API root,
// e.g. "https://api.openai.com/v1".
func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends the transcript and returns the assistant reply.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	rsp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm call: %w", err)
	}
	defer rsp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(rsp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read llm response: %w", err)
	}
	if rsp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm call failed: status %d: %s", rsp.StatusCode, truncate(data, 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// ─── Scripted Provider ───────────────────────────────────────────────────────

// Scripted replays canned responses in order, cycling when exhausted. Used
// by tests and the market simulator. Fail forces the next n calls to error.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	idx       int
	failNext  int
	calls     int
}

// NewScripted creates a scripted provider.
func NewScripted(responses ...string) *Scripted {
	if len(responses) == 0 {
		responses = []string{"ok"}
	}
	return &Scripted{responses: responses}
}

// Fail makes the next n Complete calls return an error.
func (s *Scripted) Fail(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Calls returns how many completions were requested.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scripted) Complete(ctx context.Context, _ []Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failNext > 0 {
		s.failNext--
		return "", fmt.Errorf("scripted llm failure")
	}
	rsp := s.responses[s.idx%len(s.responses)]
	s.idx++
	return rsp, nil
}
