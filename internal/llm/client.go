// Package llm is the client for the local LLM server's generate API.
// Calls are capped by a concurrency semaphore and a circuit breaker so
// a struggling model server degrades the pipeline instead of stalling
// it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/maristack/vigia-core/internal/config"
	"github.com/maristack/vigia-core/internal/models"
	"github.com/maristack/vigia-core/pkg/logger"
)

// ErrBusy means the concurrency cap is saturated and the caller's
// context expired while waiting for a slot.
var ErrBusy = errors.New("llm: all generation slots busy")

type Client struct {
	baseURL string
	model   string
	timeout time.Duration
	http    *http.Client
	slots   chan struct{}
	breaker *gobreaker.CircuitBreaker
	logger  logger.Logger
}

func NewClient(cfg config.LLMConfig, log logger.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	model := cfg.Model
	if model == "" {
		model = "mistral"
	}

	return &Client{
		baseURL: cfg.URL,
		model:   model,
		timeout: timeout,
		// The transport timeout stays above the per-call context so the
		// context is always what cancels first.
		http:  &http.Client{Timeout: timeout + 2*time.Second},
		slots: make(chan struct{}, concurrency),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "llm-server",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("llm breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		logger: log,
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate runs one prompt through the model and returns its text.
// The call is bounded by the per-call timeout and the caller's context,
// whichever ends first. Timeout and breaker-open conditions surface as
// typed errors so callers can fall back to templated text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrBusy, ctx.Err())
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.generate(ctx, prompt)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", &models.DependencyUnavailable{Dependency: "llm", Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &models.DependencyTimeout{Dependency: "llm", Err: err}
		}
		return "", err
	}
	return result.(string), nil
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", context.DeadlineExceeded
		}
		return "", fmt.Errorf("llm call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Error("llm server error", "status", resp.StatusCode, "body", string(snippet))
		return "", fmt.Errorf("llm server returned status %d", resp.StatusCode)
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if gr.Response == "" {
		return "", fmt.Errorf("llm returned empty response")
	}
	return gr.Response, nil
}

// Healthy probes the model server's tag listing, the cheapest endpoint
// that proves the server is up and has models loaded.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("llm health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llm health status %d", resp.StatusCode)
	}
	return nil
}

// Model reports the configured model name, for /stats.
func (c *Client) Model() string {
	return c.model
}

// BreakerState reports the breaker state name, for /health.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}
