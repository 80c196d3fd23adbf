package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/normanking/personadrift/internal/retry"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// WindowSize bounds the messages sent per call (default 11).
	WindowSize int
	// Retry governs transient failure handling.
	Retry retry.Policy
}

// Client dispatches completions to the provider bound to each backend slot.
// Every call is windowed, rate-limited and retried; failures are logged and
// surface as an empty string so a single bad call never aborts a run.
type Client struct {
	mu        sync.RWMutex
	providers map[Backend]Provider
	limiters  map[Backend]*rate.Limiter

	window int
	policy retry.Policy
	log    zerolog.Logger
}

// NewClient creates a client with no backends registered.
func NewClient(opts ClientOptions) *Client {
	if opts.WindowSize < 1 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.Retry.MaxTries < 1 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Client{
		providers: make(map[Backend]Provider),
		limiters:  make(map[Backend]*rate.Limiter),
		window:    opts.WindowSize,
		policy:    opts.Retry,
		log:       log.With().Str("component", "llm").Logger(),
	}
}

// Register binds a provider to a backend slot. requestsPerMinute <= 0 leaves
// the slot unlimited.
func (c *Client) Register(backend Backend, p Provider, requestsPerMinute int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.providers[backend] = p
	if requestsPerMinute > 0 {
		c.limiters[backend] = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1)
	} else {
		delete(c.limiters, backend)
	}
}

// Provider returns the provider bound to backend.
func (c *Client) Provider(backend Backend) (Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[backend]
	return p, ok
}

// Complete sends the windowed conversation to the backend and returns the
// response text, or "" once retries are exhausted.
func (c *Client) Complete(ctx context.Context, msgs []Message, model string, backend Backend, temperature float64) string {
	content, err := c.Chat(ctx, msgs, model, backend, temperature)
	if err != nil {
		c.log.Warn().
			Err(err).
			Str("backend", string(backend)).
			Str("model", model).
			Msg("completion failed, returning empty response")
		return ""
	}
	return content
}

// Chat is Complete with the error exposed.
func (c *Client) Chat(ctx context.Context, msgs []Message, model string, backend Backend, temperature float64) (string, error) {
	c.mu.RLock()
	provider, ok := c.providers[backend]
	limiter := c.limiters[backend]
	c.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("no provider registered for backend %q", backend)
	}

	req := &ChatRequest{
		Model:       model,
		Messages:    Window(msgs, c.window),
		Temperature: temperature,
	}

	resp, err := retry.Do(ctx, c.policy, "complete:"+string(backend), func(ctx context.Context) (*ChatResponse, error) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, retry.Permanent(err)
			}
		}
		resp, err := provider.Chat(ctx, req)
		if err != nil && isPermanent(err) {
			return nil, retry.Permanent(err)
		}
		return resp, err
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
