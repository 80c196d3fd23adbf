// Package llm provides completion backends and the client the conversation
// loop talks to. Supports OpenAI, Anthropic and Replicate-hosted models.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxErrorBodySize limits how much of an error response body is read (1MB).
const MaxErrorBodySize = 1 * 1024 * 1024

// readLimitedBody reads up to maxBytes from r.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System, User and Assistant build messages.
func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Backend names a provider slot. Each slot is bound to a concrete Provider
// when the client is built.
type Backend string

const (
	BackendPrimary   Backend = "primary"
	BackendSecondary Backend = "secondary"
)

// Provider defines the interface for completion backends.
type Provider interface {
	// Chat sends the conversation and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier.
	Name() string

	// Available returns true if the provider is configured.
	Available() bool
}

// Completer is the narrow view of the client used by the conversation loop.
// It never fails; an empty string signals that the backend gave up.
type Completer interface {
	Complete(ctx context.Context, msgs []Message, model string, backend Backend, temperature float64) string
}

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	// Model to use (provider-specific).
	Model string `json:"model"`

	// Messages in the conversation, already windowed.
	Messages []Message `json:"messages"`

	// MaxTokens limits response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness. Zero means the backend default.
	Temperature float64 `json:"temperature,omitempty"`
}

// ChatResponse contains the model's response.
type ChatResponse struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// ProviderConfig contains configuration for a provider.
type ProviderConfig struct {
	// Kind identifies the implementation (openai, anthropic, replicate).
	Kind string

	// Endpoint is the API base URL.
	Endpoint string

	// APIKey for authentication.
	APIKey string

	// MaxTokens default for responses.
	MaxTokens int

	// Timeout for API calls.
	Timeout time.Duration
}

// DefaultConfig returns defaults for a provider kind.
func DefaultConfig(kind string) *ProviderConfig {
	switch kind {
	case "openai":
		return &ProviderConfig{
			Kind:      "openai",
			Endpoint:  "https://api.openai.com/v1",
			MaxTokens: 1024,
			Timeout:   2 * time.Minute,
		}
	case "anthropic":
		return &ProviderConfig{
			Kind:      "anthropic",
			Endpoint:  "https://api.anthropic.com",
			MaxTokens: 1024,
			Timeout:   2 * time.Minute,
		}
	case "replicate":
		// Cold boots on Replicate can take minutes.
		return &ProviderConfig{
			Kind:      "replicate",
			Endpoint:  "https://api.replicate.com/v1",
			MaxTokens: 512,
			Timeout:   5 * time.Minute,
		}
	default:
		return &ProviderConfig{
			Kind:      kind,
			MaxTokens: 1024,
			Timeout:   2 * time.Minute,
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// BASE PROVIDER
// ═══════════════════════════════════════════════════════════════════════════════

// baseProvider carries the fields every backend shares.
type baseProvider struct {
	config *ProviderConfig
	client *http.Client
}

// newBaseProvider creates a base provider with defaults applied.
func newBaseProvider(cfg *ProviderConfig, kind string) baseProvider {
	if cfg == nil {
		cfg = DefaultConfig(kind)
	}
	c := *cfg

	defaults := DefaultConfig(kind)
	if c.Endpoint == "" {
		c.Endpoint = defaults.Endpoint
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaults.MaxTokens
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.Timeout
	}
	c.Kind = kind

	return baseProvider{
		config: &c,
		client: &http.Client{Timeout: c.Timeout},
	}
}

// Name returns the provider identifier.
func (b *baseProvider) Name() string {
	return b.config.Kind
}

// Available checks if the API key is configured.
func (b *baseProvider) Available() bool {
	return b.config.APIKey != ""
}

// maxTokens picks the request value or falls back to the provider default.
func (b *baseProvider) maxTokens(req *ChatRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return b.config.MaxTokens
}

// ═══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ═══════════════════════════════════════════════════════════════════════════════

// ErrNotConfigured is returned when a provider has no credentials.
var ErrNotConfigured = errors.New("provider not configured")

// StatusError is a non-2xx response from a backend.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.Code, e.Body)
}

// Permanent reports whether retrying cannot help: client errors other than
// timeouts and rate limiting.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 &&
		e.Code != http.StatusRequestTimeout && e.Code != http.StatusTooManyRequests
}

// isPermanent reports whether err should stop the retry loop.
func isPermanent(err error) bool {
	if errors.Is(err, ErrNotConfigured) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Permanent()
	}
	return false
}
