// Package embedding turns text into vectors for drift scoring.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/normanking/personadrift/internal/config"
	"github.com/normanking/personadrift/internal/metrics"
	"github.com/normanking/personadrift/internal/retry"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EMBEDDER INTERFACE
// ═══════════════════════════════════════════════════════════════════════════════

// Embedder generates a vector embedding for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// ModelName returns the name of the embedding model.
	ModelName() string
}

// ErrEmptyEmbedding is returned when a backend answers without a vector.
var ErrEmptyEmbedding = errors.New("no embedding returned")

// ═══════════════════════════════════════════════════════════════════════════════
// SERVICE
// ═══════════════════════════════════════════════════════════════════════════════

// Service wraps an Embedder with input normalisation, retries and failure
// swallowing. Callers treat an empty vector as "no measurement".
type Service struct {
	embedder Embedder
	policy   retry.Policy
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewService creates a service over embedder.
func NewService(embedder Embedder, policy retry.Policy, m *metrics.Metrics) *Service {
	return &Service{
		embedder: embedder,
		policy:   policy,
		metrics:  m,
		log:      log.With().Str("component", "embedding").Str("model", embedder.ModelName()).Logger(),
	}
}

// Embed returns the embedding of text with newlines replaced by spaces, or an
// empty vector on failure.
func (s *Service) Embed(ctx context.Context, text string) []float32 {
	vec, err := s.EmbedErr(ctx, text)
	if err != nil {
		s.log.Warn().Err(err).Int("text_len", len(text)).Msg("embedding failed, returning empty vector")
		return nil
	}
	return vec
}

// EmbedErr is Embed with the error exposed.
func (s *Service) EmbedErr(ctx context.Context, text string) ([]float32, error) {
	text = strings.ReplaceAll(text, "\n", " ")

	vec, err := retry.Do(ctx, s.policy, "embed", func(ctx context.Context) ([]float32, error) {
		v, err := s.embedder.Embed(ctx, text)
		if err == nil && len(v) == 0 {
			err = ErrEmptyEmbedding
		}
		return v, err
	})
	s.metrics.ObserveEmbedding(err)
	return vec, err
}

// ═══════════════════════════════════════════════════════════════════════════════
// FACTORY
// ═══════════════════════════════════════════════════════════════════════════════

// NewFromConfig builds the configured embedder wrapped in a Service.
func NewFromConfig(cfg *config.Config, m *metrics.Metrics) (*Service, error) {
	var e Embedder
	switch cfg.Embedding.Kind {
	case "openai":
		apiKey := cfg.Embedding.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		e = NewOpenAIEmbedder(OpenAIEmbedderConfig{
			Endpoint: cfg.Embedding.Endpoint,
			APIKey:   apiKey,
			Model:    cfg.Embedding.Model,
		})
	case "ollama":
		e = NewOllamaEmbedder(OllamaEmbedderConfig{
			Host:  cfg.Embedding.Endpoint,
			Model: cfg.Embedding.Model,
		})
	default:
		return nil, fmt.Errorf("unknown embedding kind: %s", cfg.Embedding.Kind)
	}

	return NewService(e, cfg.Retry.Policy(), m), nil
}
