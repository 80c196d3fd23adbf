package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/personadrift/internal/metrics"
)

// MetricsProvider wraps a provider with timing and Prometheus collection.
type MetricsProvider struct {
	provider Provider
	backend  Backend
	metrics  *metrics.Metrics
}

// NewMetricsProvider wraps provider, labelling its traffic with backend.
func NewMetricsProvider(provider Provider, backend Backend, m *metrics.Metrics) *MetricsProvider {
	return &MetricsProvider{
		provider: provider,
		backend:  backend,
		metrics:  m,
	}
}

// Chat implements Provider with metrics.
func (m *MetricsProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	log.Debug().
		Str("backend", string(m.backend)).
		Str("provider", m.provider.Name()).
		Str("model", req.Model).
		Int("messages", len(req.Messages)).
		Msg("starting completion")

	resp, err := m.provider.Chat(ctx, req)
	latency := time.Since(start)

	var in, out int
	if resp != nil {
		in, out = resp.PromptTokens, resp.CompletionTokens
	}
	m.metrics.ObserveCompletion(string(m.backend), req.Model, latency, in, out, err)

	if err == nil {
		log.Debug().
			Str("backend", string(m.backend)).
			Str("model", req.Model).
			Dur("latency", latency).
			Int("completion_tokens", out).
			Msg("completion finished")
	}

	return resp, err
}

// Name returns the wrapped provider's name.
func (m *MetricsProvider) Name() string {
	return m.provider.Name()
}

// Available returns the wrapped provider's availability.
func (m *MetricsProvider) Available() bool {
	return m.provider.Available()
}

// Unwrap returns the underlying provider.
func (m *MetricsProvider) Unwrap() Provider {
	return m.provider
}
