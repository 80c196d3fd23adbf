package llm

import (
	"fmt"
	"os"
	"time"

	"github.com/normanking/personadrift/internal/config"
	"github.com/normanking/personadrift/internal/metrics"
)

// getAPIKeyFromEnv retrieves the API key from standard environment variables.
func getAPIKeyFromEnv(kind string) string {
	envVars := map[string]string{
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"replicate": "REPLICATE_API_TOKEN",
	}
	if envVar, ok := envVars[kind]; ok {
		return os.Getenv(envVar)
	}
	return ""
}

// NewProvider creates a provider of the given kind.
func NewProvider(kind string, cfg *ProviderConfig) (Provider, error) {
	switch kind {
	case "openai":
		return NewOpenAIProvider(cfg), nil
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "replicate":
		return NewReplicateProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", kind)
	}
}

// NewClientFromConfig binds every configured backend slot to its provider,
// wrapped with metrics, and returns a ready client.
func NewClientFromConfig(cfg *config.Config, m *metrics.Metrics) (*Client, error) {
	client := NewClient(ClientOptions{
		WindowSize: cfg.Conversation.WindowSize,
		Retry:      cfg.Retry.Policy(),
	})

	for slot, pc := range cfg.Providers {
		apiKey := pc.APIKey
		if apiKey == "" {
			apiKey = getAPIKeyFromEnv(pc.Kind)
		}

		provider, err := NewProvider(pc.Kind, &ProviderConfig{
			Kind:      pc.Kind,
			Endpoint:  pc.Endpoint,
			APIKey:    apiKey,
			MaxTokens: pc.MaxTokens,
			Timeout:   time.Duration(pc.TimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("provider slot %s: %w", slot, err)
		}

		backend := Backend(slot)
		client.Register(backend, NewMetricsProvider(provider, backend, m), pc.RequestsPerMinute)
	}

	return client, nil
}
