package nli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/normanking/personadrift/internal/llm"
	"github.com/normanking/personadrift/internal/retry"
)

// HTTPClassifierConfig configures the hosted cross-encoder client.
type HTTPClassifierConfig struct {
	// Endpoint accepts {"inputs": {"text": ..., "text_pair": ...}} and answers
	// with a list of {label, score}, as the Hugging Face inference API does.
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	Retry    retry.Policy
}

// HTTPClassifier calls a hosted NLI cross-encoder.
type HTTPClassifier struct {
	endpoint string
	apiKey   string
	client   *http.Client
	policy   retry.Policy
}

// NewHTTPClassifier creates a new HTTP classifier.
func NewHTTPClassifier(cfg HTTPClassifierConfig) *HTTPClassifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &HTTPClassifier{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		policy:   cfg.Retry,
	}
}

type labelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classify scores premise against hypothesis. Transient failures are retried
// under the configured policy; client errors are not.
func (c *HTTPClassifier) Classify(ctx context.Context, premise, hypothesis string) (Scores, error) {
	body, err := json.Marshal(map[string]any{
		"inputs": map[string]string{
			"text":      premise,
			"text_pair": hypothesis,
		},
	})
	if err != nil {
		return Scores{}, fmt.Errorf("marshal request: %w", err)
	}

	raw, err := retry.Do(ctx, c.policy, "classify", func(ctx context.Context) ([]byte, error) {
		raw, err := c.post(ctx, body)
		var se *llm.StatusError
		if errors.As(err, &se) && se.Permanent() {
			return nil, retry.Permanent(err)
		}
		return raw, err
	})
	if err != nil {
		return Scores{}, err
	}
	return decodeLabelScores(raw)
}

func (c *HTTPClassifier) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &llm.StatusError{Provider: "nli", Code: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}
	return raw, nil
}

// decodeLabelScores accepts a flat list of label scores or the nested list
// returned for batched inputs.
func decodeLabelScores(raw []byte) (Scores, error) {
	var flat []labelScore
	if err := json.Unmarshal(raw, &flat); err != nil {
		var nested [][]labelScore
		if err := json.Unmarshal(raw, &nested); err != nil {
			return Scores{}, fmt.Errorf("decode response: %w", err)
		}
		if len(nested) == 0 {
			return Scores{}, fmt.Errorf("empty nli response")
		}
		flat = nested[0]
	}

	var s Scores
	matched := 0
	for _, ls := range flat {
		if l, ok := ParseLabel(ls.Label); ok {
			s.Set(l, ls.Score)
			matched++
		}
	}
	if matched == 0 {
		return Scores{}, fmt.Errorf("nli response carried no known labels")
	}
	return s, nil
}
