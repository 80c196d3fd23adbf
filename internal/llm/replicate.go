package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// replicatePollInterval is how often an unfinished prediction is re-read.
const replicatePollInterval = 2 * time.Second

// ReplicateProvider implements the Provider interface for models hosted on
// Replicate. Chat messages are flattened into a Llama-3 chat template prompt.
type ReplicateProvider struct {
	baseProvider
	pollInterval time.Duration
}

// NewReplicateProvider creates a new Replicate provider.
func NewReplicateProvider(cfg *ProviderConfig) *ReplicateProvider {
	return &ReplicateProvider{
		baseProvider: newBaseProvider(cfg, "replicate"),
		pollInterval: replicatePollInterval,
	}
}

// FormatLlama3Prompt renders messages with the Llama-3 chat template and
// leaves an open assistant header for the model to complete.
func FormatLlama3Prompt(msgs []Message) string {
	var sb strings.Builder
	sb.WriteString("<|begin_of_text|>")
	for _, m := range msgs {
		fmt.Fprintf(&sb, "<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>", m.Role, m.Content)
	}
	sb.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	return sb.String()
}

// Chat creates a prediction and waits for it to finish.
func (p *ReplicateProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if p.config.APIKey == "" {
		return nil, fmt.Errorf("replicate: %w", ErrNotConfigured)
	}

	start := time.Now()

	input := replicateInput{
		Prompt:       FormatLlama3Prompt(req.Messages),
		MaxNewTokens: p.maxTokens(req),
		Temperature:  req.Temperature,
	}

	// "owner/name:version" pins a version; "owner/name" runs the latest.
	url := p.config.Endpoint + "/models/" + req.Model + "/predictions"
	body := replicateCreateRequest{Input: input}
	if _, version, ok := strings.Cut(req.Model, ":"); ok {
		url = p.config.Endpoint + "/predictions"
		body.Version = version
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Prefer", "wait")

	pred, err := p.do(httpReq)
	if err != nil {
		return nil, err
	}

	for !pred.finished() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollInterval):
		}

		getURL := pred.URLs.Get
		if getURL == "" {
			getURL = p.config.Endpoint + "/predictions/" + pred.ID
		}
		pollReq, err := http.NewRequestWithContext(ctx, http.MethodGet, getURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create poll request: %w", err)
		}
		if pred, err = p.do(pollReq); err != nil {
			return nil, err
		}
	}

	if pred.Status != "succeeded" {
		return nil, fmt.Errorf("replicate prediction %s %s: %s", pred.ID, pred.Status, pred.Error)
	}

	content, err := pred.text()
	if err != nil {
		return nil, err
	}

	return &ChatResponse{
		Content:          content,
		Model:            req.Model,
		PromptTokens:     pred.Metrics.InputTokenCount,
		CompletionTokens: pred.Metrics.OutputTokenCount,
		Duration:         time.Since(start),
	}, nil
}

// do executes an authenticated request and decodes the prediction.
func (p *ReplicateProvider) do(req *http.Request) (*replicatePrediction, error) {
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, &StatusError{Provider: "replicate", Code: resp.StatusCode, Body: string(bodyBytes)}
	}

	var pred replicatePrediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &pred, nil
}

// Replicate API types
type replicateInput struct {
	Prompt       string  `json:"prompt"`
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature,omitempty"`
}

type replicateCreateRequest struct {
	Version string         `json:"version,omitempty"`
	Input   replicateInput `json:"input"`
}

type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
	Metrics struct {
		InputTokenCount  int `json:"input_token_count"`
		OutputTokenCount int `json:"output_token_count"`
	} `json:"metrics"`
}

func (p *replicatePrediction) finished() bool {
	switch p.Status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

// text joins streamed output chunks. Some models return a single string.
func (p *replicatePrediction) text() (string, error) {
	if len(p.Output) == 0 || string(p.Output) == "null" {
		return "", nil
	}
	var chunks []string
	if err := json.Unmarshal(p.Output, &chunks); err == nil {
		return strings.Join(chunks, ""), nil
	}
	var s string
	if err := json.Unmarshal(p.Output, &s); err != nil {
		return "", fmt.Errorf("decode replicate output: %w", err)
	}
	return s, nil
}
