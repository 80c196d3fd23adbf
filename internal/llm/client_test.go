package llm

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/personadrift/internal/config"
	"github.com/normanking/personadrift/internal/metrics"
	"github.com/normanking/personadrift/internal/retry"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FAKE PROVIDER
// ═══════════════════════════════════════════════════════════════════════════════

type fakeProvider struct {
	mu       sync.Mutex
	requests []*ChatRequest
	replies  []fakeReply
}

type fakeReply struct {
	content string
	err     error
}

func (f *fakeProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if len(f.replies) == 0 {
		return &ChatResponse{Content: "ok"}, nil
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	return &ChatResponse{Content: r.content}, nil
}

func (f *fakeProvider) Name() string    { return "fake" }
func (f *fakeProvider) Available() bool { return true }

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestClient(p Provider) *Client {
	c := NewClient(ClientOptions{
		WindowSize: 11,
		Retry:      retry.Policy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	})
	c.Register(BackendPrimary, p, 0)
	return c
}

// ═══════════════════════════════════════════════════════════════════════════════
// TESTS
// ═══════════════════════════════════════════════════════════════════════════════

func TestComplete_AppliesWindow(t *testing.T) {
	fake := &fakeProvider{}
	c := newTestClient(fake)

	msgs := conversation(30, true)
	got := c.Complete(context.Background(), msgs, "gpt-4o", BackendPrimary, 0.7)

	assert.Equal(t, "ok", got)
	require.Equal(t, 1, fake.calls())
	req := fake.requests[0]
	assert.Len(t, req.Messages, 11)
	assert.Equal(t, RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, 0.7, req.Temperature)
	assert.Len(t, msgs, 30, "caller slice must be left alone")
}

func TestComplete_RetriesTransientErrors(t *testing.T) {
	fake := &fakeProvider{replies: []fakeReply{
		{err: errors.New("connection reset")},
		{err: &StatusError{Provider: "fake", Code: http.StatusTooManyRequests}},
		{content: "finally"},
	}}
	c := newTestClient(fake)

	got := c.Complete(context.Background(), conversation(2, true), "m", BackendPrimary, 0.7)

	assert.Equal(t, "finally", got)
	assert.Equal(t, 3, fake.calls())
}

func TestComplete_ExhaustedRetriesReturnEmpty(t *testing.T) {
	fake := &fakeProvider{replies: []fakeReply{{err: errors.New("down")}}}
	c := newTestClient(fake)

	got := c.Complete(context.Background(), conversation(2, true), "m", BackendPrimary, 0.7)

	assert.Empty(t, got)
	assert.Equal(t, 3, fake.calls())
}

func TestComplete_PermanentErrorNotRetried(t *testing.T) {
	fake := &fakeProvider{replies: []fakeReply{{err: &StatusError{Provider: "fake", Code: http.StatusUnauthorized}}}}
	c := newTestClient(fake)

	got := c.Complete(context.Background(), conversation(2, true), "m", BackendPrimary, 0.7)

	assert.Empty(t, got)
	assert.Equal(t, 1, fake.calls())
}

func TestChat_UnknownBackend(t *testing.T) {
	c := newTestClient(&fakeProvider{})

	_, err := c.Chat(context.Background(), conversation(2, true), "m", BackendSecondary, 0.7)
	assert.Error(t, err)
	assert.Empty(t, c.Complete(context.Background(), conversation(2, true), "m", BackendSecondary, 0.7))
}

func TestStatusError_Permanent(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		err := &StatusError{Code: tt.code}
		assert.Equal(t, tt.want, err.Permanent(), "status %d", tt.code)
	}
	assert.True(t, isPermanent(ErrNotConfigured))
}

func TestNewClientFromConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg := config.Default()

	c, err := NewClientFromConfig(cfg, metrics.New())
	require.NoError(t, err)

	primary, ok := c.Provider(BackendPrimary)
	require.True(t, ok)
	mp, ok := primary.(*MetricsProvider)
	require.True(t, ok, "providers are wrapped with metrics")
	assert.Equal(t, "openai", mp.Name())
	assert.True(t, mp.Available(), "key falls back to OPENAI_API_KEY")

	secondary, ok := c.Provider(BackendSecondary)
	require.True(t, ok)
	assert.Equal(t, "replicate", secondary.Name())
}

func TestNewClientFromConfig_UnknownKind(t *testing.T) {
	cfg := config.Default()
	cfg.Providers["secondary"] = config.ProviderConfig{Kind: "mystery"}

	_, err := NewClientFromConfig(cfg, nil)
	assert.Error(t, err)
}
