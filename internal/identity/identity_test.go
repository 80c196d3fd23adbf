package identity

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/personadrift/internal/llm"
	"github.com/normanking/personadrift/internal/nli"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MOCKS
// ═══════════════════════════════════════════════════════════════════════════════

// mockEmbedder maps texts containing a keyword to a fixed vector.
type mockEmbedder struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	fallback []float32
	calls    map[string]int
}

func newMockEmbedder() *mockEmbedder {
	return &mockEmbedder{
		vectors:  make(map[string][]float32),
		fallback: []float32{0, 0, 1},
		calls:    make(map[string]int),
	}
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[text]++
	for k, v := range m.vectors {
		if strings.Contains(text, k) {
			return v
		}
	}
	return m.fallback
}

// mockClassifier flags contradiction when the hypothesis contains a keyword.
type mockClassifier struct {
	contradicts string
	err         error
	calls       int
}

func (m *mockClassifier) Classify(ctx context.Context, premise, hypothesis string) (nli.Scores, error) {
	m.calls++
	if m.err != nil {
		return nli.Scores{}, m.err
	}
	if m.contradicts != "" && strings.Contains(hypothesis, m.contradicts) {
		return nli.Scores{Contradiction: 0.9, Neutral: 0.05, Entailment: 0.05}, nil
	}
	return nli.Scores{Contradiction: 0.05, Neutral: 0.15, Entailment: 0.8}, nil
}

// scriptedCompleter returns replies in order and records every call.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies []string
	calls   [][]llm.Message
}

func (s *scriptedCompleter) Complete(ctx context.Context, msgs []llm.Message, model string, backend llm.Backend, temperature float64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, msgs)
	if len(s.replies) == 0 {
		return ""
	}
	r := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return r
}

// fixedChecker always returns the same verdict and counts checks.
type fixedChecker struct {
	verdict DriftVerdict
	checks  int
}

func (f *fixedChecker) CheckDrift(ctx context.Context, draft string) DriftVerdict {
	f.checks++
	return f.verdict
}

const pirateAnchor = "You are Jack Sparrow, a pirate captain of the Black Pearl."

// ═══════════════════════════════════════════════════════════════════════════════
// DRIFT METER
// ═══════════════════════════════════════════════════════════════════════════════

func TestOrthogonalDrift(t *testing.T) {
	tests := []struct {
		name     string
		anchor   []float32
		response []float32
		want     float64
	}{
		{"zero anchor", []float32{0, 0, 0}, []float32{1, 2, 3}, 0},
		{"empty anchor", nil, []float32{1}, 0},
		{"aligned", []float32{3, 4}, []float32{3, 4}, 5},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposed", []float32{1, 0}, []float32{-2, 0}, -2},
		{"unnormalised anchor", []float32{2, 0}, []float32{0.5, 9}, 0.5},
		{"shorter response", []float32{1, 0, 0}, []float32{3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, OrthogonalDrift(tt.anchor, tt.response), 1e-9)
		})
	}
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-6)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.InDelta(t, 1/math.Sqrt2, CosineSimilarity([]float32{1, 0}, []float32{1, 1}), 1e-6)
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

// ═══════════════════════════════════════════════════════════════════════════════
// HYPOCRISY
// ═══════════════════════════════════════════════════════════════════════════════

func TestDecodeJudgeVerdict(t *testing.T) {
	tests := []struct {
		answer string
		want   JudgeVerdict
	}{
		{"YES", VerdictContradiction},
		{"Yes. The statement says he is an accountant.", VerdictContradiction},
		{"**YES** - contradicts fact 2", VerdictContradiction},
		{"NO", VerdictConsistent},
		{"No.", VerdictConsistent},
		{"No, although someone might say yes.", VerdictConsistent},
		{"\"NO\"", VerdictConsistent},
		{"The answer is yes: it contradicts the first fact.", VerdictContradiction},
		{"The eyes of the statement are fine.", VerdictAmbiguous},
		{"Not really sure.", VerdictAmbiguous},
		{"", VerdictAmbiguous},
	}
	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeJudgeVerdict(tt.answer))
		})
	}
}

func TestHypocrisyChecker_EmptyFactsSkipsJudge(t *testing.T) {
	judge := &scriptedCompleter{replies: []string{"YES"}}
	h := NewHypocrisyChecker(judge, "gpt-4o-mini", llm.BackendPrimary, nil)

	status, reason := h.Check(context.Background(), "I am a pirate.", nil)

	assert.Equal(t, HypocrisyPass, status)
	assert.Equal(t, "no facts to check", reason)
	assert.Empty(t, judge.calls, "judge must not be called without facts")
}

func TestHypocrisyChecker_Fail(t *testing.T) {
	judge := &scriptedCompleter{replies: []string{"YES. He claims to be an accountant."}}
	h := NewHypocrisyChecker(judge, "gpt-4o-mini", llm.BackendPrimary, nil)

	status, reason := h.Check(context.Background(), "I am an accountant.", []string{"Captain of the Black Pearl", "Pirate"})

	assert.Equal(t, HypocrisyFail, status)
	assert.Equal(t, "YES. He claims to be an accountant.", reason)

	require.Len(t, judge.calls, 1)
	prompt := judge.calls[0][0].Content
	assert.Equal(t, llm.RoleUser, judge.calls[0][0].Role)
	assert.Contains(t, prompt, "- Captain of the Black Pearl\n- Pirate")
	assert.Contains(t, prompt, `"I am an accountant."`)
}

func TestHypocrisyChecker_AmbiguousPasses(t *testing.T) {
	h := NewHypocrisyChecker(&scriptedCompleter{replies: []string{""}}, "m", llm.BackendPrimary, nil)

	status, reason := h.Check(context.Background(), "Arr.", []string{"Pirate"})

	assert.Equal(t, HypocrisyPass, status)
	assert.Equal(t, "judge returned no verdict", reason)
}

// ═══════════════════════════════════════════════════════════════════════════════
// GUARDIAN
// ═══════════════════════════════════════════════════════════════════════════════

func TestGuardian_EmptyDraft(t *testing.T) {
	cls := &mockClassifier{}
	g := NewGuardian(pirateAnchor, cls, newMockEmbedder(), DefaultConfig(), nil)

	v := g.CheckDrift(context.Background(), "   \n")

	assert.True(t, v.Drifting)
	assert.Equal(t, KindEmpty, v.Kind)
	assert.Zero(t, cls.calls, "empty drafts short-circuit before classification")
}

func TestGuardian_Contradiction(t *testing.T) {
	g := NewGuardian(pirateAnchor, &mockClassifier{contradicts: "accountant"}, newMockEmbedder(), DefaultConfig(), nil)

	v := g.CheckDrift(context.Background(), "I am an accountant.")

	assert.True(t, v.Drifting)
	assert.Equal(t, KindContradiction, v.Kind)
	assert.Equal(t, "factual contradiction detected against persona profile", v.Reason)
}

func TestGuardian_StylisticDrift(t *testing.T) {
	emb := newMockEmbedder()
	emb.vectors["Jack Sparrow"] = []float32{1, 0, 0}
	emb.vectors["spreadsheet"] = []float32{0, 1, 0}
	g := NewGuardian(pirateAnchor, &mockClassifier{}, emb, DefaultConfig(), nil)

	v := g.CheckDrift(context.Background(), "Let me open a spreadsheet.")

	assert.True(t, v.Drifting)
	assert.Equal(t, KindStyle, v.Kind)
	assert.Equal(t, "stylistic drift (similarity 0.00 < 0.40)", v.Reason)
}

func TestGuardian_PassAndAnchorCached(t *testing.T) {
	emb := newMockEmbedder()
	emb.vectors["Jack Sparrow"] = []float32{1, 0.1, 0}
	emb.vectors["Black Pearl"] = []float32{1, 0.2, 0}
	g := NewGuardian(pirateAnchor, &mockClassifier{}, emb, DefaultConfig(), nil)

	for i := 0; i < 3; i++ {
		v := g.CheckDrift(context.Background(), "Arr, the Black Pearl awaits.")
		assert.False(t, v.Drifting)
		assert.Equal(t, "pass", v.Reason)
		assert.Greater(t, v.Similarity, 0.9)
	}
	assert.Equal(t, 1, emb.calls[pirateAnchor], "anchor embedding computed once")
}

func TestGuardian_BackendFailuresSkipChecks(t *testing.T) {
	emb := newMockEmbedder()
	emb.fallback = nil
	g := NewGuardian(pirateAnchor, &mockClassifier{err: errors.New("nli down")}, emb, DefaultConfig(), nil)

	v := g.CheckDrift(context.Background(), "I am an accountant.")

	assert.False(t, v.Drifting)
	assert.Equal(t, "pass", v.Reason)
}

func TestGuardian_DimensionMismatchSkipsStyleCheck(t *testing.T) {
	emb := newMockEmbedder()
	emb.vectors["Jack Sparrow"] = []float32{1, 0, 0}
	emb.vectors["Tortuga"] = []float32{0, 1}
	g := NewGuardian(pirateAnchor, &mockClassifier{}, emb, DefaultConfig(), nil)

	for i := 0; i < 2; i++ {
		v := g.CheckDrift(context.Background(), "Off to Tortuga.")
		assert.False(t, v.Drifting)
		assert.Equal(t, "pass", v.Reason)
	}
}

func TestGuardian_SeededAnchorEmbedding(t *testing.T) {
	emb := newMockEmbedder()
	emb.vectors["Black Pearl"] = []float32{1, 0.2, 0}
	g := NewGuardian(pirateAnchor, &mockClassifier{}, emb, DefaultConfig(), nil).
		WithAnchorEmbedding([]float32{1, 0.1, 0})

	v := g.CheckDrift(context.Background(), "Arr, the Black Pearl awaits.")

	assert.False(t, v.Drifting)
	assert.Zero(t, emb.calls[pirateAnchor], "seeded anchor is not embedded again")
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATE MACHINE
// ═══════════════════════════════════════════════════════════════════════════════

func TestTransition(t *testing.T) {
	tests := []struct {
		name        string
		state       State
		event       Event
		attempt     int
		wantState   State
		wantAttempt int
	}{
		{"draft ready", StateDrafting, EventDraftReady, 0, StateChecking, 0},
		{"pass accepts", StateChecking, EventPassed, 1, StateAccepted, 1},
		{"drift with budget corrects", StateChecking, EventDrifted, 1, StateCorrecting, 1},
		{"drift at budget exhausts", StateChecking, EventDrifted, 2, StateExhausted, 2},
		{"corrected draft rechecks", StateCorrecting, EventDraftReady, 1, StateChecking, 2},
		{"invalid from drafting", StateDrafting, EventPassed, 0, StateDrafting, 0},
		{"invalid from correcting", StateCorrecting, EventDrifted, 1, StateCorrecting, 1},
		{"accepted is terminal", StateAccepted, EventDrifted, 0, StateAccepted, 0},
		{"exhausted is terminal", StateExhausted, EventDraftReady, 2, StateExhausted, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, a := Transition(tt.state, tt.event, tt.attempt, 2)
			assert.Equal(t, tt.wantState, s)
			assert.Equal(t, tt.wantAttempt, a)
		})
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CORRECTOR
// ═══════════════════════════════════════════════════════════════════════════════

func history() []llm.Message {
	return []llm.Message{llm.System(pirateAnchor), llm.User("What do you do for a living?")}
}

func TestCorrector_AlwaysPass(t *testing.T) {
	comp := &scriptedCompleter{replies: []string{"Arr, I sail the seas."}}
	checker := &fixedChecker{verdict: DriftVerdict{Reason: "pass"}}
	c := NewCorrector(comp, checker, CorrectorConfig{Anchor: pirateAnchor, MaxRetries: 2}, nil)

	draft, out := c.Generate(context.Background(), history())

	assert.Equal(t, "Arr, I sail the seas.", draft)
	assert.Equal(t, Outcome{Corrected: false, Retries: 0}, out)
	assert.Len(t, comp.calls, 1)
	assert.Equal(t, 1, checker.checks)
}

func TestCorrector_AlwaysDrift(t *testing.T) {
	comp := &scriptedCompleter{replies: []string{"d0", "d1", "d2", "d3"}}
	checker := &fixedChecker{verdict: DriftVerdict{Drifting: true, Kind: KindStyle, Reason: "stylistic drift"}}
	c := NewCorrector(comp, checker, CorrectorConfig{Anchor: pirateAnchor, MaxRetries: 2}, nil)

	draft, out := c.Generate(context.Background(), history())

	assert.Equal(t, "d2", draft, "last corrective draft is kept")
	assert.True(t, out.Corrected)
	assert.True(t, out.FailedToFix)
	assert.Equal(t, 2, out.Retries)
	assert.Len(t, out.Reasons, 3)
	assert.Len(t, comp.calls, 3, "one draft plus max_retries corrective calls")
	assert.Equal(t, 3, checker.checks, "max_retries+1 checks")
}

func TestCorrector_ZeroBudget(t *testing.T) {
	comp := &scriptedCompleter{replies: []string{"d0"}}
	checker := &fixedChecker{verdict: DriftVerdict{Drifting: true, Reason: "x"}}
	c := NewCorrector(comp, checker, CorrectorConfig{MaxRetries: 0}, nil)

	_, out := c.Generate(context.Background(), history())

	assert.True(t, out.FailedToFix)
	assert.Equal(t, 0, out.Retries)
	assert.Len(t, comp.calls, 1)
	assert.Equal(t, 1, checker.checks)
}

func TestCorrector_PirateScenario(t *testing.T) {
	emb := newMockEmbedder()
	emb.vectors["Jack Sparrow"] = []float32{1, 0.2, 0}
	emb.vectors["Black Pearl"] = []float32{0.9, 0.3, 0}
	emb.vectors["accountant"] = []float32{0, 0, 1}

	guardian := NewGuardian(pirateAnchor, &mockClassifier{contradicts: "accountant"}, emb, DefaultConfig(), nil)
	comp := &scriptedCompleter{replies: []string{
		"I am an accountant who files taxes.",
		"Arr, I be captain of the Black Pearl, savvy?",
	}}
	c := NewCorrector(comp, guardian, CorrectorConfig{
		Anchor:      pirateAnchor,
		Model:       "gpt-4o",
		Backend:     llm.BackendPrimary,
		Temperature: 0.7,
		MaxRetries:  2,
	}, nil)

	draft, out := c.Generate(context.Background(), history())

	assert.Equal(t, "Arr, I be captain of the Black Pearl, savvy?", draft)
	assert.True(t, out.Corrected)
	assert.Equal(t, 1, out.Retries)
	assert.False(t, out.FailedToFix)
	assert.Equal(t, []string{"factual contradiction detected against persona profile"}, out.Reasons)

	require.Len(t, comp.calls, 2)
	assert.Equal(t, history(), comp.calls[0], "initial draft sees the full history")

	corrective := comp.calls[1]
	require.Len(t, corrective, 1, "corrective call carries only the critique")
	assert.Equal(t, llm.RoleSystem, corrective[0].Role)
	assert.Contains(t, corrective[0].Content, "Core Persona Truth: "+pirateAnchor)
	assert.Contains(t, corrective[0].Content, "Original Draft: I am an accountant who files taxes.")
	assert.Contains(t, corrective[0].Content, "Reason: factual contradiction detected against persona profile")
}

func TestCritiquePrompt(t *testing.T) {
	got := CritiquePrompt("r", "d", "a")
	assert.True(t, strings.HasPrefix(got, "You are a Persona Consistency Auditor.\n"))
	assert.Contains(t, got, "Reason: r\nOriginal Draft: d\n\nCore Persona Truth: a\n\nTask: Rewrite")
}
