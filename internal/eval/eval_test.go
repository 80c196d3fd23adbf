package eval

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/personadrift/internal/identity"
	"github.com/normanking/personadrift/internal/llm"
	"github.com/normanking/personadrift/internal/nli"
	"github.com/normanking/personadrift/internal/record"
)

// ===========================================================================
// FAKES
// ===========================================================================

// keywordEmbedder returns the vector of the first keyword found in the text.
type keywordEmbedder map[string][]float32

func (k keywordEmbedder) Embed(ctx context.Context, text string) []float32 {
	for word, v := range k {
		if strings.Contains(text, word) {
			return v
		}
	}
	return nil
}

// keywordClassifier flags contradiction when the hypothesis mentions a word.
type keywordClassifier struct {
	word string
	err  error
}

func (c keywordClassifier) Classify(ctx context.Context, premise, hypothesis string) (nli.Scores, error) {
	if c.err != nil {
		return nli.Scores{}, c.err
	}
	if strings.Contains(hypothesis, c.word) {
		return nli.Scores{Contradiction: 0.8, Entailment: 0.1, Neutral: 0.1}, nil
	}
	return nli.Scores{Contradiction: 0.1, Entailment: 0.7, Neutral: 0.2}, nil
}

func drift(v float64) *float64 { return &v }

func pirateRecord(id string, replies ...string) record.ConversationRecord {
	turns := []llm.Message{llm.System("You are a pirate."), llm.User("Ahoy?")}
	for i, r := range replies {
		if i > 0 {
			turns = append(turns, llm.User("More?"))
		}
		turns = append(turns, llm.Assistant(r))
	}
	return record.ConversationRecord{ID: id, Role: "Pirate", Method: record.MethodBaseline, Turns: turns}
}

// ===========================================================================
// MEASURER
// ===========================================================================

func TestMeasureRecord(t *testing.T) {
	emb := keywordEmbedder{
		"pirate":      {1, 0},
		"treasure":    {1, 0},
		"spreadsheet": {0, 1},
	}
	m := NewMeasurer(emb, keywordClassifier{word: "spreadsheet"}, 1)

	rec := pirateRecord("rb_base_0", "Arr, treasure!", "I love a good spreadsheet.")
	scores := m.MeasureRecord(context.Background(), &rec)

	require.Len(t, scores, 2)
	assert.Equal(t, TurnScore{ConversationID: "rb_base_0", Role: "Pirate", Method: record.MethodBaseline, Turn: 1, Fidelity: 1}, scores[0])
	assert.Equal(t, 2, scores[1].Turn)
	assert.InDelta(t, 0, scores[1].Fidelity, 1e-9)
	assert.True(t, scores[1].Contradiction)
}

func TestMeasureRecord_UsesStoredSystemPrompt(t *testing.T) {
	emb := keywordEmbedder{"Yoda": {0, 1}, "pirate": {1, 0}, "Hmm": {0, 1}}
	m := NewMeasurer(emb, nil, 1)

	rec := pirateRecord("x", "Hmm, strong you are.")
	rec.SystemPrompt = "You are Yoda."
	scores := m.MeasureRecord(context.Background(), &rec)

	require.Len(t, scores, 1)
	assert.InDelta(t, 1, scores[0].Fidelity, 1e-9)
	assert.False(t, scores[0].Contradiction)
}

func TestMeasureRecord_Skips(t *testing.T) {
	m := NewMeasurer(keywordEmbedder{"Arr": {1}}, nil, 1)

	noAnchor := record.ConversationRecord{ID: "a", Turns: []llm.Message{llm.User("hi"), llm.Assistant("Arr")}}
	assert.Nil(t, m.MeasureRecord(context.Background(), &noAnchor))

	// anchor text has no embedding
	rec := pirateRecord("b", "Arr")
	assert.Nil(t, m.MeasureRecord(context.Background(), &rec))
}

func TestMeasureRecord_UnusableTurnsGetNoRow(t *testing.T) {
	m := NewMeasurer(keywordEmbedder{"pirate": {1, 0}, "Arr": {1, 0}, "glitch": {1}}, nil, 1)

	rec := pirateRecord("d", "Arr", "", "unembeddable", "glitch", "Arr")
	scores := m.MeasureRecord(context.Background(), &rec)

	require.Len(t, scores, 2)
	assert.Equal(t, 1, scores[0].Turn)
	assert.Equal(t, 5, scores[1].Turn)
	for _, s := range scores {
		assert.InDelta(t, 1, s.Fidelity, 1e-9)
	}
}

func TestMeasureRecord_ClassifierErrorLeavesFlagUnset(t *testing.T) {
	m := NewMeasurer(keywordEmbedder{"pirate": {1, 0}, "Arr": {1, 0}}, keywordClassifier{err: errors.New("503")}, 1)

	rec := pirateRecord("c", "Arr")
	scores := m.MeasureRecord(context.Background(), &rec)

	require.Len(t, scores, 1)
	assert.False(t, scores[0].Contradiction)
	assert.InDelta(t, 1, scores[0].Fidelity, 1e-9)
}

func TestMeasure_KeepsRecordOrder(t *testing.T) {
	m := NewMeasurer(keywordEmbedder{"pirate": {1, 0}, "Arr": {1, 0}}, nil, 4)

	var recs []record.ConversationRecord
	for _, id := range []string{"r0", "r1", "r2", "r3", "r4"} {
		recs = append(recs, pirateRecord(id, "Arr", "Arr"))
	}

	scores, err := m.Measure(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, scores, 10)
	for i, s := range scores {
		assert.Equal(t, recs[i/2].ID, s.ConversationID)
		assert.Equal(t, i%2+1, s.Turn)
	}
}

func TestMeasure_Cancelled(t *testing.T) {
	m := NewMeasurer(keywordEmbedder{}, nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Measure(ctx, []record.ConversationRecord{pirateRecord("r", "Arr")})
	assert.ErrorIs(t, err, context.Canceled)
}

// ===========================================================================
// AGGREGATION
// ===========================================================================

func TestSlope(t *testing.T) {
	assert.InDelta(t, -0.05, Slope([]float64{1, 2, 3, 4}, []float64{0.9, 0.85, 0.8, 0.75}), 1e-9)
	assert.InDelta(t, 2, Slope([]float64{0, 1, 2}, []float64{1, 3, 5}), 1e-9)
	assert.Zero(t, Slope([]float64{3, 3, 3}, []float64{1, 2, 3}))
	assert.Zero(t, Slope([]float64{1}, []float64{1}))
	assert.Zero(t, Slope([]float64{1, 2}, []float64{1}))
}

func TestSummarize(t *testing.T) {
	scores := []TurnScore{
		{ConversationID: "a", Turn: 1, Fidelity: 0.9},
		{ConversationID: "a", Turn: 2, Fidelity: 0.7},
		{ConversationID: "a", Turn: 3, Fidelity: 0.5, Contradiction: true},
		{ConversationID: "b", Turn: 1, Fidelity: 0.7},
		{ConversationID: "b", Turn: 2, Fidelity: 0.5},
		{ConversationID: "b", Turn: 3, Fidelity: 0.3},
	}

	rep := Summarize(scores)

	assert.Equal(t, 2, rep.Conversations)
	assert.Equal(t, 6, rep.Rows)
	require.Len(t, rep.ByTurn, 3)
	assert.Equal(t, 1, rep.ByTurn[0].Turn)
	assert.Equal(t, 2, rep.ByTurn[0].Count)
	assert.InDelta(t, 0.8, rep.ByTurn[0].Mean, 1e-9)
	assert.InDelta(t, 0.4, rep.ByTurn[2].Mean, 1e-9)
	assert.InDelta(t, 0.4, rep.DriftIndex, 1e-9)
	assert.InDelta(t, -0.2, rep.Slope, 1e-9)
	assert.InDelta(t, 100.0/6, rep.ContradictionRate, 1e-9)

	assert.Equal(t, TrendReport{}, Summarize(nil))
}

func TestSummarizeMonitored(t *testing.T) {
	recs := []record.ConversationRecord{
		{
			ID: "rb_monitored_0",
			Metrics: []record.TurnMetric{
				{Turn: 1, DriftScore: drift(0.6), HypocrisyStatus: identity.HypocrisySkipped, IGRC: &identity.Outcome{}},
				{Turn: 2, DriftScore: drift(0.4), HypocrisyStatus: identity.HypocrisyFail, IGRC: &identity.Outcome{Corrected: true, Retries: 1}},
			},
		},
		{
			ID: "rb_monitored_1",
			Metrics: []record.TurnMetric{
				{Turn: 1, DriftScore: drift(0.8), HypocrisyStatus: identity.HypocrisySkipped, IGRC: &identity.Outcome{}},
				{Turn: 2, DriftScore: drift(0.2), HypocrisyStatus: identity.HypocrisyPass, IGRC: &identity.Outcome{Corrected: true, Retries: 2, FailedToFix: true}},
			},
		},
		{
			ID: "rb_monitored_2",
			Metrics: []record.TurnMetric{
				{Turn: 1, HypocrisyStatus: identity.HypocrisySkipped},
				{Turn: 2, Unusable: true, HypocrisyStatus: identity.HypocrisySkipped, HypocrisyReason: "empty response"},
			},
			Incomplete: true,
		},
		{ID: "rb_base_3"},
	}

	rep := SummarizeMonitored(recs)

	assert.Equal(t, 3, rep.Conversations)
	assert.Equal(t, 6, rep.Turns)
	assert.Equal(t, 1, rep.UnusableTurns)
	require.Len(t, rep.DriftByTurn, 2)
	assert.InDelta(t, 0.7, rep.DriftByTurn[0].Mean, 1e-9)
	assert.InDelta(t, 0.3, rep.DriftByTurn[1].Mean, 1e-9)
	assert.InDelta(t, -0.4, rep.DriftSlope, 1e-9)
	assert.Equal(t, 2, rep.HypocrisyChecks)
	assert.Equal(t, 1, rep.HypocrisyFailures)
	assert.InDelta(t, 50, rep.HypocrisyFailRate, 1e-9)
	assert.Equal(t, 4, rep.IGRCTurns)
	assert.Equal(t, 2, rep.Corrected)
	assert.Equal(t, 1, rep.FailedToFix)
	assert.Equal(t, 3, rep.TotalRetries)
}

// ===========================================================================
// CSV
// ===========================================================================

func TestCSV(t *testing.T) {
	scores := []TurnScore{
		{ConversationID: "rb_base_0", Role: "Jack Sparrow, Captain", Method: record.MethodSPR, Turn: 1, Fidelity: 0.8125},
		{ConversationID: "rb_base_0", Role: "Jack Sparrow, Captain", Method: record.MethodSPR, Turn: 2, Fidelity: -0.25, Contradiction: true},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, scores))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "conversation_id,role,method,turn,fidelity,is_contradiction", lines[0])
	assert.Equal(t, `rb_base_0,"Jack Sparrow, Captain",SPR (System Prompt Repetition),2,-0.25,1`, lines[2])

	back, err := ReadCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, scores, back)
}

func TestReadCSV_BadRow(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("conversation_id,role,method,turn,fidelity,is_contradiction\na,b,c,x,0.1,0\n"))
	assert.Error(t, err)
}
