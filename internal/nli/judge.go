package nli

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/normanking/personadrift/internal/llm"
)

// ErrNoVerdict is returned when the judge answer names no label.
var ErrNoVerdict = errors.New("judge returned no nli label")

// judgeTemperature is near-greedy. Providers treat zero as unset and fall back
// to their own default.
const judgeTemperature = 0.01

var judgeLabelPattern = regexp.MustCompile(`(?i)\b(contradiction|entailment|neutral)\b`)

const judgePromptTemplate = `You are a natural language inference classifier.
Premise: %s
Hypothesis: %s

Does the hypothesis CONTRADICT, ENTAIL, or stay NEUTRAL to the premise?
Answer with exactly one word: CONTRADICTION, ENTAILMENT, or NEUTRAL.`

// JudgeClassifier asks a completion model for the NLI label and reports it
// as a one-hot distribution.
type JudgeClassifier struct {
	completer llm.Completer
	model     string
	backend   llm.Backend
}

// NewJudgeClassifier creates a classifier backed by a completion model.
func NewJudgeClassifier(completer llm.Completer, model string, backend llm.Backend) *JudgeClassifier {
	return &JudgeClassifier{completer: completer, model: model, backend: backend}
}

// Classify scores premise against hypothesis.
func (j *JudgeClassifier) Classify(ctx context.Context, premise, hypothesis string) (Scores, error) {
	prompt := fmt.Sprintf(judgePromptTemplate, premise, hypothesis)
	answer := j.completer.Complete(ctx, []llm.Message{llm.User(prompt)}, j.model, j.backend, judgeTemperature)
	if strings.TrimSpace(answer) == "" {
		return Scores{}, fmt.Errorf("judge classifier: empty response")
	}

	m := judgeLabelPattern.FindString(answer)
	if m == "" {
		return Scores{}, fmt.Errorf("%w: %q", ErrNoVerdict, answer)
	}
	l, _ := ParseLabel(m)

	var s Scores
	s.Set(l, 1)
	return s, nil
}
