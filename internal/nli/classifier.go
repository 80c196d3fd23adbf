// Package nli classifies whether a hypothesis contradicts, entails or is
// neutral to a premise. The divergence monitor uses it to catch responses
// that contradict the persona profile.
package nli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/normanking/personadrift/internal/config"
	"github.com/normanking/personadrift/internal/llm"
)

// Label is an NLI class. The ordering follows the usual cross-encoder head:
// 0 contradiction, 1 entailment, 2 neutral.
type Label int

const (
	Contradiction Label = iota
	Entailment
	Neutral
)

func (l Label) String() string {
	switch l {
	case Contradiction:
		return "contradiction"
	case Entailment:
		return "entailment"
	case Neutral:
		return "neutral"
	default:
		return fmt.Sprintf("label(%d)", int(l))
	}
}

// ParseLabel maps a label name or "LABEL_<n>" to a Label.
func ParseLabel(s string) (Label, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "contradiction", "label_0":
		return Contradiction, true
	case "entailment", "label_1":
		return Entailment, true
	case "neutral", "label_2":
		return Neutral, true
	}
	return 0, false
}

// Scores is a distribution over the three labels.
type Scores struct {
	Contradiction float64 `json:"contradiction"`
	Entailment    float64 `json:"entailment"`
	Neutral       float64 `json:"neutral"`
}

// Set assigns the score for l.
func (s *Scores) Set(l Label, v float64) {
	switch l {
	case Contradiction:
		s.Contradiction = v
	case Entailment:
		s.Entailment = v
	case Neutral:
		s.Neutral = v
	}
}

// Top returns the highest-scoring label. Ties resolve to the lower label.
func (s Scores) Top() Label {
	best, top := s.Contradiction, Contradiction
	if s.Entailment > best {
		best, top = s.Entailment, Entailment
	}
	if s.Neutral > best {
		top = Neutral
	}
	return top
}

// Classifier scores a (premise, hypothesis) pair.
type Classifier interface {
	Classify(ctx context.Context, premise, hypothesis string) (Scores, error)
}

// NewFromConfig builds the configured classifier. The judge variant needs a
// completer; the http variant talks to a hosted cross-encoder.
func NewFromConfig(cfg *config.Config, completer llm.Completer) (Classifier, error) {
	switch cfg.Classifier.Kind {
	case "http":
		apiKey := cfg.Classifier.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("HF_API_TOKEN")
		}
		return NewHTTPClassifier(HTTPClassifierConfig{
			Endpoint: cfg.Classifier.Endpoint,
			APIKey:   apiKey,
			Retry:    cfg.Retry.Policy(),
		}), nil
	case "judge":
		if completer == nil {
			return nil, fmt.Errorf("judge classifier requires a completer")
		}
		return NewJudgeClassifier(completer, cfg.Classifier.Model, llm.Backend(cfg.Classifier.Provider)), nil
	default:
		return nil, fmt.Errorf("unknown classifier kind: %s", cfg.Classifier.Kind)
	}
}
