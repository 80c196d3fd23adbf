package identity

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/normanking/personadrift/internal/llm"
	"github.com/normanking/personadrift/internal/metrics"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATE MACHINE
// ═══════════════════════════════════════════════════════════════════════════════

// State is a step of the critique-and-regenerate loop.
type State int

const (
	StateDrafting State = iota
	StateChecking
	StateCorrecting
	StateAccepted
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateDrafting:
		return "drafting"
	case StateChecking:
		return "checking"
	case StateCorrecting:
		return "correcting"
	case StateAccepted:
		return "accepted"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateExhausted
}

// Event drives the loop.
type Event int

const (
	EventDraftReady Event = iota
	EventPassed
	EventDrifted
)

// Transition is the loop's pure transition function. attempt counts
// corrective drafts produced so far. Invalid transitions leave the state and
// attempt unchanged.
func Transition(state State, event Event, attempt, maxRetries int) (State, int) {
	switch state {
	case StateDrafting:
		if event == EventDraftReady {
			return StateChecking, attempt
		}
	case StateChecking:
		switch event {
		case EventPassed:
			return StateAccepted, attempt
		case EventDrifted:
			if attempt < maxRetries {
				return StateCorrecting, attempt
			}
			return StateExhausted, attempt
		}
	case StateCorrecting:
		if event == EventDraftReady {
			return StateChecking, attempt + 1
		}
	}
	return state, attempt
}

// ═══════════════════════════════════════════════════════════════════════════════
// CORRECTOR
// ═══════════════════════════════════════════════════════════════════════════════

const critiquePromptTemplate = "You are a Persona Consistency Auditor.\n" +
	"Your previous response failed a consistency check.\n" +
	"Reason: %s\n" +
	"Original Draft: %s\n\n" +
	"Core Persona Truth: %s\n\n" +
	"Task: Rewrite the response to be consistent with the Core Persona Truth. " +
	"Maintain the conversation flow but fix the error."

// CritiquePrompt builds the corrective instruction for a rejected draft.
func CritiquePrompt(reason, draft, anchor string) string {
	return fmt.Sprintf(critiquePromptTemplate, reason, draft, anchor)
}

// CorrectorConfig configures a Corrector.
type CorrectorConfig struct {
	Anchor      string
	Model       string
	Backend     llm.Backend
	Temperature float64
	MaxRetries  int
}

// Corrector produces a persona turn, checks it and regenerates it from a
// critique until it passes or the retry budget runs out.
type Corrector struct {
	completer llm.Completer
	checker   DriftChecker
	cfg       CorrectorConfig
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewCorrector creates a corrector.
func NewCorrector(completer llm.Completer, checker DriftChecker, cfg CorrectorConfig, m *metrics.Metrics) *Corrector {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Corrector{
		completer: completer,
		checker:   checker,
		cfg:       cfg,
		metrics:   m,
		log:       log.With().Str("component", "igrc").Logger(),
	}
}

// Generate drafts a reply to history and returns the accepted draft, or the
// last draft once the budget is exhausted. Corrective calls see only the
// critique prompt. At most MaxRetries corrective calls and MaxRetries+1
// checks are made.
func (c *Corrector) Generate(ctx context.Context, history []llm.Message) (string, Outcome) {
	budget := c.cfg.MaxRetries
	state, attempt := StateDrafting, 0
	var reasons []string

	draft := c.completer.Complete(ctx, history, c.cfg.Model, c.cfg.Backend, c.cfg.Temperature)
	state, attempt = Transition(state, EventDraftReady, attempt, budget)

	for !state.Terminal() {
		switch state {
		case StateChecking:
			verdict := c.checker.CheckDrift(ctx, draft)
			event := EventPassed
			if verdict.Drifting {
				event = EventDrifted
				reasons = append(reasons, verdict.Reason)
				c.log.Info().
					Str("kind", string(verdict.Kind)).
					Str("reason", verdict.Reason).
					Int("attempt", attempt+1).
					Int("max_retries", budget).
					Msg("drift detected")
			}
			state, attempt = Transition(state, event, attempt, budget)

		case StateCorrecting:
			prompt := CritiquePrompt(reasons[len(reasons)-1], draft, c.cfg.Anchor)
			draft = c.completer.Complete(ctx, []llm.Message{llm.System(prompt)}, c.cfg.Model, c.cfg.Backend, c.cfg.Temperature)
			state, attempt = Transition(state, EventDraftReady, attempt, budget)
		}
	}

	var out Outcome
	if state == StateExhausted {
		out = Outcome{Corrected: true, Retries: budget, FailedToFix: true, Reasons: reasons}
		c.log.Warn().Int("retries", budget).Msg("retry budget exhausted, keeping last draft")
	} else {
		out = Outcome{Corrected: attempt > 0, Retries: attempt, Reasons: reasons}
	}

	c.metrics.ObserveIGRC(out.Retries, out.FailedToFix)
	return draft, out
}
