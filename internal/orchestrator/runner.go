// Package orchestrator drives persona conversations end to end: it builds the
// anchor, alternates persona and simulator turns, scores monitored turns and
// writes one record per conversation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/personadrift/internal/dataset"
	"github.com/normanking/personadrift/internal/identity"
	"github.com/normanking/personadrift/internal/llm"
	"github.com/normanking/personadrift/internal/metrics"
	"github.com/normanking/personadrift/internal/nli"
	"github.com/normanking/personadrift/internal/persona"
	"github.com/normanking/personadrift/internal/record"
	"github.com/normanking/personadrift/internal/simulator"
)

// Mode selects how persona turns are produced.
type Mode string

const (
	ModeBaseline  Mode = "baseline"
	ModeSPR       Mode = "spr"
	ModeMonitored Mode = "monitored"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeBaseline, ModeSPR, ModeMonitored:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q, must be baseline, spr or monitored", s)
}

// idPrefix is the record id stem for each mode.
var idPrefix = map[Mode]string{
	ModeBaseline:  "rb_base_",
	ModeSPR:       "rb_spr_",
	ModeMonitored: "rb_monitored_",
}

const reminderRule = "--------------------------------------------------"

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════

// Options configures a Runner.
type Options struct {
	Mode Mode
	// IGRC enables critique-and-regenerate on monitored turns.
	IGRC bool

	Turns            int
	Workers          int
	HypocrisyCadence int
	Temperature      float64

	PersonaModel     string
	PersonaBackend   llm.Backend
	SimulatorModel   string
	SimulatorBackend llm.Backend
	JudgeModel       string
	JudgeBackend     llm.Backend

	Identity identity.Config
}

// DefaultOptions returns baseline options with the standard turn count.
func DefaultOptions() Options {
	return Options{
		Mode:             ModeBaseline,
		Turns:            20,
		Workers:          1,
		HypocrisyCadence: 5,
		Temperature:      0.7,
		PersonaBackend:   llm.BackendPrimary,
		SimulatorBackend: llm.BackendPrimary,
		JudgeBackend:     llm.BackendPrimary,
		Identity:         identity.DefaultConfig(),
	}
}

// RecordWriter receives finished conversations.
type RecordWriter interface {
	Write(rec *record.ConversationRecord) error
}

// Deps are the collaborators a Runner calls into. Embedder is required in
// monitored mode and Classifier when IGRC is enabled.
type Deps struct {
	Completer  llm.Completer
	Embedder   identity.Embedder
	Classifier nli.Classifier
	Profiles   *persona.ProfileStore
	Writer     RecordWriter
	Metrics    *metrics.Metrics
}

// Summary counts what a run did with its samples.
type Summary struct {
	Written int
	// Incomplete counts written records that ended early on an empty completion.
	Incomplete int
	Skipped    int
	Resumed    int
	Aborted    int
}

// ═══════════════════════════════════════════════════════════════════════════════
// RUNNER
// ═══════════════════════════════════════════════════════════════════════════════

// Runner executes conversations for one mode.
type Runner struct {
	opts      Options
	deps      Deps
	hypocrisy *identity.HypocrisyChecker
	log       zerolog.Logger
}

// NewRunner validates options and dependencies and returns a runner.
func NewRunner(opts Options, deps Deps) (*Runner, error) {
	if _, ok := idPrefix[opts.Mode]; !ok {
		return nil, fmt.Errorf("unknown mode %q", opts.Mode)
	}
	if opts.Turns < 1 {
		return nil, errors.New("turns must be at least 1")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.HypocrisyCadence < 1 {
		opts.HypocrisyCadence = 1
	}
	if opts.IGRC && opts.Mode != ModeMonitored {
		return nil, errors.New("igrc requires monitored mode")
	}
	if deps.Completer == nil {
		return nil, errors.New("completer is required")
	}
	if deps.Writer == nil {
		return nil, errors.New("record writer is required")
	}
	if opts.Mode == ModeMonitored && deps.Embedder == nil {
		return nil, errors.New("monitored mode requires an embedder")
	}
	if opts.IGRC && deps.Classifier == nil {
		return nil, errors.New("igrc requires a classifier")
	}

	r := &Runner{
		opts: opts,
		deps: deps,
		log:  log.With().Str("component", "orchestrator").Str("mode", string(opts.Mode)).Logger(),
	}
	if opts.Mode == ModeMonitored {
		r.hypocrisy = identity.NewHypocrisyChecker(deps.Completer, opts.JudgeModel, opts.JudgeBackend, deps.Metrics)
	}
	return r, nil
}

// RecordID returns the output id for the sample at index.
func (r *Runner) RecordID(index int) string {
	return idPrefix[r.opts.Mode] + strconv.Itoa(index)
}

// Method returns the method label stored on records.
func (r *Runner) Method() string {
	switch {
	case r.opts.Mode == ModeSPR:
		return record.MethodSPR
	case r.opts.Mode == ModeMonitored && r.opts.IGRC:
		return record.MethodMonitoredIGRC
	case r.opts.Mode == ModeMonitored:
		return record.MethodMonitored
	default:
		return record.MethodBaseline
	}
}

// metricsMode is the mode label used on conversation counters.
func (r *Runner) metricsMode() string {
	if r.opts.IGRC {
		return "monitored_igrc"
	}
	return string(r.opts.Mode)
}

// Run converses over samples with at most Workers conversations in flight.
// Samples whose id is in done are skipped. A writer error stops the run;
// cancelling ctx stops scheduling and in-flight conversations are dropped.
func (r *Runner) Run(ctx context.Context, samples []dataset.Sample, done map[string]bool) (Summary, error) {
	var written, incomplete, skipped, resumed, aborted atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	for _, s := range samples {
		if gctx.Err() != nil {
			break
		}
		id := r.RecordID(s.Index)
		if done[id] {
			resumed.Add(1)
			continue
		}

		g.Go(func() error {
			rec, err := r.Converse(gctx, s)
			switch {
			case errors.Is(err, persona.ErrMissingProfile):
				skipped.Add(1)
				r.deps.Metrics.ObserveConversation(r.metricsMode(), "skipped")
				r.log.Warn().Str("id", id).Str("role", s.Role).Msg("no profile for role, skipping sample")
				return nil
			case err != nil || gctx.Err() != nil:
				aborted.Add(1)
				r.deps.Metrics.ObserveConversation(r.metricsMode(), "aborted")
				r.log.Debug().Str("id", id).Msg("conversation aborted")
				return nil
			}

			if err := r.deps.Writer.Write(rec); err != nil {
				return fmt.Errorf("write %s: %w", id, err)
			}
			written.Add(1)
			status := "written"
			if rec.Incomplete {
				incomplete.Add(1)
				status = "incomplete"
			}
			r.deps.Metrics.ObserveConversation(r.metricsMode(), status)
			r.log.Info().Str("id", id).Str("role", s.Role).Int("turns", len(rec.Turns)).Bool("incomplete", rec.Incomplete).Msg("conversation written")
			return nil
		})
	}

	err := g.Wait()
	sum := Summary{
		Written:    int(written.Load()),
		Incomplete: int(incomplete.Load()),
		Skipped:    int(skipped.Load()),
		Resumed:    int(resumed.Load()),
		Aborted:    int(aborted.Load()),
	}
	if err != nil {
		return sum, err
	}
	return sum, ctx.Err()
}

// Converse runs one full conversation for a sample and returns its record.
func (r *Runner) Converse(ctx context.Context, s dataset.Sample) (*record.ConversationRecord, error) {
	anchor, err := persona.BuildAnchor(r.deps.Profiles, s)
	if err != nil {
		return nil, err
	}

	sim := simulator.New(simulator.Config{
		RoleName: s.Role,
		Topic:    s.Question,
		Model:    r.opts.SimulatorModel,
		Backend:  r.opts.SimulatorBackend,
		Horizon:  r.opts.Turns,
	}, r.deps.Completer)

	conversation := []llm.Message{llm.System(anchor.Prompt), llm.User(s.Question)}

	var (
		corrector  *identity.Corrector
		anchorEmb  []float32
		turns      []record.TurnMetric
		incomplete bool
	)
	if r.opts.Mode == ModeMonitored {
		anchorEmb = r.deps.Embedder.Embed(ctx, anchor.Prompt)
		if len(anchorEmb) == 0 {
			r.log.Warn().Str("role", s.Role).Msg("anchor embedding unavailable, drift scores will be omitted")
		}
		if r.opts.IGRC {
			guardian := identity.NewGuardian(anchor.Prompt, r.deps.Classifier, r.deps.Embedder, r.opts.Identity, r.deps.Metrics).
				WithAnchorEmbedding(anchorEmb)
			corrector = identity.NewCorrector(r.deps.Completer, guardian, identity.CorrectorConfig{
				Anchor:      anchor.Prompt,
				Model:       r.opts.PersonaModel,
				Backend:     r.opts.PersonaBackend,
				Temperature: r.opts.Temperature,
				MaxRetries:  r.opts.Identity.MaxRetries,
			}, r.deps.Metrics)
		}
	}

	for turn := 0; turn < r.opts.Turns; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			response string
			outcome  identity.Outcome
		)
		switch {
		case r.opts.Mode == ModeSPR:
			response = r.complete(ctx, ReinjectSystemPrompt(conversation, anchor.Prompt))
		case corrector != nil:
			response, outcome = corrector.Generate(ctx, conversation)
		default:
			response = r.complete(ctx, conversation)
		}

		usable := strings.TrimSpace(response) != ""
		if usable {
			conversation = append(conversation, llm.Assistant(response))
		}
		if r.opts.Mode == ModeMonitored {
			turns = append(turns, r.measureTurn(ctx, turn, response, anchorEmb, anchor.Facts, corrector != nil, outcome))
		}
		if !usable {
			r.log.Warn().Str("role", s.Role).Int("turn", turn+1).Msg("persona returned no response, ending conversation")
			incomplete = true
			break
		}

		if turn < r.opts.Turns-1 {
			followup := sim.GenerateFollowup(ctx, conversation)
			if followup == "" {
				r.log.Warn().Str("role", s.Role).Int("turn", turn+1).Msg("simulator returned no follow-up, ending conversation")
				incomplete = true
				break
			}
			conversation = append(conversation, llm.User(followup))
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &record.ConversationRecord{
		ID:              r.RecordID(s.Index),
		Role:            s.Role,
		Method:          r.Method(),
		SystemPrompt:    anchor.Prompt,
		BaseInstruction: s.Question,
		Turns:           conversation,
		Metrics:         turns,
		Incomplete:      incomplete,
	}, nil
}

func (r *Runner) complete(ctx context.Context, msgs []llm.Message) string {
	return r.deps.Completer.Complete(ctx, msgs, r.opts.PersonaModel, r.opts.PersonaBackend, r.opts.Temperature)
}

// measureTurn scores one persona turn. turn is zero-based; the stored turn
// number is one-based. An empty response is marked unusable and not scored.
func (r *Runner) measureTurn(ctx context.Context, turn int, response string, anchorEmb []float32, facts []string, igrc bool, outcome identity.Outcome) record.TurnMetric {
	m := record.TurnMetric{
		Turn:            turn + 1,
		HypocrisyStatus: identity.HypocrisySkipped,
	}
	if igrc {
		o := outcome
		m.IGRC = &o
	}

	if strings.TrimSpace(response) == "" {
		m.Unusable = true
		m.HypocrisyReason = "empty response"
		return m
	}

	if len(anchorEmb) > 0 {
		if vec := r.deps.Embedder.Embed(ctx, response); len(vec) > 0 {
			score := identity.OrthogonalDrift(anchorEmb, vec)
			m.DriftScore = &score
			r.deps.Metrics.ObserveDriftScore(score)
		} else {
			r.log.Warn().Int("turn", turn+1).Msg("response embedding unavailable, drift score omitted")
		}
	}
	if r.hypocrisyDue(turn) {
		m.HypocrisyStatus, m.HypocrisyReason = r.hypocrisy.Check(ctx, response, facts)
	}
	return m
}

// hypocrisyDue reports whether the fact check runs after zero-based turn.
func (r *Runner) hypocrisyDue(turn int) bool {
	return (turn+1)%r.opts.HypocrisyCadence == 0 || turn == r.opts.Turns-1
}

// ReinjectSystemPrompt returns a copy of conversation whose final user message
// is prefixed with a reminder of prompt. The input is not modified.
func ReinjectSystemPrompt(conversation []llm.Message, prompt string) []llm.Message {
	out := make([]llm.Message, len(conversation))
	copy(out, conversation)
	if n := len(out); n > 0 && out[n-1].Role == llm.RoleUser {
		out[n-1].Content = "SYSTEM REMINDER: " + prompt + "\n" + reminderRule + "\nUSER QUERY: " + out[n-1].Content
	}
	return out
}
