// Package eval scores finished conversations offline and summarises drift
// across a run: fidelity trend, drift index, contradiction and hypocrisy
// rates, and correction counts. Results can be exported to CSV or kept in a
// SQLite results store.
package eval

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/personadrift/internal/identity"
	"github.com/normanking/personadrift/internal/nli"
	"github.com/normanking/personadrift/internal/record"
)

// TurnScore is the offline measurement of one persona turn.
type TurnScore struct {
	ConversationID string
	Role           string
	Method         string
	// Turn is one-based.
	Turn int
	// Fidelity is the cosine similarity of the turn to the conversation anchor.
	Fidelity      float64
	Contradiction bool
}

// Measurer re-scores recorded conversations against their anchors.
type Measurer struct {
	embedder   identity.Embedder
	classifier nli.Classifier
	workers    int
	log        zerolog.Logger
}

// NewMeasurer creates a measurer. classifier may be nil, in which case no
// turn is flagged as a contradiction.
func NewMeasurer(embedder identity.Embedder, classifier nli.Classifier, workers int) *Measurer {
	if workers < 1 {
		workers = 1
	}
	return &Measurer{
		embedder:   embedder,
		classifier: classifier,
		workers:    workers,
		log:        log.With().Str("component", "measure").Logger(),
	}
}

// MeasureRecord scores every assistant turn of rec. It returns nil when the
// record has no anchor or the anchor cannot be embedded. Empty turns and
// turns that cannot be embedded get no row.
func (m *Measurer) MeasureRecord(ctx context.Context, rec *record.ConversationRecord) []TurnScore {
	anchor := rec.Anchor()
	if anchor == "" {
		m.log.Warn().Str("id", rec.ID).Msg("record has no system prompt, skipping")
		return nil
	}
	anchorEmb := m.embedder.Embed(ctx, anchor)
	if len(anchorEmb) == 0 {
		m.log.Warn().Str("id", rec.ID).Msg("anchor embedding unavailable, skipping")
		return nil
	}

	var out []TurnScore
	for i, response := range rec.AssistantTurns() {
		if strings.TrimSpace(response) == "" {
			m.log.Debug().Str("id", rec.ID).Int("turn", i+1).Msg("empty turn, not scored")
			continue
		}
		emb := m.embedder.Embed(ctx, response)
		if len(emb) != len(anchorEmb) {
			m.log.Warn().Str("id", rec.ID).Int("turn", i+1).Int("dim", len(emb)).Msg("turn embedding unavailable, not scored")
			continue
		}

		score := TurnScore{
			ConversationID: rec.ID,
			Role:           rec.Role,
			Method:         rec.Method,
			Turn:           i + 1,
			Fidelity:       identity.CosineSimilarity(anchorEmb, emb),
		}
		if m.classifier != nil {
			scores, err := m.classifier.Classify(ctx, anchor, response)
			if err != nil {
				m.log.Warn().Err(err).Str("id", rec.ID).Int("turn", i+1).Msg("classification failed")
			} else {
				score.Contradiction = scores.Top() == nli.Contradiction
			}
		}
		out = append(out, score)
	}
	return out
}

// Measure scores all records concurrently and returns the rows in record
// order.
func (m *Measurer) Measure(ctx context.Context, recs []record.ConversationRecord) ([]TurnScore, error) {
	results := make([][]TurnScore, len(recs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for i := range recs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = m.MeasureRecord(gctx, &recs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []TurnScore
	for _, r := range results {
		out = append(out, r...)
	}
	m.log.Info().Int("conversations", len(recs)).Int("rows", len(out)).Msg("measurement complete")
	return out, nil
}
