package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/normanking/personadrift/internal/metrics"
	"github.com/normanking/personadrift/internal/nli"
)

// DriftChecker decides whether a draft has left the persona.
type DriftChecker interface {
	CheckDrift(ctx context.Context, draft string) DriftVerdict
}

// Guardian is the divergence monitor for one conversation. It holds the
// anchor text and caches the anchor embedding after the first success.
type Guardian struct {
	anchor     string
	classifier nli.Classifier
	embedder   Embedder
	threshold  float64
	metrics    *metrics.Metrics
	log        zerolog.Logger

	mu        sync.Mutex
	anchorVec []float32
}

// NewGuardian creates a guardian for anchor. A nil classifier or embedder
// disables the corresponding check.
func NewGuardian(anchor string, classifier nli.Classifier, embedder Embedder, cfg Config, m *metrics.Metrics) *Guardian {
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = DefaultConfig().SimilarityThreshold
	}
	return &Guardian{
		anchor:     anchor,
		classifier: classifier,
		embedder:   embedder,
		threshold:  cfg.SimilarityThreshold,
		metrics:    m,
		log:        log.With().Str("component", "guardian").Logger(),
	}
}

// WithAnchorEmbedding seeds the anchor vector so the guardian reuses an
// embedding the caller already holds. An empty vec is ignored.
func (g *Guardian) WithAnchorEmbedding(vec []float32) *Guardian {
	if len(vec) > 0 {
		g.mu.Lock()
		g.anchorVec = vec
		g.mu.Unlock()
	}
	return g
}

// CheckDrift runs, in order, the empty check, the contradiction check against
// the anchor and the stylistic similarity check. A check whose backend fails
// is skipped.
func (g *Guardian) CheckDrift(ctx context.Context, draft string) DriftVerdict {
	v := g.check(ctx, draft)
	g.metrics.ObserveDriftCheck(string(v.Kind))
	return v
}

func (g *Guardian) check(ctx context.Context, draft string) DriftVerdict {
	if strings.TrimSpace(draft) == "" {
		return DriftVerdict{Drifting: true, Kind: KindEmpty, Reason: "empty draft"}
	}

	if g.classifier != nil {
		scores, err := g.classifier.Classify(ctx, g.anchor, draft)
		switch {
		case err != nil:
			g.log.Warn().Err(err).Msg("contradiction check skipped")
		case scores.Top() == nli.Contradiction:
			return DriftVerdict{
				Drifting: true,
				Kind:     KindContradiction,
				Reason:   "factual contradiction detected against persona profile",
			}
		}
	}

	if g.embedder != nil {
		anchorVec := g.anchorEmbedding(ctx)
		draftVec := g.embedder.Embed(ctx, draft)
		if len(anchorVec) == 0 || len(draftVec) == 0 {
			g.log.Warn().Msg("style check skipped, embedding unavailable")
			return DriftVerdict{Reason: "pass"}
		}
		if len(anchorVec) != len(draftVec) {
			g.log.Warn().Int("anchor_dim", len(anchorVec)).Int("draft_dim", len(draftVec)).Msg("style check skipped, embedding dimension mismatch")
			return DriftVerdict{Reason: "pass"}
		}

		sim := CosineSimilarity(anchorVec, draftVec)
		if sim < g.threshold {
			return DriftVerdict{
				Drifting:   true,
				Kind:       KindStyle,
				Reason:     fmt.Sprintf("stylistic drift (similarity %.2f < %.2f)", sim, g.threshold),
				Similarity: sim,
			}
		}
		return DriftVerdict{Reason: "pass", Similarity: sim}
	}

	return DriftVerdict{Reason: "pass"}
}

// anchorEmbedding returns the cached anchor vector, embedding it on first
// use. Failures are not cached.
func (g *Guardian) anchorEmbedding(ctx context.Context) []float32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.anchorVec) == 0 {
		g.anchorVec = g.embedder.Embed(ctx, g.anchor)
	}
	return g.anchorVec
}
