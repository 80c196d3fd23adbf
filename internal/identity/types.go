// Package identity measures how far a persona response has drifted from its
// anchor and runs the critique-and-regenerate loop that pulls it back.
package identity

import "context"

// Embedder is the vector source used for drift scoring. An empty result
// means no measurement is available.
type Embedder interface {
	Embed(ctx context.Context, text string) []float32
}

// DriftKind names the check that flagged a draft.
type DriftKind string

const (
	KindNone          DriftKind = ""
	KindEmpty         DriftKind = "empty"
	KindContradiction DriftKind = "contradiction"
	KindStyle         DriftKind = "style"
)

// DriftVerdict is the divergence monitor's answer for one draft.
type DriftVerdict struct {
	Drifting bool
	Kind     DriftKind
	Reason   string
	// Similarity is the anchor cosine; zero when the style check did not run.
	Similarity float64
}

// HypocrisyStatus is the outcome of a fact-consistency check.
type HypocrisyStatus string

const (
	HypocrisyPass    HypocrisyStatus = "PASS"
	HypocrisyFail    HypocrisyStatus = "FAIL"
	HypocrisySkipped HypocrisyStatus = "SKIPPED"
)

// Outcome summarises one run of the critique-and-regenerate loop.
type Outcome struct {
	Corrected   bool     `json:"corrected"`
	Retries     int      `json:"retries"`
	FailedToFix bool     `json:"failed_to_fix,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`
}

// Config holds the monitor and loop thresholds.
type Config struct {
	// SimilarityThreshold is the cosine floor for stylistic consistency.
	SimilarityThreshold float64
	// MaxRetries bounds corrective regenerations per turn.
	MaxRetries int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.4,
		MaxRetries:          2,
	}
}
