package persona

import (
	"fmt"
	"strings"

	"github.com/normanking/personadrift/internal/dataset"
)

// maxExamples bounds the example utterances in a prompt and in the facts.
const maxExamples = 5

// Anchor is the persona definition a conversation is held to.
type Anchor struct {
	Role   string
	Prompt string
	Facts  []string
}

// AuthenticPrompt renders a role's system prompt from its profile.
func AuthenticPrompt(p Profile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s. %s", p.Role, p.Description)

	examples := nonEmpty(p.Catchphrases, maxExamples)
	if len(examples) > 0 {
		sb.WriteString("\n\nHere are some examples of how you speak:")
		for _, e := range examples {
			sb.WriteString("\n- ")
			sb.WriteString(e)
		}
	}

	sb.WriteString("\n\nStay in character at all times. Do not reveal you are an AI.")
	return sb.String()
}

// SamplePrompt renders a system prompt from the sample's own metadata.
func SamplePrompt(s dataset.Sample) string {
	return fmt.Sprintf("You are %s. %s %s", s.Role, s.Desc, s.Profile)
}

// BuildAnchor resolves the anchor for a sample. A known role uses its stored
// profile; otherwise the sample's metadata is used. ErrMissingProfile is
// returned when neither exists.
func BuildAnchor(store *ProfileStore, s dataset.Sample) (Anchor, error) {
	p, known := store.Lookup(s.Role)

	var prompt string
	switch {
	case known:
		prompt = AuthenticPrompt(p)
	case s.HasMetadata():
		prompt = SamplePrompt(s)
	default:
		return Anchor{}, fmt.Errorf("%w: %s", ErrMissingProfile, s.Role)
	}

	candidates := []string{p.Description, s.Profile, s.Knowledge}
	if !known {
		candidates[0] = s.Desc
	}
	candidates = append(candidates, nonEmpty(p.Catchphrases, maxExamples)...)

	return Anchor{
		Role:   s.Role,
		Prompt: prompt,
		Facts:  nonEmpty(candidates, 0),
	}, nil
}

// nonEmpty returns the non-blank entries of in, at most limit (0 = all).
func nonEmpty(in []string, limit int) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) == "" {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
