package identity

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/normanking/personadrift/internal/llm"
	"github.com/normanking/personadrift/internal/metrics"
)

// JudgeVerdict is the decoded answer of the fact-checking judge.
type JudgeVerdict int

const (
	VerdictAmbiguous JudgeVerdict = iota
	VerdictContradiction
	VerdictConsistent
)

func (v JudgeVerdict) String() string {
	switch v {
	case VerdictContradiction:
		return "contradiction"
	case VerdictConsistent:
		return "consistent"
	default:
		return "ambiguous"
	}
}

var yesWord = regexp.MustCompile(`(?i)\byes\b`)

// DecodeJudgeVerdict reads a YES/NO judge answer. The leading word decides
// when it is YES or NO. Otherwise a standalone YES anywhere counts as a
// contradiction, and anything else is ambiguous.
func DecodeJudgeVerdict(text string) JudgeVerdict {
	lead := strings.TrimLeft(strings.TrimSpace(text), "\"'`*_-#>([ ")
	first := strings.ToUpper(strings.TrimRight(firstWord(lead), ".,:;!?\"'`*_)]"))

	switch first {
	case "YES":
		return VerdictContradiction
	case "NO":
		return VerdictConsistent
	}
	if yesWord.MatchString(text) {
		return VerdictContradiction
	}
	return VerdictAmbiguous
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t\n\r"); i >= 0 {
		return s[:i]
	}
	return s
}

const hypocrisyPromptTemplate = `You are a fact-checking assistant.
Here is a statement made by an AI character: "%s"
Here are the established facts about this character:
%s

Does the statement CONTRADICT any of the established facts?
Reply with only "YES" or "NO". If YES, explain which fact is contradicted.`

// HypocrisyChecker asks a judge model whether a response contradicts the
// persona's established facts.
type HypocrisyChecker struct {
	judge   llm.Completer
	model   string
	backend llm.Backend
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewHypocrisyChecker creates a checker using the given judge model.
func NewHypocrisyChecker(judge llm.Completer, model string, backend llm.Backend, m *metrics.Metrics) *HypocrisyChecker {
	return &HypocrisyChecker{
		judge:   judge,
		model:   model,
		backend: backend,
		metrics: m,
		log:     log.With().Str("component", "hypocrisy").Logger(),
	}
}

// Check returns FAIL with the judge's explanation when the response
// contradicts a fact, PASS otherwise. No facts means no judge call.
func (h *HypocrisyChecker) Check(ctx context.Context, response string, facts []string) (HypocrisyStatus, string) {
	if len(facts) == 0 {
		return HypocrisyPass, "no facts to check"
	}

	var sb strings.Builder
	for i, f := range facts {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "- %s", f)
	}

	prompt := fmt.Sprintf(hypocrisyPromptTemplate, response, sb.String())
	answer := h.judge.Complete(ctx, []llm.Message{llm.User(prompt)}, h.model, h.backend, 0.7)

	status := HypocrisyPass
	switch DecodeJudgeVerdict(answer) {
	case VerdictContradiction:
		status = HypocrisyFail
	case VerdictAmbiguous:
		h.log.Warn().Str("answer", truncate(answer, 200)).Msg("ambiguous judge verdict, treating as pass")
		if strings.TrimSpace(answer) == "" {
			answer = "judge returned no verdict"
		}
	}

	h.metrics.ObserveHypocrisy(string(status))
	return status, answer
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
