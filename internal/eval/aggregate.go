package eval

import (
	"sort"

	"github.com/normanking/personadrift/internal/identity"
	"github.com/normanking/personadrift/internal/record"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TREND STATISTICS
// ═══════════════════════════════════════════════════════════════════════════════

// TurnMean is the average of a measurement at one turn.
type TurnMean struct {
	Turn  int
	Mean  float64
	Count int
}

// TrendReport summarises offline fidelity scores.
type TrendReport struct {
	Conversations int
	Rows          int
	ByTurn        []TurnMean
	// Slope is the least-squares trend of fidelity over turn across all rows.
	Slope float64
	// DriftIndex is mean fidelity at turn 1 minus mean fidelity at the last turn.
	DriftIndex float64
	// ContradictionRate is the percentage of rows flagged as contradictions.
	ContradictionRate float64
}

// Summarize computes the trend report for scores.
func Summarize(scores []TurnScore) TrendReport {
	rep := TrendReport{Rows: len(scores)}
	if len(scores) == 0 {
		return rep
	}

	convs := make(map[string]struct{})
	xs := make([]float64, len(scores))
	ys := make([]float64, len(scores))
	turns := make([]int, len(scores))
	var contradictions int
	for i, s := range scores {
		convs[s.ConversationID] = struct{}{}
		xs[i], ys[i], turns[i] = float64(s.Turn), s.Fidelity, s.Turn
		if s.Contradiction {
			contradictions++
		}
	}

	rep.Conversations = len(convs)
	rep.ByTurn = meanByTurn(turns, ys)
	rep.Slope = Slope(xs, ys)
	rep.DriftIndex = rep.ByTurn[0].Mean - rep.ByTurn[len(rep.ByTurn)-1].Mean
	rep.ContradictionRate = 100 * float64(contradictions) / float64(len(scores))
	return rep
}

// Slope returns the least-squares slope of ys over xs. It returns 0 when the
// inputs differ in length or xs has no spread.
func Slope(xs, ys []float64) float64 {
	n := len(xs)
	if n < 2 || n != len(ys) {
		return 0
	}
	var mx, my float64
	for i := range xs {
		mx += xs[i]
		my += ys[i]
	}
	mx /= float64(n)
	my /= float64(n)

	var sxy, sxx float64
	for i := range xs {
		dx := xs[i] - mx
		sxy += dx * (ys[i] - my)
		sxx += dx * dx
	}
	if sxx == 0 {
		return 0
	}
	return sxy / sxx
}

// meanByTurn groups values by turn and returns the means in turn order.
func meanByTurn(turns []int, values []float64) []TurnMean {
	sums := make(map[int]float64)
	counts := make(map[int]int)
	for i, t := range turns {
		sums[t] += values[i]
		counts[t]++
	}
	out := make([]TurnMean, 0, len(counts))
	for t, c := range counts {
		out = append(out, TurnMean{Turn: t, Mean: sums[t] / float64(c), Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Turn < out[j].Turn })
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// MONITORED RUNS
// ═══════════════════════════════════════════════════════════════════════════════

// MonitorReport summarises the in-run metrics of monitored conversations.
type MonitorReport struct {
	Conversations int
	Turns         int
	// UnusableTurns counts turns whose completion came back empty.
	UnusableTurns int
	// DriftByTurn and DriftSlope cover only turns with a drift score.
	DriftByTurn []TurnMean
	DriftSlope  float64

	HypocrisyChecks   int
	HypocrisyFailures int
	// HypocrisyFailRate is the percentage of non-skipped checks that failed.
	HypocrisyFailRate float64

	// IGRCTurns counts turns that went through the correction loop.
	IGRCTurns    int
	Corrected    int
	FailedToFix  int
	TotalRetries int
}

// SummarizeMonitored aggregates the turn metrics carried on records. Records
// without metrics are ignored.
func SummarizeMonitored(recs []record.ConversationRecord) MonitorReport {
	var (
		rep    MonitorReport
		turns  []int
		scores []float64
		xs     []float64
	)
	for _, rec := range recs {
		if len(rec.Metrics) == 0 {
			continue
		}
		rep.Conversations++
		for _, m := range rec.Metrics {
			rep.Turns++
			if m.Unusable {
				rep.UnusableTurns++
			}
			if m.DriftScore != nil {
				turns = append(turns, m.Turn)
				xs = append(xs, float64(m.Turn))
				scores = append(scores, *m.DriftScore)
			}

			switch m.HypocrisyStatus {
			case identity.HypocrisyPass:
				rep.HypocrisyChecks++
			case identity.HypocrisyFail:
				rep.HypocrisyChecks++
				rep.HypocrisyFailures++
			}

			if m.IGRC != nil {
				rep.IGRCTurns++
				rep.TotalRetries += m.IGRC.Retries
				if m.IGRC.Corrected {
					rep.Corrected++
				}
				if m.IGRC.FailedToFix {
					rep.FailedToFix++
				}
			}
		}
	}

	if len(scores) > 0 {
		rep.DriftByTurn = meanByTurn(turns, scores)
		rep.DriftSlope = Slope(xs, scores)
	}
	if rep.HypocrisyChecks > 0 {
		rep.HypocrisyFailRate = 100 * float64(rep.HypocrisyFailures) / float64(rep.HypocrisyChecks)
	}
	return rep
}
