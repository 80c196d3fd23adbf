package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/personadrift/internal/config"
	"github.com/normanking/personadrift/internal/eval"
	"github.com/normanking/personadrift/internal/llm"
	"github.com/normanking/personadrift/internal/orchestrator"
)

func TestRunOptionsFromConfig(t *testing.T) {
	cfg = config.Default()
	cfg.Models.Persona = config.ModelRef{Model: "meta/meta-llama-3-70b-instruct", Provider: "secondary"}
	runFlags.igrc = true
	runFlags.turns = 6
	runFlags.workers = 3
	t.Cleanup(func() { runFlags.igrc, runFlags.turns, runFlags.workers = false, 0, 0 })

	applyRunOverrides()
	opts := runOptions(orchestrator.ModeMonitored)

	assert.Equal(t, orchestrator.ModeMonitored, opts.Mode)
	assert.True(t, opts.IGRC)
	assert.Equal(t, 6, opts.Turns)
	assert.Equal(t, 3, opts.Workers)
	assert.Equal(t, 5, opts.HypocrisyCadence)
	assert.Equal(t, "meta/meta-llama-3-70b-instruct", opts.PersonaModel)
	assert.Equal(t, llm.BackendSecondary, opts.PersonaBackend)
	assert.Equal(t, llm.BackendPrimary, opts.JudgeBackend)
	assert.Equal(t, 2, opts.Identity.MaxRetries)
	assert.InDelta(t, 0.4, opts.Identity.SimilarityThreshold, 1e-9)
}

func TestRenderTrend(t *testing.T) {
	out := renderTrend("out/rolebench_baseline.jsonl", eval.TrendReport{
		Conversations:     2,
		Rows:              4,
		ByTurn:            []eval.TurnMean{{Turn: 1, Mean: 0.8, Count: 2}, {Turn: 2, Mean: 0.6, Count: 2}},
		Slope:             -0.2,
		DriftIndex:        0.2,
		ContradictionRate: 25,
	})

	assert.Contains(t, out, "N=2")
	assert.Contains(t, out, "-0.2000")
	assert.Contains(t, out, "25.0%")
	assert.Contains(t, out, "0.600")
}

func TestRenderMonitorAndRuns(t *testing.T) {
	out := renderMonitor("m.jsonl", eval.MonitorReport{
		Conversations:     1,
		UnusableTurns:     7,
		HypocrisyChecks:   4,
		HypocrisyFailures: 1,
		HypocrisyFailRate: 25,
		IGRCTurns:         20,
		Corrected:         3,
		FailedToFix:       1,
		DriftByTurn:       []eval.TurnMean{{Turn: 1, Mean: 0.42, Count: 1}},
	})
	assert.Contains(t, out, "Hypocrisy fail rate")
	assert.Contains(t, out, "Unusable turns")
	assert.Contains(t, out, "7")
	assert.Contains(t, out, "0.420")

	runs := renderRuns([]*eval.Run{{ID: "abc", Input: "x.jsonl", CreatedAt: time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC), Rows: 40}})
	assert.Contains(t, runs, "2025-03-01 09:30:00")
	assert.Contains(t, runs, "abc")
}

func TestRenderRunSummary(t *testing.T) {
	out := renderRunSummary("baseline", "out/rolebench_baseline.jsonl", orchestrator.Summary{Written: 12, Incomplete: 3, Resumed: 4})

	assert.Contains(t, out, "Incomplete")
	assert.Contains(t, out, "12")
	assert.Contains(t, out, "out/rolebench_baseline.jsonl")
}

func TestCheckBackends(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("REPLICATE_API_TOKEN", "")

	opts := orchestrator.Options{
		Mode:             orchestrator.ModeMonitored,
		PersonaBackend:   llm.BackendPrimary,
		SimulatorBackend: llm.BackendPrimary,
		JudgeBackend:     llm.BackendPrimary,
	}

	client, err := llm.NewClientFromConfig(config.Default(), nil)
	require.NoError(t, err)
	err = checkBackends(client, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persona model")

	t.Setenv("OPENAI_API_KEY", "sk-test")
	client, err = llm.NewClientFromConfig(config.Default(), nil)
	require.NoError(t, err)
	assert.NoError(t, checkBackends(client, opts))

	opts.JudgeBackend = "tertiary"
	err = checkBackends(client, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `judge model uses provider slot "tertiary"`)
}
