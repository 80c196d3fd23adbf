// Package metrics exposes Prometheus collectors for provider traffic, drift
// checks, hypocrisy checks and the critique-and-regenerate loop.
//
// All recording methods are safe on a nil *Metrics, so components can be
// built without instrumentation in tests.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "personadrift"

// =============================================================================
// Collectors
// =============================================================================

// Metrics groups every collector the run registers.
type Metrics struct {
	registry *prometheus.Registry

	// llmRequests counts completions. Labels: backend, model, status (ok, error)
	llmRequests *prometheus.CounterVec
	// llmLatency measures completion latency. Labels: backend, model
	llmLatency *prometheus.HistogramVec
	// llmTokens counts tokens. Labels: backend, direction (input, output)
	llmTokens *prometheus.CounterVec

	// embedRequests counts embedding calls. Labels: status
	embedRequests *prometheus.CounterVec

	// driftChecks counts monitor verdicts. Labels: kind (pass, empty, contradiction, style)
	driftChecks *prometheus.CounterVec
	// driftScore tracks the signed projection of persona turns onto the anchor
	driftScore prometheus.Histogram

	// hypocrisyChecks counts judge outcomes. Labels: status (PASS, FAIL)
	hypocrisyChecks *prometheus.CounterVec

	// igrcOutcomes counts corrected turns. Labels: result (accepted, corrected, exhausted)
	igrcOutcomes *prometheus.CounterVec
	// igrcRetries tracks corrective rounds per turn
	igrcRetries prometheus.Histogram

	// conversations counts finished samples. Labels: mode, status (written, incomplete, skipped, aborted)
	conversations *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		llmRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Completion requests by backend, model and status",
		}, []string{"backend", "model", "status"}),
		llmLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Completion latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"backend", "model"}),
		llmTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens consumed by backend and direction",
		}, []string{"backend", "direction"}),
		embedRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "requests_total",
			Help:      "Embedding requests by status",
		}, []string{"status"}),
		driftChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "drift_checks_total",
			Help:      "Divergence monitor verdicts by kind",
		}, []string{"kind"}),
		driftScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "drift_score",
			Help:      "Signed projection of persona turns onto the anchor embedding",
			Buckets:   []float64{-0.5, 0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		hypocrisyChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "hypocrisy_checks_total",
			Help:      "Fact-consistency judge outcomes",
		}, []string{"status"}),
		igrcOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "igrc",
			Name:      "outcomes_total",
			Help:      "Critique-and-regenerate results per persona turn",
		}, []string{"result"}),
		igrcRetries: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "igrc",
			Name:      "retries",
			Help:      "Corrective rounds per persona turn",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		}),
		conversations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "conversations_total",
			Help:      "Finished samples by mode and status",
		}, []string{"mode", "status"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// =============================================================================
// Recording
// =============================================================================

// ObserveCompletion records one completion call.
func (m *Metrics) ObserveCompletion(backend, model string, d time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.llmRequests.WithLabelValues(backend, model, status).Inc()
	m.llmLatency.WithLabelValues(backend, model).Observe(d.Seconds())
	if inputTokens > 0 {
		m.llmTokens.WithLabelValues(backend, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.llmTokens.WithLabelValues(backend, "output").Add(float64(outputTokens))
	}
}

// ObserveEmbedding records one embedding call.
func (m *Metrics) ObserveEmbedding(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.embedRequests.WithLabelValues(status).Inc()
}

// ObserveDriftCheck records a divergence monitor verdict.
func (m *Metrics) ObserveDriftCheck(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "pass"
	}
	m.driftChecks.WithLabelValues(kind).Inc()
}

// ObserveDriftScore records a turn's projection score.
func (m *Metrics) ObserveDriftScore(score float64) {
	if m == nil {
		return
	}
	m.driftScore.Observe(score)
}

// ObserveHypocrisy records a judge outcome.
func (m *Metrics) ObserveHypocrisy(status string) {
	if m == nil {
		return
	}
	m.hypocrisyChecks.WithLabelValues(status).Inc()
}

// ObserveIGRC records the outcome of one corrected turn.
func (m *Metrics) ObserveIGRC(retries int, failed bool) {
	if m == nil {
		return
	}
	result := "accepted"
	switch {
	case failed:
		result = "exhausted"
	case retries > 0:
		result = "corrected"
	}
	m.igrcOutcomes.WithLabelValues(result).Inc()
	m.igrcRetries.Observe(float64(retries))
}

// ObserveConversation records a finished sample.
func (m *Metrics) ObserveConversation(mode, status string) {
	if m == nil {
		return
	}
	m.conversations.WithLabelValues(mode, status).Inc()
}

// =============================================================================
// Exposition
// =============================================================================

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
