package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/personadrift/internal/config"
	"github.com/normanking/personadrift/internal/dataset"
	"github.com/normanking/personadrift/internal/embedding"
	"github.com/normanking/personadrift/internal/identity"
	"github.com/normanking/personadrift/internal/llm"
	"github.com/normanking/personadrift/internal/logging"
	"github.com/normanking/personadrift/internal/metrics"
	"github.com/normanking/personadrift/internal/nli"
	"github.com/normanking/personadrift/internal/orchestrator"
	"github.com/normanking/personadrift/internal/persona"
	"github.com/normanking/personadrift/internal/record"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile  string
	logLevel string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "personadrift",
	Short: "Measure and correct persona drift in long role-play conversations",
	Long: `personadrift runs multi-turn role-play conversations against a language
model and measures how far the persona drifts from its system prompt.

Modes:
  baseline    plain conversation, system prompt sent once
  spr         system prompt repeated in front of every user turn
  monitored   per-turn drift scoring and periodic fact checks,
              optionally with critique-and-regenerate (--igrc)

Configuration:
  Settings are read from --config (default ./personadrift.yaml, created on
  first use) and may be overridden with PERSONADRIFT_* environment variables.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	// version needs neither config nor logging
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("personadrift", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "personadrift.yaml", "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(measureCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and installs the logger before any command runs.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.LoadFromPath(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	return logging.Setup(&logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: true,
	})
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// startMetrics serves /metrics in the background when an address is set.
func startMetrics(ctx context.Context, m *metrics.Metrics) {
	if cfg.Metrics.Addr == "" {
		return
	}
	go func() {
		if err := m.Serve(ctx, cfg.Metrics.Addr); err != nil {
			log.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("metrics endpoint stopped")
		}
	}()
}

// ═══════════════════════════════════════════════════════════════════════════════
// RUN
// ═══════════════════════════════════════════════════════════════════════════════

var runFlags struct {
	mode         string
	igrc         bool
	limit        int
	turns        int
	personaModel string
	simModel     string
	workers      int
	fresh        bool
	dataset      string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate conversations for one mode",
	Example: `  personadrift run --mode baseline --limit 50
  personadrift run --mode monitored --igrc --turns 20 --workers 8`,
	RunE: runConversations,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.mode, "mode", "baseline", "conversation mode: baseline, spr, monitored")
	f.BoolVar(&runFlags.igrc, "igrc", false, "enable critique-and-regenerate (monitored mode only)")
	f.IntVar(&runFlags.limit, "limit", 0, "maximum number of samples (0 = all)")
	f.IntVar(&runFlags.turns, "turns", 0, "persona turns per conversation (overrides config)")
	f.StringVar(&runFlags.personaModel, "persona-model", "", "persona model (overrides config)")
	f.StringVar(&runFlags.simModel, "sim-model", "", "user simulator model (overrides config)")
	f.IntVar(&runFlags.workers, "workers", 0, "concurrent conversations (overrides config)")
	f.BoolVar(&runFlags.fresh, "fresh", false, "truncate the output file instead of resuming")
	f.StringVar(&runFlags.dataset, "dataset", "", "dataset path or URL (overrides config)")
}

func runConversations(cmd *cobra.Command, args []string) error {
	mode, err := orchestrator.ParseMode(runFlags.mode)
	if err != nil {
		return err
	}
	if runFlags.igrc && mode != orchestrator.ModeMonitored {
		return errors.New("--igrc requires --mode monitored")
	}
	applyRunOverrides()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.Component("run")
	ctx, stop := signalContext()
	defer stop()

	m := metrics.New()
	startMetrics(ctx, m)

	profiles, err := persona.LoadProfiles(cfg.Paths.ProfileDir)
	if err != nil {
		var missing *persona.MissingAssetError
		if errors.As(err, &missing) {
			logger.Error().Str("path", missing.Path).Str("remediation", missing.Remediation).Msg("profile assets missing")
		}
		return err
	}
	logger.Info().Int("profiles", profiles.Len()).Str("dir", cfg.Paths.ProfileDir).Msg("loaded persona profiles")
	logger.Debug().Strs("roles", profiles.Roles()).Msg("profiled roles")

	samples, err := dataset.Load(ctx, cfg.Paths.Dataset)
	if err != nil {
		return err
	}
	samples = dataset.Prepare(samples, cfg.Conversation.Seed, runFlags.limit)

	client, err := llm.NewClientFromConfig(cfg, m)
	if err != nil {
		return err
	}
	opts := runOptions(mode)
	if err := checkBackends(client, opts); err != nil {
		return err
	}

	deps := orchestrator.Deps{
		Completer: client,
		Profiles:  profiles,
		Metrics:   m,
	}
	if mode == orchestrator.ModeMonitored {
		svc, err := embedding.NewFromConfig(cfg, m)
		if err != nil {
			return err
		}
		deps.Embedder = svc
	}
	if runFlags.igrc {
		classifier, err := nli.NewFromConfig(cfg, client)
		if err != nil {
			return err
		}
		deps.Classifier = classifier
	}

	outName := string(mode)
	if runFlags.igrc {
		outName = "monitored_igrc"
	}
	outPath := cfg.OutputPath(outName)

	done := map[string]bool{}
	if !runFlags.fresh {
		if done, err = record.CompletedIDs(outPath); err != nil {
			return err
		}
	}
	writer, err := record.OpenWriter(outPath, runFlags.fresh)
	if err != nil {
		return err
	}
	defer writer.Close()
	deps.Writer = writer

	runner, err := orchestrator.NewRunner(opts, deps)
	if err != nil {
		return err
	}

	logger.Info().
		Str("mode", runner.Method()).
		Int("samples", len(samples)).
		Int("resumable", len(done)).
		Str("output", writer.Path()).
		Msg("starting run")

	sum, runErr := runner.Run(ctx, samples, done)
	fmt.Println(renderRunSummary(runner.Method(), writer.Path(), sum))
	if sum.Incomplete > 0 {
		logger.Warn().Int("incomplete", sum.Incomplete).Msg("some conversations ended early on empty completions, check provider logs")
	}
	if errors.Is(runErr, context.Canceled) {
		logger.Warn().Msg("run interrupted, rerun without --fresh to resume")
		return nil
	}
	return runErr
}

// checkBackends fails fast when a model the run needs is bound to a provider
// slot that is missing or has no credentials.
func checkBackends(client *llm.Client, opts orchestrator.Options) error {
	type use struct {
		name    string
		backend llm.Backend
	}
	uses := []use{{"persona", opts.PersonaBackend}, {"simulator", opts.SimulatorBackend}}
	if opts.Mode == orchestrator.ModeMonitored {
		uses = append(uses, use{"judge", opts.JudgeBackend})
	}

	for _, u := range uses {
		p, ok := client.Provider(u.backend)
		if !ok {
			return fmt.Errorf("%s model uses provider slot %q, which is not configured", u.name, u.backend)
		}
		if !p.Available() {
			return fmt.Errorf("%s model uses provider slot %q (%s) without an API key", u.name, u.backend, p.Name())
		}
	}
	return nil
}

func applyRunOverrides() {
	if runFlags.turns > 0 {
		cfg.Conversation.Turns = runFlags.turns
	}
	if runFlags.workers > 0 {
		cfg.Conversation.Workers = runFlags.workers
	}
	if runFlags.personaModel != "" {
		cfg.Models.Persona.Model = runFlags.personaModel
	}
	if runFlags.simModel != "" {
		cfg.Models.Simulator.Model = runFlags.simModel
	}
	if runFlags.dataset != "" {
		cfg.Paths.Dataset = runFlags.dataset
	}
}

func runOptions(mode orchestrator.Mode) orchestrator.Options {
	return orchestrator.Options{
		Mode:             mode,
		IGRC:             runFlags.igrc,
		Turns:            cfg.Conversation.Turns,
		Workers:          cfg.Conversation.Workers,
		HypocrisyCadence: cfg.Monitor.HypocrisyCadence,
		Temperature:      cfg.Conversation.Temperature,
		PersonaModel:     cfg.Models.Persona.Model,
		PersonaBackend:   llm.Backend(cfg.Models.Persona.Provider),
		SimulatorModel:   cfg.Models.Simulator.Model,
		SimulatorBackend: llm.Backend(cfg.Models.Simulator.Provider),
		JudgeModel:       cfg.Models.Judge.Model,
		JudgeBackend:     llm.Backend(cfg.Models.Judge.Provider),
		Identity: identity.Config{
			SimilarityThreshold: cfg.Monitor.SimilarityThreshold,
			MaxRetries:          cfg.IGRC.MaxRetries,
		},
	}
}
