package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/personadrift/internal/embedding"
	"github.com/normanking/personadrift/internal/eval"
	"github.com/normanking/personadrift/internal/llm"
	"github.com/normanking/personadrift/internal/metrics"
	"github.com/normanking/personadrift/internal/nli"
	"github.com/normanking/personadrift/internal/record"
)

var measureFlags struct {
	input     string
	outputCSV string
	db        string
	noNLI     bool
}

var measureCmd = &cobra.Command{
	Use:   "measure",
	Short: "Score a record file offline against each conversation's system prompt",
	Example: `  personadrift measure --input out/rolebench_baseline.jsonl --output-csv out/drift_results.csv
  personadrift measure --input out/rolebench_spr.jsonl --db out/results.db`,
	RunE: measureRecords,
}

func init() {
	f := measureCmd.Flags()
	f.StringVar(&measureFlags.input, "input", "", "record file to score (required)")
	f.StringVar(&measureFlags.outputCSV, "output-csv", "", "write per-turn rows to this CSV file")
	f.StringVar(&measureFlags.db, "db", "", "save the run to this results database (default from config)")
	f.BoolVar(&measureFlags.noNLI, "no-nli", false, "skip contradiction classification")
	_ = measureCmd.MarkFlagRequired("input")
}

func measureRecords(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	recs, err := record.ReadFile(measureFlags.input)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("no records in %s", measureFlags.input)
	}

	m := metrics.New()
	embedder, err := embedding.NewFromConfig(cfg, m)
	if err != nil {
		return err
	}

	var classifier nli.Classifier
	if !measureFlags.noNLI {
		client, err := llm.NewClientFromConfig(cfg, m)
		if err != nil {
			return err
		}
		if classifier, err = nli.NewFromConfig(cfg, client); err != nil {
			return err
		}
	}

	measurer := eval.NewMeasurer(embedder, classifier, cfg.Conversation.Workers)
	scores, err := measurer.Measure(ctx, recs)
	if err != nil {
		return err
	}
	if len(scores) == 0 {
		return errors.New("no turns could be scored, check the embedding backend")
	}

	if measureFlags.outputCSV != "" {
		if err := eval.WriteCSVFile(measureFlags.outputCSV, scores); err != nil {
			return err
		}
		log.Info().Str("path", measureFlags.outputCSV).Int("rows", len(scores)).Msg("wrote csv")
	}

	dbPath := measureFlags.db
	if dbPath == "" {
		dbPath = cfg.Paths.ResultsDB
	}
	if dbPath != "" {
		store, err := eval.NewSQLiteStore(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		run := eval.NewRun(measureFlags.input)
		if err := store.SaveRun(ctx, run, scores); err != nil {
			return err
		}
		log.Info().Str("run", run.ID).Str("db", dbPath).Msg("saved measurement run")
	}

	fmt.Println(renderTrend(measureFlags.input, eval.Summarize(scores)))
	return nil
}
