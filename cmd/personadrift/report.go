package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/normanking/personadrift/internal/eval"
	"github.com/normanking/personadrift/internal/orchestrator"
	"github.com/normanking/personadrift/internal/record"
)

var reportFlags struct {
	db    string
	run   string
	input string
	list  bool
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarise a stored measurement run or the metrics of a monitored record file",
	Example: `  personadrift report --db out/results.db
  personadrift report --db out/results.db --list
  personadrift report --input out/rolebench_monitored_igrc.jsonl`,
	RunE: report,
}

func init() {
	f := reportCmd.Flags()
	f.StringVar(&reportFlags.db, "db", "", "results database (default from config)")
	f.StringVar(&reportFlags.run, "run", "", "run id (default: latest)")
	f.StringVar(&reportFlags.input, "input", "", "monitored record file to summarise instead of a stored run")
	f.BoolVar(&reportFlags.list, "list", false, "list stored runs")
}

func report(cmd *cobra.Command, args []string) error {
	if reportFlags.input != "" {
		recs, err := record.ReadFile(reportFlags.input)
		if err != nil {
			return err
		}
		rep := eval.SummarizeMonitored(recs)
		if rep.Conversations == 0 {
			return fmt.Errorf("%s has no monitored turn metrics, use measure for offline scoring", reportFlags.input)
		}
		fmt.Println(renderMonitor(reportFlags.input, rep))
		return nil
	}

	dbPath := reportFlags.db
	if dbPath == "" {
		dbPath = cfg.Paths.ResultsDB
	}
	store, err := eval.NewSQLiteStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if reportFlags.list {
		runs, err := store.ListRuns(ctx)
		if err != nil {
			return err
		}
		fmt.Println(renderRuns(runs))
		return nil
	}

	run, err := store.LoadRun(ctx, reportFlags.run)
	if errors.Is(err, eval.ErrRunNotFound) {
		return fmt.Errorf("no measurement run in %s, run measure first", dbPath)
	}
	if err != nil {
		return err
	}
	scores, err := store.LoadScores(ctx, run.ID)
	if err != nil {
		return err
	}
	fmt.Println(renderTrend(run.Input, eval.Summarize(scores)))
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// RENDERING
// ═══════════════════════════════════════════════════════════════════════════════

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func f3(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }
func f4(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
func pct(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64) + "%"
}

func renderRunSummary(method, output string, sum orchestrator.Summary) string {
	t := newTable("Written", "Incomplete", "Resumed", "Skipped", "Aborted").
		Row(strconv.Itoa(sum.Written), strconv.Itoa(sum.Incomplete), strconv.Itoa(sum.Resumed), strconv.Itoa(sum.Skipped), strconv.Itoa(sum.Aborted))
	return titleStyle.Render(method+" → "+output) + "\n" + t.String()
}

func renderTrend(source string, rep eval.TrendReport) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Fidelity trend: %s (N=%d)", source, rep.Conversations)))
	sb.WriteString("\n")

	summary := newTable("Slope", "Drift index", "Contradiction rate", "Rows").
		Row(f4(rep.Slope), f4(rep.DriftIndex), pct(rep.ContradictionRate), strconv.Itoa(rep.Rows))
	sb.WriteString(summary.String())
	sb.WriteString("\n")

	turns := newTable("Turn", "Mean fidelity", "N")
	for _, tm := range rep.ByTurn {
		turns.Row(strconv.Itoa(tm.Turn), f3(tm.Mean), strconv.Itoa(tm.Count))
	}
	sb.WriteString(turns.String())
	return sb.String()
}

func renderMonitor(source string, rep eval.MonitorReport) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Monitored run: %s (N=%d)", source, rep.Conversations)))
	sb.WriteString("\n")

	summary := newTable("Drift slope", "Unusable turns", "Fact checks", "Hypocrisy fail rate", "IGRC turns", "Corrected", "Failed to fix", "Retries").
		Row(
			f4(rep.DriftSlope),
			strconv.Itoa(rep.UnusableTurns),
			strconv.Itoa(rep.HypocrisyChecks),
			pct(rep.HypocrisyFailRate),
			strconv.Itoa(rep.IGRCTurns),
			strconv.Itoa(rep.Corrected),
			strconv.Itoa(rep.FailedToFix),
			strconv.Itoa(rep.TotalRetries),
		)
	sb.WriteString(summary.String())
	sb.WriteString("\n")

	turns := newTable("Turn", "Mean drift score", "N")
	for _, tm := range rep.DriftByTurn {
		turns.Row(strconv.Itoa(tm.Turn), f3(tm.Mean), strconv.Itoa(tm.Count))
	}
	sb.WriteString(turns.String())
	return sb.String()
}

func renderRuns(runs []*eval.Run) string {
	t := newTable("Run", "Created", "Input", "Conversations", "Rows")
	for _, r := range runs {
		t.Row(r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Input, strconv.Itoa(r.Conversations), strconv.Itoa(r.Rows))
	}
	return t.String()
}
