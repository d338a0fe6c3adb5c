package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/evac-planner/evac-planner/evac/coordinator"
	"github.com/evac-planner/evac-planner/evac/trace"
)

var (
	intentPath   string // intent YAML
	runCity      string
	runHazard    string
	runSeed      int64
	maxScenarios int
	weights      string
	memoOut      string // optional file for the memo JSON
	traceSummary bool
)

// runCmd plans, simulates, judges and explains one intent
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one planning intent end to end and print its decision memo",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			logrus.Fatalf("Invalid config: %v", err)
		}
		o := intentOverrides{City: runCity, Hazard: runHazard, MaxScenarios: maxScenarios, Weights: weights}
		if cmd.Flags().Changed("seed") {
			o.Seed = &runSeed
		}
		intent, err := loadIntent(intentPath, o)
		if err != nil {
			logrus.Fatalf("Invalid intent: %v", err)
		}

		p, err := newPipeline(cfg, nil)
		if err != nil {
			logrus.Fatalf("Building pipeline: %v", err)
		}
		defer func() {
			if err := p.close(); err != nil {
				logrus.Warnf("closing store: %v", err)
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		run := p.coord.Start(ctx, intent)
		for ev := range run.Events() {
			printEvent(os.Stderr, ev)
		}
		out := run.Wait()
		if traceSummary && out.Trace != nil {
			printTraceSummary(os.Stderr, trace.Summarize(out.Trace))
		}
		if err := out.Err(); err != nil {
			logrus.Fatalf("Run %s ended %s: %v", out.RunID, out.State, err)
		}
		if err := writeMemo(os.Stdout, memoOut, out.Memo.Bytes); err != nil {
			logrus.Fatalf("Writing memo: %v", err)
		}
		logrus.Infof("Run %s %s in %v", out.RunID, out.State.Visible(), out.Duration)
	},
}

// printEvent writes one progress line per event.
func printEvent(w io.Writer, ev coordinator.Event) {
	line := fmt.Sprintf("[%02d] %-16s", ev.Seq, ev.Type)
	switch ev.Type {
	case coordinator.EventPlannerDone:
		line += fmt.Sprintf(" %d scenario(s)", ev.Count)
	case coordinator.EventWorkerResult:
		if r := ev.Result; r != nil {
			line += fmt.Sprintf(" %s %s", r.ScenarioID, r.Status)
			if r.RetryCount > 0 {
				line += fmt.Sprintf(" after %d retries", r.RetryCount)
			}
		}
	case coordinator.EventJudgeSummary:
		if j := ev.Judge; j != nil {
			if j.ValidationPassed {
				line += fmt.Sprintf(" best %s of %d", j.BestScenarioID, len(j.Ranking))
			} else {
				line += " no completed scenario"
			}
		}
	case coordinator.EventExplainerAnswer:
		if e := ev.Explanation; e != nil {
			if e.Abstained {
				line += fmt.Sprintf(" abstained (%s)", e.Reason)
			} else {
				line += fmt.Sprintf(" %d citation(s), confidence %.2f", len(e.Citations), e.Confidence)
			}
		}
	}
	if ev.Reason != "" {
		line += " " + ev.Reason
	}
	fmt.Fprintln(w, line)
}

func printTraceSummary(w io.Writer, s *trace.Summary) {
	fmt.Fprintf(w, "=== Trace Summary ===\n")
	fmt.Fprintf(w, "Stages: %d\n", s.Stages)
	fmt.Fprintf(w, "Scenarios: %d (%d completed, %d retries)\n", s.TotalScenarios, s.CompletedCount, s.TotalRetries)
	fmt.Fprintf(w, "Winner: %s\n", s.Winner)
	fmt.Fprintf(w, "Mean Regret: %.4f\n", s.MeanRegret)
	fmt.Fprintf(w, "Max Regret: %.4f\n", s.MaxRegret)
}

// writeMemo prints the memo as indented JSON and, when path is set, writes
// the canonical bytes there.
func writeMemo(w io.Writer, path string, canonical []byte) error {
	var v any
	if err := json.Unmarshal(canonical, &v); err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, string(pretty)); err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	return os.WriteFile(path, canonical, 0o644)
}

func init() {
	runCmd.Flags().StringVar(&intentPath, "intent", "examples/intent.yaml", "Path to the intent YAML")
	runCmd.Flags().StringVar(&runCity, "city", "", "Override the intent city")
	runCmd.Flags().StringVar(&runHazard, "hazard", "", "Override the intent hazard")
	runCmd.Flags().Int64Var(&runSeed, "seed", 42, "Override the intent seed")
	runCmd.Flags().IntVar(&maxScenarios, "max-scenarios", 0, "Override the intent scenario cap")
	runCmd.Flags().StringVar(&weights, "weights", "", "Override preferences, e.g. fairness:0.3,clearance:0.5,robustness:0.2")
	runCmd.Flags().StringVar(&memoOut, "out", "", "Also write the canonical memo JSON to this file")
	runCmd.Flags().BoolVar(&traceSummary, "summarize-trace", false, "Print a trace summary after the run")
}
