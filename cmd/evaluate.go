package cmd

import (
	"encoding/json"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/evac-planner/evac-planner/evac/metrics"
)

var (
	recordsPath string // JSON records file
	metricsPath string // optional metric definitions; config metrics otherwise
)

// evaluation is the JSON form of one evaluated metric. Null values stay null.
type evaluation struct {
	Name   string              `json:"name"`
	Value  *float64            `json:"value"`
	Groups map[string]*float64 `json:"groups,omitempty"`
}

// evaluateCmd runs metric definitions over recorded simulation output
var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate metric definitions over a simulation records file",
	Run: func(cmd *cobra.Command, args []string) {
		var specs []metrics.Spec
		var err error
		if metricsPath != "" {
			specs, err = loadMetricSpecs(metricsPath)
		} else {
			cfg, cerr := loadConfig(configPath)
			if cerr != nil {
				logrus.Fatalf("Invalid config: %v", cerr)
			}
			specs, err = cfg.MetricSpecs()
		}
		if err != nil {
			logrus.Fatalf("Invalid metric definitions: %v", err)
		}
		recs, err := metrics.LoadRecords(recordsPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if err := writeEvaluations(os.Stdout, evaluate(recs, specs)); err != nil {
			logrus.Fatalf("Writing results: %v", err)
		}
	},
}

// evaluate runs specs over recs. Non-finite results are logged and reported null.
func evaluate(recs *metrics.Records, specs []metrics.Spec) []evaluation {
	results := metrics.NewEngineFromRecords(recs).Evaluate(specs)
	out := make([]evaluation, len(results))
	for i, r := range results {
		for _, err := range r.Errs {
			logrus.Warnf("%v", err)
		}
		out[i] = evaluation{Name: r.Name, Value: r.Value, Groups: r.Groups}
	}
	return out
}

func writeEvaluations(w io.Writer, evals []evaluation) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(evals)
}

func init() {
	evaluateCmd.Flags().StringVar(&recordsPath, "records", "", "Path to a JSON records file ({\"samples\": [...], \"events\": [...]})")
	evaluateCmd.Flags().StringVar(&metricsPath, "metrics", "", "Path to a YAML file with a metrics: list (defaults to the config's metrics)")
	_ = evaluateCmd.MarkFlagRequired("records")
}
