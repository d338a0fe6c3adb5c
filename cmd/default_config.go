package cmd

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/metrics"
)

// loadConfig returns the built-in defaults, or path decoded over them.
func loadConfig(path string) (evac.Config, error) {
	if path == "" {
		cfg := evac.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return evac.LoadConfig(path)
}

// decodeStrict parses a YAML file into out. Unknown fields are errors.
func decodeStrict(path, what string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", what, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("parsing %s YAML: %w", what, err)
	}
	return nil
}

// intentOverrides are the run flags that replace intent file values when set.
type intentOverrides struct {
	City         string
	Hazard       string
	Seed         *int64
	MaxScenarios int
	Weights      string
}

// loadIntent reads an intent file, applies overrides and validates the result.
func loadIntent(path string, o intentOverrides) (evac.UserIntent, error) {
	var spec evac.IntentSpec
	if err := decodeStrict(path, "intent", &spec); err != nil {
		return evac.UserIntent{}, err
	}
	if o.City != "" {
		spec.City = o.City
	}
	if o.Hazard != "" {
		spec.Hazard = o.Hazard
	}
	if o.Seed != nil {
		spec.Seed = *o.Seed
	}
	if o.MaxScenarios > 0 {
		spec.Constraints.MaxScenarios = o.MaxScenarios
	}
	if o.Weights != "" {
		w, err := evac.ParseWeights(o.Weights)
		if err != nil {
			return evac.UserIntent{}, err
		}
		spec.Preferences = w
	}
	return evac.NewUserIntent(spec)
}

// metricsFile is the layout of an evaluate --metrics file.
type metricsFile struct {
	Metrics []metrics.SpecConfig `yaml:"metrics"`
}

func loadMetricSpecs(path string) ([]metrics.Spec, error) {
	var f metricsFile
	if err := decodeStrict(path, "metrics", &f); err != nil {
		return nil, err
	}
	if len(f.Metrics) == 0 {
		return nil, fmt.Errorf("%s defines no metrics", path)
	}
	return metrics.BuildSpecs(f.Metrics)
}
