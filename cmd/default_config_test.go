package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evac-planner/evac-planner/evac"
)

const intentYAML = `objective: evacuate the harbor district
city: harbor
hazard: flood
seed: 7
constraints:
  max_scenarios: 4
  compute_budget: 90s
  protected_pois: [h-general]
preferences:
  fairness: 0.3
  clearance: 0.5
  robustness: 0.2
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadIntent_FileValues(t *testing.T) {
	in, err := loadIntent(writeFile(t, "intent.yaml", intentYAML), intentOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "harbor", in.City)
	assert.Equal(t, int64(7), in.Seed)
	assert.Equal(t, 4, in.Constraints.MaxScenarios)
	assert.Equal(t, 90*time.Second, in.Constraints.ComputeBudget)
	assert.Equal(t, []string{"h-general"}, in.Constraints.ProtectedPOIs)
	assert.Equal(t, 0.5, in.Preferences.Clearance)
}

func TestLoadIntent_OverridesWin(t *testing.T) {
	// GIVEN an intent file and every override set
	seed := int64(99)
	o := intentOverrides{City: "delta", Hazard: "fire", Seed: &seed, MaxScenarios: 2, Weights: "clearance:1"}

	// WHEN loaded
	in, err := loadIntent(writeFile(t, "intent.yaml", intentYAML), o)

	// THEN the overrides replace the file values
	require.NoError(t, err)
	assert.Equal(t, "delta", in.City)
	assert.Equal(t, "fire", in.Hazard)
	assert.Equal(t, int64(99), in.Seed)
	assert.Equal(t, 2, in.Constraints.MaxScenarios)
	assert.Equal(t, evac.UserPreferences{Clearance: 1}, in.Preferences)
}

func TestLoadIntent_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		o       intentOverrides
		want    string
	}{
		{name: "unknown field", content: intentYAML + "urgency: high\n", want: "field urgency not found"},
		{name: "bad weights override", content: intentYAML, o: intentOverrides{Weights: "clearance:0.4"}, want: "weights"},
		{name: "missing objective", content: "city: harbor\nhazard: flood\n", want: "objective"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadIntent(writeFile(t, "intent.yaml", tc.content), tc.o)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	_, err := loadIntent(filepath.Join(t.TempDir(), "missing.yaml"), intentOverrides{})
	assert.ErrorContains(t, err, "reading intent")
}

func TestLoadConfig_DefaultsWhenNoPath(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, evac.DefaultConfig().Pool, cfg.Pool)
}

func TestLoadConfig_ExampleFileIsValid(t *testing.T) {
	cfg, err := loadConfig("../examples/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, evac.StorageFS, cfg.Storage.Backend)
	assert.Equal(t, "evac", cfg.NATS.SubjectPrefix)
	assert.Equal(t, 30*time.Second, cfg.Retry.AttemptTimeout)
}

func TestLoadMetricSpecs(t *testing.T) {
	path := writeFile(t, "metrics.yaml", `metrics:
  - name: peak_queue
    key: queue_len
    op: max_value
  - name: p90_time
    key: evacuated_pct
    op: percentile_time_to_threshold
    pct: 90
`)
	specs, err := loadMetricSpecs(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "peak_queue", specs[0].Name)

	_, err = loadMetricSpecs(writeFile(t, "empty.yaml", "metrics: []\n"))
	assert.ErrorContains(t, err, "defines no metrics")
}
