package evac

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evac.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	specs, err := cfg.MetricSpecs()
	require.NoError(t, err)
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	assert.Equal(t, []string{MetricClearanceTime, MetricMaxQueue, MetricGroupClearance}, names)
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	// GIVEN a file setting a subset of fields
	path := writeConfig(t, `
pool:
  size: 4
deadline: 90s
retry:
  max_retries: 5
  initial_interval: 100ms
  max_interval: 2s
  multiplier: 1.5
explainer:
  min_citations: 1
  max_citations: 3
  min_confidence: 0.4
storage:
  backend: fs
  dir: /tmp/evac
`)

	// WHEN loaded
	cfg, err := LoadConfig(path)

	// THEN set fields win and the rest keep their defaults
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Pool.Size)
	assert.Equal(t, 90*time.Second, cfg.Deadline)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, StorageFS, cfg.Storage.Backend)
	assert.Equal(t, 1.5, cfg.Planner.ContraflowMultiplier)
	assert.Len(t, cfg.Metrics, 3)
}

func TestLoadConfig_UnknownField_Rejected(t *testing.T) {
	// GIVEN a typo in a key
	path := writeConfig(t, "pool:\n  sise: 4\n")

	// WHEN loaded
	_, err := LoadConfig(path)

	// THEN strict parsing fails instead of silently using the default
	assert.ErrorContains(t, err, "sise")
}

func TestLoadConfig_MetricsReplaceDefaults(t *testing.T) {
	path := writeConfig(t, `
metrics:
  - name: peak_queue
    key: queue_len
    op: max_value
    scope_contains: "edge:"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Metrics, 1)
	assert.Equal(t, "edge:", cfg.Metrics[0].Filter.ScopeContains)
}

func TestConfig_Validate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"pool size zero", func(c *Config) { c.Pool.Size = 0 }, "pool.size"},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }, "retry.max_retries"},
		{"max below initial", func(c *Config) { c.Retry.MaxInterval = time.Millisecond }, "retry.max_interval"},
		{"failure rate above one", func(c *Config) { c.Robustness.FailureRate = 1.5 }, "robustness.failure_rate"},
		{"min citations zero", func(c *Config) { c.Explainer.MinCitations = 0 }, "explainer.min_citations"},
		{"max below min citations", func(c *Config) { c.Explainer.MaxCitations = 1 }, "explainer.max_citations"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"redis without addr", func(c *Config) { c.Storage.Backend = StorageRedis }, "storage.redis_addr"},
		{"no metrics", func(c *Config) { c.Metrics = nil }, "metrics"},
		{"contraflow not an increase", func(c *Config) { c.Planner.ContraflowMultiplier = 1 }, "planner.contraflow_multiplier"},
		{"unknown trace level", func(c *Config) { c.Trace.Level = "verbose" }, "trace.level"},
		{"negative counterfactual k", func(c *Config) { c.Trace.CounterfactualK = -1 }, "trace.counterfactual_k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestConfig_Validate_BadMetricSpec(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics[0].Op = "median"
	assert.ErrorContains(t, cfg.Validate(), "unknown op")
}
