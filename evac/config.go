package evac

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evac-planner/evac-planner/evac/metrics"
	"github.com/evac-planner/evac-planner/evac/trace"
)

// Config is the full evac.yaml structure. Every section must be listed here
// to satisfy KnownFields(true) strict parsing: typos are errors, not defaults.
type Config struct {
	Pool       PoolConfig           `yaml:"pool"`
	Retry      RetryConfig          `yaml:"retry"`
	Deadline   time.Duration        `yaml:"deadline"` // global run deadline; 0 = compute budget only
	Robustness RobustnessConfig     `yaml:"robustness"`
	Engine     EngineConfig         `yaml:"engine"`
	Planner    PlannerConfig        `yaml:"planner"`
	Explainer  ExplainerConfig      `yaml:"explainer"`
	Metrics    []metrics.SpecConfig `yaml:"metrics"`
	Queue      QueueConfig          `yaml:"queue"`
	Storage    StorageConfig        `yaml:"storage"`
	NATS       NATSConfig           `yaml:"nats"`
	Telemetry  TelemetryConfig      `yaml:"telemetry"`
	Trace      trace.Config         `yaml:"trace"`
}

// PoolConfig sizes the simulation worker pool.
type PoolConfig struct {
	Size int `yaml:"size"`
}

// RetryConfig is the retry policy for transient simulation failures.
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout"` // 0 = bounded by the run deadline only
}

// RobustnessConfig controls the failure-injection trials run per scenario.
type RobustnessConfig struct {
	Trials      int     `yaml:"trials"`       // 0 disables the robustness metric
	FailureRate float64 `yaml:"failure_rate"` // probability each edge fails in a trial
}

// EngineConfig configures the graph provider and the reference engine.
type EngineConfig struct {
	Graphs               string  `yaml:"graphs"` // directory of <city>.yaml files, or a single file
	StepSeconds          float64 `yaml:"step_seconds"`
	HorizonMin           float64 `yaml:"horizon_min"`
	TransientFailureRate float64 `yaml:"transient_failure_rate"`
}

// PlannerConfig tunes candidate generation.
type PlannerConfig struct {
	ContraflowMultiplier float64 `yaml:"contraflow_multiplier"`
	SafetyFloor          float64 `yaml:"safety_floor"`
	CorridorFloor        float64 `yaml:"corridor_floor"`
	StageIntervalMin     float64 `yaml:"stage_interval_min"`
	ArterialTag          string  `yaml:"arterial_tag"`
	HazardTag            string  `yaml:"hazard_tag"`
}

// ExplainerConfig configures retrieval and the abstention thresholds.
type ExplainerConfig struct {
	MinCitations  int           `yaml:"min_citations"`
	MaxCitations  int           `yaml:"max_citations"`
	MinConfidence float64       `yaml:"min_confidence"`
	Corpus        string        `yaml:"corpus"`    // YAML corpus for the static index
	Endpoint      string        `yaml:"endpoint"`  // search endpoint; takes precedence over Corpus
	TokenEnv      string        `yaml:"token_env"` // environment variable holding the bearer token
	Timeout       time.Duration `yaml:"timeout"`
}

// QueueConfig configures the simulation request queue.
type QueueConfig struct {
	AutoApprove bool `yaml:"auto_approve"`
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageFS     = "fs"
	StorageRedis  = "redis"
)

// StorageConfig selects the artifact store.
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	Dir         string `yaml:"dir"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// NATSConfig configures the external trigger bridge. An empty URL disables it.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
}

// TelemetryConfig configures the Prometheus endpoint. An empty Addr disables it.
type TelemetryConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// Names of the metric specs the worker maps onto SimulationMetrics.
const (
	MetricClearanceTime  = "clearance_time"
	MetricMaxQueue       = "max_queue"
	MetricGroupClearance = "group_clearance"
)

// DefaultMetricSpecs returns the metric definitions used when the config
// lists none: minutes to 99% evacuated, peak queue length, and per-group
// clearance (the input to the fairness index).
func DefaultMetricSpecs() []metrics.SpecConfig {
	pct := 99.0
	minutes := 60.0
	return []metrics.SpecConfig{
		{
			Name: MetricClearanceTime, Key: "evacuated_pct", Op: string(metrics.OpPercentileTimeToThreshold),
			Pct: &pct, Filter: metrics.Filter{Scope: "global"},
			Post: metrics.PostProcess{DivideBy: &minutes},
		},
		{
			Name: MetricMaxQueue, Key: "queue_len", Op: string(metrics.OpMaxValue),
			Filter: metrics.Filter{Scope: "global"},
		},
		{
			Name: MetricGroupClearance, Key: "evacuated_pct", Op: string(metrics.OpPercentileTimeToThreshold),
			Pct: &pct, Filter: metrics.Filter{ScopeContains: "group:"}, GroupByScope: true,
			Post: metrics.PostProcess{DivideBy: &minutes},
		},
	}
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Pool: PoolConfig{Size: 2},
		Retry: RetryConfig{
			MaxRetries:      3,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2,
		},
		Deadline:   10 * time.Minute,
		Robustness: RobustnessConfig{Trials: 3, FailureRate: 0.1},
		Engine: EngineConfig{
			Graphs:      "examples/cities",
			StepSeconds: 60,
			HorizonMin:  360,
		},
		Planner: PlannerConfig{
			ContraflowMultiplier: 1.5,
			SafetyFloor:          0.5,
			CorridorFloor:        1.0,
			StageIntervalMin:     15,
			ArterialTag:          "arterial",
			HazardTag:            "hazard",
		},
		Explainer: ExplainerConfig{
			MinCitations:  2,
			MaxCitations:  5,
			MinConfidence: 0.2,
			Corpus:        "examples/corpus.yaml",
			Timeout:       10 * time.Second,
		},
		Metrics: DefaultMetricSpecs(),
		Storage: StorageConfig{Backend: StorageMemory, Dir: "artifacts", RedisPrefix: "evac"},
		NATS:    NATSConfig{Name: "evac-planner", SubjectPrefix: "evac", Timeout: 5 * time.Second},
		Telemetry: TelemetryConfig{
			Namespace: "evac",
		},
		Trace: trace.Config{Level: trace.LevelDecisions, CounterfactualK: 3},
	}
}

// LoadConfig reads a YAML config file over DefaultConfig and validates it.
// Unknown fields are errors. A file that sets `metrics:` replaces the
// default metric list entirely.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section. Errors are *ValidationError with a dotted
// field path, except metric spec errors which carry the metric name.
func (c Config) Validate() error {
	if c.Pool.Size < 1 {
		return NewValidationError("pool.size", "must be >= 1, got %d", c.Pool.Size)
	}
	if c.Retry.MaxRetries < 0 {
		return NewValidationError("retry.max_retries", "must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.InitialInterval <= 0 {
		return NewValidationError("retry.initial_interval", "must be positive, got %v", c.Retry.InitialInterval)
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return NewValidationError("retry.max_interval", "must be >= initial_interval (%v), got %v", c.Retry.InitialInterval, c.Retry.MaxInterval)
	}
	if c.Retry.Multiplier < 1 {
		return NewValidationError("retry.multiplier", "must be >= 1, got %v", c.Retry.Multiplier)
	}
	if c.Retry.AttemptTimeout < 0 {
		return NewValidationError("retry.attempt_timeout", "must not be negative, got %v", c.Retry.AttemptTimeout)
	}
	if c.Deadline < 0 {
		return NewValidationError("deadline", "must not be negative, got %v", c.Deadline)
	}
	if c.Robustness.Trials < 0 {
		return NewValidationError("robustness.trials", "must be >= 0, got %d", c.Robustness.Trials)
	}
	if c.Robustness.FailureRate < 0 || c.Robustness.FailureRate > 1 {
		return NewValidationError("robustness.failure_rate", "must be in [0,1], got %v", c.Robustness.FailureRate)
	}
	if c.Engine.StepSeconds <= 0 {
		return NewValidationError("engine.step_seconds", "must be positive, got %v", c.Engine.StepSeconds)
	}
	if c.Engine.HorizonMin <= 0 {
		return NewValidationError("engine.horizon_min", "must be positive, got %v", c.Engine.HorizonMin)
	}
	if c.Engine.TransientFailureRate < 0 || c.Engine.TransientFailureRate >= 1 {
		return NewValidationError("engine.transient_failure_rate", "must be in [0,1), got %v", c.Engine.TransientFailureRate)
	}
	if c.Planner.ContraflowMultiplier <= 1 {
		return NewValidationError("planner.contraflow_multiplier", "must be > 1, got %v", c.Planner.ContraflowMultiplier)
	}
	if c.Planner.SafetyFloor < 0 || c.Planner.SafetyFloor > 1 {
		return NewValidationError("planner.safety_floor", "must be in [0,1], got %v", c.Planner.SafetyFloor)
	}
	if c.Planner.CorridorFloor <= 0 {
		return NewValidationError("planner.corridor_floor", "must be positive, got %v", c.Planner.CorridorFloor)
	}
	if c.Planner.StageIntervalMin < 0 {
		return NewValidationError("planner.stage_interval_min", "must not be negative, got %v", c.Planner.StageIntervalMin)
	}
	if err := c.Explainer.Validate(); err != nil {
		return err
	}
	if _, err := c.MetricSpecs(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageFS:
		if c.Storage.Dir == "" {
			return NewValidationError("storage.dir", "required for the fs backend")
		}
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			return NewValidationError("storage.redis_addr", "required for the redis backend")
		}
	default:
		return NewValidationError("storage.backend", "unknown backend %q; valid: %s, %s, %s", c.Storage.Backend, StorageMemory, StorageFS, StorageRedis)
	}
	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		return NewValidationError("nats.subject_prefix", "required when nats.url is set")
	}
	if !trace.IsValidLevel(string(c.Trace.Level)) {
		return NewValidationError("trace.level", "unknown level %q; valid: %s, %s", c.Trace.Level, trace.LevelNone, trace.LevelDecisions)
	}
	if c.Trace.CounterfactualK < 0 {
		return NewValidationError("trace.counterfactual_k", "must be >= 0, got %d", c.Trace.CounterfactualK)
	}
	return nil
}

// Validate checks the abstention thresholds.
func (c ExplainerConfig) Validate() error {
	if c.MinCitations < 1 {
		return NewValidationError("explainer.min_citations", "must be >= 1, got %d", c.MinCitations)
	}
	if c.MaxCitations < c.MinCitations {
		return NewValidationError("explainer.max_citations", "must be >= min_citations (%d), got %d", c.MinCitations, c.MaxCitations)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return NewValidationError("explainer.min_confidence", "must be in [0,1], got %v", c.MinConfidence)
	}
	return nil
}

// MetricSpecs builds the configured metric definitions.
func (c Config) MetricSpecs() ([]metrics.Spec, error) {
	if len(c.Metrics) == 0 {
		return nil, NewValidationError("metrics", "at least one metric must be defined")
	}
	return metrics.BuildSpecs(c.Metrics)
}
