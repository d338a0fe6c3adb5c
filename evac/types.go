package evac

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// WeightEpsilon is the tolerance for preference weights summing to 1.0.
const WeightEpsilon = 1e-6

// === Intent ===

// ScenarioConstraints bound what the planner may generate.
type ScenarioConstraints struct {
	MaxScenarios  int           `yaml:"max_scenarios" json:"max_scenarios"`
	ComputeBudget time.Duration `yaml:"compute_budget" json:"compute_budget"`
	ProtectedPOIs []string      `yaml:"protected_pois" json:"protected_pois"`
}

// UserPreferences are the objective weights used by the judge.
type UserPreferences struct {
	Fairness   float64 `yaml:"fairness" json:"fairness"`
	Clearance  float64 `yaml:"clearance" json:"clearance"`
	Robustness float64 `yaml:"robustness" json:"robustness"`
}

// Validate checks that each weight is a finite non-negative number and that
// the three weights sum to 1.0 within WeightEpsilon.
func (p UserPreferences) Validate() error {
	for name, w := range map[string]float64{"fairness": p.Fairness, "clearance": p.Clearance, "robustness": p.Robustness} {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return NewValidationError("preferences."+name, "weight must be a finite non-negative number, got %v", w)
		}
	}
	sum := p.Fairness + p.Clearance + p.Robustness
	if math.Abs(sum-1.0) > WeightEpsilon {
		return NewValidationError("preferences", "weights must sum to 1.0, got %v", sum)
	}
	return nil
}

// IntentSpec is the raw form of a UserIntent, as read from YAML or flags.
type IntentSpec struct {
	Objective       string              `yaml:"objective"`
	City            string              `yaml:"city"`
	Hazard          string              `yaml:"hazard"`
	Seed            int64               `yaml:"seed"`
	Constraints     ScenarioConstraints `yaml:"constraints"`
	Preferences     UserPreferences     `yaml:"preferences"`
	FreshnessWindow time.Duration       `yaml:"freshness_window"`
	SourceTiers     []int               `yaml:"source_tiers"`
}

// UserIntent is a validated planning request. Build it with NewUserIntent.
type UserIntent struct {
	Objective       string
	City            string
	Hazard          string
	Seed            int64
	Constraints     ScenarioConstraints
	Preferences     UserPreferences
	FreshnessWindow time.Duration // 0 = no freshness limit
	SourceTiers     []int         // empty = all tiers
}

// NewUserIntent validates spec and returns the corresponding UserIntent.
// Every violation is a *ValidationError.
func NewUserIntent(spec IntentSpec) (UserIntent, error) {
	if strings.TrimSpace(spec.Objective) == "" {
		return UserIntent{}, NewValidationError("objective", "must not be empty")
	}
	if strings.TrimSpace(spec.City) == "" {
		return UserIntent{}, NewValidationError("city", "must not be empty")
	}
	if spec.Constraints.MaxScenarios < 1 {
		return UserIntent{}, NewValidationError("constraints.max_scenarios", "must be >= 1, got %d", spec.Constraints.MaxScenarios)
	}
	if spec.Constraints.ComputeBudget <= 0 {
		return UserIntent{}, NewValidationError("constraints.compute_budget", "must be positive, got %v", spec.Constraints.ComputeBudget)
	}
	if spec.FreshnessWindow < 0 {
		return UserIntent{}, NewValidationError("freshness_window", "must not be negative, got %v", spec.FreshnessWindow)
	}
	for _, tier := range spec.SourceTiers {
		if tier < 1 {
			return UserIntent{}, NewValidationError("source_tiers", "tiers start at 1, got %d", tier)
		}
	}
	if err := spec.Preferences.Validate(); err != nil {
		return UserIntent{}, err
	}
	return UserIntent{
		Objective: strings.TrimSpace(spec.Objective),
		City:      strings.TrimSpace(spec.City),
		Hazard:    strings.TrimSpace(spec.Hazard),
		Seed:      spec.Seed,
		Constraints: ScenarioConstraints{
			MaxScenarios:  spec.Constraints.MaxScenarios,
			ComputeBudget: spec.Constraints.ComputeBudget,
			ProtectedPOIs: append([]string(nil), spec.Constraints.ProtectedPOIs...),
		},
		Preferences:     spec.Preferences,
		FreshnessWindow: spec.FreshnessWindow,
		SourceTiers:     append([]int(nil), spec.SourceTiers...),
	}, nil
}

// === Scenario ===

// AreaClosure closes an edge between two simulation minutes.
type AreaClosure struct {
	EdgeID   string  `json:"edge_id"`
	StartMin float64 `json:"start_min"`
	EndMin   float64 `json:"end_min"`
}

// CapacityChange scales the capacity of every edge matched by Selector.
// Selectors are "id:<edge id>" or "tag:<edge tag>".
type CapacityChange struct {
	Selector   string  `json:"selector"`
	Multiplier float64 `json:"multiplier"`
}

// CorridorRule protects an edge: it may not be closed and its capacity never
// drops below Floor times its baseline capacity.
type CorridorRule struct {
	EdgeID string  `json:"edge_id"`
	Floor  float64 `json:"floor"`
}

// EgressStage delays the departure of one zone.
type EgressStage struct {
	ZoneID   string  `json:"zone_id"`
	DelayMin float64 `json:"delay_min"`
}

// ScenarioConfig is one candidate intervention plan. It is immutable once
// created: all accessors return copies.
type ScenarioConfig struct {
	id        string
	seed      int64
	closures  []AreaClosure
	capacity  []CapacityChange
	corridors []CorridorRule
	egress    []EgressStage
}

// NewScenarioConfig validates and normalises a scenario. Rule slices are copied
// and sorted so that equal rule sets always produce equal signatures.
func NewScenarioConfig(id string, seed int64, closures []AreaClosure, capacity []CapacityChange, corridors []CorridorRule, egress []EgressStage) (ScenarioConfig, error) {
	sc := ScenarioConfig{
		id:        id,
		seed:      seed,
		closures:  append([]AreaClosure(nil), closures...),
		capacity:  append([]CapacityChange(nil), capacity...),
		corridors: append([]CorridorRule(nil), corridors...),
		egress:    append([]EgressStage(nil), egress...),
	}
	sort.Slice(sc.closures, func(i, j int) bool {
		if sc.closures[i].EdgeID != sc.closures[j].EdgeID {
			return sc.closures[i].EdgeID < sc.closures[j].EdgeID
		}
		return sc.closures[i].StartMin < sc.closures[j].StartMin
	})
	sort.Slice(sc.capacity, func(i, j int) bool { return sc.capacity[i].Selector < sc.capacity[j].Selector })
	sort.Slice(sc.corridors, func(i, j int) bool { return sc.corridors[i].EdgeID < sc.corridors[j].EdgeID })
	sort.Slice(sc.egress, func(i, j int) bool { return sc.egress[i].ZoneID < sc.egress[j].ZoneID })
	if err := sc.Validate(); err != nil {
		return ScenarioConfig{}, err
	}
	return sc, nil
}

// Validate checks the scenario's internal consistency. A scenario that fails
// validation is malformed and must never be retried.
func (s ScenarioConfig) Validate() error {
	if s.id == "" {
		return NewValidationError("scenario.id", "must not be empty")
	}
	corridor := make(map[string]bool, len(s.corridors))
	for _, c := range s.corridors {
		if c.EdgeID == "" {
			return NewValidationError("scenario.corridors", "edge id must not be empty")
		}
		if corridor[c.EdgeID] {
			return NewValidationError("scenario.corridors", "duplicate corridor edge %q", c.EdgeID)
		}
		if !(c.Floor > 0) || math.IsInf(c.Floor, 0) {
			return NewValidationError("scenario.corridors", "floor for %q must be a finite positive number, got %v", c.EdgeID, c.Floor)
		}
		corridor[c.EdgeID] = true
	}
	for _, c := range s.closures {
		if c.EdgeID == "" {
			return NewValidationError("scenario.closures", "edge id must not be empty")
		}
		if c.StartMin < 0 || !(c.EndMin > c.StartMin) {
			return NewValidationError("scenario.closures", "closure of %q needs 0 <= start < end, got [%v, %v]", c.EdgeID, c.StartMin, c.EndMin)
		}
		if corridor[c.EdgeID] {
			return NewValidationError("scenario.closures", "edge %q is a protected corridor and cannot be closed", c.EdgeID)
		}
	}
	seen := make(map[string]bool, len(s.capacity))
	for _, c := range s.capacity {
		if _, _, err := ParseSelector(c.Selector); err != nil {
			return err
		}
		if seen[c.Selector] {
			return NewValidationError("scenario.capacity", "duplicate selector %q", c.Selector)
		}
		seen[c.Selector] = true
		if !(c.Multiplier > 0) || math.IsInf(c.Multiplier, 0) {
			return NewValidationError("scenario.capacity", "multiplier for %q must be a finite positive number, got %v", c.Selector, c.Multiplier)
		}
	}
	for _, e := range s.egress {
		if e.ZoneID == "" {
			return NewValidationError("scenario.egress", "zone id must not be empty")
		}
		if e.DelayMin < 0 || math.IsNaN(e.DelayMin) || math.IsInf(e.DelayMin, 0) {
			return NewValidationError("scenario.egress", "delay for %q must be a finite non-negative number, got %v", e.ZoneID, e.DelayMin)
		}
	}
	return nil
}

// ParseSelector splits an edge selector into its kind ("id" or "tag") and value.
func ParseSelector(selector string) (kind, value string, err error) {
	k, v, ok := strings.Cut(selector, ":")
	if !ok || v == "" || (k != "id" && k != "tag") {
		return "", "", NewValidationError("scenario.capacity", "invalid selector %q (expected id:<edge> or tag:<tag>)", selector)
	}
	return k, v, nil
}

func (s ScenarioConfig) ID() string   { return s.id }
func (s ScenarioConfig) Seed() int64  { return s.seed }
func (s ScenarioConfig) IsZero() bool { return s.id == "" }

func (s ScenarioConfig) Closures() []AreaClosure {
	return append([]AreaClosure(nil), s.closures...)
}

func (s ScenarioConfig) CapacityChanges() []CapacityChange {
	return append([]CapacityChange(nil), s.capacity...)
}

func (s ScenarioConfig) Corridors() []CorridorRule {
	return append([]CorridorRule(nil), s.corridors...)
}

func (s ScenarioConfig) Egress() []EgressStage {
	return append([]EgressStage(nil), s.egress...)
}

// Signature is a canonical rendering of the scenario's rule sets. ID and seed
// are excluded: two scenarios with the same signature are the same intervention.
func (s ScenarioConfig) Signature() string {
	var sb strings.Builder
	sb.WriteString("close[")
	for i, c := range s.closures {
		if i > 0 {
			sb.WriteString(";")
		}
		fmt.Fprintf(&sb, "%s@%g-%g", c.EdgeID, c.StartMin, c.EndMin)
	}
	sb.WriteString("]cap[")
	for i, c := range s.capacity {
		if i > 0 {
			sb.WriteString(";")
		}
		fmt.Fprintf(&sb, "%s*%g", c.Selector, c.Multiplier)
	}
	sb.WriteString("]corr[")
	for i, c := range s.corridors {
		if i > 0 {
			sb.WriteString(";")
		}
		fmt.Fprintf(&sb, "%s>=%g", c.EdgeID, c.Floor)
	}
	sb.WriteString("]egress[")
	for i, e := range s.egress {
		if i > 0 {
			sb.WriteString(";")
		}
		fmt.Fprintf(&sb, "%s+%g", e.ZoneID, e.DelayMin)
	}
	sb.WriteString("]")
	return sb.String()
}

// Summary returns a short human-readable description of the interventions.
func (s ScenarioConfig) Summary() string {
	var parts []string
	if len(s.closures) > 0 {
		ids := make([]string, len(s.closures))
		for i, c := range s.closures {
			ids[i] = c.EdgeID
		}
		parts = append(parts, "closes "+strings.Join(ids, ", "))
	}
	for _, c := range s.capacity {
		parts = append(parts, fmt.Sprintf("scales %s capacity by %g", c.Selector, c.Multiplier))
	}
	if len(s.corridors) > 0 {
		ids := make([]string, len(s.corridors))
		for i, c := range s.corridors {
			ids[i] = c.EdgeID
		}
		parts = append(parts, "protects corridors "+strings.Join(ids, ", "))
	}
	if len(s.egress) > 0 {
		parts = append(parts, fmt.Sprintf("stages egress across %d zones", len(s.egress)))
	}
	if len(parts) == 0 {
		return "baseline network, no interventions"
	}
	return strings.Join(parts, "; ")
}

type scenarioJSON struct {
	ID        string           `json:"id"`
	Seed      int64            `json:"seed"`
	Closures  []AreaClosure    `json:"closures"`
	Capacity  []CapacityChange `json:"capacity"`
	Corridors []CorridorRule   `json:"corridors"`
	Egress    []EgressStage    `json:"egress"`
}

// MarshalJSON renders the scenario with its (sorted) rule sets.
func (s ScenarioConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(scenarioJSON{
		ID:        s.id,
		Seed:      s.seed,
		Closures:  nonNil(s.closures),
		Capacity:  nonNil(s.capacity),
		Corridors: nonNil(s.corridors),
		Egress:    nonNil(s.egress),
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// === Results ===

// SimulationMetrics are the objective metrics of one scenario. A nil field is
// a metric that could not be computed.
type SimulationMetrics struct {
	ClearanceTime *float64 `json:"clearance_time"` // minutes to 99% evacuated
	MaxQueue      *float64 `json:"max_queue"`      // worst congestion observed
	FairnessIndex *float64 `json:"fairness_index"` // 1 - Gini of per-group clearance
	Robustness    *float64 `json:"robustness"`     // mean trial score under injected failures
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Validate checks the metric ranges: all present values non-negative,
// fairness_index and robustness within [0,1].
func (m SimulationMetrics) Validate() error {
	check := func(name string, v *float64, upper float64) error {
		if v == nil {
			return nil
		}
		if math.IsNaN(*v) || *v < 0 || *v > upper {
			return NewValidationError("metrics."+name, "out of range: %v", *v)
		}
		return nil
	}
	if err := check("clearance_time", m.ClearanceTime, math.Inf(1)); err != nil {
		return err
	}
	if err := check("max_queue", m.MaxQueue, math.Inf(1)); err != nil {
		return err
	}
	if err := check("fairness_index", m.FairnessIndex, 1); err != nil {
		return err
	}
	return check("robustness", m.Robustness, 1)
}

// ScenarioStatus is the lifecycle state of one scenario simulation.
type ScenarioStatus string

const (
	ScenarioPending   ScenarioStatus = "pending"
	ScenarioRunning   ScenarioStatus = "running"
	ScenarioCompleted ScenarioStatus = "completed"
	ScenarioFailed    ScenarioStatus = "failed"
	ScenarioCancelled ScenarioStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ScenarioStatus) IsTerminal() bool {
	return s == ScenarioCompleted || s == ScenarioFailed || s == ScenarioCancelled
}

// ScenarioResult is the outcome of simulating one scenario.
// Metrics is nil unless Status is ScenarioCompleted.
type ScenarioResult struct {
	ScenarioID string             `json:"scenario_id"`
	Metrics    *SimulationMetrics `json:"metrics,omitempty"`
	Status     ScenarioStatus     `json:"status"`
	RetryCount int                `json:"retry_count"`
	Duration   time.Duration      `json:"duration"`
	Error      string             `json:"error,omitempty"`
}

// ObjectiveScores holds per-objective normalised scores in [0,1], higher is better.
type ObjectiveScores struct {
	Clearance  float64 `json:"clearance"`
	Fairness   float64 `json:"fairness"`
	Robustness float64 `json:"robustness"`
}

// ScenarioRanking is one row of the judge's ranking.
type ScenarioRanking struct {
	ScenarioID string          `json:"scenario_id"`
	Score      float64         `json:"score"`
	Normalized ObjectiveScores `json:"normalized"`
	Rank       int             `json:"rank"` // 1 = best
}

// JudgeResult is the outcome of ranking a set of scenario results.
type JudgeResult struct {
	Ranking          []ScenarioRanking `json:"ranking"`
	Weights          UserPreferences   `json:"weights"`
	ValidationPassed bool              `json:"validation_passed"`
	BestScenarioID   string            `json:"best_scenario_id,omitempty"`
}

// Citation is one retrieved document backing an explanation.
type Citation struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Source      string    `json:"source"`
	Tier        int       `json:"tier"`
	Relevance   float64   `json:"relevance"`
}

// ExplanationResult is the justification for the best scenario, or an abstention.
// Abstained is never false when Citations is empty.
type ExplanationResult struct {
	ScenarioID string           `json:"scenario_id"`
	Answer     string           `json:"answer"`
	Citations  []Citation       `json:"citations"`
	Abstained  bool             `json:"abstained"`
	Reason     AbstentionReason `json:"reason,omitempty"`
	Confidence float64          `json:"confidence"`
}

// Justification is the explanation part of a decision memo.
type Justification struct {
	Answer    string           `json:"answer"`
	Citations []Citation       `json:"citations"`
	Abstained bool             `json:"abstained"`
	Reason    AbstentionReason `json:"reason,omitempty"`
}

// RunArtifact is the decision memo of a run.
type RunArtifact struct {
	RunID          string             `json:"run_id"`
	BestScenarioID string             `json:"best_scenario_id"`
	Weights        UserPreferences    `json:"weights"`
	Metrics        *SimulationMetrics `json:"metrics"`
	Ranking        []ScenarioRanking  `json:"ranking"`
	Justification  Justification      `json:"justification"`
}

// ProvenanceRecord ties a persisted artifact to its run and producing stage.
type ProvenanceRecord struct {
	RunID        string `json:"run_id"`
	ArtifactType string `json:"artifact_type"`
	Path         string `json:"path"`
	Hash         string `json:"hash"`
	Stage        string `json:"stage"`
	ParentHash   string `json:"parent_hash,omitempty"`
}

// === Run state ===

// RunState is the coordinator's state for one run.
type RunState string

const (
	RunPending        RunState = "pending"
	RunPlanning       RunState = "planning"
	RunSimulating     RunState = "simulating"
	RunJudging        RunState = "judging"
	RunExplaining     RunState = "explaining"
	RunCompleted      RunState = "completed"
	RunPartialSuccess RunState = "partial_success"
	RunFailed         RunState = "failed"
	RunCancelled      RunState = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunCompleted, RunPartialSuccess, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Visible maps the internal stage state to the user-visible run status:
// pending, in_progress, completed, partial_success, failed or cancelled.
func (s RunState) Visible() string {
	switch s {
	case RunPlanning, RunSimulating, RunJudging, RunExplaining:
		return "in_progress"
	}
	return string(s)
}
