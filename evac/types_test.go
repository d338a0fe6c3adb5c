package evac

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIntentSpec() IntentSpec {
	return IntentSpec{
		Objective: "evacuate downtown before landfall",
		City:      "harbor",
		Hazard:    "flood",
		Seed:      42,
		Constraints: ScenarioConstraints{
			MaxScenarios:  8,
			ComputeBudget: 2 * time.Minute,
			ProtectedPOIs: []string{"hospital"},
		},
		Preferences: UserPreferences{Fairness: 0.3, Clearance: 0.5, Robustness: 0.2},
	}
}

func TestNewUserIntent_Valid(t *testing.T) {
	// GIVEN a well-formed intent spec with padded text
	spec := validIntentSpec()
	spec.City = "  harbor "

	// WHEN validated
	intent, err := NewUserIntent(spec)

	// THEN the intent is normalised and owns its slices
	require.NoError(t, err)
	assert.Equal(t, "harbor", intent.City)
	spec.Constraints.ProtectedPOIs[0] = "mutated"
	assert.Equal(t, []string{"hospital"}, intent.Constraints.ProtectedPOIs)
}

func TestNewUserIntent_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*IntentSpec)
		field  string
	}{
		{"empty objective", func(s *IntentSpec) { s.Objective = " " }, "objective"},
		{"empty city", func(s *IntentSpec) { s.City = "" }, "city"},
		{"zero scenarios", func(s *IntentSpec) { s.Constraints.MaxScenarios = 0 }, "constraints.max_scenarios"},
		{"zero budget", func(s *IntentSpec) { s.Constraints.ComputeBudget = 0 }, "constraints.compute_budget"},
		{"negative freshness", func(s *IntentSpec) { s.FreshnessWindow = -time.Hour }, "freshness_window"},
		{"tier zero", func(s *IntentSpec) { s.SourceTiers = []int{0} }, "source_tiers"},
		{"weights off by 0.1", func(s *IntentSpec) { s.Preferences.Robustness = 0.3 }, "preferences"},
		{"negative weight", func(s *IntentSpec) {
			s.Preferences = UserPreferences{Fairness: -0.5, Clearance: 1, Robustness: 0.5}
		}, "preferences.fairness"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validIntentSpec()
			tt.mutate(&spec)

			_, err := NewUserIntent(spec)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "want *ValidationError, got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestNewScenarioConfig_SortsRulesAndSignatureIgnoresOrder(t *testing.T) {
	// GIVEN the same rules supplied in two different orders
	a, err := NewScenarioConfig("scn-a", 1,
		[]AreaClosure{{EdgeID: "e2", StartMin: 0, EndMin: 30}, {EdgeID: "e1", StartMin: 0, EndMin: 30}},
		[]CapacityChange{{Selector: "tag:arterial", Multiplier: 1.5}, {Selector: "id:e9", Multiplier: 2}},
		nil, nil)
	require.NoError(t, err)
	b, err := NewScenarioConfig("scn-b", 99,
		[]AreaClosure{{EdgeID: "e1", StartMin: 0, EndMin: 30}, {EdgeID: "e2", StartMin: 0, EndMin: 30}},
		[]CapacityChange{{Selector: "id:e9", Multiplier: 2}, {Selector: "tag:arterial", Multiplier: 1.5}},
		nil, nil)
	require.NoError(t, err)

	// THEN their signatures match even though id and seed differ
	assert.Equal(t, a.Signature(), b.Signature())
	assert.Equal(t, "e1", a.Closures()[0].EdgeID)
}

func TestScenarioConfig_Signature_IncludesEgress(t *testing.T) {
	baseline, err := NewScenarioConfig("scn-0", 1, nil, nil, nil, nil)
	require.NoError(t, err)
	staged, err := NewScenarioConfig("scn-1", 1, nil, nil, nil, []EgressStage{{ZoneID: "z2", DelayMin: 15}})
	require.NoError(t, err)

	assert.NotEqual(t, baseline.Signature(), staged.Signature())
}

func TestScenarioConfig_AccessorsReturnCopies(t *testing.T) {
	sc, err := NewScenarioConfig("scn-0", 1, []AreaClosure{{EdgeID: "e1", StartMin: 0, EndMin: 10}}, nil, nil, nil)
	require.NoError(t, err)

	closures := sc.Closures()
	closures[0].EdgeID = "mutated"

	assert.Equal(t, "e1", sc.Closures()[0].EdgeID)
}

func TestNewScenarioConfig_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		closures  []AreaClosure
		capacity  []CapacityChange
		corridors []CorridorRule
		egress    []EgressStage
	}{
		{name: "empty id"},
		{name: "inverted closure", id: "s", closures: []AreaClosure{{EdgeID: "e1", StartMin: 30, EndMin: 10}}},
		{name: "closing a corridor", id: "s",
			closures:  []AreaClosure{{EdgeID: "e1", StartMin: 0, EndMin: 10}},
			corridors: []CorridorRule{{EdgeID: "e1", Floor: 1}}},
		{name: "bad selector", id: "s", capacity: []CapacityChange{{Selector: "lane:e1", Multiplier: 2}}},
		{name: "zero multiplier", id: "s", capacity: []CapacityChange{{Selector: "id:e1", Multiplier: 0}}},
		{name: "duplicate selector", id: "s", capacity: []CapacityChange{{Selector: "id:e1", Multiplier: 2}, {Selector: "id:e1", Multiplier: 3}}},
		{name: "negative egress delay", id: "s", egress: []EgressStage{{ZoneID: "z1", DelayMin: -1}}},
		{name: "zero corridor floor", id: "s", corridors: []CorridorRule{{EdgeID: "e1", Floor: 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScenarioConfig(tt.id, 0, tt.closures, tt.capacity, tt.corridors, tt.egress)
			assert.True(t, IsValidation(err), "want validation error, got %v", err)
		})
	}
}

func TestScenarioConfig_MarshalJSON_EmptyRulesAreArrays(t *testing.T) {
	sc, err := NewScenarioConfig("scn-000", 5, nil, nil, nil, nil)
	require.NoError(t, err)

	data, err := json.Marshal(sc)
	require.NoError(t, err)

	assert.JSONEq(t, `{"id":"scn-000","seed":5,"closures":[],"capacity":[],"corridors":[],"egress":[]}`, string(data))
	assert.Equal(t, "baseline network, no interventions", sc.Summary())
}

func TestSimulationMetrics_Validate(t *testing.T) {
	assert.NoError(t, SimulationMetrics{}.Validate())
	assert.NoError(t, SimulationMetrics{ClearanceTime: Float(42), FairnessIndex: Float(1), Robustness: Float(0)}.Validate())
	assert.Error(t, SimulationMetrics{FairnessIndex: Float(1.2)}.Validate())
	assert.Error(t, SimulationMetrics{MaxQueue: Float(-1)}.Validate())
}

func TestRunState_Visible(t *testing.T) {
	assert.Equal(t, "in_progress", RunSimulating.Visible())
	assert.Equal(t, "partial_success", RunPartialSuccess.Visible())
	assert.Equal(t, "pending", RunPending.Visible())
	assert.True(t, RunCancelled.IsTerminal())
	assert.False(t, RunJudging.IsTerminal())
}

func TestIsTransient_Unwraps(t *testing.T) {
	err := &TransientSimulationError{Op: "simulate", Err: errors.New("engine busy")}
	wrapped := errors.Join(errors.New("outer"), err)
	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsTransient(&PermanentSimulationError{Op: "simulate", Err: errors.New("bad graph")}))
}
