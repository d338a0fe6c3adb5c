package planner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/engine"
)

func newPlanner() *Planner {
	cfg := evac.DefaultConfig()
	return New(engine.NewStaticGraphProvider("../../testdata/cities"), cfg.Planner, cfg.Engine.HorizonMin)
}

func intent(t *testing.T, seed int64, maxScenarios int, protected ...string) evac.UserIntent {
	t.Helper()
	in, err := evac.NewUserIntent(evac.IntentSpec{
		Objective: "evacuate the harbor district",
		City:      "harbor",
		Hazard:    "flood",
		Seed:      seed,
		Constraints: evac.ScenarioConstraints{
			MaxScenarios:  maxScenarios,
			ComputeBudget: time.Minute,
			ProtectedPOIs: protected,
		},
		Preferences: evac.UserPreferences{Fairness: 0.4, Clearance: 0.4, Robustness: 0.2},
	})
	require.NoError(t, err)
	return in
}

func signatures(p Plan) []string {
	out := make([]string, len(p.Scenarios))
	for i, sc := range p.Scenarios {
		out[i] = sc.Signature()
	}
	return out
}

func TestPlanner_Plan_BaselineFirstAndDistinct(t *testing.T) {
	// GIVEN an intent asking for four scenarios
	p := newPlanner()

	// WHEN planned
	plan, err := p.Plan(context.Background(), intent(t, 7, 4))

	// THEN four distinct scenarios are returned, baseline first
	require.NoError(t, err)
	require.Len(t, plan.Scenarios, 4)
	assert.Empty(t, plan.Reason)
	assert.Equal(t, "baseline network, no interventions", plan.Scenarios[0].Summary())

	seen := map[string]bool{}
	for i, sc := range plan.Scenarios {
		assert.Equal(t, fmt.Sprintf("scn-%03d", i), sc.ID())
		assert.False(t, seen[sc.Signature()], "duplicate signature %s", sc.Signature())
		seen[sc.Signature()] = true
	}
}

func TestPlanner_Plan_DeterministicPerSeed(t *testing.T) {
	p := newPlanner()
	a, err := p.Plan(context.Background(), intent(t, 11, 50))
	require.NoError(t, err)
	b, err := p.Plan(context.Background(), intent(t, 11, 50))
	require.NoError(t, err)
	c, err := p.Plan(context.Background(), intent(t, 12, 50))
	require.NoError(t, err)

	assert.Equal(t, signatures(a), signatures(b))
	assert.ElementsMatch(t, signatures(a), signatures(c), "same candidate set for every seed")
	assert.NotEqual(t, signatures(a), signatures(c), "order follows the seed")
}

func TestPlanner_Plan_ScenarioSeedsDerivedFromIntentSeed(t *testing.T) {
	plan, err := newPlanner().Plan(context.Background(), intent(t, 5, 3))
	require.NoError(t, err)

	rng := evac.NewPartitionedRNG(5)
	for i, sc := range plan.Scenarios {
		assert.Equal(t, rng.DeriveSeed(evac.SubsystemScenario(i)), sc.Seed())
	}
}

func TestPlanner_Plan_CandidateTemplates(t *testing.T) {
	// The harbor graph has three arterial edges, three hazard edges and three
	// zones: 3 contraflow + 3 closures + 1 staged + 9 contraflow/closure
	// + 3 contraflow/staged, plus the baseline.
	plan, err := newPlanner().Plan(context.Background(), intent(t, 1, 100))
	require.NoError(t, err)
	assert.Len(t, plan.Scenarios, 20)
}

func TestPlanner_Plan_ProtectedPOISafetyFloor(t *testing.T) {
	// GIVEN the general hospital is protected; closing h2 drops its access
	// from 20 to 8, below the 0.5 floor
	plan, err := newPlanner().Plan(context.Background(), intent(t, 1, 100, "h-general"))
	require.NoError(t, err)

	// THEN no scenario closes h2, and the corridor template is offered
	corridor := false
	for _, sc := range plan.Scenarios {
		for _, c := range sc.Closures() {
			assert.NotEqual(t, "h2", c.EdgeID, "scenario %s closes h2", sc.ID())
		}
		if len(sc.Corridors()) > 0 {
			corridor = true
		}
	}
	assert.True(t, corridor)
	// 20 candidates + corridor - closure:h2 - 3 contraflow/h2 combinations
	assert.Len(t, plan.Scenarios, 17)
}

func TestPlanner_Plan_UnknownProtectedPOI_Infeasible(t *testing.T) {
	plan, err := newPlanner().Plan(context.Background(), intent(t, 1, 5, "h-missing"))
	require.NoError(t, err)
	assert.True(t, plan.Empty())
	assert.Equal(t, ReasonInfeasible, plan.Reason)
}

func TestPlanner_Plan_ProtectedPOIWithoutAccess_Infeasible(t *testing.T) {
	g := &engine.Graph{
		City: "islet",
		Nodes: []engine.Node{
			{ID: "z", Kind: engine.KindZone, Population: 10, Group: "all"},
			{ID: "x", Kind: engine.KindExit},
			{ID: "clinic", Kind: engine.KindPOI},
		},
		Edges: []engine.Edge{{ID: "e", From: "z", To: "x", Capacity: 5}},
	}
	p := New(engine.MapGraphProvider{"islet": g}, evac.DefaultConfig().Planner, 60)
	in := intent(t, 1, 5, "clinic")
	in.City = "islet"

	plan, err := p.Plan(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, ReasonInfeasible, plan.Reason)
}

func TestPlanner_Plan_SingleScenarioIsBaseline(t *testing.T) {
	plan, err := newPlanner().Plan(context.Background(), intent(t, 3, 1))
	require.NoError(t, err)
	require.Len(t, plan.Scenarios, 1)
	assert.Empty(t, plan.Scenarios[0].Closures())
	assert.Empty(t, plan.Scenarios[0].CapacityChanges())
}

func TestPlanner_Plan_UnknownCity_IsError(t *testing.T) {
	in := intent(t, 1, 3)
	in.City = "atlantis"
	_, err := newPlanner().Plan(context.Background(), in)
	assert.Error(t, err)
}
