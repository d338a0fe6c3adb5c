package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/metrics"
)

const citiesDir = "../../testdata/cities"

func harbor(t *testing.T) *Graph {
	t.Helper()
	g, err := NewStaticGraphProvider(citiesDir).Graph(context.Background(), "harbor")
	require.NoError(t, err)
	return g
}

func newTestEngine() *Synthetic {
	return NewSynthetic(evac.EngineConfig{StepSeconds: 60, HorizonMin: 240})
}

func clearanceSec(out *Output) *float64 {
	return metrics.NewEngine(out.Samples, out.Events).PercentileTimeToThreshold(
		metrics.Query{Key: KeyEvacuatedPct, Filter: metrics.Filter{Scope: ScopeGlobal}}, 99).Value
}

func TestStaticGraphProvider_LoadsAndCaches(t *testing.T) {
	p := NewStaticGraphProvider(citiesDir)

	g1, err := p.Graph(context.Background(), "harbor")
	require.NoError(t, err)
	assert.Len(t, g1.Zones(), 3)

	// Mutating a returned graph must not leak into the cache
	g1.Edges[0].Capacity = 1
	g2, err := p.Graph(context.Background(), "harbor")
	require.NoError(t, err)
	assert.Equal(t, 30.0, g2.Edges[0].Capacity)
}

func TestStaticGraphProvider_Errors(t *testing.T) {
	_, err := NewStaticGraphProvider(citiesDir).Graph(context.Background(), "atlantis")
	assert.Error(t, err)

	// A single-file source must describe the requested city
	_, err = NewStaticGraphProvider(filepath.Join(citiesDir, "harbor.yaml")).Graph(context.Background(), "other")
	assert.ErrorContains(t, err, "not \"other\"")
}

func TestLoadGraph_UnknownField_Rejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("city: x\nnodes: []\nedges: []\nlanes: 3\n"), 0o644))
	_, err := LoadGraph(path)
	assert.ErrorContains(t, err, "lanes")
}

func TestGraph_Validate_Invalid(t *testing.T) {
	zone := Node{ID: "z", Kind: KindZone, Population: 10}
	exit := Node{ID: "x", Kind: KindExit}
	tests := []struct {
		name string
		g    Graph
	}{
		{"no city", Graph{Nodes: []Node{zone}}},
		{"no zone", Graph{City: "c", Nodes: []Node{exit}}},
		{"duplicate node", Graph{City: "c", Nodes: []Node{zone, zone}}},
		{"unknown kind", Graph{City: "c", Nodes: []Node{zone, {ID: "q", Kind: "lake"}}}},
		{"dangling edge", Graph{City: "c", Nodes: []Node{zone}, Edges: []Edge{{ID: "e", From: "z", To: "nowhere", Capacity: 1}}}},
		{"zero capacity", Graph{City: "c", Nodes: []Node{zone, exit}, Edges: []Edge{{ID: "e", From: "z", To: "x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.g.Validate())
		})
	}
}

func TestApply_CapacityAndCorridorFloor(t *testing.T) {
	// GIVEN a scenario that halves every arterial but protects c1 at baseline
	g := harbor(t)
	sc, err := evac.NewScenarioConfig("s", 1, nil,
		[]evac.CapacityChange{{Selector: "tag:arterial", Multiplier: 0.5}, {Selector: "id:e1", Multiplier: 2}},
		[]evac.CorridorRule{{EdgeID: "c1", Floor: 1}}, nil)
	require.NoError(t, err)

	// WHEN applied
	out, err := Apply(g, sc)
	require.NoError(t, err)

	// THEN multipliers apply, the corridor is held at its floor, and the input is untouched
	n1, _ := out.Edge("n1")
	c1, _ := out.Edge("c1")
	e1, _ := out.Edge("e1")
	assert.Equal(t, 15.0, n1.Capacity)
	assert.Equal(t, 50.0, c1.Capacity)
	assert.Equal(t, 20.0, e1.Capacity)
	orig, _ := g.Edge("n1")
	assert.Equal(t, 30.0, orig.Capacity)
}

func TestApply_UnknownReferences_AreValidationErrors(t *testing.T) {
	g := harbor(t)
	tests := []struct {
		name string
		sc   func() (evac.ScenarioConfig, error)
	}{
		{"selector matches nothing", func() (evac.ScenarioConfig, error) {
			return evac.NewScenarioConfig("s", 1, nil, []evac.CapacityChange{{Selector: "tag:ferry", Multiplier: 2}}, nil, nil)
		}},
		{"unknown closure edge", func() (evac.ScenarioConfig, error) {
			return evac.NewScenarioConfig("s", 1, []evac.AreaClosure{{EdgeID: "zz", EndMin: 10}}, nil, nil, nil)
		}},
		{"egress on a non-zone", func() (evac.ScenarioConfig, error) {
			return evac.NewScenarioConfig("s", 1, nil, nil, nil, []evac.EgressStage{{ZoneID: "j-center", DelayMin: 5}})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, err := tt.sc()
			require.NoError(t, err)
			_, err = Apply(g, sc)
			assert.True(t, evac.IsValidation(err), "got %v", err)
		})
	}
}

func TestSynthetic_BaselineClearsAndIsDeterministic(t *testing.T) {
	g := harbor(t)
	e := newTestEngine()

	// WHEN the same seed is simulated twice
	a, err := e.Simulate(context.Background(), g, Params{Seed: 42})
	require.NoError(t, err)
	b, err := e.Simulate(context.Background(), g, Params{Seed: 42})
	require.NoError(t, err)

	// THEN outputs are identical and the city clears within the horizon
	assert.Equal(t, a, b)
	require.NotNil(t, clearanceSec(a))
	last := a.Samples[len(a.Samples)-1]
	assert.LessOrEqual(t, last.T, 240.0*60)

	cleared := metrics.NewEngine(nil, a.Events).CountEvents(metrics.Query{}, EventGroupCleared)
	assert.Equal(t, 3.0, *cleared.Value)
}

func TestSynthetic_ClosureSlowsClearance(t *testing.T) {
	g := harbor(t)
	e := newTestEngine()

	base, err := e.Simulate(context.Background(), g, Params{Seed: 7})
	require.NoError(t, err)
	closed, err := e.Simulate(context.Background(), g, Params{
		Seed:     7,
		Closures: []evac.AreaClosure{{EdgeID: "e2", StartMin: 0, EndMin: 240}},
	})
	require.NoError(t, err)

	require.NotNil(t, clearanceSec(base))
	require.NotNil(t, clearanceSec(closed))
	assert.Greater(t, *clearanceSec(closed), *clearanceSec(base))

	starts := metrics.NewEngine(nil, closed.Events).CountEvents(metrics.Query{}, EventClosureStart)
	assert.Equal(t, 1.0, *starts.Value)
}

func TestSynthetic_EgressDelayShiftsZone(t *testing.T) {
	g := harbor(t)
	e := newTestEngine()

	out, err := e.Simulate(context.Background(), g, Params{
		Seed:   7,
		Egress: []evac.EgressStage{{ZoneID: "z-east", DelayMin: 60}},
	})
	require.NoError(t, err)

	east := metrics.NewEngine(out.Samples, nil).PercentileTimeToThreshold(
		metrics.Query{Key: KeyEvacuatedPct, Filter: metrics.Filter{Scope: "group:east"}}, 1)
	require.NotNil(t, east.Value)
	assert.GreaterOrEqual(t, *east.Value, 60.0*60)
}

func TestSynthetic_FailedExits_NeverClear(t *testing.T) {
	// GIVEN every outgoing edge of z-east has failed
	out, err := newTestEngine().Simulate(context.Background(), harbor(t), Params{Seed: 1, FailedEdges: []string{"e1", "e2"}})
	require.NoError(t, err)

	// THEN the city never reaches 99% and the failures are recorded
	assert.Nil(t, clearanceSec(out))
	failed := metrics.NewEngine(nil, out.Events).CountEvents(metrics.Query{}, EventEdgeFailed)
	assert.Equal(t, 2.0, *failed.Value)
}

func TestSynthetic_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestEngine().Simulate(ctx, harbor(t), Params{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSynthetic_TransientFailure(t *testing.T) {
	e := newTestEngine()
	e.TransientFailureRate = 1
	_, err := e.Simulate(context.Background(), harbor(t), Params{})
	assert.True(t, evac.IsTransient(err))
}
