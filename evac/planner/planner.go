// Package planner turns a user intent into a small set of distinct,
// constraint-respecting intervention scenarios over the city graph.
package planner

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/engine"
)

// ReasonInfeasible tags an empty plan.
const ReasonInfeasible = "infeasible_constraints"

// Plan is the planner's output. An empty Scenarios list carries a Reason.
type Plan struct {
	Scenarios []evac.ScenarioConfig `json:"scenarios"`
	Reason    string                `json:"reason,omitempty"`
}

// Empty reports whether the plan has no scenario.
func (p Plan) Empty() bool { return len(p.Scenarios) == 0 }

// Planner generates candidate scenarios from templates.
type Planner struct {
	graphs     engine.GraphProvider
	cfg        evac.PlannerConfig
	horizonMin float64
}

// New creates a Planner. horizonMin bounds whole-run closures.
func New(graphs engine.GraphProvider, cfg evac.PlannerConfig, horizonMin float64) *Planner {
	return &Planner{graphs: graphs, cfg: cfg, horizonMin: horizonMin}
}

// candidate is an unvalidated rule set.
type candidate struct {
	label     string
	closures  []evac.AreaClosure
	capacity  []evac.CapacityChange
	corridors []evac.CorridorRule
	egress    []evac.EgressStage
}

func (c candidate) merge(o candidate) candidate {
	return candidate{
		label:     c.label + "+" + o.label,
		closures:  append(append([]evac.AreaClosure(nil), c.closures...), o.closures...),
		capacity:  append(append([]evac.CapacityChange(nil), c.capacity...), o.capacity...),
		corridors: append(append([]evac.CorridorRule(nil), c.corridors...), o.corridors...),
		egress:    append(append([]evac.EgressStage(nil), c.egress...), o.egress...),
	}
}

// Plan returns up to intent.Constraints.MaxScenarios scenarios. The baseline
// comes first; other candidates are ordered by the intent seed. A plan with no
// valid scenario is returned empty with ReasonInfeasible, not as an error.
// Graph provider failures are errors.
func (p *Planner) Plan(ctx context.Context, intent evac.UserIntent) (Plan, error) {
	g, err := p.graphs.Graph(ctx, intent.City)
	if err != nil {
		return Plan{}, fmt.Errorf("loading graph for %s: %w", intent.City, err)
	}
	log := logrus.WithFields(logrus.Fields{"city": intent.City, "hazard": intent.Hazard})

	baseAccess, ok := p.protectedAccess(g, intent.Constraints.ProtectedPOIs, log)
	if !ok {
		return Plan{Reason: ReasonInfeasible}, nil
	}

	rng := evac.NewPartitionedRNG(intent.Seed)
	base, others := p.candidates(g, intent)
	rng.ForSubsystem(evac.SubsystemPlanner).Shuffle(len(others), func(i, j int) {
		others[i], others[j] = others[j], others[i]
	})

	seen := make(map[string]bool)
	var plan Plan
	for _, c := range append([]candidate{base}, others...) {
		if len(plan.Scenarios) >= intent.Constraints.MaxScenarios {
			break
		}
		i := len(plan.Scenarios)
		sc, err := evac.NewScenarioConfig(fmt.Sprintf("scn-%03d", i), rng.DeriveSeed(evac.SubsystemScenario(i)),
			c.closures, c.capacity, c.corridors, c.egress)
		if err != nil {
			log.Debugf("candidate %s rejected: %v", c.label, err)
			continue
		}
		if seen[sc.Signature()] {
			continue
		}
		if err := p.respectsFloor(g, sc, baseAccess); err != nil {
			log.Debugf("candidate %s rejected: %v", c.label, err)
			continue
		}
		seen[sc.Signature()] = true
		plan.Scenarios = append(plan.Scenarios, sc)
	}
	if plan.Empty() {
		plan.Reason = ReasonInfeasible
	}
	log.Infof("planned %d scenario(s)", len(plan.Scenarios))
	return plan, nil
}

// protectedAccess returns the baseline access of each protected POI. A POI
// missing from the graph, or one with no access to protect, makes the
// constraints infeasible.
func (p *Planner) protectedAccess(g *engine.Graph, pois []string, log *logrus.Entry) (map[string]float64, bool) {
	access := make(map[string]float64, len(pois))
	for _, poi := range pois {
		if _, ok := g.Node(poi); !ok {
			log.Warnf("protected POI %q is not in the graph", poi)
			return nil, false
		}
		a := g.Access(poi, nil)
		if a <= 0 {
			log.Warnf("protected POI %q has no access", poi)
			return nil, false
		}
		access[poi] = a
	}
	return access, true
}

// respectsFloor checks that no protected POI loses access below the safety
// floor. Closures count as zero capacity regardless of their time window.
func (p *Planner) respectsFloor(g *engine.Graph, sc evac.ScenarioConfig, baseAccess map[string]float64) error {
	applied, err := engine.Apply(g, sc)
	if err != nil {
		return err
	}
	closed := make(map[string]bool)
	for _, c := range sc.Closures() {
		closed[c.EdgeID] = true
	}
	pois := make([]string, 0, len(baseAccess))
	for poi := range baseAccess {
		pois = append(pois, poi)
	}
	sort.Strings(pois)
	for _, poi := range pois {
		floor := p.cfg.SafetyFloor * baseAccess[poi]
		if got := applied.Access(poi, closed); got < floor {
			return evac.NewValidationError("constraints.protected_pois", "%s access %.2f below floor %.2f", poi, got, floor)
		}
	}
	return nil
}

// candidates builds the baseline and the template candidates in a fixed order.
func (p *Planner) candidates(g *engine.Graph, intent evac.UserIntent) (candidate, []candidate) {
	base := candidate{label: "baseline"}

	var contraflow []candidate
	for _, id := range g.EdgesWithTag(p.cfg.ArterialTag) {
		contraflow = append(contraflow, candidate{
			label:    "contraflow:" + id,
			capacity: []evac.CapacityChange{{Selector: "id:" + id, Multiplier: p.cfg.ContraflowMultiplier}},
		})
	}

	var closures []candidate
	hazardEdges := g.EdgesWithTag(p.cfg.HazardTag)
	if intent.Hazard != "" && intent.Hazard != p.cfg.HazardTag {
		hazardEdges = append(hazardEdges, g.EdgesWithTag(intent.Hazard)...)
	}
	for _, id := range hazardEdges {
		closures = append(closures, candidate{
			label:    "closure:" + id,
			closures: []evac.AreaClosure{{EdgeID: id, StartMin: 0, EndMin: p.horizonMin}},
		})
	}

	var out []candidate
	out = append(out, contraflow...)
	out = append(out, closures...)

	if corridor, ok := p.corridorCandidate(g, intent.Constraints.ProtectedPOIs); ok {
		out = append(out, corridor)
	}
	staged, hasStaged := p.stagedCandidate(g)
	if hasStaged {
		out = append(out, staged)
	}
	for _, c := range contraflow {
		for _, h := range closures {
			out = append(out, c.merge(h))
		}
		if hasStaged {
			out = append(out, c.merge(staged))
		}
	}
	return base, out
}

func (p *Planner) corridorCandidate(g *engine.Graph, pois []string) (candidate, bool) {
	seen := make(map[string]bool)
	var rules []evac.CorridorRule
	for _, poi := range pois {
		for _, id := range g.IncidentEdges(poi) {
			if !seen[id] {
				seen[id] = true
				rules = append(rules, evac.CorridorRule{EdgeID: id, Floor: p.cfg.CorridorFloor})
			}
		}
	}
	if len(rules) == 0 {
		return candidate{}, false
	}
	return candidate{label: "corridor", corridors: rules}, true
}

func (p *Planner) stagedCandidate(g *engine.Graph) (candidate, bool) {
	zones := g.Zones()
	if len(zones) < 2 || p.cfg.StageIntervalMin <= 0 {
		return candidate{}, false
	}
	var stages []evac.EgressStage
	for i, z := range zones {
		if i == 0 {
			continue
		}
		stages = append(stages, evac.EgressStage{ZoneID: z.ID, DelayMin: float64(i) * p.cfg.StageIntervalMin})
	}
	return candidate{label: "staged", egress: stages}, true
}
