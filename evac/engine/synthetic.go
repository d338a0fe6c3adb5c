package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/metrics"
)

// Params are the time-dependent inputs of one simulation. Capacity changes
// are already folded into the graph (see Apply).
type Params struct {
	Closures    []evac.AreaClosure
	Egress      []evac.EgressStage
	FailedEdges []string // unusable for the whole run
	Seed        int64
}

// Output is the raw record stream of one simulation, consumed by the metrics engine.
type Output struct {
	Samples []metrics.Sample
	Events  []metrics.Event
}

// Engine runs one evacuation simulation. Implementations return
// *evac.TransientSimulationError for failures worth retrying; any other
// error is treated as permanent. Simulate must honour ctx cancellation.
type Engine interface {
	Simulate(ctx context.Context, g *Graph, p Params) (*Output, error)
}

// Sample keys and event types produced by Synthetic.
const (
	KeyEvacuatedPct = "evacuated_pct"
	KeyQueueLen     = "queue_len"

	EventClosureStart = "closure_start"
	EventClosureEnd   = "closure_end"
	EventEdgeFailed   = "edge_failed"
	EventGroupCleared = "group_cleared"

	ScopeGlobal = "global"
)

// Synthetic is a deterministic bottleneck-throughput engine. Each zone
// mobilises its population linearly over MobilisationMin minutes after its
// egress delay; people leave through the zone's open outgoing edges at their
// capacity (jittered per step by the seed), and everyone not yet out is
// queued. Samples are emitted every StepSeconds until every zone is clear or
// the horizon is reached.
type Synthetic struct {
	StepSeconds     float64
	HorizonMin      float64
	MobilisationMin float64
	Jitter          float64 // relative capacity noise per step, in [0,1)

	// TransientFailureRate is the probability that a call fails with a
	// retryable error before simulating anything.
	TransientFailureRate float64

	// Delay is the wall-clock latency of each call.
	Delay time.Duration

	mu      sync.Mutex
	failRNG *rand.Rand
}

// NewSynthetic returns an engine configured from cfg.
func NewSynthetic(cfg evac.EngineConfig) *Synthetic {
	return &Synthetic{
		StepSeconds:          cfg.StepSeconds,
		HorizonMin:           cfg.HorizonMin,
		MobilisationMin:      30,
		Jitter:               0.05,
		TransientFailureRate: cfg.TransientFailureRate,
		failRNG:              rand.New(rand.NewSource(1)),
	}
}

var errEngineBusy = errors.New("engine busy")

func (s *Synthetic) failNow() bool {
	if s.TransientFailureRate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRNG == nil {
		s.failRNG = rand.New(rand.NewSource(1))
	}
	return s.failRNG.Float64() < s.TransientFailureRate
}

type zoneState struct {
	node      Node
	group     string
	delayMin  float64
	out       []Edge
	evacuated float64
	queue     float64
}

// Simulate runs the model over g.
func (s *Synthetic) Simulate(ctx context.Context, g *Graph, p Params) (*Output, error) {
	if s.StepSeconds <= 0 || s.HorizonMin <= 0 {
		return nil, &evac.PermanentSimulationError{Op: "simulate", Err: fmt.Errorf("step %v s and horizon %v min must be positive", s.StepSeconds, s.HorizonMin)}
	}
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if s.failNow() {
		return nil, &evac.TransientSimulationError{Op: "simulate", Err: errEngineBusy}
	}

	failed := make(map[string]bool, len(p.FailedEdges))
	for _, id := range p.FailedEdges {
		failed[id] = true
	}
	for _, c := range p.Closures {
		if _, ok := g.Edge(c.EdgeID); !ok {
			return nil, &evac.PermanentSimulationError{Op: "simulate", Err: fmt.Errorf("closure on unknown edge %q", c.EdgeID)}
		}
	}
	delays := make(map[string]float64, len(p.Egress))
	for _, e := range p.Egress {
		delays[e.ZoneID] = e.DelayMin
	}

	zones := make([]*zoneState, 0)
	groupPop := make(map[string]float64)
	total := 0.0
	for _, n := range g.Zones() {
		z := &zoneState{node: n, group: "group:" + groupName(n), delayMin: delays[n.ID]}
		for _, e := range g.Edges {
			if e.From == n.ID && !failed[e.ID] {
				z.out = append(z.out, e)
			}
		}
		zones = append(zones, z)
		groupPop[z.group] += float64(n.Population)
		total += float64(n.Population)
	}
	groups := make([]string, 0, len(groupPop))
	for grp := range groupPop {
		groups = append(groups, grp)
	}
	sort.Strings(groups)

	rng := rand.New(rand.NewSource(p.Seed))
	out := &Output{}
	evID := 0
	emit := func(t float64, typ, scope string) {
		evID++
		out.Events = append(out.Events, metrics.Event{
			T: t, Type: typ, ID: fmt.Sprintf("ev-%d", evID),
			Attrs: map[string]string{metrics.ScopeAttr: scope},
		})
	}
	for _, id := range p.FailedEdges {
		emit(0, EventEdgeFailed, "edge:"+id)
	}

	cleared := make(map[string]bool, len(groups))
	record := func(t float64) bool {
		doneAll := true
		evacTotal, queueTotal := 0.0, 0.0
		groupEvac := make(map[string]float64, len(groups))
		for _, z := range zones {
			evacTotal += z.evacuated
			queueTotal += z.queue
			groupEvac[z.group] += z.evacuated
			out.Samples = append(out.Samples, metrics.Sample{T: t, K: KeyQueueLen, Scope: "zone:" + z.node.ID, V: z.queue})
		}
		out.Samples = append(out.Samples,
			metrics.Sample{T: t, K: KeyEvacuatedPct, Scope: ScopeGlobal, V: pct(evacTotal, total)},
			metrics.Sample{T: t, K: KeyQueueLen, Scope: ScopeGlobal, V: queueTotal},
		)
		for _, grp := range groups {
			v := pct(groupEvac[grp], groupPop[grp])
			out.Samples = append(out.Samples, metrics.Sample{T: t, K: KeyEvacuatedPct, Scope: grp, V: v})
			if v >= 100 && !cleared[grp] {
				cleared[grp] = true
				emit(t, EventGroupCleared, grp)
			}
			if !cleared[grp] {
				doneAll = false
			}
		}
		return doneAll
	}

	dtMin := s.StepSeconds / 60
	horizonSec := s.HorizonMin * 60
	if record(0) {
		return out, nil
	}
	for t := 0.0; t < horizonSec; t += s.StepSeconds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tMin := t / 60
		for _, c := range p.Closures {
			if c.StartMin >= tMin && c.StartMin < tMin+dtMin {
				emit(c.StartMin*60, EventClosureStart, "edge:"+c.EdgeID)
			}
			if c.EndMin >= tMin && c.EndMin < tMin+dtMin {
				emit(c.EndMin*60, EventClosureEnd, "edge:"+c.EdgeID)
			}
		}
		for _, z := range zones {
			pop := float64(z.node.Population)
			demand := pop * clamp01((tMin+dtMin-z.delayMin)/s.mobilisation())
			capacity := 0.0
			for _, e := range z.out {
				if !closedAt(p.Closures, e.ID, tMin) {
					capacity += e.Capacity
				}
			}
			capacity *= 1 + s.Jitter*(2*rng.Float64()-1)
			moved := math.Min(demand-z.evacuated, math.Max(capacity, 0)*dtMin)
			if moved > 0 {
				z.evacuated += moved
			}
			if pop-z.evacuated < 1e-9 {
				z.evacuated = pop
			}
			z.queue = math.Max(demand-z.evacuated, 0)
		}
		if record(t + s.StepSeconds) {
			break
		}
	}
	return out, nil
}

func (s *Synthetic) mobilisation() float64 {
	if s.MobilisationMin <= 0 {
		return 1
	}
	return s.MobilisationMin
}

func closedAt(closures []evac.AreaClosure, edge string, tMin float64) bool {
	for _, c := range closures {
		if c.EdgeID == edge && tMin >= c.StartMin && tMin < c.EndMin {
			return true
		}
	}
	return false
}

func groupName(n Node) string {
	if n.Group != "" {
		return n.Group
	}
	return n.ID
}

func pct(part, whole float64) float64 {
	if whole <= 0 {
		return 100
	}
	return 100 * part / whole
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
