// Package engine defines the contracts of the external simulation
// collaborators (graph provider and simulation engine) and ships reference
// implementations: a YAML-backed graph provider and a deterministic
// bottleneck-throughput engine.
package engine

import (
	"fmt"
	"sort"

	"github.com/evac-planner/evac-planner/evac"
)

// Node kinds.
const (
	KindZone     = "zone"     // populated origin area
	KindPOI      = "poi"      // point of interest (hospital, shelter)
	KindExit     = "exit"     // network boundary / safe destination
	KindJunction = "junction" // anything else
)

// Node is a vertex of the road graph.
type Node struct {
	ID         string `yaml:"id" json:"id"`
	Kind       string `yaml:"kind" json:"kind"`
	Population int    `yaml:"population,omitempty" json:"population,omitempty"` // zones only
	Group      string `yaml:"group,omitempty" json:"group,omitempty"`           // demographic group of a zone
}

// Edge is a directed road segment. Capacity is in people per minute.
type Edge struct {
	ID       string   `yaml:"id" json:"id"`
	From     string   `yaml:"from" json:"from"`
	To       string   `yaml:"to" json:"to"`
	Capacity float64  `yaml:"capacity" json:"capacity"`
	Tags     []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// HasTag reports whether the edge carries tag.
func (e Edge) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Graph is a city road network.
type Graph struct {
	City  string `yaml:"city" json:"city"`
	Nodes []Node `yaml:"nodes" json:"nodes"`
	Edges []Edge `yaml:"edges" json:"edges"`
}

// Validate checks referential integrity and value ranges.
func (g *Graph) Validate() error {
	if g.City == "" {
		return fmt.Errorf("graph: city must not be empty")
	}
	nodes := make(map[string]bool, len(g.Nodes))
	zones := 0
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("graph %s: node with empty id", g.City)
		}
		if nodes[n.ID] {
			return fmt.Errorf("graph %s: duplicate node %q", g.City, n.ID)
		}
		nodes[n.ID] = true
		switch n.Kind {
		case KindZone:
			zones++
			if n.Population < 0 {
				return fmt.Errorf("graph %s: zone %q has negative population", g.City, n.ID)
			}
		case KindPOI, KindExit, KindJunction:
		default:
			return fmt.Errorf("graph %s: node %q has unknown kind %q", g.City, n.ID, n.Kind)
		}
	}
	if zones == 0 {
		return fmt.Errorf("graph %s: at least one zone is required", g.City)
	}
	edges := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		if e.ID == "" {
			return fmt.Errorf("graph %s: edge with empty id", g.City)
		}
		if edges[e.ID] {
			return fmt.Errorf("graph %s: duplicate edge %q", g.City, e.ID)
		}
		edges[e.ID] = true
		if !nodes[e.From] || !nodes[e.To] {
			return fmt.Errorf("graph %s: edge %q references an unknown node", g.City, e.ID)
		}
		if !(e.Capacity > 0) {
			return fmt.Errorf("graph %s: edge %q must have positive capacity, got %v", g.City, e.ID, e.Capacity)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (g *Graph) Clone() *Graph {
	c := &Graph{City: g.City, Nodes: append([]Node(nil), g.Nodes...), Edges: make([]Edge, len(g.Edges))}
	for i, e := range g.Edges {
		e.Tags = append([]string(nil), e.Tags...)
		c.Edges[i] = e
	}
	return c
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Edge returns the edge with the given id.
func (g *Graph) Edge(id string) (Edge, bool) {
	for _, e := range g.Edges {
		if e.ID == id {
			return e, true
		}
	}
	return Edge{}, false
}

// EdgesWithTag returns the ids of edges carrying tag, in declaration order.
func (g *Graph) EdgesWithTag(tag string) []string {
	var ids []string
	for _, e := range g.Edges {
		if e.HasTag(tag) {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// IncidentEdges returns the ids of edges entering or leaving node.
func (g *Graph) IncidentEdges(node string) []string {
	var ids []string
	for _, e := range g.Edges {
		if e.From == node || e.To == node {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// Zones returns the zone nodes sorted by id.
func (g *Graph) Zones() []Node {
	var zones []Node
	for _, n := range g.Nodes {
		if n.Kind == KindZone {
			zones = append(zones, n)
		}
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].ID < zones[j].ID })
	return zones
}

// Access returns the summed capacity of the edges incident to node, counting
// the edges in closed as zero.
func (g *Graph) Access(node string, closed map[string]bool) float64 {
	total := 0.0
	for _, e := range g.Edges {
		if (e.From == node || e.To == node) && !closed[e.ID] {
			total += e.Capacity
		}
	}
	return total
}

// Apply returns a copy of g with the scenario's capacity multipliers and
// corridor floors applied. Closures and egress staging are time-dependent
// and are handled by the engine. Returns a *evac.ValidationError when a rule
// references an edge or tag the graph does not have.
func Apply(g *Graph, sc evac.ScenarioConfig) (*Graph, error) {
	out := g.Clone()
	index := make(map[string]int, len(out.Edges))
	for i, e := range out.Edges {
		index[e.ID] = i
	}
	baseline := make([]float64, len(out.Edges))
	for i, e := range out.Edges {
		baseline[i] = e.Capacity
	}

	for _, change := range sc.CapacityChanges() {
		kind, value, err := evac.ParseSelector(change.Selector)
		if err != nil {
			return nil, err
		}
		matched := false
		for i := range out.Edges {
			if (kind == "id" && out.Edges[i].ID == value) || (kind == "tag" && out.Edges[i].HasTag(value)) {
				out.Edges[i].Capacity *= change.Multiplier
				matched = true
			}
		}
		if !matched {
			return nil, evac.NewValidationError("scenario.capacity", "selector %q matches no edge in %s", change.Selector, g.City)
		}
	}
	for _, c := range sc.Corridors() {
		i, ok := index[c.EdgeID]
		if !ok {
			return nil, evac.NewValidationError("scenario.corridors", "edge %q not found in %s", c.EdgeID, g.City)
		}
		if floor := baseline[i] * c.Floor; out.Edges[i].Capacity < floor {
			out.Edges[i].Capacity = floor
		}
	}
	for _, c := range sc.Closures() {
		if _, ok := index[c.EdgeID]; !ok {
			return nil, evac.NewValidationError("scenario.closures", "edge %q not found in %s", c.EdgeID, g.City)
		}
	}
	for _, e := range sc.Egress() {
		if n, ok := out.Node(e.ZoneID); !ok || n.Kind != KindZone {
			return nil, evac.NewValidationError("scenario.egress", "zone %q not found in %s", e.ZoneID, g.City)
		}
	}
	return out, nil
}
