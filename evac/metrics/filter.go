package metrics

import (
	"sort"
	"strings"
)

// Filter narrows the records an operation sees. Zero values mean "no filter".
// From and To bound the time window inclusively.
type Filter struct {
	Scope         string   `yaml:"scope,omitempty"`
	ScopeContains string   `yaml:"scope_contains,omitempty"`
	From          *float64 `yaml:"from,omitempty"`
	To            *float64 `yaml:"to,omitempty"`
}

func (f Filter) matchScope(scope string) bool {
	if f.Scope != "" && scope != f.Scope {
		return false
	}
	if f.ScopeContains != "" && !strings.Contains(scope, f.ScopeContains) {
		return false
	}
	return true
}

func (f Filter) matchTime(t float64) bool {
	if f.From != nil && t < *f.From {
		return false
	}
	if f.To != nil && t > *f.To {
		return false
	}
	return true
}

// Query selects the samples of one metric key, optionally grouped by scope.
type Query struct {
	Key          string
	Filter       Filter
	GroupByScope bool
}

// groupKeyAll is the group key used when a query is not grouped.
const groupKeyAll = ""

// selectSamples returns the filtered samples of q.Key bucketed by group,
// each bucket in time order. Buckets are never empty.
func (e *Engine) selectSamples(q Query) map[string][]Sample {
	groups := make(map[string][]Sample)
	for _, s := range e.samples {
		if s.K != q.Key || !q.Filter.matchScope(s.Scope) || !q.Filter.matchTime(s.T) {
			continue
		}
		key := groupKeyAll
		if q.GroupByScope {
			key = s.Scope
		}
		groups[key] = append(groups[key], s)
	}
	return groups
}

// selectEvents returns the filtered events of the given type ("" = any type),
// bucketed by the scope attribute when grouping.
func (e *Engine) selectEvents(q Query, eventType string) map[string][]Event {
	groups := make(map[string][]Event)
	for _, ev := range e.events {
		if eventType != "" && ev.Type != eventType {
			continue
		}
		scope := ev.Attrs[ScopeAttr]
		if !q.Filter.matchScope(scope) || !q.Filter.matchTime(ev.T) {
			continue
		}
		key := groupKeyAll
		if q.GroupByScope {
			key = scope
		}
		groups[key] = append(groups[key], ev)
	}
	return groups
}

func sortedValues(samples []Sample) []float64 {
	vals := values(samples)
	sort.Float64s(vals)
	return vals
}

func values(samples []Sample) []float64 {
	vals := make([]float64, len(samples))
	for i, s := range samples {
		vals[i] = s.V
	}
	return vals
}

func times(samples []Sample) []float64 {
	ts := make([]float64, len(samples))
	for i, s := range samples {
		ts[i] = s.T
	}
	return ts
}
