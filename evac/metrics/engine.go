package metrics

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// Outcome is the result of one operation. For ungrouped queries Value holds
// the result; for grouped queries Groups holds one entry per scope present in
// the filtered set. A nil value is null: missing key, empty filtered set, or
// (for threshold times) a series that never reached the threshold.
type Outcome struct {
	Value  *float64
	Groups map[string]*float64
}

// Engine evaluates operations over a fixed record set.
// It is safe for concurrent use: nothing mutates it after construction.
type Engine struct {
	samples []Sample
	events  []Event
}

// NewEngine copies the records and orders them by time (stable, so samples
// sharing a timestamp keep their input order).
func NewEngine(samples []Sample, events []Event) *Engine {
	e := &Engine{
		samples: append([]Sample(nil), samples...),
		events:  append([]Event(nil), events...),
	}
	sort.SliceStable(e.samples, func(i, j int) bool { return e.samples[i].T < e.samples[j].T })
	sort.SliceStable(e.events, func(i, j int) bool { return e.events[i].T < e.events[j].T })
	return e
}

// NewEngineFromRecords is NewEngine over a Records bundle.
func NewEngineFromRecords(r *Records) *Engine {
	if r == nil {
		return NewEngine(nil, nil)
	}
	return NewEngine(r.Samples, r.Events)
}

// reduce applies fn to every sample group of q.
func (e *Engine) reduce(q Query, fn func([]Sample) *float64) Outcome {
	groups := e.selectSamples(q)
	if !q.GroupByScope {
		if s, ok := groups[groupKeyAll]; ok {
			return Outcome{Value: fn(s)}
		}
		return Outcome{}
	}
	out := Outcome{Groups: make(map[string]*float64, len(groups))}
	for scope, s := range groups {
		out.Groups[scope] = fn(s)
	}
	return out
}

// PercentileTimeToThreshold returns the time of the first sample whose value
// is >= pct. The result is always an observed sample time: there is no
// interpolation between samples.
func (e *Engine) PercentileTimeToThreshold(q Query, pct float64) Outcome {
	return e.reduce(q, func(s []Sample) *float64 {
		for _, smp := range s {
			if smp.V >= pct {
				t := smp.T
				return &t
			}
		}
		return nil
	})
}

// MaxValue returns the largest value.
func (e *Engine) MaxValue(q Query) Outcome {
	return e.reduce(q, func(s []Sample) *float64 {
		v := floats.Max(values(s))
		return &v
	})
}

// MeanValue returns the arithmetic mean of the values.
func (e *Engine) MeanValue(q Query) Outcome {
	return e.reduce(q, func(s []Sample) *float64 {
		v := stat.Mean(values(s), nil)
		return &v
	})
}

// Quantile returns the p-quantile (p in [0,1]) of the values, linearly
// interpolated between order statistics. A p outside [0,1] yields null.
func (e *Engine) Quantile(q Query, p float64) Outcome {
	return e.reduce(q, func(s []Sample) *float64 {
		if !(p >= 0 && p <= 1) {
			return nil
		}
		v := percentile(sortedValues(s), p*100)
		return &v
	})
}

// TimeAboveThreshold integrates the duration the held value stays above
// threshold. The interval between consecutive samples counts when the value
// exceeds threshold at both of its ends.
func (e *Engine) TimeAboveThreshold(q Query, threshold float64) Outcome {
	return e.reduce(q, func(s []Sample) *float64 {
		total := 0.0
		for i := 0; i+1 < len(s); i++ {
			if s[i].V > threshold && s[i+1].V > threshold {
				total += s[i+1].T - s[i].T
			}
		}
		return &total
	})
}

// AreaUnderCurve integrates (t, v) with the trapezoidal rule in time order.
// A single sample has zero area.
func (e *Engine) AreaUnderCurve(q Query) Outcome {
	return e.reduce(q, func(s []Sample) *float64 {
		area := 0.0
		if len(s) >= 2 {
			area = integrate.Trapezoidal(times(s), values(s))
		}
		return &area
	})
}

// CountEvents counts the events of the given type ("" counts every type).
// The query's Key is ignored; scope filters match the event's scope attribute.
// Unlike sample operations, an empty match counts as zero, not null.
func (e *Engine) CountEvents(q Query, eventType string) Outcome {
	groups := e.selectEvents(q, eventType)
	if !q.GroupByScope {
		n := float64(len(groups[groupKeyAll]))
		return Outcome{Value: &n}
	}
	out := Outcome{Groups: make(map[string]*float64, len(groups))}
	for scope, evs := range groups {
		n := float64(len(evs))
		out.Groups[scope] = &n
	}
	return out
}
