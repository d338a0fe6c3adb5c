package metrics

import (
	"fmt"
	"math"
	"sort"
)

// MetricComputationError reports a metric whose raw or post-processed value
// is not a finite number. The metric resolves to null; callers log it and
// carry on.
type MetricComputationError struct {
	Metric string
	Group  string
	Value  float64
}

func (e *MetricComputationError) Error() string {
	if e.Group != "" {
		return fmt.Sprintf("metric %q (group %q): non-finite result %v", e.Metric, e.Group, e.Value)
	}
	return fmt.Sprintf("metric %q: non-finite result %v", e.Metric, e.Value)
}

// Result is the evaluated value of one Spec.
type Result struct {
	Name   string
	Value  *float64
	Groups map[string]*float64
	Errs   []error // *MetricComputationError, one per offending value
}

// GroupValues returns the non-null group values ordered by scope.
func (r Result) GroupValues() []float64 {
	scopes := make([]string, 0, len(r.Groups))
	for scope, v := range r.Groups {
		if v != nil {
			scopes = append(scopes, scope)
		}
	}
	sort.Strings(scopes)
	vals := make([]float64, len(scopes))
	for i, scope := range scopes {
		vals[i] = *r.Groups[scope]
	}
	return vals
}

// Results is an ordered list of evaluated metrics.
type Results []Result

// Get returns the result with the given name.
func (rs Results) Get(name string) (Result, bool) {
	for _, r := range rs {
		if r.Name == name {
			return r, true
		}
	}
	return Result{}, false
}

// Run evaluates one operation without post-processing.
func (e *Engine) Run(q Query, op Operation) Outcome {
	switch o := op.(type) {
	case PercentileTimeToThreshold:
		return e.PercentileTimeToThreshold(q, o.Pct)
	case MaxValue:
		return e.MaxValue(q)
	case MeanValue:
		return e.MeanValue(q)
	case Quantile:
		return e.Quantile(q, o.Q)
	case TimeAboveThreshold:
		return e.TimeAboveThreshold(q, o.Threshold)
	case AreaUnderCurve:
		return e.AreaUnderCurve(q)
	case CountEvents:
		return e.CountEvents(q, o.Type)
	default:
		panic(fmt.Sprintf("unhandled metric operation %T", op))
	}
}

// Evaluate runs every spec, applies post-processing and resolves non-finite
// values to null. It never fails: problems are reported per result in Errs.
func (e *Engine) Evaluate(specs []Spec) Results {
	results := make(Results, 0, len(specs))
	for _, s := range specs {
		out := e.Run(s.Query, s.Op)
		r := Result{Name: s.Name}
		r.Value = s.finish(out.Value, "", &r.Errs)
		if out.Groups != nil {
			r.Groups = make(map[string]*float64, len(out.Groups))
			for scope, v := range out.Groups {
				r.Groups[scope] = s.finish(v, scope, &r.Errs)
			}
		}
		results = append(results, r)
	}
	return results
}

func (s Spec) finish(v *float64, group string, errs *[]error) *float64 {
	if v == nil {
		return nil
	}
	raw := *v
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		*errs = append(*errs, &MetricComputationError{Metric: s.Name, Group: group, Value: raw})
		return nil
	}
	final := s.Post.apply(raw)
	if math.IsNaN(final) || math.IsInf(final, 0) {
		*errs = append(*errs, &MetricComputationError{Metric: s.Name, Group: group, Value: final})
		return nil
	}
	return &final
}
