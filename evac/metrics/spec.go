package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// OpKind names a metric operation.
type OpKind string

const (
	OpPercentileTimeToThreshold OpKind = "percentile_time_to_threshold"
	OpMaxValue                  OpKind = "max_value"
	OpMeanValue                 OpKind = "mean_value"
	OpQuantile                  OpKind = "quantile"
	OpTimeAboveThreshold        OpKind = "time_above_threshold"
	OpAreaUnderCurve            OpKind = "area_under_curve"
	OpCountEvents               OpKind = "count_events"
)

var validOpKinds = map[OpKind]bool{
	OpPercentileTimeToThreshold: true,
	OpMaxValue:                  true,
	OpMeanValue:                 true,
	OpQuantile:                  true,
	OpTimeAboveThreshold:        true,
	OpAreaUnderCurve:            true,
	OpCountEvents:               true,
}

// ValidOpKinds returns the sorted operation names.
func ValidOpKinds() []string {
	names := make([]string, 0, len(validOpKinds))
	for k := range validOpKinds {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return names
}

// Operation is a closed set of metric operations, each carrying its own
// typed parameters. Only the types in this file implement it.
type Operation interface {
	Kind() OpKind
	validate() error
}

type PercentileTimeToThreshold struct{ Pct float64 }
type MaxValue struct{}
type MeanValue struct{}
type Quantile struct{ Q float64 }
type TimeAboveThreshold struct{ Threshold float64 }
type AreaUnderCurve struct{}
type CountEvents struct{ Type string }

func (PercentileTimeToThreshold) Kind() OpKind { return OpPercentileTimeToThreshold }
func (MaxValue) Kind() OpKind                  { return OpMaxValue }
func (MeanValue) Kind() OpKind                 { return OpMeanValue }
func (Quantile) Kind() OpKind                  { return OpQuantile }
func (TimeAboveThreshold) Kind() OpKind        { return OpTimeAboveThreshold }
func (AreaUnderCurve) Kind() OpKind            { return OpAreaUnderCurve }
func (CountEvents) Kind() OpKind               { return OpCountEvents }

func (o PercentileTimeToThreshold) validate() error { return finite("pct", o.Pct) }
func (MaxValue) validate() error                    { return nil }
func (MeanValue) validate() error                   { return nil }
func (AreaUnderCurve) validate() error              { return nil }
func (CountEvents) validate() error                 { return nil }

func (o Quantile) validate() error {
	if math.IsNaN(o.Q) || o.Q < 0 || o.Q > 1 {
		return fmt.Errorf("q must be in [0,1], got %v", o.Q)
	}
	return nil
}

func (o TimeAboveThreshold) validate() error { return finite("threshold", o.Threshold) }

// PostProcess is applied to every value after the raw operation:
// divide first, then round.
type PostProcess struct {
	DivideBy *float64 `yaml:"divide_by,omitempty"`
	RoundTo  *int     `yaml:"round_to,omitempty"`
}

func (p PostProcess) validate() error {
	if p.DivideBy != nil {
		if err := finite("divide_by", *p.DivideBy); err != nil {
			return err
		}
		if *p.DivideBy == 0 {
			return fmt.Errorf("divide_by must not be zero")
		}
	}
	if p.RoundTo != nil && (*p.RoundTo < 0 || *p.RoundTo > 12) {
		return fmt.Errorf("round_to must be in [0,12], got %d", *p.RoundTo)
	}
	return nil
}

func (p PostProcess) apply(v float64) float64 {
	if p.DivideBy != nil {
		v /= *p.DivideBy
	}
	if p.RoundTo != nil {
		v = roundTo(v, *p.RoundTo)
	}
	return v
}

// Spec is one validated metric definition. Build it with NewSpec or SpecConfig.Build.
type Spec struct {
	Name  string
	Query Query
	Op    Operation
	Post  PostProcess
}

// NewSpec validates and returns a metric definition.
func NewSpec(name string, q Query, op Operation, post PostProcess) (Spec, error) {
	s := Spec{Name: name, Query: q, Op: op, Post: post}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// MustSpec is NewSpec that panics on error, for package-level defaults.
func MustSpec(name string, q Query, op Operation, post PostProcess) Spec {
	s, err := NewSpec(name, q, op, post)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks the definition.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("metric name must not be empty")
	}
	if s.Op == nil {
		return fmt.Errorf("metric %q: operation is required", s.Name)
	}
	if s.Op.Kind() != OpCountEvents && s.Query.Key == "" {
		return fmt.Errorf("metric %q: key is required for %s", s.Name, s.Op.Kind())
	}
	if err := s.Op.validate(); err != nil {
		return fmt.Errorf("metric %q: %w", s.Name, err)
	}
	f := s.Query.Filter
	if f.From != nil && f.To != nil && *f.From > *f.To {
		return fmt.Errorf("metric %q: time window from %v is after to %v", s.Name, *f.From, *f.To)
	}
	if err := s.Post.validate(); err != nil {
		return fmt.Errorf("metric %q: %w", s.Name, err)
	}
	return nil
}

// SpecConfig is the YAML form of a Spec. Parameters not used by the chosen
// operation must be left unset.
type SpecConfig struct {
	Name         string      `yaml:"name"`
	Key          string      `yaml:"key,omitempty"`
	Op           string      `yaml:"op"`
	Pct          *float64    `yaml:"pct,omitempty"`
	Q            *float64    `yaml:"q,omitempty"`
	Threshold    *float64    `yaml:"threshold,omitempty"`
	EventType    string      `yaml:"event_type,omitempty"`
	Filter       Filter      `yaml:",inline"`
	GroupByScope bool        `yaml:"group_by_scope,omitempty"`
	Post         PostProcess `yaml:"post,omitempty"`
}

// Build converts the YAML form into a validated Spec.
func (c SpecConfig) Build() (Spec, error) {
	kind := OpKind(c.Op)
	if !validOpKinds[kind] {
		return Spec{}, fmt.Errorf("metric %q: unknown op %q; valid: %s", c.Name, c.Op, strings.Join(ValidOpKinds(), ", "))
	}
	var op Operation
	var err error
	switch kind {
	case OpPercentileTimeToThreshold:
		var pct float64
		if pct, err = requireParam(c.Name, "pct", c.Pct); err == nil {
			op = PercentileTimeToThreshold{Pct: pct}
		}
	case OpQuantile:
		var q float64
		if q, err = requireParam(c.Name, "q", c.Q); err == nil {
			op = Quantile{Q: q}
		}
	case OpTimeAboveThreshold:
		var thr float64
		if thr, err = requireParam(c.Name, "threshold", c.Threshold); err == nil {
			op = TimeAboveThreshold{Threshold: thr}
		}
	case OpMaxValue:
		op = MaxValue{}
	case OpMeanValue:
		op = MeanValue{}
	case OpAreaUnderCurve:
		op = AreaUnderCurve{}
	case OpCountEvents:
		op = CountEvents{Type: c.EventType}
	}
	if err != nil {
		return Spec{}, err
	}
	if err := c.rejectUnused(kind); err != nil {
		return Spec{}, err
	}
	return NewSpec(c.Name, Query{Key: c.Key, Filter: c.Filter, GroupByScope: c.GroupByScope}, op, c.Post)
}

func (c SpecConfig) rejectUnused(kind OpKind) error {
	unused := func(name string, set bool, allowed OpKind) error {
		if set && kind != allowed {
			return fmt.Errorf("metric %q: parameter %s is not used by %s", c.Name, name, kind)
		}
		return nil
	}
	if err := unused("pct", c.Pct != nil, OpPercentileTimeToThreshold); err != nil {
		return err
	}
	if err := unused("q", c.Q != nil, OpQuantile); err != nil {
		return err
	}
	if err := unused("threshold", c.Threshold != nil, OpTimeAboveThreshold); err != nil {
		return err
	}
	return unused("event_type", c.EventType != "", OpCountEvents)
}

// BuildSpecs converts and validates a list of YAML metric definitions.
// Names must be unique.
func BuildSpecs(configs []SpecConfig) ([]Spec, error) {
	specs := make([]Spec, 0, len(configs))
	seen := make(map[string]bool, len(configs))
	for i, c := range configs {
		s, err := c.Build()
		if err != nil {
			return nil, fmt.Errorf("metrics[%d]: %w", i, err)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("metrics[%d]: duplicate metric name %q", i, s.Name)
		}
		seen[s.Name] = true
		specs = append(specs, s)
	}
	return specs, nil
}

func requireParam(metric, name string, v *float64) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("metric %q: parameter %s is required", metric, name)
	}
	return *v, nil
}

func finite(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s must be a finite number, got %v", name, v)
	}
	return nil
}
