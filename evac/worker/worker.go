// Package worker simulates one scenario end to end (graph, engine, metrics,
// robustness trials) under an explicit retry policy, and fans scenarios out
// over a bounded pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/engine"
	"github.com/evac-planner/evac-planner/evac/metrics"
	"github.com/evac-planner/evac-planner/evac/telemetry"
)

// Worker runs scenarios against one graph provider and engine.
// It holds no per-scenario state and is safe for concurrent use.
type Worker struct {
	graphs     engine.GraphProvider
	engine     engine.Engine
	specs      []metrics.Spec
	retry      RetryPolicy
	robustness evac.RobustnessConfig
	telemetry  *telemetry.Metrics
}

// Option configures a Worker.
type Option func(*Worker)

// WithTelemetry records scenario outcomes on m.
func WithTelemetry(m *telemetry.Metrics) Option {
	return func(w *Worker) { w.telemetry = m }
}

// New creates a Worker. specs are the metric definitions evaluated on every
// simulation; the names in evac.Metric* map onto SimulationMetrics.
func New(graphs engine.GraphProvider, eng engine.Engine, specs []metrics.Spec, retry RetryPolicy, robustness evac.RobustnessConfig, opts ...Option) *Worker {
	w := &Worker{
		graphs:     graphs,
		engine:     eng,
		specs:      specs,
		retry:      retry,
		robustness: robustness,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run simulates sc on the named city's graph and returns its result. It never
// returns an error: failures are reported through the result's status.
//   - validation failures are failed without retry
//   - transient failures are retried per the policy; exhaustion is failed
//     with RetryCount set
//   - cancellation of ctx yields cancelled
func (w *Worker) Run(ctx context.Context, city string, sc evac.ScenarioConfig) evac.ScenarioResult {
	start := time.Now()
	res := evac.ScenarioResult{ScenarioID: sc.ID(), Status: evac.ScenarioRunning}
	log := logrus.WithFields(logrus.Fields{"scenario": sc.ID(), "city": city})

	finish := func(status evac.ScenarioStatus, err error) evac.ScenarioResult {
		res.Status = status
		res.Duration = time.Since(start)
		if err != nil {
			res.Error = err.Error()
		}
		w.telemetry.ScenarioFinished(string(status), res.RetryCount, res.Duration)
		return res
	}

	if err := ctx.Err(); err != nil {
		return finish(evac.ScenarioCancelled, err)
	}
	if err := sc.Validate(); err != nil {
		log.Warnf("scenario rejected: %v", err)
		return finish(evac.ScenarioFailed, err)
	}

	attempts := 0
	var out *evac.SimulationMetrics
	op := func() error {
		attempts++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if w.retry.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, w.retry.AttemptTimeout)
		}
		defer cancel()

		m, err := w.simulate(actx, city, sc)
		switch {
		case err == nil:
			out = m
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case evac.IsTransient(err):
			return err
		case errors.Is(err, context.DeadlineExceeded) && actx.Err() != nil:
			return &evac.TransientSimulationError{Op: "attempt", Err: err}
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		log.Debugf("attempt %d failed, retrying in %v: %v", attempts, wait, err)
	}
	err := backoff.RetryNotify(op, w.retry.backOff(ctx), notify)
	res.RetryCount = attempts - 1
	if res.RetryCount < 0 {
		res.RetryCount = 0
	}

	switch {
	case err == nil:
		res.Metrics = out
		log.Debugf("completed after %d attempt(s)", attempts)
		return finish(evac.ScenarioCompleted, nil)
	case ctx.Err() != nil:
		return finish(evac.ScenarioCancelled, ctx.Err())
	case evac.IsTransient(err):
		log.Warnf("retries exhausted after %d attempt(s): %v", attempts, err)
		return finish(evac.ScenarioFailed, fmt.Errorf("retries exhausted: %w", err))
	default:
		log.Warnf("scenario failed: %v", err)
		return finish(evac.ScenarioFailed, err)
	}
}

// simulate runs one attempt: the base simulation plus robustness trials.
func (w *Worker) simulate(ctx context.Context, city string, sc evac.ScenarioConfig) (*evac.SimulationMetrics, error) {
	g, err := w.graphs.Graph(ctx, city)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &evac.PermanentSimulationError{Op: "graph", Err: err}
	}
	applied, err := engine.Apply(g, sc)
	if err != nil {
		return nil, err
	}
	params := engine.Params{Closures: sc.Closures(), Egress: sc.Egress(), Seed: sc.Seed()}
	out, err := w.engine.Simulate(ctx, applied, params)
	if err != nil {
		return nil, err
	}
	m := w.score(sc.ID(), out)

	if w.robustness.Trials > 0 && m.ClearanceTime != nil {
		r, err := w.robustnessScore(ctx, applied, params, *m.ClearanceTime)
		if err != nil {
			return nil, err
		}
		m.Robustness = r
	}
	return m, nil
}

// score evaluates the metric specs over one simulation output.
func (w *Worker) score(scenarioID string, out *engine.Output) *evac.SimulationMetrics {
	results := metrics.NewEngine(out.Samples, out.Events).Evaluate(w.specs)
	m := &evac.SimulationMetrics{}
	for _, r := range results {
		for _, err := range r.Errs {
			logrus.WithField("scenario", scenarioID).Warnf("metric resolved to null: %v", err)
		}
		switch r.Name {
		case evac.MetricClearanceTime:
			m.ClearanceTime = r.Value
		case evac.MetricMaxQueue:
			m.MaxQueue = r.Value
		case evac.MetricGroupClearance:
			m.FairnessIndex = fairness(r)
		}
	}
	return m
}

// fairness is 1 - Gini of the per-group clearance times. A group that never
// cleared makes the index undefined.
func fairness(r metrics.Result) *float64 {
	if len(r.Groups) == 0 {
		return nil
	}
	for _, v := range r.Groups {
		if v == nil {
			return nil
		}
	}
	f := 1 - metrics.Gini(r.GroupValues())
	return &f
}

// robustnessScore runs the failure-injection trials. Each trial fails every
// edge independently with the configured probability and scores
// min(1, base/trial clearance); a trial that never clears scores 0.
func (w *Worker) robustnessScore(ctx context.Context, g *engine.Graph, params engine.Params, base float64) (*float64, error) {
	clearance, ok := specNamed(w.specs, evac.MetricClearanceTime)
	if !ok {
		return nil, nil
	}
	rng := evac.NewPartitionedRNG(params.Seed).ForSubsystem(evac.SubsystemRobustness)
	scores := make([]float64, w.robustness.Trials)
	for i := range scores {
		var failed []string
		for _, e := range g.Edges {
			if rng.Float64() < w.robustness.FailureRate {
				failed = append(failed, e.ID)
			}
		}
		trial := params
		trial.FailedEdges = failed
		trial.Seed = params.Seed + int64(i) + 1
		out, err := w.engine.Simulate(ctx, g, trial)
		if err != nil {
			return nil, err
		}
		v := metrics.NewEngine(out.Samples, out.Events).Evaluate([]metrics.Spec{clearance})[0].Value
		switch {
		case v == nil:
			scores[i] = 0
		case *v <= 0:
			scores[i] = 1
		default:
			scores[i] = math.Min(1, base / *v)
		}
	}
	r := stat.Mean(scores, nil)
	return &r, nil
}

func specNamed(specs []metrics.Spec, name string) (metrics.Spec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return metrics.Spec{}, false
}
