package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/engine"
	"github.com/evac-planner/evac-planner/evac/metrics"
)

const city = "harbor"

// countingEngine delegates to fn and counts calls.
type countingEngine struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int, g *engine.Graph, p engine.Params) (*engine.Output, error)
}

func (c *countingEngine) Simulate(ctx context.Context, g *engine.Graph, p engine.Params) (*engine.Output, error) {
	n := int(c.calls.Add(1))
	return c.fn(ctx, n, g, p)
}

func synthetic() *engine.Synthetic {
	return engine.NewSynthetic(evac.EngineConfig{StepSeconds: 60, HorizonMin: 240})
}

func failFirst(n int, err error) *countingEngine {
	ref := synthetic()
	return &countingEngine{fn: func(ctx context.Context, call int, g *engine.Graph, p engine.Params) (*engine.Output, error) {
		if call <= n {
			return nil, err
		}
		return ref.Simulate(ctx, g, p)
	}}
}

func fastRetry(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
}

func defaultSpecs(t *testing.T) []metrics.Spec {
	t.Helper()
	specs, err := evac.DefaultConfig().MetricSpecs()
	require.NoError(t, err)
	return specs
}

func newWorker(t *testing.T, eng engine.Engine, retry RetryPolicy, trials int) *Worker {
	t.Helper()
	return New(engine.NewStaticGraphProvider("../../testdata/cities"), eng, defaultSpecs(t), retry,
		evac.RobustnessConfig{Trials: trials, FailureRate: 0.2})
}

func baseline(t *testing.T, id string, seed int64) evac.ScenarioConfig {
	t.Helper()
	sc, err := evac.NewScenarioConfig(id, seed, nil, nil, nil, nil)
	require.NoError(t, err)
	return sc
}

var errTransient = &evac.TransientSimulationError{Op: "simulate", Err: errors.New("engine busy")}

func TestWorker_Run_CompletesWithAllMetrics(t *testing.T) {
	// GIVEN a worker over the reference engine with robustness trials
	w := newWorker(t, synthetic(), fastRetry(2), 3)

	// WHEN a baseline scenario runs
	res := w.Run(context.Background(), city, baseline(t, "scn-000", 42))

	// THEN every metric is present and in range
	require.Equal(t, evac.ScenarioCompleted, res.Status, res.Error)
	require.NotNil(t, res.Metrics)
	require.NotNil(t, res.Metrics.ClearanceTime)
	require.NotNil(t, res.Metrics.MaxQueue)
	require.NotNil(t, res.Metrics.FairnessIndex)
	require.NotNil(t, res.Metrics.Robustness)
	assert.NoError(t, res.Metrics.Validate())
	assert.Greater(t, *res.Metrics.ClearanceTime, 0.0)
	assert.Zero(t, res.RetryCount)
}

func TestWorker_Run_RobustnessIsDeterministic(t *testing.T) {
	w := newWorker(t, synthetic(), fastRetry(0), 4)
	a := w.Run(context.Background(), city, baseline(t, "scn-000", 9))
	b := w.Run(context.Background(), city, baseline(t, "scn-000", 9))
	require.Equal(t, evac.ScenarioCompleted, a.Status)
	assert.Equal(t, *a.Metrics.Robustness, *b.Metrics.Robustness)
	assert.Equal(t, *a.Metrics.ClearanceTime, *b.Metrics.ClearanceTime)
}

func TestWorker_Run_TransientThenSuccess(t *testing.T) {
	// GIVEN an engine that fails transiently twice
	eng := failFirst(2, errTransient)
	w := newWorker(t, eng, fastRetry(3), 0)

	// WHEN run
	res := w.Run(context.Background(), city, baseline(t, "scn-000", 1))

	// THEN the scenario completes and records its retries
	assert.Equal(t, evac.ScenarioCompleted, res.Status)
	assert.Equal(t, 2, res.RetryCount)
	assert.Equal(t, int32(3), eng.calls.Load())
	assert.Nil(t, res.Metrics.Robustness, "robustness is not computed without trials")
}

func TestWorker_Run_RetriesExhausted(t *testing.T) {
	eng := failFirst(100, errTransient)
	w := newWorker(t, eng, fastRetry(2), 0)

	res := w.Run(context.Background(), city, baseline(t, "scn-000", 1))

	assert.Equal(t, evac.ScenarioFailed, res.Status)
	assert.Equal(t, 2, res.RetryCount)
	assert.Equal(t, int32(3), eng.calls.Load(), "one attempt plus max_retries")
	assert.Contains(t, res.Error, "retries exhausted")
	assert.Nil(t, res.Metrics)
}

func TestWorker_Run_PermanentErrorIsNotRetried(t *testing.T) {
	eng := failFirst(100, &evac.PermanentSimulationError{Op: "simulate", Err: errors.New("corrupt network")})
	w := newWorker(t, eng, fastRetry(5), 0)

	res := w.Run(context.Background(), city, baseline(t, "scn-000", 1))

	assert.Equal(t, evac.ScenarioFailed, res.Status)
	assert.Zero(t, res.RetryCount)
	assert.Equal(t, int32(1), eng.calls.Load())
}

func TestWorker_Run_UnclassifiedErrorIsPermanent(t *testing.T) {
	eng := failFirst(100, errors.New("boom"))
	w := newWorker(t, eng, fastRetry(5), 0)

	res := w.Run(context.Background(), city, baseline(t, "scn-000", 1))

	assert.Equal(t, evac.ScenarioFailed, res.Status)
	assert.Equal(t, int32(1), eng.calls.Load())
}

func TestWorker_Run_InvalidScenario_NeverReachesEngine(t *testing.T) {
	// GIVEN a scenario that is well-formed but references an unknown edge
	eng := failFirst(0, nil)
	w := newWorker(t, eng, fastRetry(5), 0)
	sc, err := evac.NewScenarioConfig("scn-000", 1, nil, []evac.CapacityChange{{Selector: "id:nope", Multiplier: 2}}, nil, nil)
	require.NoError(t, err)

	// WHEN run
	res := w.Run(context.Background(), city, sc)

	// THEN it fails without retry or engine call
	assert.Equal(t, evac.ScenarioFailed, res.Status)
	assert.Zero(t, res.RetryCount)
	assert.Zero(t, eng.calls.Load())
}

func TestWorker_Run_ZeroValueScenario_Fails(t *testing.T) {
	res := newWorker(t, synthetic(), fastRetry(1), 0).Run(context.Background(), city, evac.ScenarioConfig{})
	assert.Equal(t, evac.ScenarioFailed, res.Status)
}

func TestWorker_Run_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := newWorker(t, synthetic(), fastRetry(1), 0).Run(ctx, city, baseline(t, "scn-000", 1))
	assert.Equal(t, evac.ScenarioCancelled, res.Status)
}

func TestWorker_Run_CancelledDuringBackoff(t *testing.T) {
	// GIVEN a long backoff after a transient failure
	eng := failFirst(100, errTransient)
	retry := RetryPolicy{MaxRetries: 5, InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1}
	w := newWorker(t, eng, retry, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	// WHEN the run deadline expires while waiting
	start := time.Now()
	res := w.Run(ctx, city, baseline(t, "scn-000", 1))

	// THEN the worker stops promptly and reports cancelled
	assert.Equal(t, evac.ScenarioCancelled, res.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWorker_Run_AttemptTimeoutIsRetried(t *testing.T) {
	// GIVEN an engine whose first call hangs until its context ends
	ref := synthetic()
	eng := &countingEngine{fn: func(ctx context.Context, call int, g *engine.Graph, p engine.Params) (*engine.Output, error) {
		if call == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return ref.Simulate(ctx, g, p)
	}}
	retry := fastRetry(2)
	retry.AttemptTimeout = 20 * time.Millisecond
	w := newWorker(t, eng, retry, 0)

	// WHEN run
	res := w.Run(context.Background(), city, baseline(t, "scn-000", 1))

	// THEN the timed-out attempt counts as transient
	assert.Equal(t, evac.ScenarioCompleted, res.Status)
	assert.Equal(t, 1, res.RetryCount)
}

func TestFairness_UndefinedWhenAGroupNeverClears(t *testing.T) {
	v := 10.0
	assert.Nil(t, fairness(metrics.Result{Groups: map[string]*float64{"group:a": &v, "group:b": nil}}))
	assert.Nil(t, fairness(metrics.Result{}))

	equal := fairness(metrics.Result{Groups: map[string]*float64{"group:a": &v, "group:b": &v}})
	require.NotNil(t, equal)
	assert.Equal(t, 1.0, *equal)
}

func TestPool_Submit_BoundsConcurrency(t *testing.T) {
	// GIVEN an engine that tracks concurrent calls
	var active, peak atomic.Int32
	var mu sync.Mutex
	ref := synthetic()
	eng := &countingEngine{fn: func(ctx context.Context, _ int, g *engine.Graph, p engine.Params) (*engine.Output, error) {
		n := active.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		defer active.Add(-1)
		time.Sleep(5 * time.Millisecond)
		return ref.Simulate(ctx, g, p)
	}}
	pool := NewPool(newWorker(t, eng, fastRetry(0), 0), 2)

	scenarios := make([]evac.ScenarioConfig, 6)
	for i := range scenarios {
		scenarios[i] = baseline(t, evac.SubsystemScenario(i), int64(i))
	}

	// WHEN submitted
	seen := map[string]bool{}
	for res := range pool.Submit(context.Background(), city, scenarios) {
		assert.Equal(t, evac.ScenarioCompleted, res.Status)
		seen[res.ScenarioID] = true
	}

	// THEN every scenario reports once and no more than two ran at a time
	assert.Len(t, seen, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_Submit_CancelledContext_AllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool := NewPool(newWorker(t, synthetic(), fastRetry(0), 0), 2)

	var statuses []evac.ScenarioStatus
	for res := range pool.Submit(ctx, city, []evac.ScenarioConfig{baseline(t, "a", 1), baseline(t, "b", 2)}) {
		statuses = append(statuses, res.Status)
	}
	assert.Equal(t, []evac.ScenarioStatus{evac.ScenarioCancelled, evac.ScenarioCancelled}, statuses)
}

func TestRetryPolicy_BackOff_StopsAfterMaxRetries(t *testing.T) {
	b := fastRetry(2).backOff(context.Background())
	assert.NotEqual(t, time.Duration(-1), b.NextBackOff())
	assert.NotEqual(t, time.Duration(-1), b.NextBackOff())
	assert.Equal(t, time.Duration(-1), b.NextBackOff(), "backoff.Stop after max retries")
}
