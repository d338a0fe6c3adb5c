// Package coordinator drives one planning run through its stages: planner,
// concurrent simulation, judge, explainer and memo. Progress is streamed as
// ordered events ending with exactly one terminal event.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/explain"
	"github.com/evac-planner/evac-planner/evac/judge"
	"github.com/evac-planner/evac-planner/evac/memo"
	"github.com/evac-planner/evac-planner/evac/planner"
	"github.com/evac-planner/evac-planner/evac/telemetry"
	"github.com/evac-planner/evac-planner/evac/trace"
)

// Failure reasons reported on terminal events and outcomes.
const (
	ReasonInfeasibleConstraints = "infeasible_constraints"
	ReasonNoViableScenario      = "no_viable_scenario"
	ReasonDeadlineExceeded      = "deadline_exceeded"
	ReasonCancelled             = "cancelled"
	ReasonPersistFailed         = "persist_failed"
)

// Coordinator starts runs. It holds no per-run state and is safe for
// concurrent use.
type Coordinator struct {
	planner   *planner.Planner
	pool      Submitter
	explainer *explain.Explainer
	persister *memo.Persister
	deadline  time.Duration
	traceCfg  trace.Config
	telemetry *telemetry.Metrics
	hooks     []func(Event)
	newID     func() string
	now       func() time.Time
}

// Submitter fans scenarios out to workers. *worker.Pool implements it.
type Submitter interface {
	Submit(ctx context.Context, city string, scenarios []evac.ScenarioConfig) <-chan evac.ScenarioResult
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTrace enables run tracing at the configured level.
func WithTrace(cfg trace.Config) Option {
	return func(c *Coordinator) { c.traceCfg = cfg }
}

// WithTelemetry records run outcomes.
func WithTelemetry(m *telemetry.Metrics) Option {
	return func(c *Coordinator) { c.telemetry = m }
}

// WithEventHook calls fn synchronously for every event of every run, before
// it is delivered on the run's channel. fn must not block.
func WithEventHook(fn func(Event)) Option {
	return func(c *Coordinator) { c.hooks = append(c.hooks, fn) }
}

// WithIDGenerator replaces the uuid run ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// New creates a Coordinator. deadline is the global run deadline; 0 leaves
// each run bounded by its compute budget only.
func New(p *planner.Planner, pool Submitter, ex *explain.Explainer, persister *memo.Persister, deadline time.Duration, opts ...Option) *Coordinator {
	c := &Coordinator{
		planner:   p,
		pool:      pool,
		explainer: ex,
		persister: persister,
		deadline:  deadline,
		traceCfg:  trace.Config{Level: trace.LevelNone},
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Outcome is the final result of a run.
type Outcome struct {
	RunID       string
	State       evac.RunState
	Reason      string
	Plan        planner.Plan
	Results     []evac.ScenarioResult // arrival order
	Judge       *evac.JudgeResult
	Explanation *evac.ExplanationResult
	Memo        *memo.Memo
	Provenance  []evac.ProvenanceRecord
	Trace       *trace.RunTrace
	Duration    time.Duration
}

// Err maps a failed or cancelled outcome onto the evac sentinel errors, for
// errors.Is checks. It is nil for completed and partial_success runs.
func (o Outcome) Err() error {
	switch o.State {
	case evac.RunCancelled:
		return evac.ErrRunCancelled
	case evac.RunFailed:
	default:
		return nil
	}
	switch o.Reason {
	case ReasonInfeasibleConstraints:
		return evac.ErrInfeasibleConstraints
	case ReasonNoViableScenario:
		return evac.ErrNoViableScenario
	}
	return errors.New(o.Reason)
}

// Run is a handle on one in-flight run.
type Run struct {
	ID      string
	events  chan Event
	done    chan struct{}
	cancel  context.CancelCauseFunc
	outcome Outcome
	seq     int
}

// Events returns the run's ordered event stream. The channel is buffered
// for the whole run and closed after the terminal event, so a caller may
// stop reading at any time.
func (r *Run) Events() <-chan Event { return r.events }

// Wait blocks until the run has finished and returns its outcome.
func (r *Run) Wait() Outcome {
	<-r.done
	return r.outcome
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel stops this run only. Scenarios still simulating come back cancelled.
func (r *Run) Cancel() { r.cancel(evac.ErrRunCancelled) }

// Start launches a run for intent and returns immediately. The run lives
// until it finishes, ctx is done, or Cancel is called.
func (c *Coordinator) Start(ctx context.Context, intent evac.UserIntent) *Run {
	runCtx, cancel := context.WithCancelCause(ctx)
	r := &Run{
		ID: c.newID(),
		// planner.start, planner.done, one worker.result per scenario,
		// judge.summary, explainer.answer and the terminal event.
		events: make(chan Event, intent.Constraints.MaxScenarios+5),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go c.run(runCtx, r, intent)
	return r
}

// stage is the per-run state shared by the stage functions. It is only
// touched by the run goroutine.
type stage struct {
	c      *Coordinator
	r      *Run
	ctx    context.Context
	intent evac.UserIntent
	log    *logrus.Entry
	trace  *trace.RunTrace
	state  evac.RunState
	start  time.Time
}

func (c *Coordinator) run(ctx context.Context, r *Run, intent evac.UserIntent) {
	s := &stage{
		c:      c,
		r:      r,
		ctx:    ctx,
		intent: intent,
		log:    logrus.WithFields(logrus.Fields{"run": r.ID, "city": intent.City}),
		trace:  trace.New(r.ID, c.traceCfg),
		state:  evac.RunPending,
		start:  c.now(),
	}
	r.outcome = Outcome{RunID: r.ID, State: evac.RunPending, Trace: s.trace}
	defer func() {
		r.cancel(nil)
		r.outcome.Duration = c.now().Sub(s.start)
		c.telemetry.RunFinished(string(r.outcome.State), r.outcome.Duration)
		close(r.events)
		close(r.done)
	}()
	s.log.Infof("run started: %q, %d scenario(s) max", intent.Objective, intent.Constraints.MaxScenarios)
	s.execute()
}

func (s *stage) execute() {
	budget := s.intent.Constraints.ComputeBudget
	if s.c.deadline > 0 && s.c.deadline < budget {
		budget = s.c.deadline
	}
	dlCtx, cancel := context.WithTimeoutCause(s.ctx, budget, evac.ErrDeadlineExceeded)
	defer cancel()

	// Planning
	s.enter(evac.RunPlanning, "")
	s.emit(Event{Type: EventPlannerStart})
	plan, err := s.c.planner.Plan(dlCtx, s.intent)
	if err != nil {
		if s.cancelled() {
			s.finishCancelled()
			return
		}
		s.fail(fmt.Sprintf("planner: %v", err))
		return
	}
	s.r.outcome.Plan = plan
	s.emit(Event{Type: EventPlannerDone, Count: len(plan.Scenarios)})
	if plan.Empty() {
		s.fail(ReasonInfeasibleConstraints)
		return
	}

	// Simulating
	s.enter(evac.RunSimulating, fmt.Sprintf("%d scenario(s)", len(plan.Scenarios)))
	deadlineHit := s.simulate(dlCtx, plan.Scenarios)
	if s.cancelled() {
		s.finishCancelled()
		return
	}

	// Judging
	s.enter(evac.RunJudging, "")
	jr := judge.Rank(s.r.outcome.Results, s.intent.Preferences)
	judge.RecordDecisions(s.trace, jr)
	s.r.outcome.Judge = &jr
	s.emit(Event{Type: EventJudgeSummary, Judge: &jr})
	if !jr.ValidationPassed {
		s.fail(ReasonNoViableScenario)
		return
	}

	// Explaining
	s.enter(evac.RunExplaining, jr.BestScenarioID)
	best, metrics := s.best(plan, jr.BestScenarioID)
	ex := s.c.explainer.Explain(s.ctx, s.intent, best, metrics)
	s.r.outcome.Explanation = &ex
	s.emit(Event{Type: EventExplainerAnswer, Explanation: &ex})
	if s.cancelled() {
		s.finishCancelled()
		return
	}

	// Memo
	m, err := memo.Assemble(s.r.ID, jr, ex, metrics)
	if err != nil {
		s.fail(fmt.Sprintf("%s: %v", ReasonPersistFailed, err))
		return
	}
	s.r.outcome.Memo = &m
	records, err := s.c.persister.Persist(s.ctx, jr, ex, m)
	s.r.outcome.Provenance = records
	if err != nil {
		s.fail(fmt.Sprintf("%s: %v", ReasonPersistFailed, err))
		return
	}

	// Failed scenarios are excluded by the judge; only the deadline
	// downgrades a run that produced a memo.
	final, reason := evac.RunCompleted, ""
	if deadlineHit {
		final, reason = evac.RunPartialSuccess, ReasonDeadlineExceeded
	}
	s.enter(final, reason)
	s.r.outcome.State, s.r.outcome.Reason = final, reason
	s.emit(Event{Type: EventRunComplete, Reason: reason})
	s.log.Infof("run %s: best %s, memo %s", final, jr.BestScenarioID, m.Hash[:12])
}

// simulate collects one result per scenario. When ctx ends first, the
// scenarios still outstanding are reported cancelled and late results are
// discarded. Reports whether the deadline cut the fan-out short.
func (s *stage) simulate(ctx context.Context, scenarios []evac.ScenarioConfig) bool {
	results := s.c.pool.Submit(ctx, s.intent.City, scenarios)
	seen := make(map[string]bool, len(scenarios))
	record := func(res evac.ScenarioResult) {
		seen[res.ScenarioID] = true
		s.r.outcome.Results = append(s.r.outcome.Results, res)
		s.trace.RecordScenario(trace.ScenarioRecord{
			ScenarioID: res.ScenarioID,
			Status:     string(res.Status),
			RetryCount: res.RetryCount,
			Duration:   res.Duration,
			Error:      res.Error,
		})
		s.log.WithField("scenario", res.ScenarioID).Debugf("scenario %s after %d retries", res.Status, res.RetryCount)
		s.emit(Event{Type: EventWorkerResult, Result: &res})
	}

	for len(seen) < len(scenarios) {
		select {
		case res, ok := <-results:
			if !ok {
				return false
			}
			if !seen[res.ScenarioID] {
				record(res)
			}
		case <-ctx.Done():
			cause := context.Cause(ctx)
			for _, sc := range scenarios {
				if !seen[sc.ID()] {
					record(evac.ScenarioResult{ScenarioID: sc.ID(), Status: evac.ScenarioCancelled, Error: cause.Error()})
				}
			}
			hit := errors.Is(cause, evac.ErrDeadlineExceeded)
			if hit {
				s.log.Warnf("deadline reached with %d scenario(s) outstanding", len(scenarios)-s.completed())
			}
			return hit
		}
	}
	return false
}

func (s *stage) completed() int {
	n := 0
	for _, res := range s.r.outcome.Results {
		if res.Status == evac.ScenarioCompleted {
			n++
		}
	}
	return n
}

// best returns the winning scenario and its metrics.
func (s *stage) best(plan planner.Plan, id string) (evac.ScenarioConfig, *evac.SimulationMetrics) {
	var best evac.ScenarioConfig
	for _, sc := range plan.Scenarios {
		if sc.ID() == id {
			best = sc
		}
	}
	for _, res := range s.r.outcome.Results {
		if res.ScenarioID == id {
			return best, res.Metrics
		}
	}
	return best, nil
}

// cancelled reports whether the run itself was stopped, by Cancel or by the
// caller's context. The run deadline does not count.
func (s *stage) cancelled() bool {
	return s.ctx.Err() != nil
}

func (s *stage) enter(state evac.RunState, detail string) {
	s.state = state
	s.r.outcome.State = state
	s.trace.RecordStage(string(state), detail)
}

func (s *stage) fail(reason string) {
	s.enter(evac.RunFailed, reason)
	s.r.outcome.Reason = reason
	s.emit(Event{Type: EventRunFailed, Reason: reason})
	s.log.Warnf("run failed: %s", reason)
}

func (s *stage) finishCancelled() {
	s.enter(evac.RunCancelled, ReasonCancelled)
	s.r.outcome.Reason = ReasonCancelled
	s.emit(Event{Type: EventRunCancelled, Reason: ReasonCancelled})
	s.log.Info("run cancelled")
}

// emit stamps and delivers ev. The channel is sized for the whole run.
func (s *stage) emit(ev Event) {
	s.r.seq++
	ev.RunID = s.r.ID
	ev.Seq = s.r.seq
	ev.State = s.state
	ev.At = s.c.now()
	for _, hook := range s.c.hooks {
		hook(ev)
	}
	s.r.events <- ev
}
