// Package queue is the simulation request queue: the one structure shared by
// independent producers (external triggers, operators, internal requests).
//
// A single owner goroutine holds all state. Every public method sends a
// closure over a command channel and waits for it to run, so check-then-insert
// deduplication and state transitions are atomic without locks.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/telemetry"
)

var (
	ErrNotFound          = errors.New("queue entry not found")
	ErrInvalidTransition = errors.New("invalid queue transition")
	ErrClosed            = errors.New("queue closed")
)

// State is the lifecycle state of a queue entry.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// States lists every state in lifecycle order.
var States = []State{StatePending, StateApproved, StateRunning, StateCompleted, StateFailed, StateCancelled}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// active states take part in deduplication.
func (s State) active() bool {
	return s == StatePending || s == StateApproved || s == StateRunning
}

var transitions = map[State][]State{
	StatePending:  {StateApproved, StateCancelled},
	StateApproved: {StateRunning, StateCancelled},
	StateRunning:  {StateCompleted, StateFailed, StateCancelled},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Request asks for a planning run over one region and hazard.
type Request struct {
	Region       string `json:"region" yaml:"region"`
	Hazard       string `json:"hazard" yaml:"hazard"`
	Objective    string `json:"objective,omitempty" yaml:"objective,omitempty"`
	Weights      string `json:"weights,omitempty" yaml:"weights,omitempty"` // ParseWeights format
	MaxScenarios int    `json:"max_scenarios,omitempty" yaml:"max_scenarios,omitempty"`
	Source       string `json:"source,omitempty" yaml:"source,omitempty"`
}

// Validate checks the request's required fields.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Region) == "" {
		return evac.NewValidationError("region", "must not be empty")
	}
	if strings.TrimSpace(r.Hazard) == "" {
		return evac.NewValidationError("hazard", "must not be empty")
	}
	if r.MaxScenarios < 0 {
		return evac.NewValidationError("max_scenarios", "must not be negative, got %d", r.MaxScenarios)
	}
	if r.Weights != "" {
		if _, err := evac.ParseWeights(r.Weights); err != nil {
			return err
		}
	}
	return nil
}

// Signature identifies duplicate requests: same region and hazard, case-insensitive.
func (r Request) Signature() string {
	return strings.ToLower(strings.TrimSpace(r.Region)) + "|" + strings.ToLower(strings.TrimSpace(r.Hazard))
}

// Entry is a queued request with its lifecycle state. Entries handed out by
// the queue are copies.
type Entry struct {
	ID        string    `json:"id"`
	Request   Request   `json:"request"`
	Signature string    `json:"signature"`
	State     State     `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	seq       int
}

// Snapshot is the queue content partitioned by state, each list in insertion order.
type Snapshot struct {
	Entries map[State][]Entry `json:"entries"`
	Counts  map[State]int     `json:"counts"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithAutoApprove approves every new entry on insertion.
func WithAutoApprove(on bool) Option {
	return func(q *Queue) { q.autoApprove = on }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithTelemetry reports per-state depth after every change.
func WithTelemetry(m *telemetry.Metrics) Option {
	return func(q *Queue) { q.telemetry = m }
}

// Queue is the actor front end. Create it with New and stop it with Close.
type Queue struct {
	cmds      chan func(*state)
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	autoApprove bool
	now         func() time.Time
	telemetry   *telemetry.Metrics
}

type state struct {
	q        *Queue
	entries  map[string]*Entry
	seq      int
	approved []string // FIFO by approval
	waiters  []chan Entry
	watches  map[string]chan struct{} // closed when the entry is cancelled
}

// New starts the owner goroutine.
func New(opts ...Option) *Queue {
	q := &Queue{
		cmds: make(chan func(*state)),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	s := &state{q: q, entries: make(map[string]*Entry), watches: make(map[string]chan struct{})}
	defer close(q.done)
	for {
		select {
		case fn := <-q.cmds:
			fn(s)
		case <-q.quit:
			return
		}
	}
}

// Close stops the owner goroutine. Subsequent calls return ErrClosed.
// Close is idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.quit) })
	<-q.done
}

// do runs fn on the owner goroutine and waits for it to finish.
func (q *Queue) do(ctx context.Context, fn func(*state)) error {
	finished := make(chan struct{})
	select {
	case q.cmds <- func(s *state) { fn(s); close(finished) }:
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-q.done:
		return ErrClosed
	}
}

// Add inserts a pending entry, or returns the active entry with the same
// signature unchanged (created=false).
func (q *Queue) Add(ctx context.Context, req Request) (Entry, bool, error) {
	if err := req.Validate(); err != nil {
		return Entry{}, false, err
	}
	var out Entry
	var created bool
	err := q.do(ctx, func(s *state) {
		sig := req.Signature()
		for _, e := range s.entries {
			if e.Signature == sig && e.State.active() {
				out = *e
				return
			}
		}
		now := q.now()
		s.seq++
		e := &Entry{
			ID: uuid.NewString(), Request: req, Signature: sig,
			State: StatePending, CreatedAt: now, UpdatedAt: now, seq: s.seq,
		}
		s.entries[e.ID] = e
		created = true
		logrus.WithFields(logrus.Fields{"entry": e.ID, "signature": sig}).Info("queue: request added")
		if q.autoApprove {
			s.approve(e)
		}
		out = *e
		s.report()
	})
	return out, created, err
}

// Approve moves a pending entry to approved.
func (q *Queue) Approve(ctx context.Context, id string) (Entry, error) {
	return q.transition(ctx, id, StateApproved, "")
}

// Start moves an approved entry to running, bypassing Next.
func (q *Queue) Start(ctx context.Context, id string) (Entry, error) {
	return q.transition(ctx, id, StateRunning, "")
}

// Complete marks a running entry completed and records the run that served it.
func (q *Queue) Complete(ctx context.Context, id, runID string) (Entry, error) {
	var out Entry
	var err error
	if derr := q.do(ctx, func(s *state) {
		out, err = s.move(id, StateCompleted, "")
		if err == nil {
			s.entries[id].RunID = runID
			out.RunID = runID
		}
	}); derr != nil {
		return Entry{}, derr
	}
	return out, err
}

// Fail marks a running entry failed.
func (q *Queue) Fail(ctx context.Context, id, reason string) (Entry, error) {
	return q.transition(ctx, id, StateFailed, reason)
}

// Cancel cancels a non-terminal entry.
func (q *Queue) Cancel(ctx context.Context, id, reason string) (Entry, error) {
	return q.transition(ctx, id, StateCancelled, reason)
}

// CancelAll cancels every non-terminal entry and returns how many were cancelled.
func (q *Queue) CancelAll(ctx context.Context, reason string) (int, error) {
	n := 0
	err := q.do(ctx, func(s *state) {
		for _, e := range s.sorted() {
			if !e.State.IsTerminal() {
				if _, err := s.move(e.ID, StateCancelled, reason); err == nil {
					n++
				}
			}
		}
	})
	return n, err
}

func (q *Queue) transition(ctx context.Context, id string, to State, reason string) (Entry, error) {
	var out Entry
	var err error
	if derr := q.do(ctx, func(s *state) { out, err = s.move(id, to, reason) }); derr != nil {
		return Entry{}, derr
	}
	return out, err
}

// Next blocks until an approved entry is available, moves it to running and
// returns it. Entries are served in approval order. If ctx ends first, no
// entry is consumed.
func (q *Queue) Next(ctx context.Context) (Entry, error) {
	w := make(chan Entry, 1)
	if err := q.do(ctx, func(s *state) {
		s.waiters = append(s.waiters, w)
		s.dispatch()
	}); err != nil {
		return Entry{}, err
	}
	select {
	case e := <-w:
		return e, nil
	case <-ctx.Done():
		// Withdraw; an entry delivered in the meantime goes back to the head.
		_ = q.do(context.Background(), func(s *state) {
			s.removeWaiter(w)
			select {
			case e := <-w:
				s.requeue(e.ID)
			default:
			}
		})
		return Entry{}, ctx.Err()
	case <-q.done:
		return Entry{}, ErrClosed
	}
}

// Cancelled returns a channel that is closed once the entry is cancelled. It
// never closes for an entry that ends completed or failed.
func (q *Queue) Cancelled(ctx context.Context, id string) (<-chan struct{}, error) {
	var out chan struct{}
	var err error
	if derr := q.do(ctx, func(s *state) {
		e, ok := s.entries[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrNotFound, id)
			return
		}
		switch {
		case e.State == StateCancelled:
			out = make(chan struct{})
			close(out)
		case e.State.IsTerminal():
			out = make(chan struct{})
		default:
			if s.watches[id] == nil {
				s.watches[id] = make(chan struct{})
			}
			out = s.watches[id]
		}
	}); derr != nil {
		return nil, derr
	}
	return out, err
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, id string) (Entry, error) {
	var out Entry
	var err error
	if derr := q.do(ctx, func(s *state) {
		e, ok := s.entries[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrNotFound, id)
			return
		}
		out = *e
	}); derr != nil {
		return Entry{}, derr
	}
	return out, err
}

// Status returns a snapshot of every entry partitioned by state.
func (q *Queue) Status(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Entries: make(map[State][]Entry), Counts: make(map[State]int)}
	err := q.do(ctx, func(s *state) {
		for _, st := range States {
			snap.Counts[st] = 0
		}
		for _, e := range s.sorted() {
			snap.Entries[e.State] = append(snap.Entries[e.State], *e)
			snap.Counts[e.State]++
		}
	})
	return snap, err
}

// === owner-side helpers; only ever called on the owner goroutine ===

func (s *state) move(id string, to State, reason string) (Entry, error) {
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !canTransition(e.State, to) {
		return *e, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, to)
	}
	if to == StateApproved {
		s.approve(e)
		s.report()
		return *e, nil
	}
	if e.State == StateApproved {
		s.dropApproved(id)
	}
	s.set(e, to, reason)
	s.report()
	return *e, nil
}

func (s *state) set(e *Entry, to State, reason string) {
	logrus.WithFields(logrus.Fields{"entry": e.ID, "from": e.State, "to": to}).Debug("queue: transition")
	e.State = to
	e.Reason = reason
	e.UpdatedAt = s.q.now()
	if w, ok := s.watches[e.ID]; ok && to.IsTerminal() {
		if to == StateCancelled {
			close(w)
		}
		delete(s.watches, e.ID)
	}
}

func (s *state) approve(e *Entry) {
	s.set(e, StateApproved, "")
	s.approved = append(s.approved, e.ID)
	s.dispatch()
}

// dispatch hands approved entries to waiting Next calls.
func (s *state) dispatch() {
	for len(s.waiters) > 0 && len(s.approved) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		id := s.approved[0]
		s.approved = s.approved[1:]
		e := s.entries[id]
		s.set(e, StateRunning, "")
		w <- *e
	}
	s.report()
}

func (s *state) requeue(id string) {
	e, ok := s.entries[id]
	if !ok || e.State != StateRunning {
		return
	}
	s.set(e, StateApproved, "")
	s.approved = append([]string{id}, s.approved...)
	s.dispatch()
}

func (s *state) dropApproved(id string) {
	for i, a := range s.approved {
		if a == id {
			s.approved = append(s.approved[:i], s.approved[i+1:]...)
			return
		}
	}
}

func (s *state) removeWaiter(w chan Entry) {
	for i, x := range s.waiters {
		if x == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

func (s *state) sorted() []*Entry {
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *state) report() {
	if s.q.telemetry == nil {
		return
	}
	counts := make(map[string]int, len(States))
	names := make([]string, len(States))
	for i, st := range States {
		names[i] = string(st)
	}
	for _, e := range s.entries {
		counts[string(e.State)]++
	}
	s.q.telemetry.QueueDepth(names, counts)
}
