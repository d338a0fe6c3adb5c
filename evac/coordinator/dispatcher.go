package coordinator

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/queue"
)

// IntentBuilder turns a queued request into a validated intent.
type IntentBuilder func(e queue.Entry) (evac.UserIntent, error)

// TemplateIntentBuilder fills template with the entry's region, hazard and
// optional overrides (objective, weights, max scenarios).
func TemplateIntentBuilder(template evac.IntentSpec) IntentBuilder {
	return func(e queue.Entry) (evac.UserIntent, error) {
		spec := template
		spec.City = strings.TrimSpace(e.Request.Region)
		spec.Hazard = strings.TrimSpace(e.Request.Hazard)
		if e.Request.Objective != "" {
			spec.Objective = e.Request.Objective
		}
		if spec.Objective == "" {
			spec.Objective = "evacuate " + spec.City + " ahead of " + spec.Hazard
		}
		if e.Request.Weights != "" {
			w, err := evac.ParseWeights(e.Request.Weights)
			if err != nil {
				return evac.UserIntent{}, err
			}
			spec.Preferences = w
		}
		if e.Request.MaxScenarios > 0 {
			spec.Constraints.MaxScenarios = e.Request.MaxScenarios
		}
		return evac.NewUserIntent(spec)
	}
}

// Dispatcher runs approved queue entries one at a time.
type Dispatcher struct {
	queue *queue.Queue
	coord *Coordinator
	build IntentBuilder
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(q *queue.Queue, c *Coordinator, build IntentBuilder) *Dispatcher {
	return &Dispatcher{queue: q, coord: c, build: build}
}

// Serve takes entries from the queue until ctx is done or the queue is
// closed, and records each run's outcome on its entry. It returns nil on a
// clean stop.
func (d *Dispatcher) Serve(ctx context.Context) error {
	for {
		e, err := d.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		d.dispatch(ctx, e)
	}
}

// dispatch runs one entry. Queue bookkeeping outlives ctx so that an entry
// interrupted by shutdown is still marked cancelled.
func (d *Dispatcher) dispatch(ctx context.Context, e queue.Entry) {
	log := logrus.WithFields(logrus.Fields{"entry": e.ID, "region": e.Request.Region, "hazard": e.Request.Hazard})
	bookkeeping := context.WithoutCancel(ctx)

	intent, err := d.build(e)
	if err != nil {
		log.Warnf("rejecting entry: %v", err)
		if _, err := d.queue.Fail(bookkeeping, e.ID, err.Error()); err != nil {
			log.Errorf("marking entry failed: %v", err)
		}
		return
	}

	cancelled, err := d.queue.Cancelled(bookkeeping, e.ID)
	if err != nil {
		log.Warnf("watching entry: %v", err)
	}
	run := d.coord.Start(ctx, intent)
	withdrawn := false
	select {
	case <-run.Done():
	case <-cancelled:
		log.Info("entry cancelled; stopping run")
		withdrawn = true
		run.Cancel()
	}
	out := run.Wait()
	log.Infof("run %s finished %s", run.ID, out.State)
	if withdrawn {
		return
	}

	switch out.State {
	case evac.RunCompleted, evac.RunPartialSuccess:
		_, err = d.queue.Complete(bookkeeping, e.ID, run.ID)
	case evac.RunCancelled:
		_, err = d.queue.Cancel(bookkeeping, e.ID, out.Reason)
	default:
		_, err = d.queue.Fail(bookkeeping, e.ID, out.Reason)
	}
	switch {
	case errors.Is(err, queue.ErrInvalidTransition):
		log.Warnf("recording outcome: %v", err)
	case err != nil:
		log.Errorf("recording outcome: %v", err)
	}
}
