package worker

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/evac-planner/evac-planner/evac"
)

// Pool runs scenarios concurrently on at most size workers.
type Pool struct {
	worker *Worker
	size   int
}

// NewPool creates a pool. size < 1 is treated as 1.
func NewPool(w *Worker, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{worker: w, size: size}
}

// Submit simulates every scenario and delivers exactly one result per
// scenario on the returned channel, in completion order, then closes it.
// The channel is buffered for the whole batch so a caller that stops reading
// never blocks a worker. Scenarios not started before ctx is done come back
// cancelled.
func (p *Pool) Submit(ctx context.Context, city string, scenarios []evac.ScenarioConfig) <-chan evac.ScenarioResult {
	results := make(chan evac.ScenarioResult, len(scenarios))
	go func() {
		defer close(results)
		var g errgroup.Group
		g.SetLimit(p.size)
		for _, sc := range scenarios {
			if err := ctx.Err(); err != nil {
				results <- evac.ScenarioResult{ScenarioID: sc.ID(), Status: evac.ScenarioCancelled, Error: err.Error()}
				continue
			}
			g.Go(func() error {
				results <- p.worker.Run(ctx, city, sc)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return results
}
