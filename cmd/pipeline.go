package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/coordinator"
	"github.com/evac-planner/evac-planner/evac/engine"
	"github.com/evac-planner/evac-planner/evac/explain"
	"github.com/evac-planner/evac-planner/evac/memo"
	"github.com/evac-planner/evac-planner/evac/planner"
	"github.com/evac-planner/evac-planner/evac/storage"
	"github.com/evac-planner/evac-planner/evac/telemetry"
	"github.com/evac-planner/evac-planner/evac/worker"
)

// pipeline is the wired planning stack shared by run and serve.
type pipeline struct {
	coord *coordinator.Coordinator
	close func() error
}

// newPipeline builds every component from cfg. tm may be nil.
func newPipeline(cfg evac.Config, tm *telemetry.Metrics, opts ...coordinator.Option) (*pipeline, error) {
	specs, err := cfg.MetricSpecs()
	if err != nil {
		return nil, err
	}
	retriever, err := newRetriever(cfg.Explainer)
	if err != nil {
		return nil, err
	}
	store, closeStore, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, err
	}

	graphs := engine.NewStaticGraphProvider(cfg.Engine.Graphs)
	w := worker.New(graphs, engine.NewSynthetic(cfg.Engine), specs,
		worker.NewRetryPolicy(cfg.Retry), cfg.Robustness, worker.WithTelemetry(tm))
	opts = append([]coordinator.Option{
		coordinator.WithTrace(cfg.Trace),
		coordinator.WithTelemetry(tm),
	}, opts...)
	coord := coordinator.New(
		planner.New(graphs, cfg.Planner, cfg.Engine.HorizonMin),
		worker.NewPool(w, cfg.Pool.Size),
		explain.New(retriever, cfg.Explainer, explain.WithTelemetry(tm)),
		memo.NewPersister(store, tm),
		cfg.Deadline,
		opts...,
	)
	logrus.Infof("pipeline ready: graphs=%s pool=%d storage=%s", cfg.Engine.Graphs, cfg.Pool.Size, cfg.Storage.Backend)
	return &pipeline{coord: coord, close: closeStore}, nil
}

// newRetriever picks the search endpoint when configured, then the static
// corpus. With neither, every explanation abstains for lack of citations.
func newRetriever(cfg evac.ExplainerConfig) (explain.Retriever, error) {
	switch {
	case cfg.Endpoint != "":
		token := ""
		if cfg.TokenEnv != "" {
			token = os.Getenv(cfg.TokenEnv)
		}
		return explain.NewHTTPRetriever(cfg.Endpoint, token, cfg.Timeout), nil
	case cfg.Corpus != "":
		idx, err := explain.LoadStaticIndex(cfg.Corpus)
		if err != nil {
			return nil, fmt.Errorf("loading corpus: %w", err)
		}
		logrus.Infof("loaded %d corpus document(s) from %s", idx.Len(), cfg.Corpus)
		return idx, nil
	default:
		logrus.Warn("no explainer corpus or endpoint configured; explanations will abstain")
		return explain.NewStaticIndex(nil), nil
	}
}
