// Package memo assembles the decision memo of a run and persists it, with the
// ranking and the explanation it derives from, as a provenance chain.
package memo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/storage"
	"github.com/evac-planner/evac-planner/evac/telemetry"
)

// Artifact types and the stages that produce them.
const (
	ArtifactJudge       = "judge_result"
	ArtifactExplanation = "explanation"
	ArtifactMemo        = "decision_memo"

	StageJudge     = "judge"
	StageExplainer = "explainer"
	StageMemo      = "memo"
)

// Memo is an assembled decision memo with its canonical encoding.
type Memo struct {
	Artifact evac.RunArtifact
	Bytes    []byte
	Hash     string
}

// Assemble builds the memo for runID. The encoding carries no timestamps and
// only ordered collections, so identical inputs give identical bytes and hash.
// metrics are the best scenario's metrics and may be nil.
func Assemble(runID string, jr evac.JudgeResult, ex evac.ExplanationResult, metrics *evac.SimulationMetrics) (Memo, error) {
	if runID == "" {
		return Memo{}, evac.NewValidationError("run_id", "must not be empty")
	}
	if !jr.ValidationPassed {
		return Memo{}, evac.NewValidationError("judge", "no ranked scenario to report")
	}
	citations := ex.Citations
	if citations == nil {
		citations = []evac.Citation{}
	}
	artifact := evac.RunArtifact{
		RunID:          runID,
		BestScenarioID: jr.BestScenarioID,
		Weights:        jr.Weights,
		Metrics:        metrics,
		Ranking:        jr.Ranking,
		Justification: evac.Justification{
			Answer:    ex.Answer,
			Citations: citations,
			Abstained: ex.Abstained,
			Reason:    ex.Reason,
		},
	}
	data, err := canonical(artifact)
	if err != nil {
		return Memo{}, err
	}
	return Memo{Artifact: artifact, Bytes: data, Hash: storage.Hash(data)}, nil
}

// canonical encodes v as compact JSON. Struct fields encode in declaration
// order and map keys sorted, which makes the output deterministic.
func canonical(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding artifact: %w", err)
	}
	return data, nil
}

// Persister writes run artifacts to a Store.
type Persister struct {
	store     storage.Store
	telemetry *telemetry.Metrics
}

// NewPersister creates a Persister. m may be nil.
func NewPersister(store storage.Store, m *telemetry.Metrics) *Persister {
	return &Persister{store: store, telemetry: m}
}

// Persist stores the judge result, then the explanation (parent: judge hash),
// then the memo (parent: explanation hash) and returns the three records.
// Persisting the same run twice with identical inputs is a no-op.
func (p *Persister) Persist(ctx context.Context, jr evac.JudgeResult, ex evac.ExplanationResult, memo Memo) ([]evac.ProvenanceRecord, error) {
	runID := memo.Artifact.RunID
	judgeBytes, err := canonical(jr)
	if err != nil {
		return nil, err
	}
	explanationBytes, err := canonical(ex)
	if err != nil {
		return nil, err
	}

	steps := []struct {
		artifactType, stage string
		data                []byte
	}{
		{ArtifactJudge, StageJudge, judgeBytes},
		{ArtifactExplanation, StageExplainer, explanationBytes},
		{ArtifactMemo, StageMemo, memo.Bytes},
	}
	records := make([]evac.ProvenanceRecord, 0, len(steps))
	parent := ""
	for _, step := range steps {
		rec, err := p.store.PutArtifact(ctx, runID, step.artifactType, step.data, step.stage, parent)
		if err != nil {
			return records, fmt.Errorf("persisting %s: %w", step.artifactType, err)
		}
		p.telemetry.ArtifactPersisted(step.artifactType)
		records = append(records, rec)
		parent = rec.Hash
	}
	return records, nil
}
