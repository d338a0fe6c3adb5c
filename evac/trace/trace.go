package trace

import (
	"sync"
	"time"
)

// Level controls the verbosity of run tracing.
type Level string

const (
	// LevelNone disables tracing.
	LevelNone Level = "none"
	// LevelDecisions captures stages, scenario outcomes and ranking decisions.
	LevelDecisions Level = "decisions"
)

var validLevels = map[Level]bool{
	LevelNone:      true,
	LevelDecisions: true,
	"":             true, // empty defaults to none
}

// IsValidLevel returns true if the given level string is a recognized trace level.
func IsValidLevel(level string) bool {
	return validLevels[Level(level)]
}

// Config controls trace collection.
type Config struct {
	Level           Level `yaml:"level" json:"level"`
	CounterfactualK int   `yaml:"counterfactual_k" json:"counterfactual_k"` // alternatives kept per ranking record
}

// Enabled reports whether the config asks for any records.
func (c Config) Enabled() bool {
	return c.Level == LevelDecisions
}

// RunTrace collects decision records for one run. Recording on a nil
// *RunTrace is a no-op, so callers can pass nil when tracing is off.
type RunTrace struct {
	Config    Config           `json:"config"`
	RunID     string           `json:"run_id"`
	Stages    []StageRecord    `json:"stages"`
	Scenarios []ScenarioRecord `json:"scenarios"`
	Rankings  []RankingRecord  `json:"rankings"`

	mu    sync.Mutex
	start time.Time
	now   func() time.Time
}

// New returns a RunTrace for runID, or nil when config disables tracing.
func New(runID string, config Config) *RunTrace {
	if !config.Enabled() {
		return nil
	}
	return &RunTrace{
		Config:    config,
		RunID:     runID,
		Stages:    make([]StageRecord, 0),
		Scenarios: make([]ScenarioRecord, 0),
		Rankings:  make([]RankingRecord, 0),
		start:     time.Now(),
		now:       time.Now,
	}
}

// RecordStage appends a stage transition stamped with the time since New.
func (rt *RunTrace) RecordStage(stage, detail string) {
	if rt == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.Stages = append(rt.Stages, StageRecord{Stage: stage, Offset: rt.now().Sub(rt.start), Detail: detail})
}

// RecordScenario appends a scenario outcome.
func (rt *RunTrace) RecordScenario(record ScenarioRecord) {
	if rt == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.Scenarios = append(rt.Scenarios, record)
}

// RecordRanking appends a ranking decision, trimming its candidates to
// Config.CounterfactualK.
func (rt *RunTrace) RecordRanking(record RankingRecord) {
	if rt == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(record.Candidates) > rt.Config.CounterfactualK {
		record.Candidates = record.Candidates[:rt.Config.CounterfactualK]
	}
	if len(record.Candidates) == 0 {
		record.Candidates = nil
	}
	rt.Rankings = append(rt.Rankings, record)
}
