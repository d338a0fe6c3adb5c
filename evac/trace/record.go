// Package trace records the decisions taken during one planning run: stage
// transitions, per-scenario outcomes and the judge's ranking with regret.
// It stores plain data and has no dependency on the rest of the module.
package trace

import "time"

// StageRecord captures one run state transition.
type StageRecord struct {
	Stage  string        `json:"stage"`
	Offset time.Duration `json:"offset"` // time since the run started
	Detail string        `json:"detail,omitempty"`
}

// ScenarioRecord captures the outcome of one scenario simulation.
type ScenarioRecord struct {
	ScenarioID string        `json:"scenario_id"`
	Status     string        `json:"status"`
	RetryCount int           `json:"retry_count"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// CandidateScore is a counterfactual alternative to a ranked scenario.
type CandidateScore struct {
	ScenarioID string  `json:"scenario_id"`
	Score      float64 `json:"score"`
}

// RankingRecord captures the judge's decision for one scenario.
type RankingRecord struct {
	ScenarioID string           `json:"scenario_id"`
	Rank       int              `json:"rank"`
	Score      float64          `json:"score"`
	Candidates []CandidateScore `json:"candidates,omitempty"` // top-k alternatives by score desc (nil if k=0)
	Regret     float64          `json:"regret"`               // best score - score; 0 for the winner
}
