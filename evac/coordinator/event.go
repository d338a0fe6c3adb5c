package coordinator

import (
	"time"

	"github.com/evac-planner/evac-planner/evac"
)

// EventType names a progress event.
type EventType string

const (
	EventPlannerStart    EventType = "planner.start"
	EventPlannerDone     EventType = "planner.done"
	EventWorkerResult    EventType = "worker.result"
	EventJudgeSummary    EventType = "judge.summary"
	EventExplainerAnswer EventType = "explainer.answer"
	EventRunComplete     EventType = "run.complete"
	EventRunFailed       EventType = "run.failed"
	EventRunCancelled    EventType = "run.cancelled"
)

// IsTerminal reports whether the event ends the stream.
func (t EventType) IsTerminal() bool {
	return t == EventRunComplete || t == EventRunFailed || t == EventRunCancelled
}

// Event is one progress notification of a run. Only the fields relevant to
// Type are set.
type Event struct {
	RunID       string                  `json:"run_id"`
	Seq         int                     `json:"seq"`
	Type        EventType               `json:"type"`
	State       evac.RunState           `json:"state"`
	At          time.Time               `json:"at"`
	Count       int                     `json:"count,omitempty"`       // planner.done
	Result      *evac.ScenarioResult    `json:"result,omitempty"`      // worker.result
	Judge       *evac.JudgeResult       `json:"judge,omitempty"`       // judge.summary
	Explanation *evac.ExplanationResult `json:"explanation,omitempty"` // explainer.answer
	Reason      string                  `json:"reason,omitempty"`      // terminal events
}
