package trace

import (
	"testing"
	"time"
)

func TestIsValidLevel(t *testing.T) {
	tests := []struct {
		level string
		want  bool
	}{
		{"", true},
		{"none", true},
		{"decisions", true},
		{"verbose", false},
		{"Decisions", false},
	}
	for _, tc := range tests {
		if got := IsValidLevel(tc.level); got != tc.want {
			t.Errorf("IsValidLevel(%q) = %v, want %v", tc.level, got, tc.want)
		}
	}
}

func TestNew_DisabledLevels_ReturnNil(t *testing.T) {
	for _, level := range []Level{"", LevelNone} {
		if rt := New("run-1", Config{Level: level}); rt != nil {
			t.Errorf("level %q: expected nil trace", level)
		}
	}
}

func TestRunTrace_NilIsNoOp(t *testing.T) {
	// GIVEN a disabled trace
	var rt *RunTrace

	// WHEN recording
	rt.RecordStage("planning", "")
	rt.RecordScenario(ScenarioRecord{ScenarioID: "scn-000"})
	rt.RecordRanking(RankingRecord{ScenarioID: "scn-000"})

	// THEN nothing panics and the summary is empty
	if s := Summarize(rt); s.TotalScenarios != 0 {
		t.Errorf("expected empty summary, got %+v", s)
	}
}

func TestRunTrace_RecordStage_UsesOffsetFromStart(t *testing.T) {
	rt := New("run-1", Config{Level: LevelDecisions})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rt.start = base
	rt.now = func() time.Time { return base.Add(1500 * time.Millisecond) }

	rt.RecordStage("simulating", "4 scenarios")

	if len(rt.Stages) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(rt.Stages))
	}
	if rt.Stages[0].Offset != 1500*time.Millisecond {
		t.Errorf("offset = %v, want 1.5s", rt.Stages[0].Offset)
	}
	if rt.Stages[0].Detail != "4 scenarios" {
		t.Errorf("detail = %q", rt.Stages[0].Detail)
	}
}

func TestRunTrace_RecordRanking_TrimsCandidates(t *testing.T) {
	// GIVEN a trace keeping one counterfactual per decision
	rt := New("run-1", Config{Level: LevelDecisions, CounterfactualK: 1})

	// WHEN a record with three candidates is added
	rt.RecordRanking(RankingRecord{ScenarioID: "scn-002", Rank: 2, Candidates: []CandidateScore{
		{ScenarioID: "scn-000", Score: 0.9}, {ScenarioID: "scn-001", Score: 0.5}, {ScenarioID: "scn-003", Score: 0.1},
	}})

	// THEN only the best alternative is kept
	got := rt.Rankings[0].Candidates
	if len(got) != 1 || got[0].ScenarioID != "scn-000" {
		t.Errorf("candidates = %+v, want only scn-000", got)
	}
}

func TestRunTrace_RecordRanking_ZeroK_NilCandidates(t *testing.T) {
	rt := New("run-1", Config{Level: LevelDecisions})
	rt.RecordRanking(RankingRecord{ScenarioID: "scn-000", Candidates: []CandidateScore{{ScenarioID: "scn-001"}}})
	if rt.Rankings[0].Candidates != nil {
		t.Errorf("expected nil candidates, got %+v", rt.Rankings[0].Candidates)
	}
}
