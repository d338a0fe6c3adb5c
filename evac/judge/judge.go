// Package judge ranks completed scenarios by a weighted sum of min-max
// normalised objectives.
package judge

import (
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/trace"
)

// Rank scores the completed results under prefs. Non-completed results are
// ignored. Each objective is min-max normalised across the completed set
// (higher is better, clearance time inverted); if all values are equal every
// scenario scores 1.0, and a missing metric scores 0 without taking part in
// the min/max. The ranking is sorted by descending score, ties by ascending
// scenario ID, so it does not depend on the order of results.
func Rank(results []evac.ScenarioResult, prefs evac.UserPreferences) evac.JudgeResult {
	var completed []evac.ScenarioResult
	for _, r := range results {
		if r.Status == evac.ScenarioCompleted {
			completed = append(completed, r)
		}
	}
	out := evac.JudgeResult{Ranking: make([]evac.ScenarioRanking, 0, len(completed)), Weights: prefs}
	if len(completed) == 0 {
		return out
	}

	clearance := normalize(completed, func(m *evac.SimulationMetrics) *float64 { return m.ClearanceTime }, true)
	fairness := normalize(completed, func(m *evac.SimulationMetrics) *float64 { return m.FairnessIndex }, false)
	robustness := normalize(completed, func(m *evac.SimulationMetrics) *float64 { return m.Robustness }, false)

	for i, r := range completed {
		n := evac.ObjectiveScores{Clearance: clearance[i], Fairness: fairness[i], Robustness: robustness[i]}
		out.Ranking = append(out.Ranking, evac.ScenarioRanking{
			ScenarioID: r.ScenarioID,
			Score:      prefs.Clearance*n.Clearance + prefs.Fairness*n.Fairness + prefs.Robustness*n.Robustness,
			Normalized: n,
		})
	}
	sort.Slice(out.Ranking, func(i, j int) bool {
		if out.Ranking[i].Score != out.Ranking[j].Score {
			return out.Ranking[i].Score > out.Ranking[j].Score
		}
		return out.Ranking[i].ScenarioID < out.Ranking[j].ScenarioID
	})
	for i := range out.Ranking {
		out.Ranking[i].Rank = i + 1
	}
	out.ValidationPassed = true
	out.BestScenarioID = out.Ranking[0].ScenarioID
	return out
}

// normalize maps one objective onto [0,1] for each result, in input order.
func normalize(results []evac.ScenarioResult, get func(*evac.SimulationMetrics) *float64, lowerIsBetter bool) []float64 {
	values := make([]*float64, len(results))
	var present []float64
	for i, r := range results {
		if r.Metrics == nil {
			continue
		}
		if v := get(r.Metrics); v != nil {
			values[i] = v
			present = append(present, *v)
		}
	}
	scores := make([]float64, len(results))
	if len(present) == 0 {
		return scores
	}
	lo, hi := floats.Min(present), floats.Max(present)
	for i, v := range values {
		switch {
		case v == nil:
			scores[i] = 0
		case hi == lo:
			scores[i] = 1.0
		case lowerIsBetter:
			scores[i] = (hi - *v) / (hi - lo)
		default:
			scores[i] = (*v - lo) / (hi - lo)
		}
	}
	return scores
}

// RecordDecisions appends one ranking record per ranked scenario to rt, with
// the better-scored alternatives as counterfactuals and the regret against
// the winner.
func RecordDecisions(rt *trace.RunTrace, jr evac.JudgeResult) {
	if rt == nil || len(jr.Ranking) == 0 {
		return
	}
	best := jr.Ranking[0].Score
	for _, row := range jr.Ranking {
		var candidates []trace.CandidateScore
		for _, other := range jr.Ranking {
			if other.ScenarioID != row.ScenarioID {
				candidates = append(candidates, trace.CandidateScore{ScenarioID: other.ScenarioID, Score: other.Score})
			}
		}
		regret := best - row.Score
		if regret < 0 {
			regret = 0
		}
		rt.RecordRanking(trace.RankingRecord{
			ScenarioID: row.ScenarioID,
			Rank:       row.Rank,
			Score:      row.Score,
			Candidates: candidates,
			Regret:     regret,
		})
	}
}
