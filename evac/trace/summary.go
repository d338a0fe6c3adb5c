package trace

// Summary aggregates statistics from a RunTrace.
type Summary struct {
	Stages             int
	TotalScenarios     int
	CompletedCount     int
	TotalRetries       int
	MeanRegret         float64
	MaxRegret          float64
	StatusDistribution map[string]int // scenario status → count
	Winner             string
}

// Summarize computes aggregate statistics from a RunTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(rt *RunTrace) *Summary {
	summary := &Summary{
		StatusDistribution: make(map[string]int),
	}
	if rt == nil {
		return summary
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	summary.Stages = len(rt.Stages)
	summary.TotalScenarios = len(rt.Scenarios)
	for _, s := range rt.Scenarios {
		summary.StatusDistribution[s.Status]++
		summary.TotalRetries += s.RetryCount
		if s.Status == "completed" {
			summary.CompletedCount++
		}
	}

	if len(rt.Rankings) > 0 {
		totalRegret := 0.0
		for _, r := range rt.Rankings {
			totalRegret += r.Regret
			if r.Regret > summary.MaxRegret {
				summary.MaxRegret = r.Regret
			}
			if r.Rank == 1 {
				summary.Winner = r.ScenarioID
			}
		}
		summary.MeanRegret = totalRegret / float64(len(rt.Rankings))
	}
	return summary
}
