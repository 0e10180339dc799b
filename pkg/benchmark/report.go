package benchmark

import (
	"sort"
	"time"
)

// ScenarioResult is the graded outcome of one scenario.
type ScenarioResult struct {
	ScenarioID string   `json:"scenario_id"`
	Name       string   `json:"name"`
	Category   string   `json:"category"`
	Passed     bool     `json:"passed"`
	Failures   []string `json:"failures,omitempty"`
	Error      string   `json:"error,omitempty"`
	Turns      int      `json:"turns"`
	AgentsUsed []string `json:"agents_used,omitempty"`
	TokensIn   int      `json:"tokens_in"`
	TokensOut  int      `json:"tokens_out"`
	TotalCost  float64  `json:"total_cost"`
	DurationMS int64    `json:"duration_ms"`
}

// CategoryRollup aggregates pass counts per scenario category.
type CategoryRollup struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	PassRate float64 `json:"pass_rate"`
}

// Report is the suite-level document emitted for CI.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	// Category echoes the filter the run was invoked with, if any.
	Category string `json:"category,omitempty"`

	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	PassRate float64 `json:"pass_rate"`

	MeanDurationMS int64   `json:"mean_duration_ms"`
	P50DurationMS  int64   `json:"p50_duration_ms"`
	P95DurationMS  int64   `json:"p95_duration_ms"`
	MeanTokens     float64 `json:"mean_tokens"`
	MeanCost       float64 `json:"mean_cost"`

	Categories map[string]CategoryRollup `json:"categories"`
	Scenarios  []ScenarioResult          `json:"scenarios"`
}

// aggregate fills the suite-level figures from the scenario results.
func (r *Report) aggregate() {
	r.Total = len(r.Scenarios)
	if r.Total == 0 {
		return
	}

	durations := make([]int64, 0, r.Total)
	var totalDuration, totalTokens int64
	var totalCost float64
	for _, s := range r.Scenarios {
		if s.Passed {
			r.Passed++
		}
		durations = append(durations, s.DurationMS)
		totalDuration += s.DurationMS
		totalTokens += int64(s.TokensIn + s.TokensOut)
		totalCost += s.TotalCost

		roll := r.Categories[s.Category]
		roll.Total++
		if s.Passed {
			roll.Passed++
		}
		roll.PassRate = float64(roll.Passed) / float64(roll.Total)
		r.Categories[s.Category] = roll
	}
	r.Failed = r.Total - r.Passed
	r.PassRate = float64(r.Passed) / float64(r.Total)
	r.MeanDurationMS = totalDuration / int64(r.Total)
	r.MeanTokens = float64(totalTokens) / float64(r.Total)
	r.MeanCost = totalCost / float64(r.Total)

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	r.P50DurationMS = percentile(durations, 0.50)
	r.P95DurationMS = percentile(durations, 0.95)
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
