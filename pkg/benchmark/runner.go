package benchmark

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/pkg/agent"
	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/conclave-ai/conclave/pkg/orchestrator"
)

// Conversations runs one conversation to completion. Satisfied by
// *orchestrator.Orchestrator.
type Conversations interface {
	Run(ctx context.Context, req orchestrator.Request, sink orchestrator.Sink) (models.ConversationResult, error)
}

// Runner executes scenario suites against the orchestrator.
type Runner struct {
	conv     Conversations
	registry *agent.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a benchmark runner.
func NewRunner(conv Conversations, registry *agent.Registry, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{conv: conv, registry: registry, logger: logger, now: time.Now}
}

// Run executes every scenario in the suite, optionally filtered by
// category, and returns the graded report. Scenario failures never abort
// the suite.
func (r *Runner) Run(ctx context.Context, suite []Scenario, category string) (Report, error) {
	report := Report{
		GeneratedAt: r.now().UTC(),
		Category:    category,
		Categories:  make(map[string]CategoryRollup),
	}
	for _, sc := range suite {
		if category != "" && sc.Category != category {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		res := r.runScenario(ctx, sc)
		report.Scenarios = append(report.Scenarios, res)
		r.logger.Info("benchmark scenario finished",
			"scenario_id", sc.ScenarioID, "passed", res.Passed,
			"turns", res.Turns, "cost", res.TotalCost, "duration_ms", res.DurationMS)
	}
	report.aggregate()
	return report, nil
}

// runScenario drives every test message through the orchestrator and
// grades the combined outcome.
func (r *Runner) runScenario(ctx context.Context, sc Scenario) ScenarioResult {
	res := ScenarioResult{
		ScenarioID: sc.ScenarioID,
		Name:       sc.Name,
		Category:   sc.Category,
	}
	if sc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sc.Timeout)
		defer cancel()
	}

	started := r.now()
	agents := make(map[string]bool)
	var transcript []models.TurnMessage
	for _, msg := range sc.TestMessages {
		conv, err := r.conv.Run(ctx, orchestrator.Request{
			UserID:   "benchmark",
			Message:  msg,
			MaxTurns: sc.MaxTurns,
		}, orchestrator.NopSink{})
		if err != nil {
			res.Error = err.Error()
			break
		}
		res.Turns += conv.TurnCount
		res.TokensIn += conv.CostBreakdown.InputTokens
		res.TokensOut += conv.CostBreakdown.OutputTokens
		res.TotalCost += conv.CostBreakdown.TotalCost
		for _, id := range conv.AgentsUsed {
			agents[id] = true
		}
		transcript = append(transcript, conv.Transcript...)
	}
	res.DurationMS = r.now().Sub(started).Milliseconds()

	res.AgentsUsed = make([]string, 0, len(agents))
	for id := range agents {
		res.AgentsUsed = append(res.AgentsUsed, id)
	}
	sort.Strings(res.AgentsUsed)

	if res.Error != "" {
		res.Passed = false
		res.Failures = append(res.Failures, "scenario error: "+res.Error)
		return res
	}
	res.Failures = r.grade(sc.Criteria, res, transcript)
	res.Passed = len(res.Failures) == 0
	return res
}

// grade applies the scenario's criteria; every set field must hold.
func (r *Runner) grade(c Criteria, res ScenarioResult, transcript []models.TurnMessage) []string {
	var failures []string
	fail := func(format string, args ...any) {
		failures = append(failures, fmt.Sprintf(format, args...))
	}

	if c.MinAgents > 0 && len(res.AgentsUsed) < c.MinAgents {
		fail("min_agents: %d distinct speakers, need %d", len(res.AgentsUsed), c.MinAgents)
	}
	if c.MaxTurns > 0 && res.Turns > c.MaxTurns {
		fail("max_turns: %d turns, cap %d", res.Turns, c.MaxTurns)
	}
	if len(c.RequiredKeywords) > 0 {
		found := keywordHits(c.RequiredKeywords, transcript)
		need := (len(c.RequiredKeywords) + 1) / 2
		if found < need {
			fail("required_keywords: %d of %d present, need %d", found, len(c.RequiredKeywords), need)
		}
	}
	if c.MaxCost > 0 && res.TotalCost > c.MaxCost {
		fail("max_cost: $%.6f spent, cap $%.6f", res.TotalCost, c.MaxCost)
	}
	if c.MaxDurationMS > 0 && res.DurationMS > c.MaxDurationMS {
		fail("max_duration_ms: %dms elapsed, cap %dms", res.DurationMS, c.MaxDurationMS)
	}
	if c.AgentDiversity > 0 {
		total := r.registry.Len()
		if total > 0 {
			got := float64(len(res.AgentsUsed)) / float64(total)
			if got < c.AgentDiversity {
				fail("agent_diversity: %.2f of registry spoke, need %.2f", got, c.AgentDiversity)
			}
		}
	}
	return failures
}

// keywordHits counts keywords appearing anywhere in the transcript,
// case-insensitive.
func keywordHits(keywords []string, transcript []models.TurnMessage) int {
	var joined strings.Builder
	for _, m := range transcript {
		joined.WriteString(strings.ToLower(m.Content))
		joined.WriteByte('\n')
	}
	text := joined.String()
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			hits++
		}
	}
	return hits
}
