// Package benchmark executes fixed conversational scenarios against the
// orchestrator and grades the outcomes against per-scenario criteria.
// The report is a single structured document for CI ingestion.
package benchmark

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Criteria grades a scenario run. Every field is optional; zero values
// are not checked. Set fields combine by AND.
type Criteria struct {
	// MinAgents requires at least this many distinct speakers.
	MinAgents int `yaml:"min_agents" json:"min_agents,omitempty"`
	// MaxTurns caps the total turn count across the scenario's messages.
	MaxTurns int `yaml:"max_turns" json:"max_turns,omitempty"`
	// RequiredKeywords passes when at least half of them appear in the
	// transcript, case-insensitive.
	RequiredKeywords []string `yaml:"required_keywords" json:"required_keywords,omitempty"`
	// MaxCost caps total spend in USD.
	MaxCost float64 `yaml:"max_cost" json:"max_cost,omitempty"`
	// MaxDurationMS caps wall-clock duration.
	MaxDurationMS int64 `yaml:"max_duration_ms" json:"max_duration_ms,omitempty"`
	// AgentDiversity requires this fraction of the registry to speak.
	AgentDiversity float64 `yaml:"agent_diversity" json:"agent_diversity,omitempty"`
}

// Scenario is one named benchmark case. Each test message runs as its
// own conversation; grading spans all of them.
type Scenario struct {
	ScenarioID     string        `json:"scenario_id"`
	Name           string        `json:"name"`
	Category       string        `json:"category"`
	Complexity     string        `json:"complexity"`
	ExpectedAgents []string      `json:"expected_agents,omitempty"`
	MaxTurns       int           `json:"max_turns"`
	Timeout        time.Duration `json:"timeout"`
	Criteria       Criteria      `json:"success_criteria"`
	TestMessages   []string      `json:"test_messages"`
}

// scenarioYAML is the on-disk shape; timeouts are plain seconds, matching
// the conclave.yaml convention.
type scenarioYAML struct {
	ScenarioID     string   `yaml:"scenario_id"`
	Name           string   `yaml:"name"`
	Category       string   `yaml:"category"`
	Complexity     string   `yaml:"complexity"`
	ExpectedAgents []string `yaml:"expected_agents"`
	MaxTurns       int      `yaml:"max_turns"`
	TimeoutS       int      `yaml:"timeout_s"`
	Criteria       Criteria `yaml:"success_criteria"`
	TestMessages   []string `yaml:"test_messages"`
}

func (s Scenario) validate() error {
	if s.ScenarioID == "" {
		return fmt.Errorf("scenario requires an id")
	}
	if len(s.TestMessages) == 0 {
		return fmt.Errorf("scenario %s has no test messages", s.ScenarioID)
	}
	return nil
}

// LoadScenarios reads a YAML scenario suite from disk.
func LoadScenarios(path string) ([]Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}
	var doc struct {
		Scenarios []scenarioYAML `yaml:"scenarios"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing scenario file %s: %w", path, err)
	}
	suite := make([]Scenario, 0, len(doc.Scenarios))
	seen := make(map[string]bool, len(doc.Scenarios))
	for _, y := range doc.Scenarios {
		s := Scenario{
			ScenarioID:     y.ScenarioID,
			Name:           y.Name,
			Category:       y.Category,
			Complexity:     y.Complexity,
			ExpectedAgents: y.ExpectedAgents,
			MaxTurns:       y.MaxTurns,
			Timeout:        time.Duration(y.TimeoutS) * time.Second,
			Criteria:       y.Criteria,
			TestMessages:   y.TestMessages,
		}
		if err := s.validate(); err != nil {
			return nil, err
		}
		if seen[s.ScenarioID] {
			return nil, fmt.Errorf("duplicate scenario id %q", s.ScenarioID)
		}
		seen[s.ScenarioID] = true
		suite = append(suite, s)
	}
	return suite, nil
}

// Builtin returns the default scenario suite used when no suite file is
// configured.
func Builtin() []Scenario {
	return []Scenario{
		{
			ScenarioID: "strategic-qa",
			Name:       "Strategic question answering",
			Category:   "qa",
			Complexity: "low",
			MaxTurns:   4,
			Timeout:    2 * time.Minute,
			Criteria: Criteria{
				MaxTurns:         4,
				RequiredKeywords: []string{"strategy", "plan", "approach", "recommendation"},
			},
			TestMessages: []string{
				"What should our market entry strategy be for the APAC region?",
			},
		},
		{
			ScenarioID: "multi-agent-analysis",
			Name:       "Cross-domain analysis",
			Category:   "coordination",
			Complexity: "medium",
			MaxTurns:   6,
			Timeout:    3 * time.Minute,
			Criteria: Criteria{
				MinAgents:      2,
				MaxTurns:       6,
				AgentDiversity: 0.5,
			},
			TestMessages: []string{
				"Analyze last quarter's revenue data and draft a forecast with deployment risks.",
			},
		},
		{
			ScenarioID: "cost-bounded-summary",
			Name:       "Summary under a spend cap",
			Category:   "cost",
			Complexity: "low",
			MaxTurns:   3,
			Timeout:    time.Minute,
			Criteria: Criteria{
				MaxTurns: 3,
				MaxCost:  0.05,
			},
			TestMessages: []string{
				"Summarize the key decisions from the planning meeting.",
			},
		},
	}
}
