package models

// AgentTier classifies an agent's coordination role.
type AgentTier string

const (
	// TierCoordinator is the single tier authorized to orchestrate other agents.
	TierCoordinator AgentTier = "coordinator"
	// TierSpecialist contributes domain expertise to a conversation.
	TierSpecialist AgentTier = "specialist"
	// TierExecutor carries out concrete actions produced by other agents.
	TierExecutor AgentTier = "executor"
	// TierMonitor observes and validates outcomes.
	TierMonitor AgentTier = "monitor"
	// TierCommunicator handles outward-facing phrasing and summaries.
	TierCommunicator AgentTier = "communicator"
)

// IsValid checks if the agent tier is one of the known tiers.
func (t AgentTier) IsValid() bool {
	switch t {
	case TierCoordinator, TierSpecialist, TierExecutor, TierMonitor, TierCommunicator:
		return true
	default:
		return false
	}
}

// AgentDefinition is the immutable identity of a specialist participant.
// Definitions are loaded at startup and never mutated by request flow.
type AgentDefinition struct {
	AgentID           string    `yaml:"agent_id" json:"agent_id"`
	Name              string    `yaml:"name" json:"name"`
	Role              string    `yaml:"role" json:"role"`
	Tier              AgentTier `yaml:"tier" json:"tier"`
	Category          string    `yaml:"category" json:"category"`
	ExpertiseKeywords []string  `yaml:"expertise_keywords" json:"expertise_keywords"`
	Tools             []string  `yaml:"tools" json:"tools"`
	SystemPrompt      string    `yaml:"system_prompt" json:"system_prompt"`
	ModelHint         string    `yaml:"model_hint,omitempty" json:"model_hint,omitempty"`
}

// HasTool reports whether the agent declares the named tool.
func (a *AgentDefinition) HasTool(name string) bool {
	for _, t := range a.Tools {
		if t == name {
			return true
		}
	}
	return false
}
