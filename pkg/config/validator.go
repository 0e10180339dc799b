package config

import (
	"fmt"
	"math"

	"github.com/conclave-ai/conclave/pkg/models"
)

const weightTolerance = 1e-9

// validate checks the merged configuration. Any failure aborts startup.
func validate(cfg *Config) error {
	if err := validateAgents(cfg.Agents); err != nil {
		return err
	}
	if err := validateLimits(cfg.Limits); err != nil {
		return err
	}
	if err := validateWeights(cfg); err != nil {
		return err
	}
	if cfg.Memory.EmbeddingDim <= 0 {
		return &ValidationError{Component: "memory", ID: "embedding_dim", Err: ErrInvalidValue}
	}
	return nil
}

// validateAgents enforces the registry contract: required fields present,
// no duplicate ids, exactly one coordinator-tier agent.
func validateAgents(agents []models.AgentDefinition) error {
	if len(agents) == 0 {
		return &ValidationError{Component: "agents", ID: "(none)", Err: fmt.Errorf("at least one agent is required")}
	}

	seen := make(map[string]bool, len(agents))
	coordinators := 0
	for _, a := range agents {
		if a.AgentID == "" || a.Name == "" || a.Role == "" || a.Tier == "" || a.Category == "" {
			return &ValidationError{
				Component: "agent",
				ID:        a.AgentID,
				Err:       fmt.Errorf("%w: agent_id, name, role, tier, and category are required", ErrMissingRequiredField),
			}
		}
		if !a.Tier.IsValid() {
			return &ValidationError{Component: "agent", ID: a.AgentID, Field: "tier", Err: ErrInvalidValue}
		}
		if seen[a.AgentID] {
			return &ValidationError{Component: "agent", ID: a.AgentID, Err: fmt.Errorf("duplicate agent_id")}
		}
		seen[a.AgentID] = true
		if a.Tier == models.TierCoordinator {
			coordinators++
		}
	}

	if coordinators != 1 {
		return &ValidationError{
			Component: "agents",
			ID:        "coordinator",
			Err:       fmt.Errorf("exactly one coordinator-tier agent is required, found %d", coordinators),
		}
	}
	return nil
}

func validateLimits(l Limits) error {
	if l.TurnLimit <= 0 || l.ConversationLimit <= 0 || l.BudgetDailyLimit <= 0 {
		return &ValidationError{Component: "limits", ID: "budget", Err: fmt.Errorf("all budget limits must be positive")}
	}
	if l.TurnLimit > l.ConversationLimit || l.ConversationLimit > l.BudgetDailyLimit {
		return &ValidationError{
			Component: "limits", ID: "budget",
			Err: fmt.Errorf("limits must be ordered: turn (%g) <= conversation (%g) <= daily (%g)",
				l.TurnLimit, l.ConversationLimit, l.BudgetDailyLimit),
		}
	}
	if l.WarningThreshold <= 0 || l.WarningThreshold >= 1 ||
		l.CriticalThreshold <= 0 || l.CriticalThreshold > 1 ||
		l.WarningThreshold >= l.CriticalThreshold {
		return &ValidationError{Component: "limits", ID: "thresholds", Err: fmt.Errorf("thresholds must satisfy 0 < warning < critical <= 1")}
	}
	if l.SpikeFactor < 1 {
		return &ValidationError{Component: "limits", ID: "spike_factor", Err: fmt.Errorf("spike_factor must be >= 1")}
	}
	if l.MaxTurnsPerMinute <= 0 || l.MaxConversationsPerHour <= 0 {
		return &ValidationError{Component: "limits", ID: "rates", Err: fmt.Errorf("rate limits must be positive")}
	}
	if l.FailureThreshold <= 0 || l.SuccessThreshold <= 0 || l.RecoveryTimeout <= 0 {
		return &ValidationError{Component: "limits", ID: "circuit", Err: fmt.Errorf("circuit thresholds and recovery timeout must be positive")}
	}
	return nil
}

func validateWeights(cfg *Config) error {
	rw := cfg.RAG.Weights
	if sum := rw.Relevance + rw.Importance + rw.Recency; math.Abs(sum-1.0) > weightTolerance {
		return &ValidationError{
			Component: "rag", ID: "weights",
			Err: fmt.Errorf("composite weights must sum to 1, got %g", sum),
		}
	}
	sw := cfg.Selection
	if sum := sw.Expertise + sw.Tools + sw.Success + sw.Load + sw.Coordination; math.Abs(sum-1.0) > weightTolerance {
		return &ValidationError{
			Component: "selection", ID: "weights",
			Err: fmt.Errorf("selection weights must sum to 1, got %g", sum),
		}
	}
	return nil
}
