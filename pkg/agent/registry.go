// Package agent owns the immutable agent catalogue and the per-turn
// speaker selection logic.
package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conclave-ai/conclave/pkg/models"
)

// Registry is the read-only catalogue of agents for one process. Loaded
// once at startup; never mutated by request flow.
type Registry struct {
	byID        map[string]models.AgentDefinition
	ordered     []models.AgentDefinition
	coordinator string
}

// NewRegistry builds a registry from validated definitions. The config
// loader rejects malformed definitions; this guards the invariants the
// selector depends on.
func NewRegistry(defs []models.AgentDefinition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("no agent definitions")
	}

	r := &Registry{byID: make(map[string]models.AgentDefinition, len(defs))}
	for _, d := range defs {
		if _, ok := r.byID[d.AgentID]; ok {
			return nil, fmt.Errorf("duplicate agent id %q", d.AgentID)
		}
		r.byID[d.AgentID] = d
		r.ordered = append(r.ordered, d)
		if d.Tier == models.TierCoordinator {
			if r.coordinator != "" {
				return nil, fmt.Errorf("multiple coordinator agents: %q and %q", r.coordinator, d.AgentID)
			}
			r.coordinator = d.AgentID
		}
	}
	if r.coordinator == "" {
		return nil, fmt.Errorf("no coordinator agent defined")
	}

	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].AgentID < r.ordered[j].AgentID })
	return r, nil
}

// Get returns the agent with the given id.
func (r *Registry) Get(agentID string) (models.AgentDefinition, bool) {
	d, ok := r.byID[agentID]
	return d, ok
}

// All returns every agent in ascending agent id order.
func (r *Registry) All() []models.AgentDefinition {
	out := make([]models.AgentDefinition, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Coordinator returns the designated coordinator agent.
func (r *Registry) Coordinator() models.AgentDefinition {
	return r.byID[r.coordinator]
}

// Len returns the number of registered agents.
func (r *Registry) Len() int { return len(r.ordered) }

// FindByExpertise returns agents whose expertise keywords match the term,
// case-insensitive, in ascending agent id order.
func (r *Registry) FindByExpertise(term string) []models.AgentDefinition {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil
	}
	var out []models.AgentDefinition
	for _, d := range r.ordered {
		for _, kw := range d.ExpertiseKeywords {
			kw = strings.ToLower(kw)
			if kw == term || strings.Contains(kw, term) || strings.Contains(term, kw) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}
