package agent

import (
	"strings"
	"sync"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/models"
)

const (
	successEMAInit   = 0.95
	coordinationInit = 0.80
	emaAlpha         = 0.30

	// loadPerTurn is the load added while an agent is speaking.
	loadPerTurn = 0.25

	// complexTaskLength marks long prompts as complex; shorter prompts
	// are complex when they span the expertise of multiple agents.
	complexTaskLength = 400
)

// completionMarkers end a conversation when they appear in a response.
var completionMarkers = []string{"complete", "done", "finished", "ready"}

// Request describes one speaker-selection decision.
type Request struct {
	Message       string
	RequiredTools []string
	TurnIndex     int
	// Pinned restricts selection to the named agents when non-empty.
	Pinned []string
	// LastSpeaker is excluded so one agent does not monopolize turns.
	LastSpeaker string
}

// Selection is the chosen speaker with its composite score.
type Selection struct {
	Agent models.AgentDefinition
	Score float64
}

// Selector picks the next speaker per turn and tracks per-agent outcome
// statistics across conversations.
type Selector struct {
	registry *Registry
	weights  config.SelectionWeights

	mu    sync.Mutex
	stats map[string]*agentStats
}

type agentStats struct {
	successEMA   float64
	coordination float64
	load         float64
}

// NewSelector creates a selector over the registry.
func NewSelector(registry *Registry, weights config.SelectionWeights) *Selector {
	return &Selector{
		registry: registry,
		weights:  weights,
		stats:    make(map[string]*agentStats),
	}
}

func (s *Selector) statsFor(agentID string) *agentStats {
	st, ok := s.stats[agentID]
	if !ok {
		st = &agentStats{successEMA: successEMAInit, coordination: coordinationInit}
		s.stats[agentID] = st
	}
	return st
}

// Select picks the next speaker. The second return is false when no
// candidate scores above zero and the conversation should end.
func (s *Selector) Select(req Request) (Selection, bool) {
	terms := taskTerms(req.Message)
	candidates := s.candidates(req)
	if len(candidates) == 0 {
		return Selection{}, false
	}

	// A complex task opens with the coordinator.
	coordinator := s.registry.Coordinator()
	if req.TurnIndex == 0 && s.isComplex(terms) && allowed(req.Pinned, coordinator.AgentID) {
		return Selection{Agent: coordinator, Score: s.Score(coordinator, terms, req.RequiredTools)}, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var best Selection
	var bestLoad float64
	found := false
	for _, cand := range candidates {
		score := s.scoreLocked(cand, terms, req.RequiredTools)
		if score <= 0 {
			continue
		}
		load := s.statsFor(cand.AgentID).load
		if !found || better(cand, score, load, best.Agent, best.Score, bestLoad) {
			best = Selection{Agent: cand, Score: score}
			bestLoad = load
			found = true
		}
	}
	return best, found
}

// better applies the tie-break chain: score, then coordinator tier, then
// lowest load, then lowest agent id.
func better(a models.AgentDefinition, aScore, aLoad float64, b models.AgentDefinition, bScore, bLoad float64) bool {
	if aScore != bScore {
		return aScore > bScore
	}
	aCoord := a.Tier == models.TierCoordinator
	bCoord := b.Tier == models.TierCoordinator
	if aCoord != bCoord {
		return aCoord
	}
	if aLoad != bLoad {
		return aLoad < bLoad
	}
	return a.AgentID < b.AgentID
}

func (s *Selector) candidates(req Request) []models.AgentDefinition {
	var out []models.AgentDefinition
	for _, d := range s.registry.All() {
		if d.AgentID == req.LastSpeaker {
			continue
		}
		if !allowed(req.Pinned, d.AgentID) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func allowed(pinned []string, agentID string) bool {
	if len(pinned) == 0 {
		return true
	}
	for _, id := range pinned {
		if id == agentID {
			return true
		}
	}
	return false
}

// Score computes the weighted composite score for one agent.
func (s *Selector) Score(d models.AgentDefinition, terms []string, requiredTools []string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scoreLocked(d, terms, requiredTools)
}

func (s *Selector) scoreLocked(d models.AgentDefinition, terms []string, requiredTools []string) float64 {
	st := s.statsFor(d.AgentID)

	expertise := overlapRatio(d.ExpertiseKeywords, terms, len(terms))
	tools := overlapRatio(d.Tools, requiredTools, max(len(requiredTools), 1))

	return s.weights.Expertise*expertise +
		s.weights.Tools*tools +
		s.weights.Success*st.successEMA +
		s.weights.Load*(1-st.load) +
		s.weights.Coordination*st.coordination
}

// overlapRatio is |set ∩ terms| / denom, clamped to [0,1].
func overlapRatio(set, terms []string, denom int) float64 {
	if denom <= 0 {
		return 0
	}
	lookup := make(map[string]struct{}, len(set))
	for _, v := range set {
		lookup[strings.ToLower(v)] = struct{}{}
	}
	matched := 0
	for _, t := range terms {
		if _, ok := lookup[strings.ToLower(t)]; ok {
			matched++
		}
	}
	ratio := float64(matched) / float64(denom)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// isComplex reports whether a task should open with the coordinator:
// long prompts, or prompts touching the expertise of several agents.
func (s *Selector) isComplex(terms []string) bool {
	joined := strings.Join(terms, " ")
	if len(joined) >= complexTaskLength {
		return true
	}
	matched := 0
	for _, d := range s.registry.All() {
		if d.Tier == models.TierCoordinator {
			continue
		}
		if overlapRatio(d.ExpertiseKeywords, terms, len(terms)) > 0 {
			matched++
			if matched >= 2 {
				return true
			}
		}
	}
	return false
}

// RecordOutcome folds a turn outcome into the speaker's moving averages.
func (s *Selector) RecordOutcome(agentID string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsFor(agentID)
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	st.successEMA = emaAlpha*outcome + (1-emaAlpha)*st.successEMA
	st.coordination = emaAlpha*outcome + (1-emaAlpha)*st.coordination
}

// BeginTurn raises the speaker's load while its turn runs.
func (s *Selector) BeginTurn(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsFor(agentID)
	st.load += loadPerTurn
	if st.load > 1 {
		st.load = 1
	}
}

// EndTurn releases the load taken by BeginTurn.
func (s *Selector) EndTurn(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsFor(agentID)
	st.load -= loadPerTurn
	if st.load < 0 {
		st.load = 0
	}
}

// Load returns the agent's current load in [0,1].
func (s *Selector) Load(agentID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsFor(agentID).load
}

// HasCompletionMarker reports whether a response contains an explicit
// completion keyword.
func HasCompletionMarker(response string) bool {
	words := strings.FieldsFunc(strings.ToLower(response), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	for _, w := range words {
		for _, marker := range completionMarkers {
			if w == marker {
				return true
			}
		}
	}
	return false
}

// taskTerms tokenizes a message into lowercase terms for matching.
func taskTerms(message string) []string {
	return strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}
