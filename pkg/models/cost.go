package models

import "time"

// PricingUnit identifies the token unit a price row is expressed in.
// All rows are normalized to per-1k at ingestion; the unit is recorded
// explicitly so historical rows are unambiguous.
type PricingUnit string

const (
	// UnitPer1K is the canonical unit: price per 1,000 tokens.
	UnitPer1K PricingUnit = "per_1k"
)

// ProviderPricing is one active price record for a (provider, model) pair.
// History is append-only: a new active record closes the previous one by
// setting its EffectiveTo.
type ProviderPricing struct {
	ID               string      `json:"id"`
	Provider         string      `json:"provider"`
	Model            string      `json:"model"`
	InputPricePer1K  float64     `json:"input_price_per_1k"`
	OutputPricePer1K float64     `json:"output_price_per_1k"`
	PricePerRequest  float64     `json:"price_per_request,omitempty"`
	ContextWindow    int         `json:"context_window"`
	Unit             PricingUnit `json:"unit"`
	EffectiveFrom    time.Time   `json:"effective_from"`
	EffectiveTo      *time.Time  `json:"effective_to,omitempty"`
	IsActive         bool        `json:"is_active"`
}

// Cost computes the cost breakdown of a call under this price record.
func (p *ProviderPricing) Cost(inputTokens, outputTokens int) (inputCost, outputCost, requestFee, total float64) {
	inputCost = float64(inputTokens) / 1000.0 * p.InputPricePer1K
	outputCost = float64(outputTokens) / 1000.0 * p.OutputPricePer1K
	requestFee = p.PricePerRequest
	total = inputCost + outputCost + requestFee
	return inputCost, outputCost, requestFee, total
}

// CostRecord is the append-only record of one provider call.
// Invariant: TotalCost = InputCost + OutputCost + RequestFee, each computed
// from the pricing record active at CreatedAt.
type CostRecord struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	TurnID         string    `json:"turn_id"`
	AgentID        string    `json:"agent_id,omitempty"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	InputCost      float64   `json:"input_cost"`
	OutputCost     float64   `json:"output_cost"`
	RequestFee     float64   `json:"request_fee,omitempty"`
	TotalCost      float64   `json:"total_cost"`
	CreatedAt      time.Time `json:"created_at"`
}

// SessionStatus is the lifecycle status of a conversation session.
type SessionStatus string

const (
	SessionActive         SessionStatus = "active"
	SessionCompleted      SessionStatus = "completed"
	SessionAborted        SessionStatus = "aborted"
	SessionCircuitBlocked SessionStatus = "circuit_blocked"
)

// IsValid checks if the session status is one of the known values.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionAborted, SessionCircuitBlocked:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	return s != SessionActive
}

// ConversationSession aggregates the calls of one logical conversation.
// Invariant: TotalCost equals the sum of CostRecord.TotalCost over the session.
type ConversationSession struct {
	SessionID         string        `json:"session_id"`
	ConversationID    string        `json:"conversation_id"`
	UserID            string        `json:"user_id"`
	StartedAt         time.Time     `json:"started_at"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
	TotalCost         float64       `json:"total_cost"`
	TotalInteractions int           `json:"total_interactions"`
	Status            SessionStatus `json:"status"`
}

// CostAlert is a persisted budget alert or audit row.
type CostAlert struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Scope     string    `json:"scope"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Limit     float64   `json:"limit"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
