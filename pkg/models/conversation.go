package models

import "time"

// MessageRole identifies the author class of a turn message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// TurnMessage is one utterance in a group chat.
// TurnIndex is strictly increasing within a conversation, starting at 0.
type TurnMessage struct {
	TurnIndex      int         `json:"turn_index"`
	SpeakerAgentID string      `json:"speaker_agent_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	TokensIn       int         `json:"tokens_in"`
	TokensOut      int         `json:"tokens_out"`
	Cost           float64     `json:"cost"`
	DurationMS     int64       `json:"duration_ms"`
	CreatedAt      time.Time   `json:"created_at"`
}

// TerminationReason explains why a conversation stopped.
type TerminationReason string

const (
	TerminationMaxTurns         TerminationReason = "max_turns"
	TerminationCompletionMarker TerminationReason = "completion_marker"
	TerminationNoSpeaker        TerminationReason = "no_speaker"
	TerminationCostBlocked      TerminationReason = "cost_blocked"
	TerminationCircuitOpen      TerminationReason = "circuit_open"
	TerminationProviderError    TerminationReason = "provider_error"
	TerminationCancelled        TerminationReason = "cancelled"
	TerminationClientGone       TerminationReason = "client_gone"
	TerminationServerShutdown   TerminationReason = "server_shutdown"
)

// CostBreakdown summarizes token usage and spend for a conversation.
type CostBreakdown struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

// ConversationResult is the final outcome returned to the caller.
type ConversationResult struct {
	ConversationID    string            `json:"conversation_id"`
	Response          string            `json:"response"`
	AgentsUsed        []string          `json:"agents_used"`
	TurnCount         int               `json:"turn_count"`
	CostBreakdown     CostBreakdown     `json:"cost_breakdown"`
	DurationMS        int64             `json:"duration_ms"`
	TerminationReason TerminationReason `json:"termination_reason"`
	// BlockReason carries the breaker's typed reason when the
	// conversation terminated cost_blocked.
	BlockReason string        `json:"block_reason,omitempty"`
	Transcript  []TurnMessage `json:"transcript,omitempty"`
}
