package api

// maxMessageBytes caps the user message length accepted over HTTP and WS.
const maxMessageBytes = 100_000

// ConversationRequest is the body for POST /api/v1/conversation.
type ConversationRequest struct {
	Message string `json:"message"`
	// Context is optional caller-supplied prior context.
	Context string `json:"context,omitempty"`
	// Agents pins speaker selection to the named agent ids.
	Agents []string `json:"agents,omitempty"`
	// MaxTurns overrides the configured cap when positive.
	MaxTurns int `json:"max_turns,omitempty"`
}

// BudgetLimitsRequest is the body for POST /api/v1/budget/limits.
type BudgetLimitsRequest struct {
	Daily        float64 `json:"daily"`
	Conversation float64 `json:"conversation"`
	Turn         float64 `json:"turn"`
}

// ExecuteWorkflowRequest is the body for POST /api/v1/workflows/:id/execute.
type ExecuteWorkflowRequest struct {
	Input string `json:"input"`
}

// BenchmarkRunRequest is the body for POST /api/v1/benchmark/run.
type BenchmarkRunRequest struct {
	// Category restricts the run to scenarios of one category.
	Category string `json:"category,omitempty"`
}

// streamHello is the first client frame on WS /api/v1/conversation/stream.
// Either Message starts a new conversation, or SessionID with LastEventID
// requests a replay of persisted events from an earlier session. Follow
// additionally tails the session's live NOTIFY channel after the replay,
// which serves sessions hosted on other replicas.
type streamHello struct {
	Message     string   `json:"message,omitempty"`
	Context     string   `json:"context,omitempty"`
	Agents      []string `json:"agents,omitempty"`
	MaxTurns    int      `json:"max_turns,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	LastEventID int64    `json:"last_event_id,omitempty"`
	Follow      bool     `json:"follow,omitempty"`
}
