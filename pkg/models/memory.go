package models

import "time"

// MemoryType classifies a memory entry for typed retrieval.
type MemoryType string

const (
	MemoryConversation MemoryType = "conversation"
	MemoryContext      MemoryType = "context"
	MemoryKnowledge    MemoryType = "knowledge"
	MemoryPreference   MemoryType = "preference"
	MemoryRelationship MemoryType = "relationship"
	MemoryDocument     MemoryType = "document"
)

// IsValid checks if the memory type is one of the known values.
func (t MemoryType) IsValid() bool {
	switch t {
	case MemoryConversation, MemoryContext, MemoryKnowledge,
		MemoryPreference, MemoryRelationship, MemoryDocument:
		return true
	default:
		return false
	}
}

// AllMemoryTypes lists every memory type, in retrieval order.
func AllMemoryTypes() []MemoryType {
	return []MemoryType{
		MemoryConversation, MemoryContext, MemoryKnowledge,
		MemoryPreference, MemoryRelationship, MemoryDocument,
	}
}

// MemoryEntry is a typed piece of recallable content.
// Embedding dimensionality is identical for all entries of a deployment.
// AccessCount is monotonically non-decreasing.
type MemoryEntry struct {
	ID              string            `json:"id"`
	MemoryType      MemoryType        `json:"memory_type"`
	Content         string            `json:"content"`
	Embedding       []float32         `json:"embedding,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	UserID          string            `json:"user_id,omitempty"`
	AgentID         string            `json:"agent_id,omitempty"`
	ConversationID  string            `json:"conversation_id,omitempty"`
	ImportanceScore float64           `json:"importance_score"`
	AccessCount     int               `json:"access_count"`
	CreatedAt       time.Time         `json:"created_at"`
	LastAccessed    time.Time         `json:"last_accessed"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
}

// RAGContext is one scored retrieval item. All four scores are in [0,1];
// Composite is a weighted combination with weights summing to 1.
type RAGContext struct {
	Content         string     `json:"content"`
	RelevanceScore  float64    `json:"relevance_score"`
	ImportanceScore float64    `json:"importance_score"`
	RecencyScore    float64    `json:"recency_score"`
	CompositeScore  float64    `json:"composite_score"`
	SourceAgent     string     `json:"source_agent,omitempty"`
	MemoryType      MemoryType `json:"memory_type"`
	Timestamp       time.Time  `json:"timestamp"`
}

// ContextBlock is the assembled retrieval result fed into a turn.
type ContextBlock struct {
	Items []RAGContext `json:"items"`
	Text  string       `json:"text"`
}
