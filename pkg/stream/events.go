// Package stream carries partial provider output to clients over
// long-lived sessions with bounded buffering and backpressure.
package stream

import (
	"time"

	"github.com/conclave-ai/conclave/pkg/models"
)

// EventType classifies a stream event.
type EventType string

const (
	// EventStatus marks session lifecycle transitions and keep-alives.
	EventStatus EventType = "status"
	// EventThinking is an opaque pre-token signal: a speaker was chosen
	// and the provider call started.
	EventThinking EventType = "thinking"
	// EventText is one content chunk.
	EventText EventType = "text"
	// EventFinal ends a turn with aggregated metrics.
	EventFinal EventType = "final"
	// EventError is a typed failure the client should see.
	EventError EventType = "error"
)

// Status markers carried by status events.
const (
	StatusSessionCreated = "session_created"
	StatusSessionClosed  = "session_closed"
	StatusKeepAlive      = "keep_alive"
)

// Event is one message on a stream session. ChunkIndex is contiguous and
// strictly increasing per session; clients deduplicate on it since
// delivery is at-least-once.
type Event struct {
	SessionID  string    `json:"session_id"`
	Type       EventType `json:"type"`
	ChunkIndex int       `json:"chunk_index"`
	Timestamp  time.Time `json:"timestamp"`

	TurnIndex int    `json:"turn_index,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Content   string `json:"content,omitempty"`

	// Status and Reason are set on status events.
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Turn carries the completed turn on final events.
	Turn *models.TurnMessage `json:"turn,omitempty"`

	// ErrorKind and ErrorMessage are set on error events.
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// SessionState is the lifecycle state of one stream session.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionPaused    SessionState = "paused"
	SessionCompleted SessionState = "completed"
	SessionError     SessionState = "error"
)
