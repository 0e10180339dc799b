package orchestrator

import (
	"context"
	"errors"

	"github.com/conclave-ai/conclave/pkg/models"
)

// ErrClientGone is returned by a Sink when the client channel is gone.
// The turn in flight finishes; the conversation finalizes client_gone.
var ErrClientGone = errors.New("client gone")

// Sink carries per-turn output to a client channel. The non-streaming
// POST path uses NopSink.
type Sink interface {
	// Thinking signals that a speaker was chosen and a provider call is
	// about to start.
	Thinking(ctx context.Context, agentID string, turnIndex int) error
	// Text delivers one content chunk in producer order.
	Text(ctx context.Context, agentID string, turnIndex int, delta string) error
	// TurnFinal delivers the completed turn with aggregated metrics.
	TurnFinal(ctx context.Context, msg models.TurnMessage) error
	// Error delivers a typed failure the client should see.
	Error(ctx context.Context, kind, message string) error
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Thinking(context.Context, string, int) error { return nil }

func (NopSink) Text(context.Context, string, int, string) error { return nil }

func (NopSink) TurnFinal(context.Context, models.TurnMessage) error { return nil }

func (NopSink) Error(context.Context, string, string) error { return nil }
