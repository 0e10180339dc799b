package stream

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/conclave-ai/conclave/pkg/orchestrator"
)

// SessionSink adapts a Session to the orchestrator's per-turn sink.
// Content chunks larger than MaxChunkBytes are split on rune boundaries
// so each event stays within the configured chunk size.
type SessionSink struct {
	session *Session
	manager *Manager
}

var _ orchestrator.Sink = (*SessionSink)(nil)

// NewSessionSink wraps a session for use as a conversation sink.
func (m *Manager) NewSessionSink(s *Session) *SessionSink {
	return &SessionSink{session: s, manager: m}
}

func (k *SessionSink) Thinking(ctx context.Context, agentID string, turnIndex int) error {
	return k.publish(ctx, Event{Type: EventThinking, AgentID: agentID, TurnIndex: turnIndex})
}

func (k *SessionSink) Text(ctx context.Context, agentID string, turnIndex int, delta string) error {
	maxBytes := k.session.cfg.MaxChunkBytes
	for len(delta) > 0 {
		piece := delta
		if maxBytes > 0 && len(piece) > maxBytes {
			piece = delta[:chunkEnd(delta, maxBytes)]
		}
		delta = delta[len(piece):]
		err := k.publish(ctx, Event{Type: EventText, AgentID: agentID, TurnIndex: turnIndex, Content: piece})
		if err != nil {
			return err
		}
	}
	return nil
}

// chunkEnd returns the byte length of the longest prefix of s that fits
// within maxBytes without splitting a UTF-8 rune. Cutting mid-rune would
// reach the client as U+FFFD once the chunk is JSON-encoded. A single
// rune wider than maxBytes is kept whole. Only called with len(s) >
// maxBytes > 0.
func chunkEnd(s string, maxBytes int) int {
	end := maxBytes
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	if end == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return end
}

func (k *SessionSink) TurnFinal(ctx context.Context, msg models.TurnMessage) error {
	return k.publish(ctx, Event{
		Type:      EventFinal,
		AgentID:   msg.SpeakerAgentID,
		TurnIndex: msg.TurnIndex,
		Turn:      &msg,
	})
}

func (k *SessionSink) Error(ctx context.Context, kind, message string) error {
	return k.publish(ctx, Event{Type: EventError, ErrorKind: kind, ErrorMessage: message})
}

func (k *SessionSink) publish(ctx context.Context, ev Event) error {
	if err := k.session.Publish(ctx, ev); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return orchestrator.ErrClientGone
		}
		return err
	}
	k.manager.Relay(ctx, ev)
	return nil
}
