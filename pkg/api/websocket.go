package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/conclave-ai/conclave/pkg/orchestrator"
	"github.com/conclave-ai/conclave/pkg/stream"
)

const (
	// Application close codes per the streaming contract.
	closeCircuitOpen     websocket.StatusCode = 4290
	closePolicyViolation websocket.StatusCode = 4003

	helloTimeout = 30 * time.Second
	catchupLimit = 200
)

// wsConversationHandler handles GET /api/v1/conversation/stream.
// The client's first frame either starts a new conversation or requests
// a replay of persisted events from an earlier session. Events flow
// server to client until the conversation terminates.
func (s *Server) wsConversationHandler(c *echo.Context) error {
	if s.deps.Streams == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming not available")
	}

	opts := &websocket.AcceptOptions{}
	if origins := s.deps.Config.Server.AllowedWSOrigins; len(origins) > 0 {
		opts.OriginPatterns = origins
	} else {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}
	author := extractAuthor(c)

	ctx := c.Request().Context()
	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	_, data, err := conn.Read(helloCtx)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "expected a hello frame")
		return nil
	}
	var hello streamHello
	if err := json.Unmarshal(data, &hello); err != nil {
		conn.Close(closePolicyViolation, "invalid hello frame")
		return nil
	}

	if hello.SessionID != "" {
		s.replayEvents(ctx, conn, hello)
		return nil
	}
	if hello.Message == "" || len(hello.Message) > maxMessageBytes {
		conn.Close(closePolicyViolation, "message is required")
		return nil
	}

	// No further client frames are expected; CloseRead surfaces client
	// disconnects through the returned context.
	readCtx := conn.CloseRead(ctx)
	s.streamConversation(readCtx, conn, author, hello)
	return nil
}

// streamConversation runs a conversation and pumps its stream events to
// the client until the session drains.
func (s *Server) streamConversation(ctx context.Context, conn *websocket.Conn, author string, hello streamHello) {
	sess := s.deps.Streams.Create(author, "")
	sink := s.deps.Streams.NewSessionSink(sess)

	results := make(chan models.ConversationResult, 1)
	go func() {
		result, err := s.deps.Orch.Run(ctx, orchestrator.Request{
			SessionID: sess.ID,
			UserID:    author,
			Message:   hello.Message,
			Context:   hello.Context,
			Pinned:    hello.Agents,
			MaxTurns:  hello.MaxTurns,
		}, sink)
		if err != nil {
			s.deps.Logger.Error("streamed conversation failed", "session_id", sess.ID, "error", err)
			result.TerminationReason = models.TerminationProviderError
		}
		results <- result
		s.deps.Streams.Close(sess.ID, result.TerminationReason)
	}()

	for {
		ev, err := sess.Next(ctx)
		if err != nil {
			break
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := s.writeFrame(ctx, conn, payload); err != nil {
			s.deps.Streams.Close(sess.ID, models.TerminationClientGone)
			return
		}
	}

	var result models.ConversationResult
	select {
	case result = <-results:
	case <-ctx.Done():
		// Client gone before the orchestrator produced a result.
		s.deps.Streams.Close(sess.ID, models.TerminationClientGone)
		conn.Close(websocket.StatusNormalClosure, string(models.TerminationClientGone))
		return
	}
	switch result.TerminationReason {
	case models.TerminationCircuitOpen:
		conn.Close(closeCircuitOpen, "circuit breaker open")
	case models.TerminationCostBlocked:
		conn.Close(closePolicyViolation, result.BlockReason)
	default:
		conn.Close(websocket.StatusNormalClosure, string(result.TerminationReason))
	}
}

// replayEvents serves persisted final and status events from an earlier
// session. Text and thinking chunks are transient and cannot be
// replayed. With follow set, the live NOTIFY channel is tailed after the
// replay so the client can track a session hosted on another replica.
func (s *Server) replayEvents(ctx context.Context, conn *websocket.Conn, hello streamHello) {
	if s.deps.Relay == nil {
		conn.Close(websocket.StatusPolicyViolation, "event replay not available")
		return
	}
	events, _, err := s.deps.Relay.Catchup(ctx, hello.SessionID, hello.LastEventID, catchupLimit)
	if err != nil {
		s.deps.Logger.Error("event replay failed", "session_id", hello.SessionID, "error", err)
		conn.Close(websocket.StatusInternalError, "replay failed")
		return
	}
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := s.writeFrame(ctx, conn, payload); err != nil {
			return
		}
	}

	if hello.Follow && s.deps.Fanout != nil {
		s.followSession(ctx, conn, hello.SessionID)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "replay complete")
}

// followSession forwards live NOTIFY payloads for a session until the
// session closes or the client goes away.
func (s *Server) followSession(ctx context.Context, conn *websocket.Conn, sessionID string) {
	payloads, cancel, err := s.deps.Fanout.Subscribe(ctx, stream.SessionChannel(sessionID))
	if err != nil {
		s.deps.Logger.Error("session follow failed", "session_id", sessionID, "error", err)
		conn.Close(websocket.StatusInternalError, "follow failed")
		return
	}
	defer cancel()

	readCtx := conn.CloseRead(ctx)
	for {
		select {
		case <-readCtx.Done():
			return
		case payload, ok := <-payloads:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if err := s.writeFrame(readCtx, conn, payload); err != nil {
				return
			}
			var ev stream.Event
			if json.Unmarshal(payload, &ev) == nil &&
				ev.Type == stream.EventStatus && ev.Status == stream.StatusSessionClosed {
				conn.Close(websocket.StatusNormalClosure, string(ev.Reason))
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.deps.Config.Stream.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}
