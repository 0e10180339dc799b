package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/conclave-ai/conclave/pkg/orchestrator"
)

// createConversationHandler handles POST /api/v1/conversation.
// Runs the conversation synchronously and returns the final result; the
// termination reason tells the caller how it ended, including cost and
// circuit blocks.
func (s *Server) createConversationHandler(c *echo.Context) error {
	var req ConversationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	if len(req.Message) > maxMessageBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "message exceeds maximum length")
	}

	result, err := s.deps.Orch.Run(c.Request().Context(), orchestrator.Request{
		UserID:   extractAuthor(c),
		Message:  req.Message,
		Context:  req.Context,
		Pinned:   req.Agents,
		MaxTurns: req.MaxTurns,
	}, orchestrator.NopSink{})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}
