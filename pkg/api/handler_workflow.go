package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// executeWorkflowHandler handles POST /api/v1/workflows/:id/execute.
// Launches the named workflow in the background and returns its
// execution id immediately.
func (s *Server) executeWorkflowHandler(c *echo.Context) error {
	workflowID := c.Param("id")
	if workflowID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow id is required")
	}
	def, ok := s.deps.Config.Workflow(workflowID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}

	var req ExecuteWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Input == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "input is required")
	}

	// The execution outlives this request.
	executionID, err := s.deps.Workflows.Start(context.WithoutCancel(c.Request().Context()), def, extractAuthor(c), req.Input)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, &ExecuteWorkflowResponse{ExecutionID: executionID})
}

// getExecutionHandler handles GET /api/v1/workflows/executions/:id.
func (s *Server) getExecutionHandler(c *echo.Context) error {
	executionID := c.Param("id")
	if executionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution id is required")
	}
	exec, err := s.deps.Workflows.Get(c.Request().Context(), executionID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, exec)
}

// cancelExecutionHandler handles POST /api/v1/workflows/executions/:id/cancel.
func (s *Server) cancelExecutionHandler(c *echo.Context) error {
	executionID := c.Param("id")
	if executionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution id is required")
	}
	if s.deps.Workflows.Cancel(executionID) {
		return c.NoContent(http.StatusAccepted)
	}
	// Not running: distinguish finished executions from unknown ids.
	if _, err := s.deps.Workflows.Get(c.Request().Context(), executionID); err != nil {
		return mapError(err)
	}
	return echo.NewHTTPError(http.StatusConflict, "execution is not running")
}
