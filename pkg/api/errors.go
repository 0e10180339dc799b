package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/conclave-ai/conclave/pkg/ledger"
	"github.com/conclave-ai/conclave/pkg/workflow"
)

// mapError maps domain errors to HTTP error responses.
func mapError(err error) *echo.HTTPError {
	if errors.Is(err, workflow.ErrExecutionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "execution not found")
	}
	if errors.Is(err, ledger.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	// Unexpected error
	slog.Error("Unexpected handler error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
