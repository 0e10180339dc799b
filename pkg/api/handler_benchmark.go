package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// runBenchmarkHandler handles POST /api/v1/benchmark/run.
// Runs the configured scenario suite, optionally filtered by category,
// and returns the graded report.
func (s *Server) runBenchmarkHandler(c *echo.Context) error {
	if s.deps.Benchmarks == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "benchmark runner not available")
	}
	var req BenchmarkRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	report, err := s.deps.Benchmarks.Run(c.Request().Context(), s.deps.Suite, req.Category)
	if err != nil {
		return mapError(err)
	}
	if req.Category != "" && len(report.Scenarios) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no scenarios in category "+req.Category)
	}
	return c.JSON(http.StatusOK, report)
}
