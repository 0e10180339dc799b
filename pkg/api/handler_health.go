package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/conclave-ai/conclave/pkg/database"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /api/v1/health.
// Only conclave's own backing stores are checked; LLM providers are
// excluded so a provider outage does not get the process restarted.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.deps.DB != nil {
		if _, err := database.Health(reqCtx, s.deps.DB.DB()); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.deps.Redis != nil {
		if err := s.deps.Redis.Ping(reqCtx).Err(); err != nil {
			// Redis only backs caches and breaker snapshots; losing it
			// degrades rather than breaks the service.
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["redis"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
		} else {
			checks["redis"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, &HealthResponse{Status: status, Checks: checks})
}
