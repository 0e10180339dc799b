package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/conclave-ai/conclave/pkg/models"
)

// currentCostHandler handles GET /api/v1/costs/current.
func (s *Server) currentCostHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	now := time.Now().UTC()

	day, err := s.deps.Ledger.DayTotal(ctx, now)
	if err != nil {
		return mapError(err)
	}
	month, err := s.deps.Ledger.MonthTotal(ctx, now)
	if err != nil {
		return mapError(err)
	}
	perProvider, err := s.deps.Ledger.ProviderDayTotals(ctx, now)
	if err != nil {
		return mapError(err)
	}
	open, err := s.deps.Ledger.OpenSessionCount(ctx)
	if err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusOK, &CurrentCostResponse{
		DayTotal:     day,
		MonthTotal:   month,
		PerProvider:  perProvider,
		SessionsOpen: open,
		CircuitState: string(s.deps.Breaker.View().State),
	})
}

// budgetStatusHandler handles GET /api/v1/budget/status. Serves the
// monitor's last report, computing one on demand before the first sweep.
func (s *Server) budgetStatusHandler(c *echo.Context) error {
	if s.deps.Monitor == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "budget monitor not available")
	}
	if report := s.deps.Monitor.LastReport(); report != nil {
		return c.JSON(http.StatusOK, report)
	}
	report, err := s.deps.Monitor.Sweep(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, &report)
}

// setBudgetLimitsHandler handles POST /api/v1/budget/limits.
func (s *Server) setBudgetLimitsHandler(c *echo.Context) error {
	var req BudgetLimitsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.deps.Breaker.SetBudgetLimits(req.Daily, req.Conversation, req.Turn); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.deps.Logger.Info("budget limits updated via API",
		"author", extractAuthor(c), "daily", req.Daily,
		"conversation", req.Conversation, "turn", req.Turn)
	return c.JSON(http.StatusOK, s.deps.Breaker.Limits())
}

// breakerViewHandler handles GET /api/v1/circuit-breaker.
func (s *Server) breakerViewHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Breaker.View())
}

// breakerOverrideHandler handles POST /api/v1/circuit-breaker/override.
// Forces the breaker closed. Requires the admin token and leaves an
// audit row in cost_alerts.
func (s *Server) breakerOverrideHandler(c *echo.Context) error {
	token := s.deps.Config.Server.AdminToken
	if token == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "admin override is not configured")
	}
	if c.Request().Header.Get("X-Admin-Token") != token {
		return echo.NewHTTPError(http.StatusForbidden, "invalid admin token")
	}

	ctx := c.Request().Context()
	author := extractAuthor(c)
	before := s.deps.Breaker.View()
	s.deps.Breaker.ForceClose(ctx, author)

	alert := models.CostAlert{
		Level:   "critical",
		Scope:   "breaker_override",
		Message: "circuit breaker forced closed from state " + string(before.State),
		Author:  author,
	}
	if err := s.deps.Ledger.RecordAlert(ctx, alert); err != nil {
		s.deps.Logger.Error("recording breaker override audit", "author", author, "error", err)
	}

	return c.JSON(http.StatusOK, s.deps.Breaker.View())
}
