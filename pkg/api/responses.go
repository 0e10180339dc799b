package api

// HealthCheck is one component's health status.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]HealthCheck `json:"checks"`
}

// CurrentCostResponse is returned by GET /api/v1/costs/current.
type CurrentCostResponse struct {
	DayTotal     float64            `json:"day_total"`
	MonthTotal   float64            `json:"month_total"`
	PerProvider  map[string]float64 `json:"per_provider"`
	SessionsOpen int                `json:"sessions_open"`
	CircuitState string             `json:"circuit_state"`
}

// ExecuteWorkflowResponse is returned by POST /api/v1/workflows/:id/execute.
type ExecuteWorkflowResponse struct {
	ExecutionID string `json:"execution_id"`
}
