package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"log/slog"

	"github.com/conclave-ai/conclave/pkg/agent"
	"github.com/conclave-ai/conclave/pkg/benchmark"
	"github.com/conclave-ai/conclave/pkg/breaker"
	"github.com/conclave-ai/conclave/pkg/budget"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/ledger"
	"github.com/conclave-ai/conclave/pkg/llm"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/conclave-ai/conclave/pkg/orchestrator"
	"github.com/conclave-ai/conclave/pkg/pricing"
	"github.com/conclave-ai/conclave/pkg/stream"
	"github.com/conclave-ai/conclave/pkg/workflow"
)

// stubRunner returns a canned conversation result and records requests.
type stubRunner struct {
	mu       sync.Mutex
	requests []orchestrator.Request
	result   models.ConversationResult
	err      error
}

func (r *stubRunner) Run(_ context.Context, req orchestrator.Request, _ orchestrator.Sink) (models.ConversationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return r.result, r.err
}

type fixture struct {
	server *Server
	runner *stubRunner
	store  *ledger.MemoryStore
	br     *breaker.Breaker
	exec   *workflow.Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	m := metrics.New()

	reg, err := agent.NewRegistry([]models.AgentDefinition{
		{AgentID: "chief", Name: "Chief", Role: "coordinates", Tier: models.TierCoordinator, SystemPrompt: "chief"},
		{AgentID: "analyst", Name: "Analyst", Role: "analyzes", Tier: models.TierSpecialist, SystemPrompt: "analyst"},
	})
	require.NoError(t, err)

	table := pricing.NewTable(pricing.NewMemoryStore(), logger)
	require.NoError(t, table.Init(context.Background()))
	store := ledger.NewMemoryStore()
	led := ledger.New(store, m, logger)
	br := breaker.New(config.DefaultLimits(), led, breaker.NewMemoryStateStore(), m, logger)

	fake := llm.NewFakeClient("openai")
	fake.Script(llm.Result{Content: "report done", TokensIn: 20, TokensOut: 10})
	providers := config.ProvidersConfig{
		DefaultProvider: "openai",
		Providers:       map[string]config.ProviderConfig{"openai": {DefaultModel: "gpt-4o-mini"}},
	}

	exec := workflow.NewExecutor(workflow.Deps{
		Registry:  reg,
		Clients:   llm.NewRegistry(fake),
		Pricing:   table,
		Ledger:    led,
		Breaker:   br,
		Store:     workflow.NewMemoryStore(),
		Metrics:   m,
		Limits:    config.DefaultLimits(),
		Providers: providers,
		Logger:    logger,
	})

	runner := &stubRunner{result: models.ConversationResult{
		ConversationID:    "c1",
		Response:          "done",
		AgentsUsed:        []string{"chief"},
		TurnCount:         1,
		TerminationReason: models.TerminationCompletionMarker,
	}}

	cfg := &config.Config{
		Limits:    config.DefaultLimits(),
		Stream:    config.DefaultStream(),
		Providers: providers,
		Server:    config.ServerConfig{AdminToken: "secret"},
		Workflows: map[string]models.WorkflowDefinition{
			"daily-report": {
				WorkflowID: "daily-report",
				Name:       "Daily report",
				Pattern:    models.PatternSequential,
				Steps: []models.WorkflowStep{
					{StepID: "s1", AgentID: "chief", StepType: models.StepAnalysis},
				},
				EntryPoints:    []string{"s1"},
				ExitConditions: []string{"s1"},
			},
		},
	}

	srv := NewServer(Deps{
		Config:     cfg,
		Orch:       runner,
		Workflows:  exec,
		Benchmarks: benchmark.NewRunner(runner, reg, logger),
		Suite:      benchmark.Builtin(),
		Breaker:    br,
		Ledger:     led,
		Monitor:    budget.NewMonitor(led, br, m, logger, time.Minute),
		Streams:    stream.NewManager(config.DefaultStream(), m, nil, logger),
		Metrics:    m,
		Logger:     logger,
	})
	return &fixture{server: srv, runner: runner, store: store, br: br, exec: exec}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, healthStatusHealthy, resp.Status)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestCreateConversation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/conversation", ConversationRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/conversation",
		ConversationRequest{Message: "plan the launch", Agents: []string{"chief"}, MaxTurns: 2},
		map[string]string{"X-Forwarded-User": "ana"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result models.ConversationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "done", result.Response)
	assert.Equal(t, models.TerminationCompletionMarker, result.TerminationReason)

	require.Len(t, f.runner.requests, 1)
	assert.Equal(t, "ana", f.runner.requests[0].UserID)
	assert.Equal(t, []string{"chief"}, f.runner.requests[0].Pinned)
	assert.Equal(t, 2, f.runner.requests[0].MaxTurns)
}

func TestSetBudgetLimitsValidation(t *testing.T) {
	f := newFixture(t)

	// turn > conversation is an invalid ordering.
	rec := f.do(t, http.MethodPost, "/api/v1/budget/limits",
		BudgetLimitsRequest{Daily: 10, Conversation: 1, Turn: 5}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/budget/limits",
		BudgetLimitsRequest{Daily: 10, Conversation: 2, Turn: 0.5}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 10, f.br.Limits().BudgetDailyLimit, 1e-9)
	assert.InDelta(t, 0.5, f.br.Limits().TurnLimit, 1e-9)
}

func TestBreakerViewAndOverride(t *testing.T) {
	f := newFixture(t)
	f.br.Trip(context.Background(), "manual test trip")

	rec := f.do(t, http.MethodGet, "/api/v1/circuit-breaker", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view breaker.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, breaker.StateOpen, view.State)

	// Missing and wrong tokens are rejected; the breaker stays open.
	rec = f.do(t, http.MethodPost, "/api/v1/circuit-breaker/override", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/v1/circuit-breaker/override", nil,
		map[string]string{"X-Admin-Token": "wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, breaker.StateOpen, f.br.View().State)

	rec = f.do(t, http.MethodPost, "/api/v1/circuit-breaker/override", nil,
		map[string]string{"X-Admin-Token": "secret", "X-Forwarded-User": "oncall"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, breaker.StateClosed, f.br.View().State)

	alerts := f.store.Alerts()
	require.NotEmpty(t, alerts)
	audit := alerts[len(alerts)-1]
	assert.Equal(t, "breaker_override", audit.Scope)
	assert.Equal(t, "oncall", audit.Author)
}

func TestCurrentCost(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/costs/current", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CurrentCostResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(breaker.StateClosed), resp.CircuitState)
	assert.Zero(t, resp.DayTotal)
	assert.Zero(t, resp.SessionsOpen)
}

func TestBudgetStatusComputesOnDemand(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/budget/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report budget.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Zero(t, report.DailyTotal)
}

func TestWorkflowLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/workflows/nope/execute",
		ExecuteWorkflowRequest{Input: "x"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/workflows/daily-report/execute",
		ExecuteWorkflowRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/workflows/daily-report/execute",
		ExecuteWorkflowRequest{Input: "compile the daily report"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started ExecuteWorkflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotEmpty(t, started.ExecutionID)

	f.exec.Wait(started.ExecutionID)

	rec = f.do(t, http.MethodGet, "/api/v1/workflows/executions/"+started.ExecutionID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var execRec models.WorkflowExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &execRec))
	assert.Equal(t, models.ExecutionCompleted, execRec.Status)
	assert.Contains(t, execRec.StepResults, "s1")

	// Finished executions cannot be cancelled; unknown ids are 404.
	rec = f.do(t, http.MethodPost, "/api/v1/workflows/executions/"+started.ExecutionID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/v1/workflows/executions/unknown/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/workflows/executions/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBenchmarkRun(t *testing.T) {
	f := newFixture(t)
	f.runner.result = models.ConversationResult{
		Response:   "The recommended strategy is a phased plan with a conservative approach.",
		AgentsUsed: []string{"chief", "analyst"},
		TurnCount:  2,
		CostBreakdown: models.CostBreakdown{
			InputTokens: 100, OutputTokens: 50, TotalCost: 0.001,
		},
		TerminationReason: models.TerminationCompletionMarker,
		Transcript: []models.TurnMessage{{
			SpeakerAgentID: "chief",
			Role:           models.RoleAssistant,
			Content:        "The recommended strategy is a phased plan with a conservative approach.",
		}},
	}

	rec := f.do(t, http.MethodPost, "/api/v1/benchmark/run", BenchmarkRunRequest{Category: "nope"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/benchmark/run", BenchmarkRunRequest{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report benchmark.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, len(benchmark.Builtin()), report.Total)
	assert.Equal(t, report.Total, report.Passed)
}
