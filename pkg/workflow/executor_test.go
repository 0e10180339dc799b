package workflow

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/agent"
	"github.com/conclave-ai/conclave/pkg/breaker"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/ledger"
	"github.com/conclave-ai/conclave/pkg/llm"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/conclave-ai/conclave/pkg/pricing"
)

// trackingClient records call order and concurrency for scheduling tests.
type trackingClient struct {
	*llm.FakeClient

	mu        sync.Mutex
	order     []string
	inFlight  int
	maxInCall int
	callDelay time.Duration
}

func newTrackingClient() *trackingClient {
	return &trackingClient{FakeClient: llm.NewFakeClient("openai")}
}

func (c *trackingClient) Generate(ctx context.Context, model string, messages []llm.Message, params llm.Params) (llm.Result, error) {
	c.mu.Lock()
	c.order = append(c.order, messages[0].Content)
	c.inFlight++
	if c.inFlight > c.maxInCall {
		c.maxInCall = c.inFlight
	}
	c.mu.Unlock()

	if c.callDelay > 0 {
		time.Sleep(c.callDelay)
	}

	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	return c.FakeClient.Generate(ctx, model, messages, params)
}

func newTestExecutor(t *testing.T, client llm.Client) (*Executor, *MemoryStore, *ledger.Ledger) {
	t.Helper()
	logger := slog.Default()
	m := metrics.New()

	reg, err := agent.NewRegistry([]models.AgentDefinition{
		{AgentID: "chief", Name: "Chief", Role: "coordinates", Tier: models.TierCoordinator, SystemPrompt: "chief"},
		{AgentID: "analyst", Name: "Analyst", Role: "analyzes", Tier: models.TierSpecialist, SystemPrompt: "analyst"},
		{AgentID: "writer", Name: "Writer", Role: "writes", Tier: models.TierSpecialist, SystemPrompt: "writer"},
	})
	require.NoError(t, err)

	table := pricing.NewTable(pricing.NewMemoryStore(), logger)
	require.NoError(t, table.Init(context.Background()))
	led := ledger.New(ledger.NewMemoryStore(), m, logger)
	store := NewMemoryStore()

	exec := NewExecutor(Deps{
		Registry: reg,
		Clients:  llm.NewRegistry(client),
		Pricing:  table,
		Ledger:   led,
		Breaker:  breaker.New(config.DefaultLimits(), led, breaker.NewMemoryStateStore(), m, logger),
		Store:    store,
		Metrics:  m,
		Limits:   config.DefaultLimits(),
		Providers: config.ProvidersConfig{
			DefaultProvider: "openai",
			Providers:       map[string]config.ProviderConfig{"openai": {DefaultModel: "gpt-4o-mini"}},
		},
		Logger: logger,
	})
	exec.sleep = func(context.Context, time.Duration) error { return nil }
	return exec, store, led
}

func chainDef(pattern models.CoordinationPattern) models.WorkflowDefinition {
	return models.WorkflowDefinition{
		WorkflowID: "w1",
		Name:       "analysis chain",
		Pattern:    pattern,
		Steps: []models.WorkflowStep{
			{StepID: "s1", AgentID: "chief", StepType: models.StepAnalysis},
			{StepID: "s2", AgentID: "analyst", StepType: models.StepAnalysis, Inputs: []string{"s1"}},
			{StepID: "s3", AgentID: "writer", StepType: models.StepAction, Inputs: []string{"s2"}},
		},
		EntryPoints:    []string{"s1"},
		ExitConditions: []string{"s3"},
	}
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	def := chainDef(models.PatternSequential)
	require.NoError(t, Validate(def))

	cyclic := chainDef(models.PatternSequential)
	cyclic.Steps[0].Inputs = []string{"s3"}
	assert.ErrorContains(t, Validate(cyclic), "cycle")

	dangling := chainDef(models.PatternSequential)
	dangling.Steps[1].Inputs = []string{"nope"}
	assert.ErrorContains(t, Validate(dangling), "unknown input")

	unreachable := chainDef(models.PatternSequential)
	unreachable.Steps[2].Inputs = nil
	unreachable.ExitConditions = []string{"s3"}
	// s3 now has no path from the entry point s1.
	assert.ErrorContains(t, Validate(unreachable), "not reachable")

	dup := chainDef(models.PatternSequential)
	dup.Steps[1].StepID = "s1"
	assert.ErrorContains(t, Validate(dup), "duplicate")

	noExit := chainDef(models.PatternSequential)
	noExit.ExitConditions = nil
	assert.ErrorContains(t, Validate(noExit), "exit")
}

func TestSequentialRunsInTopologicalOrder(t *testing.T) {
	client := newTrackingClient()
	client.Script(llm.Result{Content: "step output", TokensIn: 20, TokensOut: 10})
	exec, _, led := newTestExecutor(t, client)

	rec, err := exec.Execute(context.Background(), chainDef(models.PatternSequential), "u1", "analyze this")
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionCompleted, rec.Status)
	require.Len(t, rec.StepResults, 3)
	assert.Equal(t, []string{"chief", "analyst", "writer"}, client.order)
	assert.Equal(t, 1, client.maxInCall)

	// Every exit step has a recorded result.
	_, ok := rec.StepResults["s3"]
	assert.True(t, ok)

	// Costs of all steps land on one session.
	sess, err := led.Session(context.Background(), rec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, sess.Status)
	assert.Equal(t, 3, sess.TotalInteractions)
}

func TestParallelRunsReadyStepsConcurrently(t *testing.T) {
	client := newTrackingClient()
	client.callDelay = 20 * time.Millisecond
	client.Script(llm.Result{Content: "out", TokensIn: 10, TokensOut: 5})
	exec, _, _ := newTestExecutor(t, client)

	def := models.WorkflowDefinition{
		WorkflowID: "fanout",
		Pattern:    models.PatternParallel,
		Steps: []models.WorkflowStep{
			{StepID: "a", AgentID: "chief", StepType: models.StepAnalysis},
			{StepID: "b1", AgentID: "analyst", StepType: models.StepAnalysis, Inputs: []string{"a"}},
			{StepID: "b2", AgentID: "writer", StepType: models.StepAnalysis, Inputs: []string{"a"}},
			{StepID: "c", AgentID: "chief", StepType: models.StepDecision, Inputs: []string{"b1", "b2"}},
		},
		EntryPoints:    []string{"a"},
		ExitConditions: []string{"c"},
	}

	rec, err := exec.Execute(context.Background(), def, "u1", "fan out")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, rec.Status)
	assert.Len(t, rec.StepResults, 4)
	assert.GreaterOrEqual(t, client.maxInCall, 2, "middle level runs concurrently")

	// The joined level runs before c, whose prompt carries both outputs.
	assert.Equal(t, "chief", client.order[0])
	assert.Equal(t, "chief", client.order[3])
}

func TestStepFailureFailsExecution(t *testing.T) {
	client := newTrackingClient()
	client.ScriptError(llm.NewError(llm.KindInvalidRequest, "openai", "bad request", nil))
	exec, _, led := newTestExecutor(t, client)

	rec, err := exec.Execute(context.Background(), chainDef(models.PatternSequential), "u1", "x")
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "s1")
	require.Contains(t, rec.StepResults, "s1")
	assert.NotEmpty(t, rec.StepResults["s1"].ErrorMessage)
	assert.Len(t, rec.StepResults, 1, "later steps never launched")

	sess, err := led.Session(context.Background(), rec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionAborted, sess.Status)
}

func TestStepRetriesOnTransientThenSucceeds(t *testing.T) {
	client := newTrackingClient()
	client.
		ScriptError(llm.NewError(llm.KindTransient, "openai", "503", nil)).
		Script(llm.Result{Content: "recovered", TokensIn: 10, TokensOut: 5})
	exec, _, _ := newTestExecutor(t, client)

	def := chainDef(models.PatternSequential)
	def.Steps = def.Steps[:1]
	def.ExitConditions = []string{"s1"}
	def.Steps[0].RetryCount = 2

	rec, err := exec.Execute(context.Background(), def, "u1", "x")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, rec.Status)
	assert.Equal(t, 2, rec.StepResults["s1"].Attempts)
}

func TestStepExhaustsRetriesAndFails(t *testing.T) {
	client := newTrackingClient()
	client.ScriptError(llm.NewError(llm.KindTransient, "openai", "503", nil))
	exec, _, _ := newTestExecutor(t, client)

	def := chainDef(models.PatternSequential)
	def.Steps = def.Steps[:1]
	def.ExitConditions = []string{"s1"}
	def.Steps[0].RetryCount = 1

	rec, err := exec.Execute(context.Background(), def, "u1", "x")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, rec.Status)
	assert.Equal(t, 2, rec.StepResults["s1"].Attempts)
	assert.Equal(t, 2, client.Calls())
}

func TestBreakerRejectionFailsStep(t *testing.T) {
	client := newTrackingClient()
	exec, _, _ := newTestExecutor(t, client)
	exec.deps.Breaker.Trip(context.Background(), "manual")

	rec, err := exec.Execute(context.Background(), chainDef(models.PatternSequential), "u1", "x")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, breaker.ReasonCircuitOpen)
	assert.Equal(t, 0, client.Calls())
}

func TestCancelStopsNewStepsButKeepsResults(t *testing.T) {
	client := newTrackingClient()
	client.callDelay = 30 * time.Millisecond
	client.Script(llm.Result{Content: "out", TokensIn: 10, TokensOut: 5})
	exec, _, _ := newTestExecutor(t, client)

	id, err := exec.Start(context.Background(), chainDef(models.PatternSequential), "u1", "x")
	require.NoError(t, err)

	// Cancel while the first step is in flight.
	time.Sleep(10 * time.Millisecond)
	require.True(t, exec.Cancel(id))
	exec.Wait(id)

	rec, err := exec.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, rec.Status)
	assert.NotEmpty(t, rec.StepResults, "in-flight step completed and was recorded")
	assert.Less(t, len(rec.StepResults), 3)
	assert.False(t, exec.Cancel(id), "finished executions cannot be cancelled")
}

func TestStartPersistsRunningStateBeforeCompletion(t *testing.T) {
	client := newTrackingClient()
	client.callDelay = 30 * time.Millisecond
	client.Script(llm.Result{Content: "out", TokensIn: 10, TokensOut: 5})
	exec, store, _ := newTestExecutor(t, client)

	id, err := exec.Start(context.Background(), chainDef(models.PatternParallel), "u1", "x")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// The initial record lands in the store before the first step finishes.
	time.Sleep(10 * time.Millisecond)
	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, rec.Status)
	assert.Nil(t, rec.EndTime)

	exec.Wait(id)
	rec, err = exec.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, rec.Status)
	require.NotNil(t, rec.EndTime)
	assert.Len(t, rec.StepResults, 3)
}

func TestGetUnknownExecution(t *testing.T) {
	exec, _, _ := newTestExecutor(t, newTrackingClient())
	_, err := exec.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}
