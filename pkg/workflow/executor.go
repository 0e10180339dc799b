package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/pkg/agent"
	"github.com/conclave-ai/conclave/pkg/breaker"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/ledger"
	"github.com/conclave-ai/conclave/pkg/llm"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/conclave-ai/conclave/pkg/pricing"
)

const (
	stepBackoffBase = 250 * time.Millisecond
	stepBackoffCap  = 4 * time.Second
	stepMaxTokens   = 1024
)

// ErrAdmissionRejected marks a step refused by the circuit breaker.
var ErrAdmissionRejected = errors.New("step admission rejected")

// Deps wires the executor's collaborators.
type Deps struct {
	Registry  *agent.Registry
	Clients   *llm.Registry
	Pricing   *pricing.Table
	Ledger    *ledger.Ledger
	Breaker   *breaker.Breaker
	Store     Store
	Metrics   *metrics.Metrics
	Limits    config.Limits
	Providers config.ProvidersConfig
	Logger    *slog.Logger
}

// Executor runs workflow definitions. Each execution is persisted at
// every state transition so a crash leaves an inspectable record.
type Executor struct {
	deps  Deps
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running map[string]*handle
}

type handle struct {
	cancelled atomic.Bool
	done      chan struct{}
}

// NewExecutor creates a workflow executor.
func NewExecutor(deps Deps) *Executor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Executor{
		deps:    deps,
		running: make(map[string]*handle),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// Start validates the definition and launches the execution in the
// background, returning its id immediately.
func (e *Executor) Start(ctx context.Context, def models.WorkflowDefinition, userID, input string) (string, error) {
	if err := Validate(def); err != nil {
		return "", err
	}

	executionID := uuid.NewString()
	h := &handle{done: make(chan struct{})}
	e.mu.Lock()
	e.running[executionID] = h
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		defer func() {
			e.mu.Lock()
			delete(e.running, executionID)
			e.mu.Unlock()
		}()
		e.run(ctx, executionID, def, userID, input, h)
	}()
	return executionID, nil
}

// Execute runs a workflow synchronously and returns its final record.
func (e *Executor) Execute(ctx context.Context, def models.WorkflowDefinition, userID, input string) (models.WorkflowExecution, error) {
	if err := Validate(def); err != nil {
		return models.WorkflowExecution{}, err
	}
	executionID := uuid.NewString()
	h := &handle{done: make(chan struct{})}
	e.mu.Lock()
	e.running[executionID] = h
	e.mu.Unlock()
	defer func() {
		close(h.done)
		e.mu.Lock()
		delete(e.running, executionID)
		e.mu.Unlock()
	}()

	e.run(ctx, executionID, def, userID, input, h)
	return e.deps.Store.Get(ctx, executionID)
}

// Cancel stops admission of new steps for a running execution. In-flight
// steps complete and their results are recorded.
func (e *Executor) Cancel(executionID string) bool {
	e.mu.Lock()
	h, ok := e.running[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	h.cancelled.Store(true)
	return true
}

// Wait blocks until a running execution finishes. Returns immediately
// for unknown ids.
func (e *Executor) Wait(executionID string) {
	e.mu.Lock()
	h, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		<-h.done
	}
}

// Get loads an execution record.
func (e *Executor) Get(ctx context.Context, executionID string) (models.WorkflowExecution, error) {
	return e.deps.Store.Get(ctx, executionID)
}

func (e *Executor) run(ctx context.Context, executionID string, def models.WorkflowDefinition, userID, input string, h *handle) {
	logger := e.deps.Logger.With("execution_id", executionID, "workflow_id", def.WorkflowID)
	exec := models.WorkflowExecution{
		ExecutionID: executionID,
		WorkflowID:  def.WorkflowID,
		Status:      models.ExecutionRunning,
		StepResults: make(map[string]models.StepResult),
		StartTime:   time.Now().UTC(),
		UserID:      userID,
	}
	e.save(ctx, &exec)

	if err := e.deps.Ledger.EnsureSession(ctx, executionID, executionID, userID); err != nil {
		e.finish(ctx, &exec, models.ExecutionFailed, fmt.Sprintf("ensuring cost session: %v", err))
		return
	}

	done := make(map[string]bool, len(def.Steps))
	var failure error

	for len(done) < len(def.Steps) {
		if h.cancelled.Load() || ctx.Err() != nil {
			e.finish(ctx, &exec, models.ExecutionCancelled, "")
			e.closeSession(ctx, executionID, models.SessionAborted)
			logger.Info("workflow execution cancelled", "steps_done", len(done))
			return
		}

		ready := e.readySteps(def, done)
		if len(ready) == 0 {
			e.finish(ctx, &exec, models.ExecutionFailed, "no runnable step; definition stalled")
			e.closeSession(ctx, executionID, models.SessionAborted)
			return
		}
		if def.Pattern == models.PatternSequential {
			ready = ready[:1]
		}

		type stepOutcome struct {
			id     string
			result models.StepResult
			err    error
		}
		outcomes := make(chan stepOutcome, len(ready))
		var wg sync.WaitGroup
		for _, step := range ready {
			wg.Add(1)
			go func(step models.WorkflowStep) {
				defer wg.Done()
				res, err := e.runStep(ctx, def, step, executionID, input, exec.StepResults)
				outcomes <- stepOutcome{id: step.StepID, result: res, err: err}
			}(step)
		}
		wg.Wait()
		close(outcomes)

		for out := range outcomes {
			done[out.id] = true
			exec.StepResults[out.id] = out.result
			exec.CurrentStep = out.id
			if out.err != nil && failure == nil {
				failure = fmt.Errorf("step %s: %w", out.id, out.err)
			}
		}
		e.save(ctx, &exec)

		if failure != nil {
			e.finish(ctx, &exec, models.ExecutionFailed, failure.Error())
			e.closeSession(ctx, executionID, models.SessionAborted)
			logger.Error("workflow execution failed", "error", failure)
			return
		}
	}

	e.finish(ctx, &exec, models.ExecutionCompleted, "")
	e.closeSession(ctx, executionID, models.SessionCompleted)
	logger.Info("workflow execution completed", "steps", len(def.Steps))
}

// readySteps returns undone steps whose inputs are all done, ascending
// by step id so parallel launch order is deterministic.
func (e *Executor) readySteps(def models.WorkflowDefinition, done map[string]bool) []models.WorkflowStep {
	var ready []models.WorkflowStep
	for _, step := range def.Steps {
		if done[step.StepID] {
			continue
		}
		ok := true
		for _, in := range step.Inputs {
			if !done[in] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, step)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].StepID < ready[j].StepID })
	return ready
}

// runStep executes one step: admission, the provider call with retries,
// and cost recording. The returned StepResult is recorded even on error.
func (e *Executor) runStep(ctx context.Context, def models.WorkflowDefinition, step models.WorkflowStep, executionID, input string, prior map[string]models.StepResult) (models.StepResult, error) {
	started := time.Now()
	result := models.StepResult{StepID: step.StepID, AgentID: step.AgentID}
	fail := func(err error) (models.StepResult, error) {
		result.ErrorMessage = err.Error()
		result.DurationMS = time.Since(started).Milliseconds()
		result.CompletedAt = time.Now().UTC()
		e.deps.Metrics.RecordWorkflowStep(string(def.Pattern), "error")
		return result, err
	}

	agentDef, ok := e.deps.Registry.Get(step.AgentID)
	if !ok {
		return fail(fmt.Errorf("unknown agent %q", step.AgentID))
	}
	provider, model := e.resolveModel(agentDef)
	client, ok := e.deps.Clients.Get(provider)
	if !ok {
		return fail(fmt.Errorf("no client for provider %q", provider))
	}

	messages := e.buildMessages(agentDef, step, input, prior)
	estIn := llm.EstimateMessagesTokens(messages)
	estCost, err := e.deps.Pricing.EstimateCost(provider, model, estIn, stepMaxTokens)
	if err != nil {
		return fail(fmt.Errorf("estimating step cost: %w", err))
	}
	decision := e.deps.Breaker.Admit(ctx, breaker.Request{
		ConversationID: executionID,
		EstimatedCost:  estCost,
	})
	if !decision.Admitted {
		return fail(fmt.Errorf("%w: %s", ErrAdmissionRejected, decision.Reason))
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.deps.Limits.StepTimeout
	}
	attempts := step.RetryCount + 1

	var res llm.Result
	var callErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		res, callErr = client.Generate(callCtx, model, messages, llm.Params{MaxTokens: stepMaxTokens})
		cancel()
		if callErr == nil {
			break
		}
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		retryable := llm.IsTransient(callErr) || errors.Is(callErr, context.DeadlineExceeded)
		if attempt == attempts || !retryable {
			break
		}
		if err := e.sleep(ctx, stepBackoff(attempt)); err != nil {
			return fail(err)
		}
	}
	if callErr != nil {
		e.deps.Breaker.RecordFailure(ctx)
		return fail(callErr)
	}

	tokensIn, tokensOut := res.TokensIn, res.TokensOut
	if tokensIn == 0 {
		tokensIn = estIn
	}
	if tokensOut == 0 {
		tokensOut = llm.EstimateTokens(res.Content)
	}
	rec, err := e.deps.Pricing.Cost(provider, model, tokensIn, tokensOut)
	if err != nil {
		return fail(fmt.Errorf("pricing completed step: %w", err))
	}
	rec.SessionID = executionID
	rec.ConversationID = executionID
	rec.TurnID = uuid.NewString()
	rec.AgentID = step.AgentID
	if err := e.deps.Ledger.RecordCall(ctx, rec); err != nil {
		return fail(fmt.Errorf("recording step cost: %w", err))
	}
	e.deps.Breaker.RecordSuccess(ctx, rec.TotalCost)

	result.Output = res.Content
	result.TokensIn = tokensIn
	result.TokensOut = tokensOut
	result.Cost = rec.TotalCost
	result.DurationMS = time.Since(started).Milliseconds()
	result.CompletedAt = time.Now().UTC()
	e.deps.Metrics.RecordWorkflowStep(string(def.Pattern), "ok")
	return result, nil
}

// buildMessages materializes a step's declared inputs from prior step
// outputs, ordered as declared.
func (e *Executor) buildMessages(agentDef models.AgentDefinition, step models.WorkflowStep, input string, prior map[string]models.StepResult) []llm.Message {
	var user strings.Builder
	user.WriteString(input)
	for _, in := range step.Inputs {
		if res, ok := prior[in]; ok {
			user.WriteString("\n\n[")
			user.WriteString(in)
			user.WriteString("]\n")
			user.WriteString(res.Output)
		}
	}
	return []llm.Message{
		{Role: models.RoleSystem, Content: agentDef.SystemPrompt},
		{Role: models.RoleUser, Content: user.String()},
	}
}

func (e *Executor) resolveModel(agentDef models.AgentDefinition) (string, string) {
	provider := e.deps.Providers.DefaultProvider
	model := ""
	if pc, ok := e.deps.Providers.Providers[provider]; ok {
		model = pc.DefaultModel
	}
	if agentDef.ModelHint != "" {
		if p, m, found := strings.Cut(agentDef.ModelHint, "/"); found {
			provider, model = p, m
		} else {
			model = agentDef.ModelHint
		}
	}
	return provider, model
}

func (e *Executor) save(ctx context.Context, exec *models.WorkflowExecution) {
	if err := e.deps.Store.Save(context.WithoutCancel(ctx), *exec); err != nil {
		e.deps.Logger.Error("persisting workflow execution", "execution_id", exec.ExecutionID, "error", err)
	}
}

func (e *Executor) finish(ctx context.Context, exec *models.WorkflowExecution, status models.ExecutionStatus, errMsg string) {
	now := time.Now().UTC()
	exec.Status = status
	exec.EndTime = &now
	exec.ErrorMessage = errMsg
	e.save(ctx, exec)
}

func (e *Executor) closeSession(ctx context.Context, executionID string, status models.SessionStatus) {
	if err := e.deps.Ledger.CloseSession(context.WithoutCancel(ctx), executionID, status); err != nil {
		e.deps.Logger.Warn("closing workflow cost session", "execution_id", executionID, "error", err)
	}
}

func stepBackoff(attempt int) time.Duration {
	d := stepBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= stepBackoffCap {
			return stepBackoffCap
		}
	}
	return d
}
