// Package orchestrator runs group-chat conversations end-to-end: context
// retrieval, speaker selection, cost admission, the provider call, cost
// recording, and termination.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
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
	// defaultMaxTokens bounds provider output and feeds the pre-admission
	// cost estimate.
	defaultMaxTokens = 1024

	retryBackoffBase = 250 * time.Millisecond
	retryBackoffCap  = 4 * time.Second
	// maxAttempts covers the initial call plus one retry for transient
	// provider failures.
	maxAttempts = 2
)

// ContextSource builds retrieval context for a turn. It never fails;
// absence of context is a nil block.
type ContextSource interface {
	BuildContext(ctx context.Context, userID, agentID, query string, k int, threshold float64) *models.ContextBlock
}

// MemoryWriter persists conversation memories after a completed turn.
type MemoryWriter interface {
	Put(ctx context.Context, e models.MemoryEntry) (models.MemoryEntry, error)
}

// Request is one conversation to run.
type Request struct {
	ConversationID string
	SessionID      string
	UserID         string
	Message        string
	// Context is optional caller-supplied prior context prepended to the
	// system prompt.
	Context string
	// Pinned restricts speaker selection to the named agents.
	Pinned []string
	// MaxTurns overrides the configured cap when positive.
	MaxTurns int
}

// Deps wires the orchestrator's collaborators. Retriever and Memory are
// optional; everything else is required.
type Deps struct {
	Registry  *agent.Registry
	Selector  *agent.Selector
	Retriever ContextSource
	Breaker   *breaker.Breaker
	Pricing   *pricing.Table
	Ledger    *ledger.Ledger
	Clients   *llm.Registry
	Memory    MemoryWriter
	Metrics   *metrics.Metrics
	Limits    config.Limits
	RAG       config.RAGConfig
	Providers config.ProvidersConfig
	Logger    *slog.Logger
}

// Orchestrator serializes the turns of one conversation. Concurrent
// conversations are independent; each Run call owns its transcript.
type Orchestrator struct {
	deps  Deps
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		deps: deps,
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

// Run executes one conversation and returns its result. The result is
// always populated; the error is non-nil only for internal failures that
// prevented finalization.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) (models.ConversationResult, error) {
	if sink == nil {
		sink = NopSink{}
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = o.deps.Limits.MaxTurns
	}

	started := time.Now()
	logger := o.deps.Logger.With("conversation_id", req.ConversationID, "user_id", req.UserID)

	if err := o.deps.Ledger.EnsureSession(ctx, req.SessionID, req.ConversationID, req.UserID); err != nil {
		return models.ConversationResult{ConversationID: req.ConversationID}, fmt.Errorf("ensuring session: %w", err)
	}

	var (
		transcript  []models.TurnMessage
		reason      models.TerminationReason
		blockReason string
		lastSpeaker string
	)
	query := req.Message

	for turnIndex := 0; turnIndex < maxTurns; turnIndex++ {
		if err := ctx.Err(); err != nil {
			reason = models.TerminationCancelled
			break
		}

		sel, ok := o.deps.Selector.Select(agent.Request{
			Message:     query,
			TurnIndex:   turnIndex,
			Pinned:      req.Pinned,
			LastSpeaker: lastSpeaker,
		})
		if !ok {
			reason = models.TerminationNoSpeaker
			break
		}
		speaker := sel.Agent
		o.deps.Metrics.RecordSelection(string(speaker.Tier), sel.Score)

		block := o.retrieveContext(ctx, req.UserID, speaker.AgentID, query)
		messages := o.buildMessages(speaker, req.Context, block, req.Message, transcript)

		provider, model := o.resolveModel(speaker)
		estIn := llm.EstimateMessagesTokens(messages)
		estCost, err := o.deps.Pricing.EstimateCost(provider, model, estIn, defaultMaxTokens)
		if err != nil {
			reason = models.TerminationCostBlocked
			blockReason = "pricing_unknown"
			o.alertPricingUnknown(ctx, provider, model)
			_ = sink.Error(ctx, "policy", blockReason)
			break
		}

		decision := o.deps.Breaker.Admit(ctx, breaker.Request{
			ConversationID:  req.ConversationID,
			EstimatedCost:   estCost,
			NewConversation: turnIndex == 0,
		})
		if !decision.Admitted {
			blockReason = decision.Reason
			if decision.Reason == breaker.ReasonCircuitOpen {
				reason = models.TerminationCircuitOpen
			} else {
				reason = models.TerminationCostBlocked
			}
			logger.Info("turn rejected", "turn_index", turnIndex, "reason", decision.Reason)
			_ = sink.Error(ctx, "policy", decision.Reason)
			break
		}

		msg, turnErr := o.runTurn(ctx, sink, speaker, provider, model, messages, turnIndex, req)
		if turnErr != nil {
			if errors.Is(turnErr, ErrClientGone) {
				reason = models.TerminationClientGone
			} else if errors.Is(turnErr, context.Canceled) || errors.Is(turnErr, context.DeadlineExceeded) {
				reason = models.TerminationCancelled
			} else {
				reason = models.TerminationProviderError
				_ = sink.Error(ctx, string(llm.KindOf(turnErr)), "provider call failed")
			}
			break
		}

		transcript = append(transcript, msg)
		lastSpeaker = speaker.AgentID
		query = msg.Content
		o.deps.Metrics.RecordTurn("ok")

		if agent.HasCompletionMarker(msg.Content) {
			reason = models.TerminationCompletionMarker
			break
		}
	}

	if reason == "" {
		reason = models.TerminationMaxTurns
	}

	result := o.finalize(ctx, req, transcript, reason, blockReason, started)
	o.rememberConversation(ctx, req, result)
	logger.Info("conversation finished",
		"turns", result.TurnCount,
		"termination_reason", result.TerminationReason,
		"total_cost", result.CostBreakdown.TotalCost)
	return result, nil
}

// runTurn performs one admitted provider call: stream, record cost, and
// update speaker statistics. A transient failure is retried once with
// exponential backoff; the second failure counts toward breaker failures.
func (o *Orchestrator) runTurn(ctx context.Context, sink Sink, speaker models.AgentDefinition, provider, model string, messages []llm.Message, turnIndex int, req Request) (models.TurnMessage, error) {
	client, ok := o.deps.Clients.Get(provider)
	if !ok {
		return models.TurnMessage{}, fmt.Errorf("no client for provider %q", provider)
	}

	o.deps.Selector.BeginTurn(speaker.AgentID)
	defer o.deps.Selector.EndTurn(speaker.AgentID)

	if err := sink.Thinking(ctx, speaker.AgentID, turnIndex); err != nil {
		return models.TurnMessage{}, ErrClientGone
	}

	turnStart := time.Now()
	var content string
	var tokensIn, tokensOut int
	var callErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		content, tokensIn, tokensOut, callErr = o.streamCall(ctx, sink, client, speaker.AgentID, model, messages, turnIndex)
		if callErr == nil {
			break
		}
		if errors.Is(callErr, ErrClientGone) || ctx.Err() != nil {
			return models.TurnMessage{}, callErr
		}
		if attempt == maxAttempts || !llm.IsTransient(callErr) {
			break
		}
		if err := o.sleep(ctx, backoff(attempt)); err != nil {
			return models.TurnMessage{}, err
		}
	}

	latency := time.Since(turnStart)
	if callErr != nil {
		o.deps.Metrics.RecordLLMCall(provider, model, "error", latency)
		o.deps.Metrics.RecordTurn("provider_error")
		if llm.IsTransient(callErr) {
			o.deps.Breaker.RecordFailure(ctx)
		}
		o.deps.Selector.RecordOutcome(speaker.AgentID, false)
		o.deps.Logger.Error("provider call failed",
			"provider", provider, "model", model, "agent_id", speaker.AgentID, "error", callErr)
		return models.TurnMessage{}, callErr
	}
	o.deps.Metrics.RecordLLMCall(provider, model, "ok", latency)

	if tokensIn == 0 {
		tokensIn = llm.EstimateMessagesTokens(messages)
	}
	if tokensOut == 0 {
		tokensOut = llm.EstimateTokens(content)
	}

	rec, err := o.deps.Pricing.Cost(provider, model, tokensIn, tokensOut)
	if err != nil {
		return models.TurnMessage{}, fmt.Errorf("pricing completed call: %w", err)
	}
	rec.SessionID = req.SessionID
	rec.ConversationID = req.ConversationID
	rec.TurnID = uuid.NewString()
	rec.AgentID = speaker.AgentID
	if err := o.deps.Ledger.RecordCall(ctx, rec); err != nil {
		return models.TurnMessage{}, fmt.Errorf("recording call cost: %w", err)
	}

	o.deps.Breaker.RecordSuccess(ctx, rec.TotalCost)
	o.deps.Selector.RecordOutcome(speaker.AgentID, true)

	msg := models.TurnMessage{
		TurnIndex:      turnIndex,
		SpeakerAgentID: speaker.AgentID,
		Role:           models.RoleAssistant,
		Content:        content,
		TokensIn:       tokensIn,
		TokensOut:      tokensOut,
		Cost:           rec.TotalCost,
		DurationMS:     latency.Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := sink.TurnFinal(ctx, msg); err != nil {
		return models.TurnMessage{}, ErrClientGone
	}
	return msg, nil
}

// streamCall drives one provider stream to completion, forwarding text
// chunks to the sink in producer order.
func (o *Orchestrator) streamCall(ctx context.Context, sink Sink, client llm.Client, agentID, model string, messages []llm.Message, turnIndex int) (string, int, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.deps.Limits.ProviderCallTimeout)
	defer cancel()

	chunks, errs := client.GenerateStream(callCtx, model, messages, llm.Params{MaxTokens: defaultMaxTokens})

	var sb strings.Builder
	var tokensIn, tokensOut int
	for chunk := range chunks {
		if chunk.Final {
			tokensIn = chunk.TokensIn
			tokensOut = chunk.TokensOut
			continue
		}
		sb.WriteString(chunk.ContentDelta)
		if err := sink.Text(ctx, agentID, turnIndex, chunk.ContentDelta); err != nil {
			cancel()
			for range chunks {
			}
			<-errs
			return "", 0, 0, ErrClientGone
		}
	}
	if err := <-errs; err != nil {
		return "", 0, 0, err
	}
	return sb.String(), tokensIn, tokensOut, nil
}

func (o *Orchestrator) retrieveContext(ctx context.Context, userID, agentID, query string) *models.ContextBlock {
	if o.deps.Retriever == nil {
		return nil
	}
	return o.deps.Retriever.BuildContext(ctx, userID, agentID, query, o.deps.RAG.TopK, o.deps.RAG.Threshold)
}

// buildMessages assembles the provider prompt: the agent's system prompt
// enriched with retrieval context, the running transcript, then the
// user's message.
func (o *Orchestrator) buildMessages(speaker models.AgentDefinition, callerContext string, block *models.ContextBlock, userMessage string, transcript []models.TurnMessage) []llm.Message {
	var system strings.Builder
	system.WriteString(speaker.SystemPrompt)
	if callerContext != "" {
		system.WriteString("\n\nPrior context:\n")
		system.WriteString(callerContext)
	}
	if block != nil && block.Text != "" {
		system.WriteString("\n\nRelevant memory:\n")
		system.WriteString(block.Text)
	}

	messages := []llm.Message{{Role: models.RoleSystem, Content: system.String()}}
	messages = append(messages, llm.Message{Role: models.RoleUser, Content: userMessage})
	for _, turn := range transcript {
		messages = append(messages, llm.Message{
			Role:    models.RoleAssistant,
			Content: fmt.Sprintf("[%s] %s", turn.SpeakerAgentID, turn.Content),
		})
	}
	return messages
}

// resolveModel maps an agent to its provider and model. A ModelHint of
// "provider/model" pins both; a bare hint selects a model under the
// default provider.
func (o *Orchestrator) resolveModel(speaker models.AgentDefinition) (string, string) {
	provider := o.deps.Providers.DefaultProvider
	model := ""
	if pc, ok := o.deps.Providers.Providers[provider]; ok {
		model = pc.DefaultModel
	}
	if speaker.ModelHint != "" {
		if p, m, found := strings.Cut(speaker.ModelHint, "/"); found {
			provider, model = p, m
		} else {
			model = speaker.ModelHint
		}
	}
	return provider, model
}

func (o *Orchestrator) finalize(ctx context.Context, req Request, transcript []models.TurnMessage, reason models.TerminationReason, blockReason string, started time.Time) models.ConversationResult {
	result := models.ConversationResult{
		ConversationID:    req.ConversationID,
		TurnCount:         len(transcript),
		DurationMS:        time.Since(started).Milliseconds(),
		TerminationReason: reason,
		BlockReason:       blockReason,
		Transcript:        transcript,
	}

	seen := make(map[string]struct{})
	for _, turn := range transcript {
		result.CostBreakdown.InputTokens += turn.TokensIn
		result.CostBreakdown.OutputTokens += turn.TokensOut
		result.CostBreakdown.TotalCost += turn.Cost
		if _, ok := seen[turn.SpeakerAgentID]; !ok {
			seen[turn.SpeakerAgentID] = struct{}{}
			result.AgentsUsed = append(result.AgentsUsed, turn.SpeakerAgentID)
		}
	}
	if len(transcript) > 0 {
		result.Response = transcript[len(transcript)-1].Content
	}

	status := models.SessionCompleted
	switch reason {
	case models.TerminationCancelled, models.TerminationServerShutdown:
		status = models.SessionAborted
	case models.TerminationCostBlocked, models.TerminationCircuitOpen:
		status = models.SessionCircuitBlocked
	}
	closeCtx := context.WithoutCancel(ctx)
	if err := o.deps.Ledger.CloseSession(closeCtx, req.ConversationID, status); err != nil {
		o.deps.Logger.Error("closing session", "conversation_id", req.ConversationID, "error", err)
	}
	return result
}

// rememberConversation stores the final exchange as a conversation memory
// so later conversations can recall it. Failures only log.
func (o *Orchestrator) rememberConversation(ctx context.Context, req Request, result models.ConversationResult) {
	if o.deps.Memory == nil || result.Response == "" {
		return
	}
	_, err := o.deps.Memory.Put(context.WithoutCancel(ctx), models.MemoryEntry{
		MemoryType:      models.MemoryConversation,
		Content:         fmt.Sprintf("Q: %s\nA: %s", req.Message, result.Response),
		UserID:          req.UserID,
		ConversationID:  req.ConversationID,
		ImportanceScore: 0.5,
	})
	if err != nil {
		o.deps.Logger.Warn("storing conversation memory", "conversation_id", req.ConversationID, "error", err)
	}
}

func (o *Orchestrator) alertPricingUnknown(ctx context.Context, provider, model string) {
	err := o.deps.Ledger.RecordAlert(context.WithoutCancel(ctx), models.CostAlert{
		Level:   "critical",
		Scope:   "pricing",
		Message: fmt.Sprintf("no active pricing for %s/%s; admission denied", provider, model),
	})
	if err != nil {
		o.deps.Logger.Error("recording pricing alert", "provider", provider, "model", model, "error", err)
	}
}

// backoff returns the delay before retry attempt n+1: base doubled per
// attempt, capped.
func backoff(attempt int) time.Duration {
	d := retryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryBackoffCap {
			return retryBackoffCap
		}
	}
	return d
}
