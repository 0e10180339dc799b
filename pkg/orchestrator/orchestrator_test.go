package orchestrator

import (
	"context"
	"log/slog"
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

type harness struct {
	orch    *Orchestrator
	ledger  *ledger.Ledger
	store   *ledger.MemoryStore
	breaker *breaker.Breaker
	fake    *llm.FakeClient
	table   *pricing.Table
	slept   []time.Duration
}

func newHarness(t *testing.T, limits config.Limits) *harness {
	t.Helper()
	logger := slog.Default()
	m := metrics.New()

	reg, err := agent.NewRegistry([]models.AgentDefinition{
		{AgentID: "chief", Name: "Chief", Role: "coordinates", Tier: models.TierCoordinator,
			ExpertiseKeywords: []string{"strategy"}, SystemPrompt: "You coordinate."},
		{AgentID: "analyst", Name: "Analyst", Role: "analyzes", Tier: models.TierSpecialist,
			ExpertiseKeywords: []string{"market", "analysis"}, SystemPrompt: "You analyze."},
		{AgentID: "writer", Name: "Writer", Role: "writes", Tier: models.TierSpecialist,
			ExpertiseKeywords: []string{"copy", "messaging"}, SystemPrompt: "You write."},
	})
	require.NoError(t, err)

	table := pricing.NewTable(pricing.NewMemoryStore(), logger)
	require.NoError(t, table.Init(context.Background()))

	store := ledger.NewMemoryStore()
	led := ledger.New(store, m, logger)
	brk := breaker.New(limits, led, breaker.NewMemoryStateStore(), m, logger)
	fake := llm.NewFakeClient("openai")

	h := &harness{ledger: led, store: store, breaker: brk, fake: fake, table: table}
	h.orch = New(Deps{
		Registry: reg,
		Selector: agent.NewSelector(reg, config.DefaultSelection()),
		Breaker:  brk,
		Pricing:  table,
		Ledger:   led,
		Clients:  llm.NewRegistry(fake),
		Metrics:  m,
		Limits:   limits,
		RAG:      config.DefaultRAG(),
		Providers: config.ProvidersConfig{
			DefaultProvider: "openai",
			Providers:       map[string]config.ProviderConfig{"openai": {DefaultModel: "gpt-4o-mini"}},
		},
		Logger: logger,
	})
	h.orch.sleep = func(_ context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	}
	return h
}

func TestRunEndsOnCompletionMarker(t *testing.T) {
	h := newHarness(t, config.DefaultLimits())
	h.fake.Script(llm.Result{
		Content: "Market looks strong. The analysis is complete.", TokensIn: 100, TokensOut: 50,
	})

	res, err := h.orch.Run(context.Background(), Request{
		ConversationID: "c1", UserID: "u1", Message: "analyze the market",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TerminationCompletionMarker, res.TerminationReason)
	assert.Equal(t, 1, res.TurnCount)
	assert.Equal(t, []string{"analyst"}, res.AgentsUsed)
	assert.Contains(t, res.Response, "analysis is complete")
	assert.Greater(t, res.CostBreakdown.TotalCost, 0.0)

	// Session aggregate equals the sum of its cost records.
	sess, err := h.ledger.Session(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, sess.Status)
	assert.InDelta(t, res.CostBreakdown.TotalCost, sess.TotalCost, 1e-9)
	assert.Equal(t, 1, sess.TotalInteractions)
}

func TestRunStopsAtMaxTurns(t *testing.T) {
	h := newHarness(t, config.DefaultLimits())
	h.fake.Script(llm.Result{Content: "still thinking about the market", TokensIn: 50, TokensOut: 20})

	res, err := h.orch.Run(context.Background(), Request{
		ConversationID: "c1", UserID: "u1", Message: "analyze the market", MaxTurns: 3,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TerminationMaxTurns, res.TerminationReason)
	assert.Equal(t, 3, res.TurnCount)
	assert.GreaterOrEqual(t, len(res.AgentsUsed), 2, "excluding the last speaker forces alternation")

	// Turn indices are contiguous from zero.
	for i, turn := range res.Transcript {
		assert.Equal(t, i, turn.TurnIndex)
	}
}

func TestTurnLimitRejectsBeforeAnyCall(t *testing.T) {
	limits := config.DefaultLimits()
	limits.TurnLimit = 0.0000001
	h := newHarness(t, limits)

	res, err := h.orch.Run(context.Background(), Request{
		ConversationID: "c1", UserID: "u1", Message: "analyze the market",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TerminationCostBlocked, res.TerminationReason)
	assert.Equal(t, breaker.ReasonTurnLimit, res.BlockReason)
	assert.Equal(t, 0, res.TurnCount)
	assert.Equal(t, 0, h.fake.Calls(), "no provider call on rejection")
	assert.Empty(t, h.store.Records(), "no cost record on rejection")

	sess, err := h.ledger.Session(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCircuitBlocked, sess.Status)
}

func TestDailyBudgetTripsMidConversation(t *testing.T) {
	limits := config.DefaultLimits()
	limits.BudgetDailyLimit = 1.00
	h := newHarness(t, limits)
	ctx := context.Background()

	// Existing spend leaves just enough headroom for one more turn.
	require.NoError(t, h.ledger.EnsureSession(ctx, "s0", "c0", "u1"))
	require.NoError(t, h.ledger.RecordCall(ctx, models.CostRecord{
		SessionID: "s0", ConversationID: "c0", Provider: "openai", Model: "gpt-4o-mini",
		OutputCost: 0.9990, TotalCost: 0.9990,
	}))

	h.fake.Script(llm.Result{Content: "the market keeps moving", TokensIn: 100, TokensOut: 1500})

	res, err := h.orch.Run(ctx, Request{
		ConversationID: "c1", UserID: "u1", Message: "watch the market",
	}, nil)
	require.NoError(t, err)

	// First turn admitted and recorded; the second projects past the
	// daily budget and trips the breaker open.
	assert.Equal(t, 1, res.TurnCount)
	assert.Equal(t, models.TerminationCostBlocked, res.TerminationReason)
	assert.Equal(t, breaker.ReasonDailyBudget, res.BlockReason)
	assert.Equal(t, breaker.StateOpen, h.breaker.View().State)

	day, err := h.ledger.DayTotal(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Greater(t, day, 0.9990)

	// Subsequent admissions are rejected by the open circuit with a
	// positive retry hint.
	d := h.breaker.Admit(ctx, breaker.Request{ConversationID: "c2", EstimatedCost: 0.001, NewConversation: true})
	assert.False(t, d.Admitted)
	assert.Equal(t, breaker.ReasonCircuitOpen, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestTransientErrorRetriedOnce(t *testing.T) {
	h := newHarness(t, config.DefaultLimits())
	h.fake.
		ScriptError(llm.NewError(llm.KindTransient, "openai", "upstream 503", nil)).
		Script(llm.Result{Content: "recovered, analysis complete", TokensIn: 40, TokensOut: 10})

	res, err := h.orch.Run(context.Background(), Request{
		ConversationID: "c1", UserID: "u1", Message: "analyze the market",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TerminationCompletionMarker, res.TerminationReason)
	assert.Equal(t, 2, h.fake.Calls())
	require.Len(t, h.slept, 1)
	assert.Equal(t, 250*time.Millisecond, h.slept[0])
	assert.Equal(t, 0, h.breaker.View().Failures, "a recovered retry is not a breaker failure")
}

func TestTransientDoubleFailureTerminatesAndCounts(t *testing.T) {
	h := newHarness(t, config.DefaultLimits())
	h.fake.ScriptError(llm.NewError(llm.KindTransient, "openai", "upstream 503", nil))

	res, err := h.orch.Run(context.Background(), Request{
		ConversationID: "c1", UserID: "u1", Message: "analyze the market",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TerminationProviderError, res.TerminationReason)
	assert.Equal(t, 0, res.TurnCount)
	assert.Equal(t, 2, h.fake.Calls())
	assert.Equal(t, 1, h.breaker.View().Failures)
}

func TestPermanentErrorNotRetried(t *testing.T) {
	h := newHarness(t, config.DefaultLimits())
	h.fake.ScriptError(llm.NewError(llm.KindInvalidRequest, "openai", "bad model", nil))

	res, err := h.orch.Run(context.Background(), Request{
		ConversationID: "c1", UserID: "u1", Message: "analyze the market",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TerminationProviderError, res.TerminationReason)
	assert.Equal(t, 1, h.fake.Calls())
	assert.Empty(t, h.slept)
	assert.Equal(t, 0, h.breaker.View().Failures, "permanent errors do not count toward the breaker")
}

func TestNoSpeakerTerminates(t *testing.T) {
	h := newHarness(t, config.DefaultLimits())

	res, err := h.orch.Run(context.Background(), Request{
		ConversationID: "c1", UserID: "u1", Message: "anything",
		Pinned: []string{"nobody-by-this-id"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TerminationNoSpeaker, res.TerminationReason)
	assert.Equal(t, 0, res.TurnCount)
	assert.Equal(t, 0, h.fake.Calls())
}

func TestCancelledContextAbortsSession(t *testing.T) {
	h := newHarness(t, config.DefaultLimits())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.orch.Run(ctx, Request{
		ConversationID: "c1", UserID: "u1", Message: "analyze the market",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TerminationCancelled, res.TerminationReason)
	sess, err := h.ledger.Session(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionAborted, sess.Status)
}
