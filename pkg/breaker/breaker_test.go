package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/metrics"
)

type fakeCosts struct {
	conversation map[string]float64
	day          float64
	err          error
}

func (f *fakeCosts) ConversationTotal(_ context.Context, id string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.conversation[id], nil
}

func (f *fakeCosts) DayTotal(_ context.Context, _ time.Time) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.day, nil
}

func testLimits() config.Limits {
	l := config.DefaultLimits()
	l.BudgetDailyLimit = 1.00
	l.ConversationLimit = 0.50
	l.TurnLimit = 0.10
	l.RecoveryTimeout = 60 * time.Second
	l.SuccessThreshold = 3
	l.FailureThreshold = 5
	l.HalfOpenProbes = 3
	l.MaxTurnsPerMinute = 5
	l.MaxConversationsPerHour = 2
	l.SpikeFactor = 3.0
	return l
}

func newTestBreaker(t *testing.T, limits config.Limits, costs *fakeCosts) (*Breaker, *MemoryStateStore, *[]Event) {
	t.Helper()
	store := NewMemoryStateStore()
	b := New(limits, costs, store, metrics.New(), slog.Default())
	events := &[]Event{}
	b.OnEvent(func(e Event) { *events = append(*events, e) })
	require.NoError(t, b.Init(context.Background()))
	return b, store, events
}

func TestAdmitWithinLimits(t *testing.T) {
	b, _, _ := newTestBreaker(t, testLimits(), &fakeCosts{conversation: map[string]float64{}})

	d := b.Admit(context.Background(), Request{ConversationID: "c1", EstimatedCost: 0.05})
	assert.True(t, d.Admitted)
	assert.Empty(t, d.Reason)
}

func TestTurnLimitBoundary(t *testing.T) {
	b, _, _ := newTestBreaker(t, testLimits(), &fakeCosts{conversation: map[string]float64{}})
	ctx := context.Background()

	// Exactly at the limit is admitted.
	assert.True(t, b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.10}).Admitted)

	d := b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.10001})
	assert.False(t, d.Admitted)
	assert.Equal(t, ReasonTurnLimit, d.Reason)
}

func TestConversationLimit(t *testing.T) {
	costs := &fakeCosts{conversation: map[string]float64{"c1": 0.45}}
	b, _, _ := newTestBreaker(t, testLimits(), costs)

	d := b.Admit(context.Background(), Request{ConversationID: "c1", EstimatedCost: 0.06})
	assert.False(t, d.Admitted)
	assert.Equal(t, ReasonConversationCap, d.Reason)

	// A cheaper call still fits.
	assert.True(t, b.Admit(context.Background(), Request{ConversationID: "c1", EstimatedCost: 0.05}).Admitted)
}

func TestDailyBudgetTripsBreaker(t *testing.T) {
	costs := &fakeCosts{conversation: map[string]float64{}, day: 0.95}
	b, _, events := newTestBreaker(t, testLimits(), costs)
	ctx := context.Background()

	// 0.95 + 0.03 fits under 1.00.
	assert.True(t, b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.03}).Admitted)

	costs.day = 0.98
	d := b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.10})
	assert.False(t, d.Admitted)
	assert.Equal(t, ReasonDailyBudget, d.Reason)
	assert.Equal(t, StateOpen, b.View().State)

	// Subsequent admissions are rejected with a positive retry hint.
	d = b.Admit(ctx, Request{ConversationID: "c2", EstimatedCost: 0.01})
	assert.Equal(t, ReasonCircuitOpen, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	var sawTransition bool
	for _, e := range *events {
		if e.Type == "state_change" && e.State == StateOpen {
			sawTransition = true
		}
	}
	assert.True(t, sawTransition)
}

func TestCircuitRecovery(t *testing.T) {
	costs := &fakeCosts{conversation: map[string]float64{}}
	b, _, _ := newTestBreaker(t, testLimits(), costs)
	ctx := context.Background()

	t0 := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	now := t0
	b.now = func() time.Time { return now }

	b.Trip(ctx, "test")
	require.Equal(t, StateOpen, b.View().State)

	// Before the recovery timeout every call is rejected.
	now = t0.Add(59 * time.Second)
	d := b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.01})
	assert.Equal(t, ReasonCircuitOpen, d.Reason)

	// After the timeout the first admission attempt moves to half-open.
	now = t0.Add(61 * time.Second)
	d = b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.01})
	assert.True(t, d.Admitted)
	assert.Equal(t, StateHalfOpen, b.View().State)

	// Three consecutive successes close the circuit.
	b.RecordSuccess(ctx, 0.01)
	b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.01})
	b.RecordSuccess(ctx, 0.01)
	b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.01})
	b.RecordSuccess(ctx, 0.01)
	assert.Equal(t, StateClosed, b.View().State)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	costs := &fakeCosts{conversation: map[string]float64{}}
	b, _, _ := newTestBreaker(t, testLimits(), costs)
	ctx := context.Background()

	t0 := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	now := t0
	b.now = func() time.Time { return now }

	b.Trip(ctx, "test")
	now = t0.Add(61 * time.Second)
	require.True(t, b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.01}).Admitted)
	require.Equal(t, StateHalfOpen, b.View().State)

	b.RecordFailure(ctx)
	assert.Equal(t, StateOpen, b.View().State)

	// The timer resets from the reopen instant.
	now = t0.Add(100 * time.Second)
	d := b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.01})
	assert.Equal(t, ReasonCircuitOpen, d.Reason)
}

func TestHalfOpenProbeCap(t *testing.T) {
	limits := testLimits()
	limits.HalfOpenProbes = 1
	costs := &fakeCosts{conversation: map[string]float64{}}
	b, _, _ := newTestBreaker(t, limits, costs)
	ctx := context.Background()

	t0 := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	now := t0
	b.now = func() time.Time { return now }

	b.Trip(ctx, "test")
	now = t0.Add(61 * time.Second)
	require.True(t, b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.01}).Admitted)

	d := b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.01})
	assert.Equal(t, ReasonCircuitOpen, d.Reason)
}

func TestTurnRateLimit(t *testing.T) {
	limits := testLimits()
	limits.MaxTurnsPerMinute = 3
	b, _, _ := newTestBreaker(t, limits, &fakeCosts{conversation: map[string]float64{}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.01}).Admitted)
	}
	d := b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.01})
	assert.Equal(t, ReasonRateLimited, d.Reason)
}

// slowCosts stalls ledger reads so concurrent admissions overlap between
// the rate check and the turn recording.
type slowCosts struct{ delay time.Duration }

func (f *slowCosts) ConversationTotal(_ context.Context, _ string) (float64, error) {
	time.Sleep(f.delay)
	return 0, nil
}

func (f *slowCosts) DayTotal(_ context.Context, _ time.Time) (float64, error) {
	return 0, nil
}

func TestTurnRateLimitUnderConcurrentAdmissions(t *testing.T) {
	limits := testLimits()
	limits.MaxTurnsPerMinute = 5
	b := New(limits, &slowCosts{delay: 10 * time.Millisecond}, NewMemoryStateStore(), metrics.New(), slog.Default())
	ctx := context.Background()

	const attempts = 20
	var wg sync.WaitGroup
	var admitted, rateLimited int64
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.01})
			if d.Admitted {
				atomic.AddInt64(&admitted, 1)
			} else if d.Reason == ReasonRateLimited {
				atomic.AddInt64(&rateLimited, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, limits.MaxTurnsPerMinute, admitted, "window must never overshoot")
	assert.EqualValues(t, attempts-limits.MaxTurnsPerMinute, rateLimited)
}

func TestConversationRateLimit(t *testing.T) {
	b, _, _ := newTestBreaker(t, testLimits(), &fakeCosts{conversation: map[string]float64{}})
	ctx := context.Background()

	require.True(t, b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.01, NewConversation: true}).Admitted)
	require.True(t, b.Admit(ctx, Request{ConversationID: "c2", EstimatedCost: 0.01, NewConversation: true}).Admitted)

	d := b.Admit(ctx, Request{ConversationID: "c3", EstimatedCost: 0.01, NewConversation: true})
	assert.Equal(t, ReasonRateLimited, d.Reason)

	// Continuing turns of existing conversations are unaffected.
	assert.True(t, b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.01}).Admitted)
}

func TestSpikeDetection(t *testing.T) {
	b, _, events := newTestBreaker(t, testLimits(), &fakeCosts{conversation: map[string]float64{}})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		b.RecordSuccess(ctx, 0.01)
	}

	// 0.05 > 3.0 * 0.01: admitted, but counted and reported.
	d := b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.05})
	assert.True(t, d.Admitted)

	var spikes int
	for _, e := range *events {
		if e.Type == "cost_spike" {
			spikes++
		}
	}
	assert.Equal(t, 1, spikes)
	assert.Equal(t, 1, b.View().Failures)
}

func TestFailClosedOnStorageError(t *testing.T) {
	costs := &fakeCosts{conversation: map[string]float64{}, err: errors.New("db down")}
	b, store, _ := newTestBreaker(t, testLimits(), costs)
	ctx := context.Background()

	d := b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.01})
	assert.False(t, d.Admitted)
	assert.Equal(t, ReasonStorageUnhealthy, d.Reason)

	// Rate bucket reads failing closed too.
	costs.err = nil
	store.FailReads = errors.New("redis down")
	d = b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.01, NewConversation: true})
	assert.Equal(t, ReasonStorageUnhealthy, d.Reason)
}

func TestForceCloseResetsCircuit(t *testing.T) {
	b, _, _ := newTestBreaker(t, testLimits(), &fakeCosts{conversation: map[string]float64{}})
	ctx := context.Background()

	b.Trip(ctx, "test")
	require.Equal(t, StateOpen, b.View().State)

	b.ForceClose(ctx, "ops@example.com")
	v := b.View()
	assert.Equal(t, StateClosed, v.State)
	assert.Equal(t, 0, v.Failures)
	assert.True(t, b.Admit(ctx, Request{ConversationID: "c1", EstimatedCost: 0.01}).Admitted)
}

func TestSnapshotRoundTrip(t *testing.T) {
	costs := &fakeCosts{conversation: map[string]float64{}}
	b, store, _ := newTestBreaker(t, testLimits(), costs)
	ctx := context.Background()

	b.Trip(ctx, "test")

	restored := New(testLimits(), costs, store, metrics.New(), slog.Default())
	require.NoError(t, restored.Init(ctx))
	assert.Equal(t, StateOpen, restored.View().State)
}
