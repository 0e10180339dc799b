package budget

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/breaker"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/ledger"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/models"
)

type fakeCosts struct {
	day       float64
	month     float64
	providers map[string]float64
	daily     []ledger.DailyTotal
	sessions  []models.ConversationSession
	alerts    []models.CostAlert
}

func (f *fakeCosts) DayTotal(context.Context, time.Time) (float64, error)   { return f.day, nil }
func (f *fakeCosts) MonthTotal(context.Context, time.Time) (float64, error) { return f.month, nil }
func (f *fakeCosts) ProviderDayTotals(context.Context, time.Time) (map[string]float64, error) {
	return f.providers, nil
}
func (f *fakeCosts) DailyTotals(context.Context, time.Time) ([]ledger.DailyTotal, error) {
	return f.daily, nil
}
func (f *fakeCosts) SessionsSince(context.Context, time.Time) ([]models.ConversationSession, error) {
	return f.sessions, nil
}
func (f *fakeCosts) RecordAlert(_ context.Context, a models.CostAlert) error {
	f.alerts = append(f.alerts, a)
	return nil
}

type fakeTripper struct {
	limits  config.Limits
	state   breaker.State
	reasons []string
}

func (f *fakeTripper) Trip(_ context.Context, reason string) {
	f.state = breaker.StateOpen
	f.reasons = append(f.reasons, reason)
}
func (f *fakeTripper) View() breaker.View    { return breaker.View{State: f.state} }
func (f *fakeTripper) Limits() config.Limits { return f.limits }

func newTestMonitor(costs *fakeCosts, tr *fakeTripper) *Monitor {
	return NewMonitor(costs, tr, metrics.New(), slog.Default(), time.Minute)
}

func TestSweepHealthy(t *testing.T) {
	costs := &fakeCosts{day: 5, month: 60, providers: map[string]float64{"openai": 5}}
	tr := &fakeTripper{limits: config.DefaultLimits(), state: breaker.StateClosed}

	report, err := newTestMonitor(costs, tr).Sweep(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 0.10, report.DailyUtilization, 1e-9)
	assert.Equal(t, RecommendationNone, report.CircuitRecommendation)
	assert.Empty(t, tr.reasons)
	require.Len(t, report.PerProvider, 1)
	assert.Equal(t, "openai", report.PerProvider[0].Provider)
}

func TestSweepTripsAtCriticalThreshold(t *testing.T) {
	limits := config.DefaultLimits()
	limits.BudgetDailyLimit = 10
	costs := &fakeCosts{day: 9.5, providers: map[string]float64{}}
	tr := &fakeTripper{limits: limits, state: breaker.StateClosed}

	report, err := newTestMonitor(costs, tr).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RecommendationTripped, report.CircuitRecommendation)
	require.Len(t, tr.reasons, 1)
	assert.Contains(t, tr.reasons[0], "critical")
	require.Len(t, costs.alerts, 1)
}

func TestSweepTripsOnProviderCap(t *testing.T) {
	limits := config.DefaultLimits()
	limits.BudgetDailyLimit = 100
	costs := &fakeCosts{day: 10, providers: map[string]float64{"anthropic": 9.6}}
	tr := &fakeTripper{limits: limits, state: breaker.StateClosed}

	m := newTestMonitor(costs, tr)
	m.SetProviderLimit("anthropic", 10)

	report, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecommendationTripped, report.CircuitRecommendation)
	assert.Contains(t, tr.reasons[0], "anthropic")
}

func TestSweepDoesNotRetripOpenCircuit(t *testing.T) {
	limits := config.DefaultLimits()
	limits.BudgetDailyLimit = 10
	costs := &fakeCosts{day: 9.5, providers: map[string]float64{}}
	tr := &fakeTripper{limits: limits, state: breaker.StateOpen}

	report, err := newTestMonitor(costs, tr).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecommendationNone, report.CircuitRecommendation)
	assert.Empty(t, tr.reasons)
}

func TestAnomalyDetection(t *testing.T) {
	costs := &fakeCosts{
		providers: map[string]float64{},
		sessions: []models.ConversationSession{
			{ConversationID: "a", TotalCost: 0.2},
			{ConversationID: "b", TotalCost: 0.3},
			{ConversationID: "c", TotalCost: 4.0},
			{ConversationID: "d", TotalCost: 7.5},
		},
	}
	tr := &fakeTripper{limits: config.DefaultLimits(), state: breaker.StateClosed}

	report, err := newTestMonitor(costs, tr).Sweep(context.Background())
	require.NoError(t, err)

	// Mean is 3.0; nothing exceeds 3x mean (9.0).
	require.Empty(t, report.SessionAnomalies)

	costs.sessions = []models.ConversationSession{
		{ConversationID: "a", TotalCost: 0.1},
		{ConversationID: "b", TotalCost: 0.2},
		{ConversationID: "c", TotalCost: 0.3},
		{ConversationID: "big", TotalCost: 5.0},
	}
	report, err = newTestMonitor(costs, tr).Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, report.SessionAnomalies, 1)
	assert.Equal(t, "big", report.SessionAnomalies[0].ConversationID)
}

func TestAnomalyRequiresAbsoluteFloor(t *testing.T) {
	// Far above the mean but under the 1.0 floor: not flagged.
	costs := &fakeCosts{
		providers: map[string]float64{},
		sessions: []models.ConversationSession{
			{ConversationID: "a", TotalCost: 0.01},
			{ConversationID: "b", TotalCost: 0.01},
			{ConversationID: "c", TotalCost: 0.01},
			{ConversationID: "d", TotalCost: 0.5},
		},
	}
	tr := &fakeTripper{limits: config.DefaultLimits(), state: breaker.StateClosed}

	report, err := newTestMonitor(costs, tr).Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.SessionAnomalies)
}

func TestPredictionInsufficientData(t *testing.T) {
	costs := &fakeCosts{providers: map[string]float64{}, daily: []ledger.DailyTotal{
		{Total: 1}, {Total: 2},
	}}
	tr := &fakeTripper{limits: config.DefaultLimits(), state: breaker.StateClosed}

	report, err := newTestMonitor(costs, tr).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, InsufficientData, report.Prediction.Status)
}

func TestPredictionLinearTrend(t *testing.T) {
	// Flat 2.0/day: every projection is a multiple of 2.
	costs := &fakeCosts{providers: map[string]float64{}, daily: []ledger.DailyTotal{
		{Total: 2}, {Total: 2}, {Total: 2}, {Total: 2},
	}}
	tr := &fakeTripper{limits: config.DefaultLimits(), state: breaker.StateClosed}

	report, err := newTestMonitor(costs, tr).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, PredictionOK, report.Prediction.Status)
	assert.InDelta(t, 2.0, report.Prediction.Tomorrow, 1e-9)
	assert.InDelta(t, 14.0, report.Prediction.Next7Days, 1e-9)
	assert.InDelta(t, 60.0, report.Prediction.Next30Days, 1e-9)
}

func TestLastReportCached(t *testing.T) {
	costs := &fakeCosts{providers: map[string]float64{}}
	tr := &fakeTripper{limits: config.DefaultLimits(), state: breaker.StateClosed}
	m := newTestMonitor(costs, tr)

	assert.Nil(t, m.LastReport())
	_, err := m.Sweep(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m.LastReport())
}

type fakeNotifier struct {
	alerts []models.CostAlert
}

func (f *fakeNotifier) NotifyCostAlert(_ context.Context, a models.CostAlert) {
	f.alerts = append(f.alerts, a)
}

func TestSweepNotifiesOnTrip(t *testing.T) {
	limits := config.DefaultLimits()
	limits.BudgetDailyLimit = 10
	costs := &fakeCosts{day: 9.8, providers: map[string]float64{}}
	tr := &fakeTripper{limits: limits, state: breaker.StateClosed}

	m := newTestMonitor(costs, tr)
	notifier := &fakeNotifier{}
	m.SetNotifier(notifier)

	_, err := m.Sweep(context.Background())
	require.NoError(t, err)

	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, breaker.LevelCritical, notifier.alerts[0].Level)
	assert.Equal(t, "daily", notifier.alerts[0].Scope)
}
