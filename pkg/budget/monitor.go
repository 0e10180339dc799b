// Package budget runs the periodic budget sweep: aggregate reporting,
// spending prediction, session anomaly detection, and tripping the
// circuit breaker when utilization crosses the critical threshold.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/breaker"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/ledger"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/models"
)

// Sweep cadence. Kept under the one-minute bound so threshold crossings
// are caught promptly.
const defaultInterval = 30 * time.Second

// providerTripRatio is the per-provider utilization at which the monitor
// trips the breaker.
const providerTripRatio = 0.95

// anomalyFactor and anomalyFloor define a session anomaly: total cost
// above anomalyFactor times the 24 h mean AND above anomalyFloor.
const (
	anomalyFactor = 3.0
	anomalyFloor  = 1.0
)

// CostSource serves the aggregates the sweep reads.
type CostSource interface {
	DayTotal(ctx context.Context, t time.Time) (float64, error)
	MonthTotal(ctx context.Context, t time.Time) (float64, error)
	ProviderDayTotals(ctx context.Context, t time.Time) (map[string]float64, error)
	DailyTotals(ctx context.Context, since time.Time) ([]ledger.DailyTotal, error)
	SessionsSince(ctx context.Context, since time.Time) ([]models.ConversationSession, error)
	RecordAlert(ctx context.Context, alert models.CostAlert) error
}

// Tripper is the breaker surface the monitor drives.
type Tripper interface {
	Trip(ctx context.Context, reason string)
	View() breaker.View
	Limits() config.Limits
}

// Notifier delivers alerts to an external channel. Optional; implemented
// by *slack.Service.
type Notifier interface {
	NotifyCostAlert(ctx context.Context, alert models.CostAlert)
}

// Prediction statuses and circuit recommendations.
const (
	PredictionOK          = "ok"
	InsufficientData      = "insufficient_data"
	RecommendationNone    = "none"
	RecommendationTripped = "tripped"
)

// Prediction is the linear spending projection.
type Prediction struct {
	Status     string  `json:"status"`
	Tomorrow   float64 `json:"tomorrow,omitempty"`
	Next7Days  float64 `json:"next_7_days,omitempty"`
	Next30Days float64 `json:"next_30_days,omitempty"`
}

// ProviderUsage is one provider's share of the daily spend.
type ProviderUsage struct {
	Provider string  `json:"provider"`
	Total    float64 `json:"total"`
	Limit    float64 `json:"limit"`
	Ratio    float64 `json:"ratio"`
}

// Anomaly is a session flagged by the sweep.
type Anomaly struct {
	ConversationID string  `json:"conversation_id"`
	SessionID      string  `json:"session_id"`
	Total          float64 `json:"total"`
	Mean24H        float64 `json:"mean_24h"`
}

// Report is the typed result of one sweep.
type Report struct {
	GeneratedAt           time.Time       `json:"generated_at"`
	DailyTotal            float64         `json:"daily_total"`
	DailyLimit            float64         `json:"daily_limit"`
	DailyUtilization      float64         `json:"daily_utilization"`
	MonthTotal            float64         `json:"month_total"`
	PerProvider           []ProviderUsage `json:"per_provider"`
	SessionAnomalies      []Anomaly       `json:"session_anomalies"`
	Prediction            Prediction      `json:"prediction"`
	CircuitRecommendation string          `json:"circuit_recommendation"`
}

// Monitor is the supervised budget sweep task.
type Monitor struct {
	costs    CostSource
	breaker  Tripper
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	notifier Notifier

	mu             sync.Mutex
	providerLimits map[string]float64
	lastReport     *Report
}

// NewMonitor creates a budget monitor. A non-positive interval uses the
// default 30 s cadence.
func NewMonitor(costs CostSource, br Tripper, m *metrics.Metrics, logger *slog.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{
		costs:          costs,
		breaker:        br,
		metrics:        m,
		logger:         logger.With("component", "budget_monitor"),
		interval:       interval,
		now:            time.Now,
		providerLimits: make(map[string]float64),
	}
}

// SetNotifier attaches an external alert channel. Must be called before
// Run.
func (m *Monitor) SetNotifier(n Notifier) {
	m.notifier = n
}

// SetProviderLimit sets a per-provider daily cap. A zero limit removes it.
func (m *Monitor) SetProviderLimit(provider string, limit float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		delete(m.providerLimits, provider)
		return
	}
	m.providerLimits[provider] = limit
}

// Run sweeps on the configured cadence until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Budget monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("Budget sweep failed", "error", err)
			}
		}
	}
}

// LastReport returns the most recent sweep result, or nil before the
// first sweep.
func (m *Monitor) LastReport() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReport
}

// Sweep reads the aggregates and produces a report. Crossing the
// critical threshold, or any provider crossing 95 % of its cap, trips
// the breaker with a structured reason.
func (m *Monitor) Sweep(ctx context.Context) (Report, error) {
	now := m.now().UTC()
	limits := m.breaker.Limits()

	dayTotal, err := m.costs.DayTotal(ctx, now)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read day total: %w", err)
	}
	monthTotal, err := m.costs.MonthTotal(ctx, now)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read month total: %w", err)
	}
	byProvider, err := m.costs.ProviderDayTotals(ctx, now)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read provider totals: %w", err)
	}

	report := Report{
		GeneratedAt:           now,
		DailyTotal:            dayTotal,
		DailyLimit:            limits.BudgetDailyLimit,
		DailyUtilization:      dayTotal / limits.BudgetDailyLimit,
		MonthTotal:            monthTotal,
		CircuitRecommendation: RecommendationNone,
	}

	m.mu.Lock()
	providerLimits := make(map[string]float64, len(m.providerLimits))
	for k, v := range m.providerLimits {
		providerLimits[k] = v
	}
	m.mu.Unlock()

	var tripReasons []string
	for provider, total := range byProvider {
		limit, ok := providerLimits[provider]
		if !ok {
			limit = limits.BudgetDailyLimit
		}
		usage := ProviderUsage{Provider: provider, Total: total, Limit: limit, Ratio: total / limit}
		report.PerProvider = append(report.PerProvider, usage)
		m.metrics.SetBudgetUsage("provider:"+provider, usage.Ratio)
		if usage.Ratio >= providerTripRatio {
			tripReasons = append(tripReasons, fmt.Sprintf("provider %s at %.0f%% of cap", provider, usage.Ratio*100))
		}
	}
	sortProviderUsage(report.PerProvider)

	if report.DailyUtilization >= limits.CriticalThreshold {
		tripReasons = append(tripReasons, fmt.Sprintf("daily utilization %.0f%% at critical threshold", report.DailyUtilization*100))
	}
	m.metrics.SetBudgetUsage("daily", report.DailyUtilization)

	report.SessionAnomalies = m.detectAnomalies(ctx, now)
	report.Prediction = m.predict(ctx, now)

	if len(tripReasons) > 0 && m.breaker.View().State != breaker.StateOpen {
		reason := tripReasons[0]
		m.breaker.Trip(ctx, reason)
		report.CircuitRecommendation = RecommendationTripped
		alert := models.CostAlert{
			Level:   breaker.LevelCritical,
			Scope:   "daily",
			Message: reason,
			Value:   dayTotal,
			Limit:   limits.BudgetDailyLimit,
		}
		if err := m.costs.RecordAlert(ctx, alert); err != nil {
			m.logger.Error("Failed to record budget alert", "error", err)
		}
		if m.notifier != nil {
			m.notifier.NotifyCostAlert(ctx, alert)
		}
		m.logger.Warn("Budget monitor tripped breaker", "reason", reason)
	}

	m.mu.Lock()
	m.lastReport = &report
	m.mu.Unlock()
	return report, nil
}

// detectAnomalies flags sessions whose cost is far above the 24 h mean.
func (m *Monitor) detectAnomalies(ctx context.Context, now time.Time) []Anomaly {
	sessions, err := m.costs.SessionsSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		m.logger.Warn("Anomaly scan skipped", "error", err)
		return nil
	}
	if len(sessions) == 0 {
		return nil
	}

	var sum float64
	for _, s := range sessions {
		sum += s.TotalCost
	}
	mean := sum / float64(len(sessions))

	var out []Anomaly
	for _, s := range sessions {
		if s.TotalCost > anomalyFactor*mean && s.TotalCost > anomalyFloor {
			out = append(out, Anomaly{
				ConversationID: s.ConversationID,
				SessionID:      s.SessionID,
				Total:          s.TotalCost,
				Mean24H:        mean,
			})
		}
	}
	return out
}

// predict fits a least-squares line over recent daily totals and projects
// forward. Less than three days of data returns insufficient_data.
func (m *Monitor) predict(ctx context.Context, now time.Time) Prediction {
	totals, err := m.costs.DailyTotals(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		m.logger.Warn("Prediction skipped", "error", err)
		return Prediction{Status: InsufficientData}
	}
	if len(totals) < 3 {
		return Prediction{Status: InsufficientData}
	}

	n := float64(len(totals))
	var sumX, sumY, sumXY, sumXX float64
	for i, d := range totals {
		x := float64(i)
		sumX += x
		sumY += d.Total
		sumXY += x * d.Total
		sumXX += x * x
	}
	slope := (n*sumXY - sumX*sumY) / (n*sumXX - sumX*sumX)
	intercept := (sumY - slope*sumX) / n

	project := func(daysAhead int) float64 {
		var total float64
		for i := 1; i <= daysAhead; i++ {
			v := intercept + slope*(n-1+float64(i))
			if v > 0 {
				total += v
			}
		}
		return total
	}

	return Prediction{
		Status:     PredictionOK,
		Tomorrow:   project(1),
		Next7Days:  project(7),
		Next30Days: project(30),
	}
}

func sortProviderUsage(usages []ProviderUsage) {
	sort.Slice(usages, func(i, j int) bool { return usages[i].Provider < usages[j].Provider })
}
