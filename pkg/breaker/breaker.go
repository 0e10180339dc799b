// Package breaker implements the cost circuit breaker that gates every
// provider call on budget, rate, and spike limits, and runs the
// closed/open/half-open state machine.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/metrics"
)

// State is the circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Rejection reasons surfaced to callers.
const (
	ReasonCircuitOpen      = "circuit_open"
	ReasonRateLimited      = "rate_limited"
	ReasonTurnLimit        = "turn_limit_exceeded"
	ReasonConversationCap  = "conversation_limit_exceeded"
	ReasonDailyBudget      = "daily_budget_exceeded"
	ReasonStorageUnhealthy = "storage_unavailable"
)

// Budget levels emitted as the daily utilization crosses thresholds.
const (
	LevelHealthy  = "healthy"
	LevelModerate = "moderate"
	LevelWarning  = "warning"
	LevelCritical = "critical"
	LevelExceeded = "exceeded"
)

// spikeWindow is the number of recent call costs averaged for spike
// detection. Detection stays off until the window holds at least
// spikeMinSamples entries.
const (
	spikeWindow     = 10
	spikeMinSamples = 5
)

// Request describes a prospective provider call.
type Request struct {
	ConversationID string
	EstimatedCost  float64
	// NewConversation marks the first turn of a conversation; it is the
	// only turn counted against the hourly conversation rate.
	NewConversation bool
}

// Decision is the admission outcome. Rejections never unwind as errors;
// the caller surfaces Reason verbatim.
type Decision struct {
	Admitted   bool          `json:"admitted"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Event is an observability notification from the breaker.
type Event struct {
	Type     string    `json:"type"` // state_change, cost_spike, budget_level
	State    State     `json:"state,omitempty"`
	Level    string    `json:"level,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Value    float64   `json:"value,omitempty"`
	Limit    float64   `json:"limit,omitempty"`
	Occurred time.Time `json:"occurred"`
}

// CostReader serves the ledger aggregates admission checks against.
type CostReader interface {
	ConversationTotal(ctx context.Context, conversationID string) (float64, error)
	DayTotal(ctx context.Context, t time.Time) (float64, error)
}

// Snapshot is the persisted breaker state. A restart restores behavior
// within the same day bucket.
type Snapshot struct {
	State          State     `json:"state"`
	StateChangedAt time.Time `json:"state_changed_at"`
	Failures       int       `json:"failures"`
	CostHistory    []float64 `json:"cost_history"`
	Day            string    `json:"day"`
}

// View is a read-only copy of the breaker's current state for the admin API.
type View struct {
	State          State     `json:"state"`
	StateChangedAt time.Time `json:"state_changed_at"`
	Failures       int       `json:"failures"`
	TurnsLastMin   int       `json:"turns_last_minute"`
	RetryAfter     float64   `json:"retry_after_seconds,omitempty"`
}

// Breaker is the cost circuit breaker. All transitions happen under one
// lock; reads go through View snapshots.
type Breaker struct {
	limits  config.Limits
	costs   CostReader
	store   StateStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	onEvent func(Event)
	now     func() time.Time

	mu             sync.Mutex
	state          State
	stateChangedAt time.Time
	failures       int
	successStreak  int
	probesInFlight int
	costHistory    []float64
	turnTimes      []time.Time
	lastLevel      string
	levelEmittedAt map[string]time.Time
}

// New creates a breaker in the closed state. Call Init to restore
// persisted state.
func New(limits config.Limits, costs CostReader, store StateStore, m *metrics.Metrics, logger *slog.Logger) *Breaker {
	b := &Breaker{
		limits:         limits,
		costs:          costs,
		store:          store,
		metrics:        m,
		logger:         logger.With("component", "breaker"),
		now:            time.Now,
		state:          StateClosed,
		stateChangedAt: time.Now().UTC(),
		lastLevel:      LevelHealthy,
		levelEmittedAt: make(map[string]time.Time),
	}
	return b
}

// OnEvent registers the event sink. Must be called before traffic starts.
func (b *Breaker) OnEvent(fn func(Event)) { b.onEvent = fn }

// Init restores persisted state. Snapshots from a previous day reset the
// cost history but keep an open circuit open.
func (b *Breaker) Init(ctx context.Context) error {
	snap, err := b.store.LoadSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = snap.State
	b.stateChangedAt = snap.StateChangedAt
	b.failures = snap.Failures
	if snap.Day == b.dayKey(b.now()) {
		b.costHistory = append([]float64(nil), snap.CostHistory...)
	}
	b.logger.Info("Breaker state restored", "state", b.state, "failures", b.failures)
	return nil
}

func (b *Breaker) dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// SetBudgetLimits replaces the budget caps at runtime. The ordering
// invariant turn <= conversation <= daily is enforced here and at the API.
func (b *Breaker) SetBudgetLimits(daily, conversation, turn float64) error {
	if turn <= 0 || turn > conversation || conversation > daily {
		return fmt.Errorf("invalid budget limits: turn %.4f <= conversation %.4f <= daily %.4f required", turn, conversation, daily)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limits.BudgetDailyLimit = daily
	b.limits.ConversationLimit = conversation
	b.limits.TurnLimit = turn
	b.logger.Info("Budget limits updated", "daily", daily, "conversation", conversation, "turn", turn)
	return nil
}

// Limits returns a copy of the breaker's current limit set.
func (b *Breaker) Limits() config.Limits {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limits
}

// Admit decides whether a prospective call may proceed. Checks run in a
// fixed order: circuit state, rate limits, budget limits, spike detection.
func (b *Breaker) Admit(ctx context.Context, req Request) Decision {
	now := b.now().UTC()

	b.mu.Lock()
	limits := b.limits

	// An open circuit moves to half-open on the first admission attempt
	// after the recovery timeout.
	if b.state == StateOpen {
		elapsed := now.Sub(b.stateChangedAt)
		if elapsed < b.limits.RecoveryTimeout {
			retry := b.limits.RecoveryTimeout - elapsed
			b.mu.Unlock()
			b.reject(ReasonCircuitOpen)
			return Decision{Reason: ReasonCircuitOpen, RetryAfter: retry}
		}
		b.transitionLocked(ctx, StateHalfOpen, "recovery timeout elapsed")
	}

	if b.state == StateHalfOpen {
		if b.probesInFlight >= b.limits.HalfOpenProbes {
			b.mu.Unlock()
			b.reject(ReasonCircuitOpen)
			return Decision{Reason: ReasonCircuitOpen, RetryAfter: time.Second}
		}
	}

	// Turn rate over a 60 s sliding window.
	b.pruneTurnsLocked(now)
	if len(b.turnTimes) >= b.limits.MaxTurnsPerMinute {
		b.mu.Unlock()
		b.reject(ReasonRateLimited)
		return Decision{Reason: ReasonRateLimited, RetryAfter: time.Minute}
	}
	b.mu.Unlock()

	// Conversation rate over the current hour bucket.
	if req.NewConversation {
		hour := now.Truncate(time.Hour)
		count, err := b.store.HourlyConversations(ctx, hour)
		if err != nil {
			b.logger.Error("Rate bucket read failed, failing closed", "error", err)
			b.reject(ReasonStorageUnhealthy)
			return Decision{Reason: ReasonStorageUnhealthy, RetryAfter: time.Minute}
		}
		if count >= limits.MaxConversationsPerHour {
			b.reject(ReasonRateLimited)
			return Decision{Reason: ReasonRateLimited, RetryAfter: hour.Add(time.Hour).Sub(now)}
		}
	}

	// Budget limits against ledger aggregates. Storage failure rejects;
	// admission never proceeds blind.
	if req.EstimatedCost > limits.TurnLimit {
		b.reject(ReasonTurnLimit)
		return Decision{Reason: ReasonTurnLimit}
	}

	conversationTotal, err := b.costs.ConversationTotal(ctx, req.ConversationID)
	if err != nil {
		b.logger.Error("Conversation total read failed, failing closed", "error", err)
		b.reject(ReasonStorageUnhealthy)
		return Decision{Reason: ReasonStorageUnhealthy, RetryAfter: time.Minute}
	}
	if conversationTotal+req.EstimatedCost > limits.ConversationLimit {
		b.reject(ReasonConversationCap)
		return Decision{Reason: ReasonConversationCap}
	}

	dayTotal, err := b.costs.DayTotal(ctx, now)
	if err != nil {
		b.logger.Error("Day total read failed, failing closed", "error", err)
		b.reject(ReasonStorageUnhealthy)
		return Decision{Reason: ReasonStorageUnhealthy, RetryAfter: time.Minute}
	}
	if dayTotal+req.EstimatedCost > limits.BudgetDailyLimit {
		b.mu.Lock()
		b.transitionLocked(ctx, StateOpen, ReasonDailyBudget)
		retry := limits.RecoveryTimeout
		b.mu.Unlock()
		b.reject(ReasonDailyBudget)
		b.emitLevel(LevelExceeded, dayTotal+req.EstimatedCost, now)
		return Decision{Reason: ReasonDailyBudget, RetryAfter: retry}
	}

	if req.NewConversation {
		if _, err := b.store.IncrHourlyConversations(ctx, now.Truncate(time.Hour)); err != nil {
			b.logger.Warn("Rate bucket increment failed", "error", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// The ledger reads above ran outside the lock; another admission may
	// have taken the last rate slot in the meantime. Re-check under the
	// same lock that records the turn.
	b.pruneTurnsLocked(now)
	if len(b.turnTimes) >= b.limits.MaxTurnsPerMinute {
		b.reject(ReasonRateLimited)
		return Decision{Reason: ReasonRateLimited, RetryAfter: time.Minute}
	}

	// Spike detection against the moving average of recent call costs.
	if avg, ok := b.movingAverageLocked(); ok && req.EstimatedCost > b.limits.SpikeFactor*avg {
		b.failures++
		if b.failures >= b.limits.FailureThreshold {
			b.transitionLocked(ctx, StateOpen, "cost spike failure threshold")
			retry := b.limits.RecoveryTimeout
			b.reject("cost_spike")
			return Decision{Reason: ReasonCircuitOpen, RetryAfter: retry}
		}
		b.emit(Event{Type: "cost_spike", Value: req.EstimatedCost, Limit: b.limits.SpikeFactor * avg, Occurred: now})
	}

	b.turnTimes = append(b.turnTimes, now)
	if b.state == StateHalfOpen {
		b.probesInFlight++
	}

	b.maybeEmitLevelLocked(dayTotal+req.EstimatedCost, now)
	return Decision{Admitted: true}
}

// RecordSuccess reports a completed provider call and its actual cost.
func (b *Breaker) RecordSuccess(ctx context.Context, actualCost float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.costHistory = append(b.costHistory, actualCost)
	if len(b.costHistory) > spikeWindow {
		b.costHistory = b.costHistory[len(b.costHistory)-spikeWindow:]
	}

	if b.state == StateHalfOpen {
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.successStreak++
		if b.successStreak >= b.limits.SuccessThreshold {
			b.transitionLocked(ctx, StateClosed, "success threshold reached")
		}
	} else if b.failures > 0 {
		b.failures--
	}
	b.persistLocked(ctx)
}

// RecordFailure reports a failed provider call. In half-open any failure
// reopens the circuit with the timer reset.
func (b *Breaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.transitionLocked(ctx, StateOpen, "probe failure")
		return
	}

	b.failures++
	if b.failures >= b.limits.FailureThreshold {
		b.transitionLocked(ctx, StateOpen, "failure threshold reached")
		return
	}
	b.persistLocked(ctx)
}

// Trip forces the circuit open with a structured reason. Used by the
// budget monitor.
func (b *Breaker) Trip(ctx context.Context, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		b.transitionLocked(ctx, StateOpen, reason)
	}
}

// ForceClose resets the circuit to closed. Admin override path; the
// caller is responsible for the audit record.
func (b *Breaker) ForceClose(ctx context.Context, author string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successStreak = 0
	b.probesInFlight = 0
	if b.state != StateClosed {
		b.transitionLocked(ctx, StateClosed, "manual override by "+author)
	} else {
		b.persistLocked(ctx)
	}
	b.logger.Warn("Breaker force-closed", "author", author)
}

// View returns a read-only snapshot of the breaker.
func (b *Breaker) View() View {
	now := b.now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneTurnsLocked(now)
	v := View{
		State:          b.state,
		StateChangedAt: b.stateChangedAt,
		Failures:       b.failures,
		TurnsLastMin:   len(b.turnTimes),
	}
	if b.state == StateOpen {
		if remaining := b.limits.RecoveryTimeout - now.Sub(b.stateChangedAt); remaining > 0 {
			v.RetryAfter = remaining.Seconds()
		}
	}
	return v
}

func (b *Breaker) transitionLocked(ctx context.Context, to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.stateChangedAt = b.now().UTC()
	switch to {
	case StateClosed:
		b.failures = 0
		b.successStreak = 0
		b.probesInFlight = 0
	case StateHalfOpen:
		b.successStreak = 0
		b.probesInFlight = 0
	}
	b.logger.Info("Breaker state change", "from", from, "to", to, "reason", reason)
	b.metrics.SetBreakerState("cost", stateGauge(to))
	b.emit(Event{Type: "state_change", State: to, Reason: reason, Occurred: b.stateChangedAt})
	b.persistLocked(ctx)
}

func stateGauge(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

func (b *Breaker) persistLocked(ctx context.Context) {
	snap := Snapshot{
		State:          b.state,
		StateChangedAt: b.stateChangedAt,
		Failures:       b.failures,
		CostHistory:    append([]float64(nil), b.costHistory...),
		Day:            b.dayKey(b.now()),
	}
	if err := b.store.SaveSnapshot(context.WithoutCancel(ctx), snap); err != nil {
		b.logger.Warn("Breaker snapshot save failed", "error", err)
	}
}

func (b *Breaker) pruneTurnsLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(b.turnTimes) && b.turnTimes[i].Before(cutoff) {
		i++
	}
	b.turnTimes = b.turnTimes[i:]
}

func (b *Breaker) movingAverageLocked() (float64, bool) {
	if len(b.costHistory) < spikeMinSamples {
		return 0, false
	}
	var sum float64
	for _, c := range b.costHistory {
		sum += c
	}
	return sum / float64(len(b.costHistory)), true
}

// maybeEmitLevelLocked publishes budget level transitions, at most once
// per hour per level.
func (b *Breaker) maybeEmitLevelLocked(projectedDayTotal float64, now time.Time) {
	level := b.levelFor(projectedDayTotal)
	if level == b.lastLevel {
		return
	}
	b.lastLevel = level
	if last, ok := b.levelEmittedAt[level]; ok && now.Sub(last) < time.Hour {
		return
	}
	b.levelEmittedAt[level] = now
	b.metrics.SetBudgetUsage("daily", projectedDayTotal/b.limits.BudgetDailyLimit)
	b.emit(Event{Type: "budget_level", Level: level, Value: projectedDayTotal, Limit: b.limits.BudgetDailyLimit, Occurred: now})
}

func (b *Breaker) emitLevel(level string, value float64, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastLevel == level {
		return
	}
	b.lastLevel = level
	if last, ok := b.levelEmittedAt[level]; ok && now.Sub(last) < time.Hour {
		return
	}
	b.levelEmittedAt[level] = now
	b.emit(Event{Type: "budget_level", Level: level, Value: value, Limit: b.limits.BudgetDailyLimit, Occurred: now})
}

func (b *Breaker) levelFor(dayTotal float64) string {
	ratio := dayTotal / b.limits.BudgetDailyLimit
	switch {
	case ratio >= 1.0:
		return LevelExceeded
	case ratio >= b.limits.CriticalThreshold:
		return LevelCritical
	case ratio >= b.limits.WarningThreshold:
		return LevelWarning
	case ratio >= 0.5:
		return LevelModerate
	default:
		return LevelHealthy
	}
}

func (b *Breaker) emit(e Event) {
	if b.onEvent != nil {
		b.onEvent(e)
	}
}

func (b *Breaker) reject(reason string) {
	b.metrics.RecordBreakerBlock(reason)
}
