// Package ledger keeps the append-only record of provider call costs and
// the per-session, per-day and per-provider aggregates derived from it.
// Aggregates here are the source of truth for breaker admission.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/models"
)

// ErrSessionNotFound is returned when a conversation has no session row.
var ErrSessionNotFound = errors.New("session not found")

// DailyTotal is one day's spend, used by the budget monitor's regression.
type DailyTotal struct {
	Day   time.Time `json:"day"`
	Total float64   `json:"total"`
}

// Ledger records costs and serves aggregates.
type Ledger struct {
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a ledger over the given store.
func New(store Store, m *metrics.Metrics, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:   store,
		metrics: m,
		logger:  logger.With("component", "ledger"),
	}
}

// RecordCall appends one cost record and folds it into the session
// aggregate. Writes retry once before surfacing the failure.
func (l *Ledger) RecordCall(ctx context.Context, rec models.CostRecord) error {
	if rec.ConversationID == "" {
		return errors.New("cost record requires a conversation id")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	err := l.store.InsertRecord(ctx, rec)
	if err != nil {
		l.logger.Warn("Cost record insert failed, retrying once", "conversation_id", rec.ConversationID, "error", err)
		if err = l.store.InsertRecord(ctx, rec); err != nil {
			return fmt.Errorf("failed to record cost: %w", err)
		}
	}

	if err := l.store.AddToSession(ctx, rec.ConversationID, rec.TotalCost); err != nil {
		return fmt.Errorf("failed to update session aggregate: %w", err)
	}

	l.metrics.AddCost(rec.Provider, rec.Model, rec.TotalCost)
	return nil
}

// EnsureSession creates the session row for a conversation if it does not
// exist yet.
func (l *Ledger) EnsureSession(ctx context.Context, sessionID, conversationID, userID string) error {
	_, err := l.store.GetSession(ctx, conversationID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	return l.store.CreateSession(ctx, models.ConversationSession{
		SessionID:      sessionID,
		ConversationID: conversationID,
		UserID:         userID,
		StartedAt:      time.Now().UTC(),
		Status:         models.SessionActive,
	})
}

// Session returns the session row for a conversation.
func (l *Ledger) Session(ctx context.Context, conversationID string) (models.ConversationSession, error) {
	return l.store.GetSession(ctx, conversationID)
}

// CloseSession moves a session to a terminal status. Closing an already
// terminal session is a no-op.
func (l *Ledger) CloseSession(ctx context.Context, conversationID string, status models.SessionStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot close session to non-terminal status %q", status)
	}
	return l.store.CloseSession(ctx, conversationID, status, time.Now().UTC())
}

// AbortOpenSessions marks every active session aborted. Called on server
// shutdown so restarts do not inherit phantom active sessions.
func (l *Ledger) AbortOpenSessions(ctx context.Context) (int, error) {
	sessions, err := l.store.OpenSessions(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	aborted := 0
	for _, s := range sessions {
		if err := l.store.CloseSession(ctx, s.ConversationID, models.SessionAborted, now); err != nil {
			l.logger.Error("Failed to abort session", "conversation_id", s.ConversationID, "error", err)
			continue
		}
		aborted++
	}
	return aborted, nil
}

// ConversationTotal returns the accumulated cost of one conversation.
func (l *Ledger) ConversationTotal(ctx context.Context, conversationID string) (float64, error) {
	return l.store.ConversationTotal(ctx, conversationID)
}

// DayTotal returns today's spend for the UTC day containing t.
func (l *Ledger) DayTotal(ctx context.Context, t time.Time) (float64, error) {
	return l.store.DayTotal(ctx, t)
}

// MonthTotal returns the spend for the UTC month containing t.
func (l *Ledger) MonthTotal(ctx context.Context, t time.Time) (float64, error) {
	return l.store.MonthTotal(ctx, t)
}

// ProviderDayTotals returns per-provider spend for the UTC day containing t.
func (l *Ledger) ProviderDayTotals(ctx context.Context, t time.Time) (map[string]float64, error) {
	return l.store.ProviderDayTotals(ctx, t)
}

// DailyTotals returns per-day totals since the given instant, oldest first.
func (l *Ledger) DailyTotals(ctx context.Context, since time.Time) ([]DailyTotal, error) {
	return l.store.DailyTotals(ctx, since)
}

// SessionsSince returns sessions started at or after the given instant.
func (l *Ledger) SessionsSince(ctx context.Context, since time.Time) ([]models.ConversationSession, error) {
	return l.store.SessionsSince(ctx, since)
}

// OpenSessionCount returns the number of active sessions.
func (l *Ledger) OpenSessionCount(ctx context.Context) (int, error) {
	sessions, err := l.store.OpenSessions(ctx)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// RecordAlert persists a budget alert or audit row.
func (l *Ledger) RecordAlert(ctx context.Context, alert models.CostAlert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	return l.store.InsertAlert(ctx, alert)
}

// dayBounds returns the UTC day window containing t.
func dayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

// monthBounds returns the UTC month window containing t.
func monthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
