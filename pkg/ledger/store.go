package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conclave-ai/conclave/pkg/models"
)

// Store persists cost records, sessions and alerts.
type Store interface {
	InsertRecord(ctx context.Context, rec models.CostRecord) error

	CreateSession(ctx context.Context, s models.ConversationSession) error
	GetSession(ctx context.Context, conversationID string) (models.ConversationSession, error)
	// AddToSession atomically increments a session's total cost and
	// interaction count.
	AddToSession(ctx context.Context, conversationID string, cost float64) error
	CloseSession(ctx context.Context, conversationID string, status models.SessionStatus, endedAt time.Time) error
	OpenSessions(ctx context.Context) ([]models.ConversationSession, error)
	SessionsSince(ctx context.Context, since time.Time) ([]models.ConversationSession, error)

	ConversationTotal(ctx context.Context, conversationID string) (float64, error)
	DayTotal(ctx context.Context, t time.Time) (float64, error)
	MonthTotal(ctx context.Context, t time.Time) (float64, error)
	ProviderDayTotals(ctx context.Context, t time.Time) (map[string]float64, error)
	DailyTotals(ctx context.Context, since time.Time) ([]DailyTotal, error)

	InsertAlert(ctx context.Context, alert models.CostAlert) error
}

// PGStore is the PostgreSQL-backed cost store.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a PostgreSQL ledger store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) InsertRecord(ctx context.Context, rec models.CostRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_tracking
			(id, session_id, conversation_id, turn_id, agent_id, provider, model,
			 input_tokens, output_tokens, input_cost, output_cost, request_fee, total_cost, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.SessionID, rec.ConversationID, rec.TurnID, rec.AgentID, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.InputCost, rec.OutputCost, rec.RequestFee, rec.TotalCost, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert cost record: %w", err)
	}
	return nil
}

func (s *PGStore) CreateSession(ctx context.Context, sess models.ConversationSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_sessions
			(session_id, conversation_id, user_id, started_at, total_cost, total_interactions, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conversation_id) DO NOTHING`,
		sess.SessionID, sess.ConversationID, sess.UserID, sess.StartedAt,
		sess.TotalCost, sess.TotalInteractions, string(sess.Status))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *PGStore) GetSession(ctx context.Context, conversationID string) (models.ConversationSession, error) {
	var sess models.ConversationSession
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, conversation_id, user_id, started_at, ended_at,
		       total_cost, total_interactions, status
		FROM cost_sessions
		WHERE conversation_id = $1`, conversationID).
		Scan(&sess.SessionID, &sess.ConversationID, &sess.UserID, &sess.StartedAt, &endedAt,
			&sess.TotalCost, &sess.TotalInteractions, &sess.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ConversationSession{}, ErrSessionNotFound
	}
	if err != nil {
		return models.ConversationSession{}, fmt.Errorf("failed to query session: %w", err)
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return sess, nil
}

func (s *PGStore) AddToSession(ctx context.Context, conversationID string, cost float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cost_sessions
		SET total_cost = total_cost + $2, total_interactions = total_interactions + 1
		WHERE conversation_id = $1`, conversationID, cost)
	if err != nil {
		return fmt.Errorf("failed to update session aggregate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PGStore) CloseSession(ctx context.Context, conversationID string, status models.SessionStatus, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cost_sessions
		SET status = $2, ended_at = $3
		WHERE conversation_id = $1 AND status = 'active'`,
		conversationID, string(status), endedAt)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

func (s *PGStore) OpenSessions(ctx context.Context) ([]models.ConversationSession, error) {
	return s.querySessions(ctx, `
		SELECT session_id, conversation_id, user_id, started_at, ended_at,
		       total_cost, total_interactions, status
		FROM cost_sessions
		WHERE status = 'active'`)
}

func (s *PGStore) SessionsSince(ctx context.Context, since time.Time) ([]models.ConversationSession, error) {
	return s.querySessions(ctx, `
		SELECT session_id, conversation_id, user_id, started_at, ended_at,
		       total_cost, total_interactions, status
		FROM cost_sessions
		WHERE started_at >= $1
		ORDER BY started_at`, since)
}

func (s *PGStore) querySessions(ctx context.Context, query string, args ...any) ([]models.ConversationSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationSession
	for rows.Next() {
		var sess models.ConversationSession
		var endedAt sql.NullTime
		if err := rows.Scan(&sess.SessionID, &sess.ConversationID, &sess.UserID, &sess.StartedAt,
			&endedAt, &sess.TotalCost, &sess.TotalInteractions, &sess.Status); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if endedAt.Valid {
			sess.EndedAt = &endedAt.Time
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PGStore) ConversationTotal(ctx context.Context, conversationID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_cost), 0)
		FROM cost_tracking
		WHERE conversation_id = $1`, conversationID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum conversation cost: %w", err)
	}
	return total, nil
}

func (s *PGStore) DayTotal(ctx context.Context, t time.Time) (float64, error) {
	start, end := dayBounds(t)
	return s.rangeTotal(ctx, start, end)
}

func (s *PGStore) MonthTotal(ctx context.Context, t time.Time) (float64, error) {
	start, end := monthBounds(t)
	return s.rangeTotal(ctx, start, end)
}

func (s *PGStore) rangeTotal(ctx context.Context, start, end time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_cost), 0)
		FROM cost_tracking
		WHERE created_at >= $1 AND created_at < $2`, start, end).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum cost range: %w", err)
	}
	return total, nil
}

func (s *PGStore) ProviderDayTotals(ctx context.Context, t time.Time) (map[string]float64, error) {
	start, end := dayBounds(t)
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, COALESCE(SUM(total_cost), 0)
		FROM cost_tracking
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY provider`, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to sum provider costs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var provider string
		var total float64
		if err := rows.Scan(&provider, &total); err != nil {
			return nil, fmt.Errorf("failed to scan provider total: %w", err)
		}
		out[provider] = total
	}
	return out, rows.Err()
}

func (s *PGStore) DailyTotals(ctx context.Context, since time.Time) ([]DailyTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day, SUM(total_cost)
		FROM cost_tracking
		WHERE created_at >= $1
		GROUP BY day
		ORDER BY day`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily totals: %w", err)
	}
	defer rows.Close()

	var out []DailyTotal
	for rows.Next() {
		var d DailyTotal
		if err := rows.Scan(&d.Day, &d.Total); err != nil {
			return nil, fmt.Errorf("failed to scan daily total: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) InsertAlert(ctx context.Context, alert models.CostAlert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_alerts (id, level, scope, message, value, cap, author, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		alert.ID, alert.Level, alert.Scope, alert.Message, alert.Value, alert.Limit, alert.Author, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert cost alert: %w", err)
	}
	return nil
}
