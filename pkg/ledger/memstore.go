package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/models"
)

// MemoryStore is an in-memory Store for tests. It mirrors the PG store's
// aggregate semantics, including UTC day bucketing.
type MemoryStore struct {
	mu       sync.Mutex
	records  []models.CostRecord
	sessions map[string]*models.ConversationSession
	alerts   []models.CostAlert

	// FailWrites makes every write return this error, for fail-closed tests.
	FailWrites error
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.ConversationSession)}
}

func (s *MemoryStore) InsertRecord(_ context.Context, rec models.CostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) CreateSession(_ context.Context, sess models.ConversationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	if _, ok := s.sessions[sess.ConversationID]; ok {
		return nil
	}
	copied := sess
	s.sessions[sess.ConversationID] = &copied
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, conversationID string) (models.ConversationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[conversationID]
	if !ok {
		return models.ConversationSession{}, ErrSessionNotFound
	}
	return *sess, nil
}

func (s *MemoryStore) AddToSession(_ context.Context, conversationID string, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	sess, ok := s.sessions[conversationID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.TotalCost += cost
	sess.TotalInteractions++
	return nil
}

func (s *MemoryStore) CloseSession(_ context.Context, conversationID string, status models.SessionStatus, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	sess, ok := s.sessions[conversationID]
	if !ok || sess.Status != models.SessionActive {
		return nil
	}
	sess.Status = status
	sess.EndedAt = &endedAt
	return nil
}

func (s *MemoryStore) OpenSessions(_ context.Context) ([]models.ConversationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ConversationSession
	for _, sess := range s.sessions {
		if sess.Status == models.SessionActive {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *MemoryStore) SessionsSince(_ context.Context, since time.Time) ([]models.ConversationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ConversationSession
	for _, sess := range s.sessions {
		if !sess.StartedAt.Before(since) {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *MemoryStore) ConversationTotal(_ context.Context, conversationID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, r := range s.records {
		if r.ConversationID == conversationID {
			total += r.TotalCost
		}
	}
	return total, nil
}

func (s *MemoryStore) DayTotal(_ context.Context, t time.Time) (float64, error) {
	start, end := dayBounds(t)
	return s.rangeTotal(start, end), nil
}

func (s *MemoryStore) MonthTotal(_ context.Context, t time.Time) (float64, error) {
	start, end := monthBounds(t)
	return s.rangeTotal(start, end), nil
}

func (s *MemoryStore) rangeTotal(start, end time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, r := range s.records {
		at := r.CreatedAt.UTC()
		if !at.Before(start) && at.Before(end) {
			total += r.TotalCost
		}
	}
	return total
}

func (s *MemoryStore) ProviderDayTotals(_ context.Context, t time.Time) (map[string]float64, error) {
	start, end := dayBounds(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64)
	for _, r := range s.records {
		at := r.CreatedAt.UTC()
		if !at.Before(start) && at.Before(end) {
			out[r.Provider] += r.TotalCost
		}
	}
	return out, nil
}

func (s *MemoryStore) DailyTotals(_ context.Context, since time.Time) ([]DailyTotal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDay := make(map[time.Time]float64)
	for _, r := range s.records {
		at := r.CreatedAt.UTC()
		if at.Before(since) {
			continue
		}
		day, _ := dayBounds(at)
		byDay[day] += r.TotalCost
	}
	out := make([]DailyTotal, 0, len(byDay))
	for day, total := range byDay {
		out = append(out, DailyTotal{Day: day, Total: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (s *MemoryStore) InsertAlert(_ context.Context, alert models.CostAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

// Records returns a copy of all stored cost records.
func (s *MemoryStore) Records() []models.CostRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CostRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Alerts returns a copy of all stored alerts.
func (s *MemoryStore) Alerts() []models.CostAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CostAlert, len(s.alerts))
	copy(out, s.alerts)
	return out
}
