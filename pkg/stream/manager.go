package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/models"
)

// Manager owns every live stream session: creation, lookup, heartbeats,
// the inactivity sweep, and shutdown draining.
type Manager struct {
	cfg     config.StreamConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	relay   *Publisher
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. relay is optional; when set,
// every published event is also broadcast over Postgres NOTIFY.
func NewManager(cfg config.StreamConfig, m *metrics.Metrics, relay *Publisher, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		relay:    relay,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create opens a new session and returns it.
func (m *Manager) Create(userID, agentID string) *Session {
	s := newSession(uuid.NewString(), userID, agentID, m.cfg, m.metrics, m.logger, m.now)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.metrics.StreamConnected()
	m.logger.Info("stream session created", "session_id", s.ID, "user_id", userID)
	return s
}

// Get returns the session with the given id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Close closes and forgets a session.
func (m *Manager) Close(sessionID string, reason models.TerminationReason) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok {
		s.Close(reason)
	}
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run drives heartbeats and the inactivity sweep until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.HeartbeatInterval / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("stream manager started", "sweep_interval", interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stream manager stopped")
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Sweep emits keep-alives on quiet sessions, closes sessions idle beyond
// MaxIdle, and forgets sessions that already closed.
func (m *Manager) Sweep(now time.Time) {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.Closed() && s.Outstanding() == 0 {
			delete(m.sessions, id)
			continue
		}
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		if now.Sub(s.LastActivity()) > m.cfg.MaxIdle {
			m.logger.Info("closing idle stream session", "session_id", s.ID)
			s.Close(models.TerminationClientGone)
			continue
		}
		s.heartbeat(now)
	}
}

// Drain closes every session for shutdown and waits for consumers to
// pull the final events, up to the context deadline.
func (m *Manager) Drain(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.Close(models.TerminationServerShutdown)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		pending := 0
		for _, s := range all {
			pending += s.Outstanding()
		}
		if pending == 0 {
			return
		}
		select {
		case <-ctx.Done():
			m.logger.Warn("stream drain timed out", "pending_events", pending)
			return
		case <-ticker.C:
		}
	}
}

// Relay forwards an event over the NOTIFY fan-out when configured.
// Final and status events are persisted for catch-up; text and thinking
// chunks are transient.
func (m *Manager) Relay(ctx context.Context, ev Event) {
	if m.relay == nil {
		return
	}
	var err error
	switch ev.Type {
	case EventFinal, EventStatus:
		err = m.relay.PublishPersistent(ctx, ev)
	default:
		err = m.relay.Publish(ctx, ev)
	}
	if err != nil {
		m.logger.Warn("stream relay publish failed", "session_id", ev.SessionID, "error", err)
	}
}
