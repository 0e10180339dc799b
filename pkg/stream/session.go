package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/models"
)

// ErrSessionClosed is returned by Publish and Next once a session is
// closed and its buffer drained.
var ErrSessionClosed = errors.New("stream session closed")

// Session is one streaming channel lifetime: a single producer writing
// events into a bounded buffer consumed by a single transport reader.
//
// Backpressure is two-layered: the producer waits while the buffered
// bytes sit above the high-water mark, and an adaptive delay is inserted
// between emissions while more than WindowSize chunks are outstanding.
type Session struct {
	ID      string
	UserID  string
	AgentID string

	cfg     config.StreamConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu            sync.Mutex
	queue         []Event
	queuedBytes   int
	nextChunk     int
	state         SessionState
	closeReason   models.TerminationReason
	startTime     time.Time
	lastActivity  time.Time
	lastHeartbeat time.Time
	messageCount  int
	delay         time.Duration

	notify    chan struct{}
	drained   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(id, userID, agentID string, cfg config.StreamConfig, m *metrics.Metrics, logger *slog.Logger, now func() time.Time) *Session {
	s := &Session{
		ID:           id,
		UserID:       userID,
		AgentID:      agentID,
		cfg:          cfg,
		metrics:      m,
		logger:       logger,
		now:          now,
		state:        SessionActive,
		startTime:    now(),
		lastActivity: now(),
		delay:        cfg.ChunkDelay,
		notify:       make(chan struct{}, 1),
		drained:      make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
	s.enqueueLocked(Event{Type: EventStatus, Status: StatusSessionCreated})
	return s
}

// Publish appends one event for the consumer. It blocks while the buffer
// is above the high-water mark and slows down while the outstanding
// window is full; it returns promptly once the session closes.
func (s *Session) Publish(ctx context.Context, ev Event) error {
	size := len(ev.Content)
	for {
		s.mu.Lock()
		if s.closedLocked() {
			s.mu.Unlock()
			return ErrSessionClosed
		}

		overBytes := len(s.queue) > 0 &&
			(s.queuedBytes+size > s.cfg.MaxBufferBytes || s.queuedBytes >= s.cfg.HighWaterMark)
		overWindow := len(s.queue) >= s.cfg.WindowSize

		if !overBytes && !overWindow {
			// Pressure gone: decay the inter-chunk delay back down.
			if s.delay > s.cfg.ChunkDelay {
				s.delay /= 2
				if s.delay < s.cfg.ChunkDelay {
					s.delay = s.cfg.ChunkDelay
				}
			}
			s.enqueueLocked(ev)
			s.mu.Unlock()
			s.metrics.RecordStreamChunk(string(ev.Type))
			signal(s.notify)
			return nil
		}

		// Pressure persists: double the delay up to the cap.
		if s.delay < s.cfg.ChunkDelay {
			s.delay = s.cfg.ChunkDelay
		} else {
			s.delay *= 2
			if s.delay > s.cfg.ChunkDelayCap {
				s.delay = s.cfg.ChunkDelayCap
			}
		}
		wait := s.delay
		s.mu.Unlock()
		s.metrics.RecordBackpressure()

		timer := time.NewTimer(wait)
		select {
		case <-s.drained:
			timer.Stop()
		case <-timer.C:
		case <-s.closed:
			timer.Stop()
			return ErrSessionClosed
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Next returns the next event in producer order. After a close, the
// remaining buffer drains before ErrSessionClosed is returned.
func (s *Session) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.queuedBytes -= len(ev.Content)
			s.mu.Unlock()
			signal(s.drained)
			return ev, nil
		}
		closed := s.closedLocked()
		s.mu.Unlock()
		if closed {
			return Event{}, ErrSessionClosed
		}

		select {
		case <-s.notify:
		case <-s.closed:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close transitions the session to its terminal state and appends a
// final session_closed status event. Safe to call more than once.
func (s *Session) Close(reason models.TerminationReason) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		if reason == models.TerminationProviderError {
			s.state = SessionError
		} else {
			s.state = SessionCompleted
		}
		s.enqueueLocked(Event{Type: EventStatus, Status: StatusSessionClosed, Reason: string(reason)})
		s.mu.Unlock()

		close(s.closed)
		signal(s.notify)
		s.metrics.StreamDisconnected()
		s.logger.Info("stream session closed", "session_id", s.ID, "reason", reason)
	})
}

// Closed reports whether the session reached a terminal state.
func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseReason returns the terminal reason, empty while active.
func (s *Session) CloseReason() models.TerminationReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Outstanding returns the number of buffered, undelivered events.
func (s *Session) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// LastActivity returns the time of the most recent publish. Keep-alive
// events do not count as activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// MessageCount returns the number of events published so far.
func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

// heartbeat appends a keep-alive if nothing was published recently.
// Bypasses backpressure: keep-alives only fire on an empty, quiet buffer.
func (s *Session) heartbeat(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closedLocked() || len(s.queue) > 0 {
		return
	}
	if now.Sub(s.lastActivity) < s.cfg.HeartbeatInterval || now.Sub(s.lastHeartbeat) < s.cfg.HeartbeatInterval {
		return
	}
	s.lastHeartbeat = now
	s.enqueueLocked(Event{Type: EventStatus, Status: StatusKeepAlive})
	signal(s.notify)
}

func (s *Session) enqueueLocked(ev Event) {
	ev.SessionID = s.ID
	ev.ChunkIndex = s.nextChunk
	s.nextChunk++
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	s.queue = append(s.queue, ev)
	s.queuedBytes += len(ev.Content)
	// Keep-alives are filler, not activity: refreshing here would hold
	// the idle sweep off forever on an abandoned session.
	if ev.Status != StatusKeepAlive {
		s.lastActivity = s.now()
	}
	s.messageCount++
}

func (s *Session) closedLocked() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
