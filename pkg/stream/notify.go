package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// notifyLimit is PostgreSQL's NOTIFY payload ceiling with headroom.
// Oversized events are reduced to a routing envelope; the client
// re-requests the turn over REST.
const notifyLimit = 7900

// SessionChannel returns the NOTIFY channel for one stream session.
func SessionChannel(sessionID string) string {
	return "conclave_stream_" + sessionID
}

// Publisher broadcasts stream events across replicas via Postgres
// NOTIFY. Events are transient: no table row, lost if nobody listens.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a NOTIFY publisher over the shared pool.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// Publish broadcasts one event on its session channel.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	payload, err := marshalForNotify(ev)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", SessionChannel(ev.SessionID), payload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// PublishPersistent stores the event for catch-up and broadcasts it in
// one transaction; pg_notify is transactional, so late subscribers can
// replay from the events table without a gap.
func (p *Publisher) PublishPersistent(ctx context.Context, ev Event) error {
	stored, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling stream event: %w", err)
	}
	notify, err := marshalForNotify(ev)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	channel := SessionChannel(ev.SessionID)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (channel, payload, created_at) VALUES ($1, $2, $3)`,
		channel, stored, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("persisting event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notify); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing event transaction: %w", err)
	}
	return nil
}

// Catchup returns persisted events on a session channel with id greater
// than sinceID, oldest first.
func (p *Publisher) Catchup(ctx context.Context, sessionID string, sinceID int64, limit int) ([]Event, int64, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, payload FROM events WHERE channel = $1 AND id > $2 ORDER BY id ASC LIMIT $3`,
		SessionChannel(sessionID), sinceID, limit)
	if err != nil {
		return nil, sinceID, fmt.Errorf("querying catchup events: %w", err)
	}
	defer rows.Close()

	var out []Event
	lastID := sinceID
	for rows.Next() {
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, lastID, fmt.Errorf("scanning catchup event: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			continue
		}
		out = append(out, ev)
		lastID = id
	}
	return out, lastID, rows.Err()
}

// DeleteEventsBefore removes persisted events older than cutoff. Replay
// only serves recent history; rows past the retention window are dead
// weight.
func (p *Publisher) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired events: %w", err)
	}
	return res.RowsAffected()
}

func marshalForNotify(ev Event) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshaling stream event: %w", err)
	}
	if len(payload) > notifyLimit {
		payload, err = truncatedEnvelope(ev)
		if err != nil {
			return "", err
		}
	}
	return string(payload), nil
}

// truncatedEnvelope keeps only the routing fields of an oversized event.
func truncatedEnvelope(ev Event) ([]byte, error) {
	return json.Marshal(map[string]any{
		"session_id":  ev.SessionID,
		"type":        ev.Type,
		"chunk_index": ev.ChunkIndex,
		"turn_index":  ev.TurnIndex,
		"truncated":   true,
	})
}

// listenCmd is a LISTEN/UNLISTEN statement executed by the receive loop,
// the sole goroutine allowed to touch the pgx connection.
type listenCmd struct {
	sql    string
	result chan error
}

// Listener receives NOTIFY events on a dedicated connection and hands
// them to a callback. Used by replicas serving a WebSocket for a session
// whose producer runs elsewhere.
type Listener struct {
	connString string
	handler    func(channel string, payload []byte)
	logger     *slog.Logger

	connMu sync.Mutex
	conn   *pgx.Conn

	channelsMu sync.RWMutex
	channels   map[string]bool

	cmdCh   chan listenCmd
	running atomic.Bool

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewListener creates a NOTIFY listener. handler runs on the receive
// loop and must not block.
func NewListener(connString string, handler func(channel string, payload []byte), logger *slog.Logger) *Listener {
	return &Listener{
		connString: connString,
		handler:    handler,
		logger:     logger,
		channels:   make(map[string]bool),
		cmdCh:      make(chan listenCmd, 16),
	}
}

// Start opens the dedicated LISTEN connection and begins receiving.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("connecting for LISTEN: %w", err)
	}
	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	l.logger.Info("stream listener started")
	return nil
}

// Subscribe begins listening on a session channel. The command is run by
// the receive loop to avoid concurrent pgx access.
func (l *Listener) Subscribe(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	if l.channels[channel] {
		l.channelsMu.Unlock()
		return nil
	}
	l.channelsMu.Unlock()

	if !l.running.Load() {
		return fmt.Errorf("LISTEN connection not established")
	}

	if err := l.exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("LISTEN %s: %w", channel, err)
	}
	l.channelsMu.Lock()
	l.channels[channel] = true
	l.channelsMu.Unlock()
	return nil
}

// Unsubscribe stops listening on a channel.
func (l *Listener) Unsubscribe(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	if !l.channels[channel] {
		l.channelsMu.Unlock()
		return nil
	}
	l.channelsMu.Unlock()

	if !l.running.Load() {
		return nil
	}

	if err := l.exec(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("UNLISTEN %s: %w", channel, err)
	}
	l.channelsMu.Lock()
	delete(l.channels, channel)
	l.channelsMu.Unlock()
	return nil
}

func (l *Listener) exec(ctx context.Context, stmt string) error {
	cmd := listenCmd{sql: stmt, result: make(chan error, 1)}
	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop waits for notifications and dispatches them. It owns the
// pgx connection exclusively; LISTEN/UNLISTEN commands are interleaved
// between waits.
func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.processPendingCmds(ctx)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		// Short timeout so pending commands get picked up promptly.
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			l.logger.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.handler(notification.Channel, []byte(notification.Payload))
	}
}

func (l *Listener) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmdCh:
			l.connMu.Lock()
			conn := l.conn
			l.connMu.Unlock()
			if conn == nil {
				cmd.result <- fmt.Errorf("LISTEN connection not established")
				continue
			}
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

// reconnect re-establishes the LISTEN connection with backoff and
// re-subscribes every channel.
func (l *Listener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			l.logger.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.conn = conn

		l.channelsMu.RLock()
		for ch := range l.channels {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				l.logger.Error("re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		l.channelsMu.RUnlock()

		l.logger.Info("stream listener reconnected")
		return
	}
}

// Stop ends the receive loop and closes the connection.
func (l *Listener) Stop(ctx context.Context) {
	l.running.Store(false)
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
