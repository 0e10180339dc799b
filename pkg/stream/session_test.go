package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/conclave-ai/conclave/pkg/orchestrator"
)

func testStreamConfig() config.StreamConfig {
	cfg := config.DefaultStream()
	cfg.ChunkDelay = time.Millisecond
	cfg.ChunkDelayCap = 10 * time.Millisecond
	return cfg
}

func newTestManager(t *testing.T, cfg config.StreamConfig) *Manager {
	t.Helper()
	return NewManager(cfg, metrics.New(), nil, slog.Default())
}

func TestChunkOrderAndContiguity(t *testing.T) {
	m := newTestManager(t, testStreamConfig())
	s := m.Create("u1", "a1")
	ctx := context.Background()

	go func() {
		for i := 0; i < 50; i++ {
			_ = s.Publish(ctx, Event{Type: EventText, Content: fmt.Sprintf("chunk-%d", i)})
		}
		s.Close(models.TerminationCompletionMarker)
	}()

	var got []Event
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			break
		}
		got = append(got, ev)
	}

	// session_created + 50 text + session_closed.
	require.Len(t, got, 52)
	assert.Equal(t, StatusSessionCreated, got[0].Status)
	assert.Equal(t, StatusSessionClosed, got[len(got)-1].Status)
	for i, ev := range got {
		assert.Equal(t, i, ev.ChunkIndex, "chunk indices are contiguous from zero")
	}
	for i := 0; i < 50; i++ {
		assert.Equal(t, fmt.Sprintf("chunk-%d", i), got[i+1].Content)
	}
}

func TestBackpressureBoundsOutstandingWindow(t *testing.T) {
	cfg := testStreamConfig()
	cfg.WindowSize = 20
	m := newTestManager(t, cfg)
	s := m.Create("u1", "a1")
	ctx := context.Background()

	const total = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			assert.NoError(t, s.Publish(ctx, Event{Type: EventText, Content: fmt.Sprintf("c%03d", i)}))
		}
		assert.NoError(t, s.Publish(ctx, Event{Type: EventFinal}))
	}()

	var (
		texts    []string
		finals   int
		maxQueue int
	)
	for len(texts) < total || finals == 0 {
		if q := s.Outstanding(); q > maxQueue {
			maxQueue = q
		}
		ev, err := s.Next(ctx)
		require.NoError(t, err)
		switch ev.Type {
		case EventText:
			texts = append(texts, ev.Content)
		case EventFinal:
			finals++
		}
		// Slow consumer so the producer runs into the window.
		time.Sleep(100 * time.Microsecond)
	}
	wg.Wait()

	assert.Equal(t, 1, finals)
	assert.LessOrEqual(t, maxQueue, cfg.WindowSize)
	for i, c := range texts {
		assert.Equal(t, fmt.Sprintf("c%03d", i), c, "order preserved under backpressure")
	}
}

func TestHighWaterMarkBlocksProducer(t *testing.T) {
	cfg := testStreamConfig()
	cfg.MaxBufferBytes = 1024
	cfg.HighWaterMark = 512
	cfg.WindowSize = 1000
	m := newTestManager(t, cfg)
	s := m.Create("u1", "a1")
	ctx := context.Background()

	big := strings.Repeat("x", 600)
	require.NoError(t, s.Publish(ctx, Event{Type: EventText, Content: big}))

	// Second publish sits above the high-water mark until the consumer
	// drains.
	published := make(chan struct{})
	go func() {
		_ = s.Publish(ctx, Event{Type: EventText, Content: big})
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("producer was not blocked above the high-water mark")
	case <-time.After(20 * time.Millisecond):
	}

	for i := 0; i < 2; i++ { // session_created + first chunk
		_, err := s.Next(ctx)
		require.NoError(t, err)
	}
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("producer did not resume after drain")
	}
}

func TestCloseDrainsThenStops(t *testing.T) {
	m := newTestManager(t, testStreamConfig())
	s := m.Create("u1", "a1")
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, Event{Type: EventText, Content: "tail"}))
	s.Close(models.TerminationClientGone)

	assert.ErrorIs(t, s.Publish(ctx, Event{Type: EventText, Content: "late"}), ErrSessionClosed)
	assert.Equal(t, SessionCompleted, s.State())
	assert.Equal(t, models.TerminationClientGone, s.CloseReason())

	var types []EventType
	var statuses []string
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			assert.ErrorIs(t, err, ErrSessionClosed)
			break
		}
		types = append(types, ev.Type)
		statuses = append(statuses, ev.Status)
	}
	require.Len(t, types, 3)
	assert.Equal(t, EventText, types[1])
	assert.Equal(t, StatusSessionClosed, statuses[2])
}

func TestProviderErrorCloseSetsErrorState(t *testing.T) {
	m := newTestManager(t, testStreamConfig())
	s := m.Create("u1", "a1")
	s.Close(models.TerminationProviderError)
	assert.Equal(t, SessionError, s.State())
}

func TestHeartbeatOnQuietSession(t *testing.T) {
	cfg := testStreamConfig()
	cfg.HeartbeatInterval = 30 * time.Second
	m := newTestManager(t, cfg)
	s := m.Create("u1", "a1")
	ctx := context.Background()

	// Drain the session_created event so the buffer is quiet.
	_, err := s.Next(ctx)
	require.NoError(t, err)

	m.Sweep(time.Now().Add(31 * time.Second))
	ev, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventStatus, ev.Type)
	assert.Equal(t, StatusKeepAlive, ev.Status)

	// A recent sweep does not emit another keep-alive.
	m.Sweep(time.Now())
	assert.Equal(t, 0, s.Outstanding())
}

func TestIdleSweepClosesSession(t *testing.T) {
	cfg := testStreamConfig()
	cfg.MaxIdle = 10 * time.Minute
	m := newTestManager(t, cfg)
	s := m.Create("u1", "a1")

	m.Sweep(time.Now().Add(11 * time.Minute))
	assert.True(t, s.Closed())
	assert.Equal(t, models.TerminationClientGone, s.CloseReason())

	// Once drained, the next sweep forgets the session.
	ctx := context.Background()
	for {
		if _, err := s.Next(ctx); err != nil {
			break
		}
	}
	m.Sweep(time.Now())
	assert.Equal(t, 0, m.Len())
}

func TestIdleSweepClosesSessionDespiteKeepAlives(t *testing.T) {
	cfg := testStreamConfig()
	cfg.HeartbeatInterval = 30 * time.Second
	cfg.MaxIdle = 10 * time.Minute
	m := newTestManager(t, cfg)
	s := m.Create("u1", "a1")
	ctx := context.Background()

	_, err := s.Next(ctx) // session_created
	require.NoError(t, err)

	// Sweep at the production cadence of HeartbeatInterval/2 with a
	// connected consumer draining every keep-alive as it arrives.
	base := time.Now()
	keepAlives := 0
	for i := 1; !s.Closed() && i <= 100; i++ {
		m.Sweep(base.Add(time.Duration(i) * 15 * time.Second))
		for s.Outstanding() > 0 {
			ev, err := s.Next(ctx)
			require.NoError(t, err)
			if ev.Status == StatusKeepAlive {
				keepAlives++
			}
		}
	}

	assert.True(t, s.Closed(), "keep-alives must not hold the idle sweep off")
	assert.Equal(t, models.TerminationClientGone, s.CloseReason())
	// One keep-alive per interval, not one per sweep.
	assert.Greater(t, keepAlives, 0)
	assert.LessOrEqual(t, keepAlives, 21)
}

func TestDrainClosesAllSessionsForShutdown(t *testing.T) {
	m := newTestManager(t, testStreamConfig())
	s1 := m.Create("u1", "a1")
	s2 := m.Create("u2", "a2")

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := s1.Next(ctx); err != nil {
				break
			}
		}
		for {
			if _, err := s2.Next(ctx); err != nil {
				break
			}
		}
	}()

	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	m.Drain(drainCtx)

	<-done
	assert.Equal(t, models.TerminationServerShutdown, s1.CloseReason())
	assert.Equal(t, models.TerminationServerShutdown, s2.CloseReason())
	assert.Equal(t, 0, m.Len())
}

func TestSessionSinkSplitsOversizedChunks(t *testing.T) {
	cfg := testStreamConfig()
	cfg.MaxChunkBytes = 8
	m := newTestManager(t, cfg)
	s := m.Create("u1", "a1")
	sink := m.NewSessionSink(s)
	ctx := context.Background()

	require.NoError(t, sink.Text(ctx, "analyst", 0, strings.Repeat("ab", 10)))

	_, err := s.Next(ctx) // session_created
	require.NoError(t, err)

	var rebuilt strings.Builder
	for i := 0; i < 3; i++ {
		ev, err := s.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, EventText, ev.Type)
		assert.LessOrEqual(t, len(ev.Content), 8)
		rebuilt.WriteString(ev.Content)
	}
	assert.Equal(t, strings.Repeat("ab", 10), rebuilt.String())
}

func TestSessionSinkSplitsOnRuneBoundaries(t *testing.T) {
	cfg := testStreamConfig()
	cfg.MaxChunkBytes = 4
	m := newTestManager(t, cfg)
	s := m.Create("u1", "a1")
	sink := m.NewSessionSink(s)
	ctx := context.Background()

	const text = "héllo wörld ünïcode 日本語 🚀"
	require.NoError(t, sink.Text(ctx, "analyst", 0, text))
	s.Close(models.TerminationCompletionMarker)

	// Round-trip each chunk through JSON the way the transport does; a
	// chunk cut mid-rune would come back as U+FFFD.
	var rebuilt strings.Builder
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			break
		}
		if ev.Type != EventText {
			continue
		}
		assert.LessOrEqual(t, len(ev.Content), 4)
		assert.True(t, utf8.ValidString(ev.Content), "chunk %q splits a rune", ev.Content)

		payload, err := json.Marshal(ev)
		require.NoError(t, err)
		var decoded Event
		require.NoError(t, json.Unmarshal(payload, &decoded))
		rebuilt.WriteString(decoded.Content)
	}
	assert.Equal(t, text, rebuilt.String())
}

func TestSessionSinkKeepsWideRunesWhole(t *testing.T) {
	cfg := testStreamConfig()
	cfg.MaxChunkBytes = 2
	m := newTestManager(t, cfg)
	s := m.Create("u1", "a1")
	sink := m.NewSessionSink(s)
	ctx := context.Background()

	// Every rune is three bytes, wider than the chunk limit; each must be
	// emitted whole rather than corrupted.
	require.NoError(t, sink.Text(ctx, "analyst", 0, "日本語"))
	s.Close(models.TerminationCompletionMarker)

	var chunks []string
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			break
		}
		if ev.Type == EventText {
			chunks = append(chunks, ev.Content)
		}
	}
	assert.Equal(t, []string{"日", "本", "語"}, chunks)
}

func TestSessionSinkMapsCloseToClientGone(t *testing.T) {
	m := newTestManager(t, testStreamConfig())
	s := m.Create("u1", "a1")
	sink := m.NewSessionSink(s)
	s.Close(models.TerminationClientGone)

	err := sink.Text(context.Background(), "analyst", 0, "late")
	assert.ErrorIs(t, err, orchestrator.ErrClientGone)
}

func TestTruncatedEnvelopeStaysUnderLimit(t *testing.T) {
	ev := Event{
		SessionID:  "s1",
		Type:       EventText,
		ChunkIndex: 7,
		TurnIndex:  2,
		Content:    strings.Repeat("x", 20000),
	}
	payload, err := truncatedEnvelope(ev)
	require.NoError(t, err)
	assert.Less(t, len(payload), notifyLimit)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, true, decoded["truncated"])
	assert.Equal(t, "s1", decoded["session_id"])
}
