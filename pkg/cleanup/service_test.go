package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	deleted int64
	fail    error
	calls   chan struct{}
}

func (f *fakePruner) prune(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	f.cutoffs = append(f.cutoffs, cutoff)
	f.mu.Unlock()
	if f.calls != nil {
		select {
		case f.calls <- struct{}{}:
		default:
		}
	}
	if f.fail != nil {
		return 0, f.fail
	}
	return f.deleted, nil
}

func (f *fakePruner) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return f.prune(ctx, cutoff)
}

func (f *fakePruner) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return f.prune(ctx, cutoff)
}

func (f *fakePruner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestRunAllUsesRetentionCutoffs(t *testing.T) {
	events := &fakePruner{deleted: 3}
	execs := &fakePruner{deleted: 1}
	svc := NewService(DefaultConfig(), events, execs, slog.Default())

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	svc.RunAll(context.Background())

	require.Equal(t, 1, events.callCount())
	require.Equal(t, 1, execs.callCount())
	assert.Equal(t, fixed.Add(-24*time.Hour), events.cutoffs[0])
	assert.Equal(t, fixed.Add(-7*24*time.Hour), execs.cutoffs[0])
}

func TestZeroWindowDisablesSweep(t *testing.T) {
	events := &fakePruner{}
	execs := &fakePruner{}
	cfg := DefaultConfig()
	cfg.EventTTL = 0
	svc := NewService(cfg, events, execs, slog.Default())

	svc.RunAll(context.Background())

	assert.Equal(t, 0, events.callCount())
	assert.Equal(t, 1, execs.callCount())
}

func TestPruneErrorDoesNotAbortPass(t *testing.T) {
	events := &fakePruner{fail: errors.New("db down")}
	execs := &fakePruner{}
	svc := NewService(DefaultConfig(), events, execs, slog.Default())

	svc.RunAll(context.Background())

	assert.Equal(t, 1, execs.callCount(), "execution sweep still runs after event sweep failure")
}

func TestStartRunsPeriodicallyUntilStop(t *testing.T) {
	events := &fakePruner{calls: make(chan struct{}, 8)}
	cfg := Config{EventTTL: time.Hour, Interval: 10 * time.Millisecond}
	svc := NewService(cfg, events, nil, slog.Default())

	svc.Start(context.Background())
	for i := 0; i < 2; i++ {
		select {
		case <-events.calls:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for cleanup pass")
		}
	}
	svc.Stop()

	after := events.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, events.callCount(), "no passes after Stop")
}
