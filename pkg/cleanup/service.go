// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// Config holds the retention windows and sweep cadence. Zero windows
// disable the corresponding sweep.
type Config struct {
	// EventTTL bounds how long persisted stream events are replayable.
	EventTTL time.Duration
	// ExecutionRetention bounds how long finished workflow executions
	// stay queryable.
	ExecutionRetention time.Duration
	Interval           time.Duration
}

// DefaultConfig returns the standard retention policy.
func DefaultConfig() Config {
	return Config{
		EventTTL:           24 * time.Hour,
		ExecutionRetention: 7 * 24 * time.Hour,
		Interval:           time.Hour,
	}
}

// EventPruner deletes expired stream events. Implemented by
// *stream.Publisher.
type EventPruner interface {
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ExecutionPruner deletes old finished workflow executions. Implemented
// by the workflow stores.
type ExecutionPruner interface {
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service periodically enforces retention policies:
//   - Removes persisted stream events past their TTL
//   - Removes finished workflow executions past the retention window
//
// All operations are idempotent and safe to run from multiple replicas.
type Service struct {
	config     Config
	events     EventPruner
	executions ExecutionPruner
	logger     *slog.Logger
	now        func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. Either pruner may be nil,
// which disables that sweep.
func NewService(cfg Config, events EventPruner, executions ExecutionPruner, logger *slog.Logger) *Service {
	return &Service{
		config:     cfg,
		events:     events,
		executions: executions,
		logger:     logger.With("component", "cleanup"),
		now:        time.Now,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"event_ttl", s.config.EventTTL,
		"execution_retention", s.config.ExecutionRetention,
		"interval", s.config.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll performs one full retention pass.
func (s *Service) RunAll(ctx context.Context) {
	s.pruneEvents(ctx)
	s.pruneExecutions(ctx)
}

func (s *Service) pruneEvents(ctx context.Context) {
	if s.events == nil || s.config.EventTTL <= 0 {
		return
	}
	count, err := s.events.DeleteEventsBefore(ctx, s.now().UTC().Add(-s.config.EventTTL))
	if err != nil {
		s.logger.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: removed expired stream events", "count", count)
	}
}

func (s *Service) pruneExecutions(ctx context.Context) {
	if s.executions == nil || s.config.ExecutionRetention <= 0 {
		return
	}
	count, err := s.executions.DeleteFinishedBefore(ctx, s.now().UTC().Add(-s.config.ExecutionRetention))
	if err != nil {
		s.logger.Error("Retention: workflow execution cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: removed old workflow executions", "count", count)
	}
}
