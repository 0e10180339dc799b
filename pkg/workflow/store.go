package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/models"
)

// ErrExecutionNotFound is returned when an execution id is unknown.
var ErrExecutionNotFound = errors.New("workflow execution not found")

// Store persists workflow executions at every state transition.
type Store interface {
	Save(ctx context.Context, exec models.WorkflowExecution) error
	Get(ctx context.Context, executionID string) (models.WorkflowExecution, error)
}

// PGStore is the Postgres-backed execution store.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates an execution store over the shared pool.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Save(ctx context.Context, exec models.WorkflowExecution) error {
	results, err := json.Marshal(exec.StepResults)
	if err != nil {
		return fmt.Errorf("marshaling step results: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions
			(execution_id, workflow_id, status, current_step, step_results, start_time, end_time, error_message, user_id)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9)
		ON CONFLICT (execution_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step = EXCLUDED.current_step,
			step_results = EXCLUDED.step_results,
			end_time = EXCLUDED.end_time,
			error_message = EXCLUDED.error_message`,
		exec.ExecutionID, exec.WorkflowID, exec.Status, exec.CurrentStep,
		results, exec.StartTime, exec.EndTime, exec.ErrorMessage, exec.UserID)
	if err != nil {
		return fmt.Errorf("saving workflow execution %s: %w", exec.ExecutionID, err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, executionID string) (models.WorkflowExecution, error) {
	var (
		exec    models.WorkflowExecution
		current sql.NullString
		errMsg  sql.NullString
		results []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT execution_id, workflow_id, status, current_step, step_results, start_time, end_time, error_message, user_id
		FROM workflow_executions WHERE execution_id = $1`, executionID).
		Scan(&exec.ExecutionID, &exec.WorkflowID, &exec.Status, &current,
			&results, &exec.StartTime, &exec.EndTime, &errMsg, &exec.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.WorkflowExecution{}, ErrExecutionNotFound
	}
	if err != nil {
		return models.WorkflowExecution{}, fmt.Errorf("loading workflow execution %s: %w", executionID, err)
	}
	exec.CurrentStep = current.String
	exec.ErrorMessage = errMsg.String
	if err := json.Unmarshal(results, &exec.StepResults); err != nil {
		return models.WorkflowExecution{}, fmt.Errorf("decoding step results for %s: %w", executionID, err)
	}
	return exec, nil
}

// DeleteFinishedBefore removes executions that reached a terminal status
// and ended before cutoff.
func (s *PGStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM workflow_executions
		WHERE status IN ($1, $2, $3) AND end_time < $4`,
		models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting finished workflow executions: %w", err)
	}
	return res.RowsAffected()
}

// MemoryStore is an in-memory Store for tests and runs without Postgres.
type MemoryStore struct {
	mu    sync.Mutex
	execs map[string]models.WorkflowExecution

	// Fail makes every operation return this error, for degradation tests.
	Fail error
}

// NewMemoryStore creates an empty in-memory execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{execs: make(map[string]models.WorkflowExecution)}
}

func (s *MemoryStore) Save(_ context.Context, exec models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	copied := exec
	copied.StepResults = make(map[string]models.StepResult, len(exec.StepResults))
	for k, v := range exec.StepResults {
		copied.StepResults[k] = v
	}
	s.execs[exec.ExecutionID] = copied
	return nil
}

func (s *MemoryStore) Get(_ context.Context, executionID string) (models.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return models.WorkflowExecution{}, s.Fail
	}
	exec, ok := s.execs[executionID]
	if !ok {
		return models.WorkflowExecution{}, ErrExecutionNotFound
	}
	return exec, nil
}

// DeleteFinishedBefore removes terminal executions that ended before cutoff.
func (s *MemoryStore) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	var n int64
	for id, exec := range s.execs {
		if exec.Status.IsTerminal() && exec.EndTime != nil && exec.EndTime.Before(cutoff) {
			delete(s.execs, id)
			n++
		}
	}
	return n, nil
}
