package models

import "time"

// StepType classifies what a workflow step does.
type StepType string

const (
	StepAnalysis   StepType = "analysis"
	StepDecision   StepType = "decision"
	StepAction     StepType = "action"
	StepValidation StepType = "validation"
)

// IsValid checks if the step type is one of the known values.
func (t StepType) IsValid() bool {
	switch t {
	case StepAnalysis, StepDecision, StepAction, StepValidation:
		return true
	default:
		return false
	}
}

// CoordinationPattern selects how a workflow's steps are scheduled.
type CoordinationPattern string

const (
	PatternSequential   CoordinationPattern = "sequential"
	PatternParallel     CoordinationPattern = "parallel"
	PatternHierarchical CoordinationPattern = "hierarchical"
)

// IsValid checks if the coordination pattern is one of the known values.
func (p CoordinationPattern) IsValid() bool {
	switch p {
	case PatternSequential, PatternParallel, PatternHierarchical:
		return true
	default:
		return false
	}
}

// WorkflowStep is one node of a workflow DAG. Inputs lists the step ids
// whose outputs feed this step.
type WorkflowStep struct {
	StepID           string            `yaml:"step_id" json:"step_id"`
	AgentID          string            `yaml:"agent_id" json:"agent_id"`
	StepType         StepType          `yaml:"step_type" json:"step_type"`
	Inputs           []string          `yaml:"inputs" json:"inputs"`
	Outputs          map[string]string `yaml:"outputs" json:"outputs"`
	Conditions       []string          `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Timeout          time.Duration     `yaml:"timeout" json:"timeout"`
	RetryCount       int               `yaml:"retry_count" json:"retry_count"`
	ApprovalRequired bool              `yaml:"approval_required" json:"approval_required"`
}

// WorkflowDefinition is a named DAG of steps. The induced input graph is
// acyclic; every entry point, exit condition, and input id exists in Steps.
type WorkflowDefinition struct {
	WorkflowID     string              `yaml:"workflow_id" json:"workflow_id"`
	Name           string              `yaml:"name" json:"name"`
	Pattern        CoordinationPattern `yaml:"pattern" json:"pattern"`
	Steps          []WorkflowStep      `yaml:"steps" json:"steps"`
	EntryPoints    []string            `yaml:"entry_points" json:"entry_points"`
	ExitConditions []string            `yaml:"exit_conditions" json:"exit_conditions"`
	Metadata       map[string]string   `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Step returns the step with the given id, or nil.
func (d *WorkflowDefinition) Step(id string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].StepID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// ExecutionStatus is the lifecycle status of one workflow run.
// Terminal statuses are monotone: once completed, failed, or cancelled,
// no further transitions occur.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// StepResult is the structured output of one completed step.
type StepResult struct {
	StepID       string    `json:"step_id"`
	AgentID      string    `json:"agent_id"`
	Output       string    `json:"output"`
	TokensIn     int       `json:"tokens_in"`
	TokensOut    int       `json:"tokens_out"`
	Cost         float64   `json:"cost"`
	DurationMS   int64     `json:"duration_ms"`
	Attempts     int       `json:"attempts"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// WorkflowExecution is one run of a workflow.
type WorkflowExecution struct {
	ExecutionID  string                `json:"execution_id"`
	WorkflowID   string                `json:"workflow_id"`
	Status       ExecutionStatus       `json:"status"`
	CurrentStep  string                `json:"current_step,omitempty"`
	StepResults  map[string]StepResult `json:"step_results"`
	StartTime    time.Time             `json:"start_time"`
	EndTime      *time.Time            `json:"end_time,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
	UserID       string                `json:"user_id"`
}
