// Package agent implements the planner/executor framework: an agent takes a
// task goal, asks a Planner (the LLM abstraction) for a structured plan over
// the registered tools, gates the plan through the safety controller, then
// executes it step by step with checkpointing, rollback via compensating
// actions, and resume from persisted checkpoints.
package agent

import (
	"time"

	"github.com/querypilot/querypilot/pkg/safety"
)

// State is the agent lifecycle phase.
type State string

const (
	StateIdle             State = "IDLE"
	StatePlanning         State = "PLANNING"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateExecuting        State = "EXECUTING"
	StateCheckpointed     State = "CHECKPOINTED"
	StateCompleted        State = "COMPLETED"
	StateFailed           State = "FAILED"
	StateRolledBack       State = "ROLLED_BACK"
)

// Terminal reports whether the agent has finished; step records are
// immutable once a terminal state is reached.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateRolledBack
}

// StepStatus tracks one plan step through execution.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepRunning    StepStatus = "RUNNING"
	StepSucceeded  StepStatus = "SUCCEEDED"
	StepFailed     StepStatus = "FAILED"
	StepSkipped    StepStatus = "SKIPPED"
	StepRolledBack StepStatus = "ROLLED_BACK"
)

// FailurePolicy is what the plan asks for when a step fails.
type FailurePolicy string

const (
	FailAbort    FailurePolicy = "abort"
	FailSkip     FailurePolicy = "skip"
	FailRetry    FailurePolicy = "retry"
	FailRollback FailurePolicy = "rollback"
)

// Task is the work an agent is asked to do.
type Task struct {
	ID           string         `json:"id"`
	Goal         string         `json:"goal"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Connections  []string       `json:"connections,omitempty"`
	Principal    string         `json:"principal"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Deadline     time.Time      `json:"deadline,omitzero"`
	ParentID     string         `json:"parent_id,omitempty"`
}

// PlanStep is one tool invocation in a plan.
type PlanStep struct {
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
	Rationale string         `json:"rationale,omitempty"`

	// Independent marks the step safe to run concurrently with adjacent
	// independent steps. Dependent steps always see the outputs of every
	// earlier step.
	Independent bool `json:"independent,omitempty"`

	OnFailure  FailurePolicy `json:"on_failure,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty"`
}

// Plan is the planner's answer: an ordered list of steps.
type Plan struct {
	Summary string     `json:"summary,omitempty"`
	Steps   []PlanStep `json:"steps"`
}

// StepRecord is the execution record of one step.
type StepRecord struct {
	Index      int        `json:"index"`
	Tool       string     `json:"tool"`
	Status     StepStatus `json:"status"`
	Params     map[string]any `json:"params,omitempty"`
	Output     any        `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	Attempts   int        `json:"attempts"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
}

// Status is a point-in-time snapshot of an agent, safe to retain.
type Status struct {
	ID            string       `json:"id"`
	Task          Task         `json:"task"`
	State         State        `json:"state"`
	ProjectedRisk safety.Risk  `json:"-"`
	RiskLabel     string       `json:"projected_risk"`
	Steps         []StepRecord `json:"steps"`
	Error         string       `json:"error,omitempty"`
}
