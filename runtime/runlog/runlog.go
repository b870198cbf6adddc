// Package runlog defines the durable, indexed record of every phase
// dispatch attempt (Run) and every Policy Engine decision. It is the
// canonical source of truth run introspection, retention, and cleanup all
// read from.
package runlog

import (
	"context"
	"fmt"
	"time"
)

type (
	// Status is a Run's lifecycle state. Once Status reaches a terminal
	// value, the Run is immutable: UpdateRun must reject further writes to
	// it with ErrTerminalRunImmutable.
	Status string

	// DecisionType discriminates why a Decision was recorded.
	DecisionType string

	// Run is one atomic attempt of one phase of one issue.
	Run struct {
		ID         string
		IssueID    string
		SessionID  string
		AgentID    string
		PolicyName string
		Phase      string
		Status     Status

		CreatedAt   time.Time
		UpdatedAt   time.Time
		CompletedAt *time.Time

		Outcome RunOutcome

		// Metadata carries attempt/retry bookkeeping: "attempt_number",
		// "retry_count", "phase_total_duration_ms".
		Metadata map[string]any
	}

	// RunOutcome is the result of a completed (or failed) Run.
	RunOutcome struct {
		Success bool
		Message string

		ErrorType    string
		ErrorMessage string
		ErrorStack   string
		ErrorFile    string
		ErrorLine    int

		Artifacts []string
		Warnings  []string

		DurationMS  int64
		StartTimeMS int64
		EndTimeMS   int64
		TokensUsed  int64
		Cost        float64
		APICalls    int
	}

	// Decision is an append-only record of a Policy Engine choice.
	Decision struct {
		ID       string
		RunID    string
		Type     DecisionType
		Decision string
		Reasoning string
		// Metadata carries structured detail: from/to phase, confidence,
		// target agent, thresholds crossed.
		Metadata  map[string]any
		Timestamp time.Time
	}

	// RunFilter narrows QueryRuns/QueryAllRuns. Zero-valued fields are
	// unconstrained. Limit <= 0 means unbounded.
	RunFilter struct {
		IssueID      string
		AgentID      string
		Phase        string
		Status       Status
		CreatedAfter *time.Time
		CreatedBefore *time.Time
		Limit        int
		Offset       int
	}

	// RunPatch merges into a non-terminal Run. Nil fields are left
	// unchanged.
	RunPatch struct {
		Status    *Status
		AgentID   *string
		SessionID *string
		Outcome   *RunOutcome
		Metadata  map[string]any
	}

	// DurationStats summarizes Run durations matching a filter.
	DurationStats struct {
		Count  int
		Total  time.Duration
		Mean   time.Duration
		Min    time.Duration
		Max    time.Duration
	}

	// SlowestPhase is one entry in a GetSlowestPhases result.
	SlowestPhase struct {
		Phase    string
		Duration time.Duration
		RunID    string
	}

	// Store is the Run Log's public contract. Every method here maps to an
	// operation the orchestration engine names explicitly: CreateRun,
	// UpdateRun, GetRun, QueryRuns, LogDecision, GetDecisions,
	// GetDecisionsForIssue, the three counters, and the duration queries.
	Store interface {
		CreateRun(ctx context.Context, r *Run) (*Run, error)
		UpdateRun(ctx context.Context, id string, patch RunPatch) (*Run, error)
		GetRun(ctx context.Context, id string) (*Run, error)
		QueryRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
		// DeleteRun permanently removes a terminal Run from the active store.
		// Retention calls this for terminal Runs past delete_after_days or
		// beyond max_runs, whether or not they were archived; a Run that is
		// also due for archiving in the same pass is archived first.
		// Deleting a non-terminal Run is a programming error.
		DeleteRun(ctx context.Context, id string) error

		LogDecision(ctx context.Context, d *Decision) (*Decision, error)
		GetDecisions(ctx context.Context, runID string) ([]*Decision, error)
		GetDecisionsForIssue(ctx context.Context, issueID string, limit int) ([]*Decision, error)

		GetPhaseVisitCount(ctx context.Context, issueID, phase string) (int, error)
		GetPhaseRetryCount(ctx context.Context, issueID, phase string) (int, error)
		GetTransitionCount(ctx context.Context, issueID, fromPhase, toPhase string) (int, error)

		GetPhaseTotalDuration(ctx context.Context, issueID, phase string) (time.Duration, error)
		GetPhaseAverageDuration(ctx context.Context, issueID, phase string) (time.Duration, error)
		GetDurationStats(ctx context.Context, filter RunFilter) (DurationStats, error)
		GetSlowestPhases(ctx context.Context, issueID string, limit int) ([]SlowestPhase, error)
	}
)

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

const (
	DecisionPhaseTransition DecisionType = "phase_transition"
	DecisionWorkerAssistant DecisionType = "worker_assistant"
	DecisionDynamic         DecisionType = "dynamic_decision"
	DecisionHITL            DecisionType = "hitl"
	DecisionTimeout         DecisionType = "timeout"
	DecisionAgentSelection  DecisionType = "agent_selection"
)

// IsTerminal reports whether s is one of the terminal Run statuses, past
// which the Run record is immutable.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// ErrTerminalRunImmutable reports an attempt to UpdateRun a Run whose
// Status is already terminal.
type ErrTerminalRunImmutable struct {
	RunID  string
	Status Status
}

func (e *ErrTerminalRunImmutable) Error() string {
	return fmt.Sprintf("run %s is terminal (%s) and cannot be updated", e.RunID, e.Status)
}

// ErrNotFound reports that id names no known Run or Decision.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e *ErrNotFound) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }
