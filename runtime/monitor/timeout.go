package monitor

import (
	"context"
	"fmt"
	"time"

	"goa.design/ashep/internal/ids"
	"goa.design/ashep/runtime/messenger"
	"goa.design/ashep/runtime/policy"
	"goa.design/ashep/runtime/runlog"
)

// maxDynamicDecisionDepth mirrors the Worker Engine's own recursion guard
// (spec.md §4.9 step j): a dynamic decision's own transition may not itself
// be another dynamic decision.
const maxDynamicDecisionDepth = 1

// timeoutRun marks run timed out for reason, kills its agent session, logs a
// timeout decision, and hands the outcome to the Policy Engine. retryCount
// must be read by the caller before this call (the same ordering invariant
// the Worker Engine's processIssue observes): a Run about to be marked timed
// out must not count against its own retry budget.
func (e *Engine) timeoutRun(ctx context.Context, run *runlog.Run, pol policy.Policy, reason string, retryCount int) {
	if run.SessionID != "" {
		if err := e.gateway.Kill(ctx, run.SessionID); err != nil {
			e.obs.Logger.Warn(ctx, "monitor: kill stalled session failed", "run_id", run.ID, "session_id", run.SessionID, "error", err)
		}
	}

	status := runlog.StatusTimeout
	outcome := &runlog.RunOutcome{
		Success:      false,
		ErrorType:    "timeout",
		ErrorMessage: reason,
		EndTimeMS:    time.Now().UnixMilli(),
	}
	if _, err := e.runs.UpdateRun(ctx, run.ID, runlog.RunPatch{Status: &status, Outcome: outcome}); err != nil {
		e.obs.Logger.Warn(ctx, "monitor: mark run timed out failed", "run_id", run.ID, "error", err)
		return
	}

	e.logDecision(ctx, run.ID, runlog.DecisionTimeout, "timeout", reason, map[string]any{
		"issue_id": run.IssueID,
		"phase":    run.Phase,
	})

	transition, err := e.policies.DetermineTransition(ctx, policy.DecisionInput{
		RunID:        run.ID,
		IssueID:      run.IssueID,
		PolicyName:   pol.Name,
		CurrentPhase: run.Phase,
		Outcome:      policy.Outcome{Success: false, RetryCount: retryCount},
	})
	if err != nil {
		e.obs.Logger.Warn(ctx, "monitor: determine transition failed", "run_id", run.ID, "error", err)
		return
	}

	if err := e.applyTransition(ctx, run, pol, transition, 0); err != nil {
		e.obs.Logger.Warn(ctx, "monitor: apply transition failed", "run_id", run.ID, "error", err)
	}
}

// applyTransition mirrors the Worker Engine's own applyTransition (spec.md
// §4.9 steps j-k): it is duplicated here, narrowed to TrackerGateway/
// MessageSender, rather than exported from runtime/worker, because the two
// engines intentionally share no Go dependency between them — each talks
// only to the Tracker Gateway, Agent Gateway, Run Log, and Policy Engine.
// The phase_transition decision is logged for every transition type,
// including block, so a failed tracker call never silently skips it.
func (e *Engine) applyTransition(ctx context.Context, run *runlog.Run, pol policy.Policy, t policy.Transition, depth int) error {
	var stepErr error

	switch t.Type {
	case policy.TransitionAdvance:
		if err := e.tracker.SetPhaseLabel(ctx, run.IssueID, t.NextPhase); err != nil {
			stepErr = fmt.Errorf("monitor: advance phase label: %w", err)
		} else {
			e.notify(ctx, run.IssueID, run.Phase, t.NextPhase, messenger.MessageResult, "phase completed")
		}

	case policy.TransitionRetry:
		// The Worker Engine's own poll loop re-enters processIssue for this
		// (issue, phase) on its next cycle; there is nothing further to do
		// here once the Run has been marked timed out above.

	case policy.TransitionJumpBack:
		if err := e.tracker.SetPhaseLabel(ctx, run.IssueID, t.JumpTargetPhase); err != nil {
			stepErr = fmt.Errorf("monitor: jump back phase label: %w", err)
		} else {
			e.notify(ctx, run.IssueID, run.Phase, t.JumpTargetPhase, messenger.MessageContext, t.Reason)
		}

	case policy.TransitionDynamicDecision:
		if depth >= maxDynamicDecisionDepth {
			stepErr = e.block(ctx, run.IssueID, "dynamic_decision exceeded max recursion depth")
		} else {
			nested, err := e.policies.DetermineTransition(ctx, policy.DecisionInput{
				IssueID:      run.IssueID,
				PolicyName:   pol.Name,
				CurrentPhase: run.Phase,
				DynamicAgent: t.DynamicAgent,
				Outcome:      policy.Outcome{Success: true},
			})
			if err != nil {
				stepErr = fmt.Errorf("monitor: nested dynamic_decision transition: %w", err)
			} else {
				stepErr = e.applyTransition(ctx, run, pol, nested, depth+1)
			}
		}

	case policy.TransitionBlock:
		stepErr = e.block(ctx, run.IssueID, t.Reason)

	case policy.TransitionClose:
		if err := e.tracker.ClearPhaseLabels(ctx, run.IssueID); err != nil {
			stepErr = fmt.Errorf("monitor: close clear phase labels: %w", err)
		} else if err := e.tracker.ClearHITLLabels(ctx, run.IssueID); err != nil {
			stepErr = fmt.Errorf("monitor: close clear hitl labels: %w", err)
		} else if err := e.tracker.Close(ctx, run.IssueID); err != nil {
			stepErr = fmt.Errorf("monitor: close issue: %w", err)
		}
	}

	e.logDecision(ctx, run.ID, runlog.DecisionPhaseTransition, string(t.Type), t.Reason, map[string]any{
		"issue_id":   run.IssueID,
		"from_phase": run.Phase,
	})
	return stepErr
}

func (e *Engine) block(ctx context.Context, issueID, reason string) error {
	if err := e.tracker.SetHITLLabel(ctx, issueID, reason); err != nil {
		return fmt.Errorf("monitor: set hitl label: %w", err)
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, issueID, fromPhase, toPhase string, kind messenger.MessageType, content string) {
	if e.messages == nil || toPhase == "" {
		return
	}
	_, _ = e.messages.SendMessage(ctx, messenger.Message{
		ID:        ids.NewPrefixed("msg"),
		IssueID:   issueID,
		FromPhase: fromPhase,
		ToPhase:   toPhase,
		Type:      kind,
		Content:   content,
		CreatedAt: time.Now(),
	})
}

func (e *Engine) logDecision(ctx context.Context, runID string, kind runlog.DecisionType, decision, reasoning string, metadata map[string]any) {
	_, _ = e.runs.LogDecision(ctx, &runlog.Decision{
		ID:        ids.NewPrefixed("decision"),
		RunID:     runID,
		Type:      kind,
		Decision:  decision,
		Reasoning: reasoning,
		Metadata:  metadata,
		Timestamp: time.Now(),
	})
}
