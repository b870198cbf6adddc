package worker

import (
	"context"
	"fmt"
	"time"

	"goa.design/ashep/internal/ids"
	"goa.design/ashep/runtime/agentgateway"
	"goa.design/ashep/runtime/errkind"
	"goa.design/ashep/runtime/messenger"
	"goa.design/ashep/runtime/policy"
	"goa.design/ashep/runtime/promptbuilder"
	"goa.design/ashep/runtime/registry"
	"goa.design/ashep/runtime/runlog"
	"goa.design/ashep/runtime/tracker"
)

// maxDynamicDecisionDepth bounds dynamic_decision recursion (spec.md §4.9
// step j): a dynamic decision's own transition may not itself be another
// dynamic decision.
const maxDynamicDecisionDepth = 1

// processIssue implements spec.md §4.9 steps a-k: resolve policy and phase,
// pre-check loop prevention, select an agent, resolve session continuation,
// build and dispatch a prompt, record the outcome, and apply the resulting
// transition.
func (e *Engine) processIssue(ctx context.Context, issue *tracker.Issue) (Result, error) {
	pol, err := e.resolvePolicy(issue)
	if err != nil {
		return Result{}, err
	}

	currentPhase, err := e.currentPhase(ctx, issue, pol)
	if err != nil {
		return Result{}, err
	}

	phaseCfg, err := e.policies.GetPhaseConfig(pol.Name, currentPhase)
	if err != nil {
		return Result{}, errkind.NewLogicViolation("processIssue.getPhaseConfig", err)
	}

	if blocked, reason := e.preDispatchLoopCheck(ctx, pol, phaseCfg, issue.ID); blocked {
		return e.applyBlock(ctx, issue, pol, currentPhase, reason)
	}

	agent, ok := e.selector.SelectAgent(ctx, registry.Selection{RequiredCapabilities: phaseCfg.RequiredCapabilities})
	if !ok {
		return e.applyBlock(ctx, issue, pol, currentPhase, "No capable agent")
	}

	sessionID, err := resolveSession(ctx, e.runs, pol, phaseCfg, issue.ID, currentPhase)
	if err != nil {
		return Result{}, err
	}

	systemPrompt, userPrompt, err := e.buildPrompt(issue, pol, phaseCfg)
	if err != nil {
		return Result{}, err
	}

	// retryCount must reflect attempts already spent before this one: the
	// Policy Engine's rule 3/4 compares it against maxAttempts-1 to decide
	// whether *this* failure still has a retry left, so it must be read
	// before finalizeRun records this run's own outcome.
	retryCount, err := e.runs.GetPhaseRetryCount(ctx, issue.ID, currentPhase)
	if err != nil {
		retryCount = 0
	}

	run, err := e.createRun(ctx, issue, pol, phaseCfg, agent, sessionID, retryCount)
	if err != nil {
		return Result{}, err
	}

	timeout := time.Duration(float64(pol.BaseTimeout) * phaseCfg.TimeoutMultiplier)
	outcome, newSessionID, err := e.dispatchAgent(ctx, run.ID, agent.ID, sessionID, systemPrompt, userPrompt, timeout)
	if err != nil {
		return Result{}, err
	}

	if err := e.finalizeRun(ctx, run, outcome, newSessionID); err != nil {
		return Result{}, err
	}

	requiresApproval := e.consultWorkerAssistant(ctx, issue, pol, phaseCfg, run, &outcome)

	transition, err := e.policies.DetermineTransition(ctx, policy.DecisionInput{
		RunID:        run.ID,
		IssueID:      issue.ID,
		PolicyName:   pol.Name,
		CurrentPhase: currentPhase,
		Outcome: policy.Outcome{
			Success:          outcome.Success,
			RequiresApproval: requiresApproval,
			RetryCount:       retryCount,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("worker: determine transition: %w", err)
	}

	if err := e.applyTransition(ctx, issue, pol, currentPhase, transition, 0, run.ID); err != nil {
		return Result{}, err
	}

	return Result{IssueID: issue.ID, Phase: currentPhase, Transition: transition}, nil
}

// resolvePolicy implements step a: prefer the policy named in Issue
// metadata, else the Policy Engine's default.
func (e *Engine) resolvePolicy(issue *tracker.Issue) (policy.Policy, error) {
	name := issue.PolicyName
	if name == "" {
		name = e.policies.GetDefaultPolicyName()
	}
	pol, err := e.policies.GetPolicy(name)
	if err != nil {
		return policy.Policy{}, errkind.NewConfig("processIssue.resolvePolicy", err)
	}
	return pol, nil
}

// currentPhase implements step b: read the current phase label, assigning
// the policy's first phase if the Issue doesn't carry one yet.
func (e *Engine) currentPhase(ctx context.Context, issue *tracker.Issue, pol policy.Policy) (string, error) {
	if phase, ok, err := e.tracker.GetCurrentPhase(ctx, issue.ID); err != nil {
		return "", errkind.NewTransient("processIssue.getCurrentPhase", err)
	} else if ok {
		return phase, nil
	}
	if len(pol.Phases) == 0 {
		return "", errkind.NewConfig("processIssue.currentPhase", fmt.Errorf("policy %q has no phases", pol.Name))
	}
	first := pol.Phases[0].Name
	if err := e.tracker.SetPhaseLabel(ctx, issue.ID, first); err != nil {
		return "", errkind.NewTransient("processIssue.setPhaseLabel", err)
	}
	return first, nil
}

// preDispatchLoopCheck implements step c's visit-count half of the pre-check
// ("using the Run Log"): the cycle/transition-count checks remain the
// Policy Engine's post-outcome job in DetermineTransition (see DESIGN.md —
// DetermineTransition's loop-prevention rule can only run once an Outcome is
// known, so it cannot itself be the pre-dispatch gate).
func (e *Engine) preDispatchLoopCheck(ctx context.Context, pol policy.Policy, phaseCfg policy.PhaseConfig, issueID string) (bool, string) {
	if !pol.LoopPrevention.Enabled {
		return false, ""
	}
	limit := phaseCfg.MaxVisits
	if limit <= 0 {
		limit = pol.LoopPrevention.MaxVisits
	}
	if limit <= 0 {
		return false, ""
	}
	visits, err := e.runs.GetPhaseVisitCount(ctx, issueID, phaseCfg.Name)
	if err != nil {
		return false, ""
	}
	if visits >= limit {
		return true, fmt.Sprintf("phase %q reached max_visits (%d)", phaseCfg.Name, limit)
	}
	return false, ""
}

// applyBlock short-circuits processIssue for pre-dispatch blocks (steps c
// and d): set the HITL label and log a decision, without ever creating a
// Run.
func (e *Engine) applyBlock(ctx context.Context, issue *tracker.Issue, pol policy.Policy, phase, reason string) (Result, error) {
	if err := e.tracker.SetHITLLabel(ctx, issue.ID, reason); err != nil {
		return Result{}, errkind.NewTransient("applyBlock.setHITLLabel", err)
	}
	if _, err := e.runs.LogDecision(ctx, &runlog.Decision{
		ID:        ids.NewPrefixed("decision"),
		Type:      runlog.DecisionHITL,
		Decision:  "block",
		Reasoning: reason,
		Metadata:  map[string]any{"issue_id": issue.ID, "phase": phase},
		Timestamp: time.Now(),
	}); err != nil {
		return Result{}, fmt.Errorf("worker: log block decision: %w", err)
	}
	return Result{IssueID: issue.ID, Phase: phase, Transition: policy.Transition{Type: policy.TransitionBlock, Reason: reason}}, nil
}

// buildPrompt implements step f: the phase's custom_prompt (rendered ad hoc)
// takes priority over the generic named template.
func (e *Engine) buildPrompt(issue *tracker.Issue, pol policy.Policy, phaseCfg policy.PhaseConfig) (system, user string, err error) {
	ctxData := map[string]any{
		"issue": map[string]any{
			"id":          issue.ID,
			"title":       issue.Title,
			"description": issue.Description,
			"type":        issue.Type,
		},
		"phase":        phaseCfg.Name,
		"capabilities": toAnySlice(phaseCfg.RequiredCapabilities),
	}
	if phaseCfg.CustomPrompt != "" {
		user, err = e.prompts.RenderString(phaseCfg.CustomPrompt, ctxData)
		if err != nil {
			return "", "", fmt.Errorf("worker: render custom_prompt for phase %q: %w", phaseCfg.Name, err)
		}
		return "", user, nil
	}
	built, err := e.prompts.BuildPrompt(phaseCfg.Name, ctxData)
	if err != nil {
		return "", "", fmt.Errorf("worker: build prompt for phase %q: %w", phaseCfg.Name, err)
	}
	return built.SystemPrompt, built.UserPrompt, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// createRun implements step g's bookkeeping half: a new Run record, with
// attempt_number computed from the phase's prior retry count.
func (e *Engine) createRun(ctx context.Context, issue *tracker.Issue, pol policy.Policy, phaseCfg policy.PhaseConfig, agent *registry.Agent, sessionID string, priorRetries int) (*runlog.Run, error) {
	run, err := e.runs.CreateRun(ctx, &runlog.Run{
		ID:         ids.NewPrefixed("run"),
		IssueID:    issue.ID,
		SessionID:  sessionID,
		AgentID:    agent.ID,
		PolicyName: pol.Name,
		Phase:      phaseCfg.Name,
		Status:     runlog.StatusRunning,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
		Metadata:   map[string]any{"attempt_number": priorRetries + 1},
	})
	if err != nil {
		return nil, fmt.Errorf("worker: create run: %w", err)
	}
	return run, nil
}

// dispatchAgent implements step g's launch half and step h: wait for the
// stream's terminal event and translate it into a RunOutcome. Non-terminal
// events touch the Run's updated_at (an empty RunPatch still timestamps),
// which is the only signal the Monitor Engine's steady-state stall check
// (spec.md §4.10) has for "last progress" on a Run that's still in flight —
// the Run Log carries no separate progress timestamp.
func (e *Engine) dispatchAgent(ctx context.Context, runID, agentID, sessionID, systemPrompt, userPrompt string, timeout time.Duration) (runlog.RunOutcome, string, error) {
	start := time.Now()
	newSessionID, stream, err := e.gateway.Launch(ctx, agentID, sessionID, systemPrompt, userPrompt, timeout.Milliseconds())
	if err != nil {
		return runlog.RunOutcome{}, "", errkind.NewAgentFailure("dispatchAgent.launch", "start_failed", err)
	}

	outcome := runlog.RunOutcome{StartTimeMS: start.UnixMilli()}
	for ev := range stream {
		switch ev.Kind {
		case agentgateway.EventSuccess:
			outcome.Success = true
		case agentgateway.EventFailed:
			outcome.Success = false
			if ev.Err != nil {
				outcome.ErrorMessage = ev.Err.Error()
			}
			outcome.ErrorType = "agent_failed"
		case agentgateway.EventKilled:
			outcome.Success = false
			outcome.ErrorType = "agent_killed"
		default:
			e.heartbeatRun(ctx, runID)
		}
	}
	end := time.Now()
	outcome.EndTimeMS = end.UnixMilli()
	outcome.DurationMS = end.Sub(start).Milliseconds()
	return outcome, newSessionID, nil
}

// heartbeatRun best-effort touches the Run's updated_at as progress arrives.
// Errors are swallowed: a missed heartbeat only narrows the Monitor's
// stall-detection window, it never affects the outcome of this dispatch.
func (e *Engine) heartbeatRun(ctx context.Context, runID string) {
	if runID == "" {
		return
	}
	_, _ = e.runs.UpdateRun(ctx, runID, runlog.RunPatch{})
}

// finalizeRun implements step h's persistence half: update the Run to its
// terminal status with the recorded outcome.
func (e *Engine) finalizeRun(ctx context.Context, run *runlog.Run, outcome runlog.RunOutcome, newSessionID string) error {
	status := runlog.StatusCompleted
	if !outcome.Success {
		status = runlog.StatusFailed
	}
	patch := runlog.RunPatch{Status: &status, Outcome: &outcome}
	if newSessionID != "" {
		patch.SessionID = &newSessionID
	}
	if _, err := e.runs.UpdateRun(ctx, run.ID, patch); err != nil {
		return fmt.Errorf("worker: finalize run %s: %w", run.ID, err)
	}
	return nil
}

// consultWorkerAssistant implements step i. The assistant's verdict
// (advance/retry/block) is folded into *outcome and reported back as the
// RequiresApproval flag DetermineTransition's require_approval rule consults:
// "retry" flips outcome.Success to false so the Policy Engine's retry rule
// applies; "block" reports RequiresApproval=true; "advance" leaves outcome
// untouched. Returns false (no approval required) when the assistant is
// disabled.
func (e *Engine) consultWorkerAssistant(ctx context.Context, issue *tracker.Issue, pol policy.Policy, phaseCfg policy.PhaseConfig, run *runlog.Run, outcome *runlog.RunOutcome) bool {
	assistant := e.resolveAssistant(pol, phaseCfg)
	if assistant == nil {
		return false
	}

	agent, ok := e.selector.SelectAgent(ctx, registry.Selection{RequiredCapabilities: []string{assistant.Capability}})
	if !ok {
		return e.assistantFallback(ctx, issue, run, outcome, "no agent for worker_assistant capability")
	}

	summary := map[string]any{
		"issue_id": issue.ID,
		"phase":    phaseCfg.Name,
		"success":  outcome.Success,
		"message":  outcome.Message,
		"error":    outcome.ErrorMessage,
	}
	tmpl := assistant.Template
	var prompt string
	var err error
	if tmpl != "" {
		prompt, err = e.prompts.RenderString(tmpl, summary)
	} else {
		var built promptbuilder.BuiltPrompt
		built, err = e.prompts.BuildPrompt(assistant.Capability, summary)
		prompt = built.UserPrompt
	}
	if err != nil {
		return e.assistantFallback(ctx, issue, run, outcome, "render worker_assistant prompt: "+err.Error())
	}

	timeout := e.cfg.WorkerAssistant.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	assistCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, stream, err := e.gateway.Launch(assistCtx, agent.ID, "", "", prompt, timeout.Milliseconds())
	if err != nil {
		return e.assistantFallback(ctx, issue, run, outcome, "launch worker_assistant: "+err.Error())
	}

	var raw string
	for ev := range stream {
		if ev.Kind == agentgateway.EventSuccess {
			raw += ev.TokenDelta
		}
	}

	result := e.prompts.ValidateResponse(raw, []string{"advance", "retry", "block"}, nil)
	verdict := "block"
	if result.Valid && result.Response != nil {
		verdict = result.Response.Action
	}

	e.logDecision(ctx, run.ID, runlog.DecisionWorkerAssistant, verdict, "worker assistant verdict", map[string]any{"issue_id": issue.ID, "phase": phaseCfg.Name})

	switch verdict {
	case "retry":
		outcome.Success = false
		return false
	case "block":
		return true
	default:
		return false
	}
}

// resolveAssistant picks the effective worker-assistant config: phase
// override, then policy override, then the global default (nil if disabled
// globally). A phase or policy override only changes capability/template,
// not enablement — global worker_assistant.enabled is the single on/off
// switch.
func (e *Engine) resolveAssistant(pol policy.Policy, phaseCfg policy.PhaseConfig) *policy.WorkerAssistantConfig {
	if !e.cfg.WorkerAssistant.Enabled {
		return nil
	}
	if phaseCfg.WorkerAssistant != nil {
		return phaseCfg.WorkerAssistant
	}
	if pol.WorkerAssistant != nil {
		return pol.WorkerAssistant
	}
	return &policy.WorkerAssistantConfig{Capability: e.cfg.WorkerAssistant.AgentCapability}
}

// assistantFallback applies WorkerAssistant.FallbackAction when the
// assistant itself couldn't be consulted (no capable agent, render/launch
// failure). Defaults to block: an un-consultable assistant should not
// silently auto-advance.
func (e *Engine) assistantFallback(ctx context.Context, issue *tracker.Issue, run *runlog.Run, outcome *runlog.RunOutcome, reason string) bool {
	fallback := e.cfg.WorkerAssistant.FallbackAction
	if fallback == "" {
		fallback = policy.TransitionBlock
	}
	e.logDecision(ctx, run.ID, runlog.DecisionWorkerAssistant, string(fallback), reason, map[string]any{"issue_id": issue.ID})
	switch fallback {
	case policy.TransitionRetry:
		outcome.Success = false
		return false
	case policy.TransitionBlock:
		return true
	default:
		return false
	}
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

// applyTransition implements steps j and k: act on the Policy Engine's
// verdict and log a phase_transition decision for it. depth guards against
// dynamic_decision recursing into another dynamic_decision. runID is the
// just-completed Run's own ID, so the logged decision joins to it the same
// way every other Decision does (spec.md §3's "Decisions … carry their
// runId for joinability"); the decision is logged for every transition type,
// including block, so a failed tracker call never silently skips it.
func (e *Engine) applyTransition(ctx context.Context, issue *tracker.Issue, pol policy.Policy, fromPhase string, t policy.Transition, depth int, runID string) error {
	var stepErr error

	switch t.Type {
	case policy.TransitionAdvance:
		if err := e.tracker.SetPhaseLabel(ctx, issue.ID, t.NextPhase); err != nil {
			stepErr = errkind.NewTransient("applyTransition.advance", err)
		} else {
			e.notify(ctx, issue.ID, fromPhase, t.NextPhase, messenger.MessageResult, "phase completed")
		}

	case policy.TransitionRetry:
		// The caller (the scheduler loop) re-enters processIssue for this
		// issue on its next poll cycle; retry delay is computed by the
		// caller via policy.CalculateRetryDelay before then.

	case policy.TransitionJumpBack:
		if err := e.tracker.SetPhaseLabel(ctx, issue.ID, t.JumpTargetPhase); err != nil {
			stepErr = errkind.NewTransient("applyTransition.jumpBack", err)
		} else {
			e.notify(ctx, issue.ID, fromPhase, t.JumpTargetPhase, messenger.MessageContext, t.Reason)
		}

	case policy.TransitionDynamicDecision:
		if depth >= maxDynamicDecisionDepth {
			stepErr = e.blockTransition(ctx, issue, "dynamic_decision exceeded max recursion depth")
		} else {
			nested, err := e.policies.DetermineTransition(ctx, policy.DecisionInput{
				IssueID:      issue.ID,
				PolicyName:   pol.Name,
				CurrentPhase: fromPhase,
				DynamicAgent: t.DynamicAgent,
				Outcome:      policy.Outcome{Success: true},
			})
			if err != nil {
				stepErr = fmt.Errorf("worker: nested dynamic_decision transition: %w", err)
			} else {
				stepErr = e.applyTransition(ctx, issue, pol, fromPhase, nested, depth+1, runID)
			}
		}

	case policy.TransitionBlock:
		stepErr = e.blockTransition(ctx, issue, t.Reason)

	case policy.TransitionClose:
		if err := e.tracker.ClearPhaseLabels(ctx, issue.ID); err != nil {
			stepErr = errkind.NewTransient("applyTransition.close.clearPhase", err)
		} else if err := e.tracker.ClearHITLLabels(ctx, issue.ID); err != nil {
			stepErr = errkind.NewTransient("applyTransition.close.clearHITL", err)
		} else if err := e.tracker.Close(ctx, issue.ID); err != nil {
			stepErr = errkind.NewTransient("applyTransition.close", err)
		}
	}

	e.logDecision(ctx, runID, runlog.DecisionPhaseTransition, string(t.Type), t.Reason, map[string]any{
		"issue_id":   issue.ID,
		"from_phase": fromPhase,
		"to_phase":   transitionTarget(t),
	})
	return stepErr
}

func (e *Engine) blockTransition(ctx context.Context, issue *tracker.Issue, reason string) error {
	if err := e.tracker.SetHITLLabel(ctx, issue.ID, reason); err != nil {
		return errkind.NewTransient("blockTransition", err)
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

func transitionTarget(t policy.Transition) string {
	switch t.Type {
	case policy.TransitionAdvance:
		return t.NextPhase
	case policy.TransitionJumpBack:
		return t.JumpTargetPhase
	default:
		return ""
	}
}
