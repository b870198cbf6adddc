package monitor

import (
	"context"
	"time"

	"goa.design/ashep/runtime/policy"
	"goa.design/ashep/runtime/runlog"
)

// Run is the Monitor Engine's main loop. It resumes interrupted Runs once,
// then polls every PollInterval until ctx is cancelled, checking every live
// Run for a wall-clock timeout or a progress stall.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.ResumeInterruptedRuns(ctx); err != nil {
		e.obs.Logger.Warn(ctx, "monitor: resume interrupted runs failed", "error", err)
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		e.pollOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollOnce implements spec.md §4.10's steady-state checks: one bad Run must
// never stop the supervisory loop (spec.md §7), so every per-Run failure is
// logged and skipped rather than propagated.
func (e *Engine) pollOnce(ctx context.Context) {
	running, err := e.runs.QueryRuns(ctx, runlog.RunFilter{Status: runlog.StatusRunning})
	if err != nil {
		e.obs.Logger.Warn(ctx, "monitor: query running runs failed", "error", err)
		return
	}

	for _, run := range running {
		e.checkRun(ctx, run)
	}
}

// checkRun enforces the wall-clock timeout ahead of the stall check: a Run
// that has exceeded timeout_base_ms × timeout_multiplier is timed out even
// if progress events are still arriving, per spec.md §4.10's "Timeout
// detection" clause.
func (e *Engine) checkRun(ctx context.Context, run *runlog.Run) {
	pol, err := e.policies.GetPolicy(run.PolicyName)
	if err != nil {
		e.obs.Logger.Warn(ctx, "monitor: unknown policy", "run_id", run.ID, "policy", run.PolicyName, "error", err)
		return
	}
	phaseCfg, err := e.policies.GetPhaseConfig(pol.Name, run.Phase)
	if err != nil {
		e.obs.Logger.Warn(ctx, "monitor: unknown phase", "run_id", run.ID, "phase", run.Phase, "error", err)
		return
	}
	multiplier := e.effectiveMultiplier(phaseCfg)

	wallClock := time.Duration(float64(pol.BaseTimeout) * multiplier)
	if wallClock > 0 && time.Since(run.CreatedAt) >= wallClock {
		e.timeout(ctx, run, pol, "wall-clock timeout exceeded")
		return
	}

	stallThreshold := time.Duration(float64(e.effectiveStallThreshold(pol)) * multiplier)
	if stallThreshold > 0 && time.Since(run.UpdatedAt) >= stallThreshold {
		e.timeout(ctx, run, pol, "no progress before stall threshold")
	}
}

func (e *Engine) timeout(ctx context.Context, run *runlog.Run, pol policy.Policy, reason string) {
	retryCount, err := e.runs.GetPhaseRetryCount(ctx, run.IssueID, run.Phase)
	if err != nil {
		retryCount = 0
	}
	e.timeoutRun(ctx, run, pol, reason, retryCount)
}
