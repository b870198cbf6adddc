package monitor

import (
	"context"
	"time"

	"goa.design/ashep/runtime/runlog"
)

// ResumeInterruptedRuns implements spec.md §4.10's startup pass: any Run
// left status=running by a prior process that crashed or was killed before
// it could finalize is marked timed out once its updated_at is older than
// the effective stall threshold, and handed to the Policy Engine.
//
// The spec also names an alternative trigger — "whose session no longer
// appears in the Agent Gateway" — which this implementation does not check:
// agentgateway.Gateway exposes Launch/Continue/Kill/ListKnownAgents but no
// per-session liveness query, so there is nothing to ask. Staleness is the
// only signal available; see DESIGN.md.
func (e *Engine) ResumeInterruptedRuns(ctx context.Context) error {
	running, err := e.runs.QueryRuns(ctx, runlog.RunFilter{Status: runlog.StatusRunning})
	if err != nil {
		return err
	}

	for _, run := range running {
		pol, err := e.policies.GetPolicy(run.PolicyName)
		if err != nil {
			e.obs.Logger.Warn(ctx, "monitor: resume: unknown policy", "run_id", run.ID, "policy", run.PolicyName, "error", err)
			continue
		}
		phaseCfg, err := e.policies.GetPhaseConfig(pol.Name, run.Phase)
		if err != nil {
			e.obs.Logger.Warn(ctx, "monitor: resume: unknown phase", "run_id", run.ID, "phase", run.Phase, "error", err)
			continue
		}

		threshold := time.Duration(float64(e.effectiveStallThreshold(pol)) * e.effectiveMultiplier(phaseCfg))
		if threshold <= 0 || time.Since(run.UpdatedAt) < threshold {
			continue
		}

		retryCount, err := e.runs.GetPhaseRetryCount(ctx, run.IssueID, run.Phase)
		if err != nil {
			retryCount = 0
		}
		e.obs.Logger.Warn(ctx, "monitor: resuming interrupted run", "run_id", run.ID, "issue_id", run.IssueID, "phase", run.Phase)
		e.timeoutRun(ctx, run, pol, "resumed at startup: stale running run", retryCount)
	}
	return nil
}
