package worker

import (
	"context"
	"time"

	"goa.design/ashep/runtime/errkind"
	"goa.design/ashep/runtime/policy"
	"goa.design/ashep/runtime/tracker"
)

// Run is the Worker Engine's main loop (spec.md §4.9 steps 1-4). It blocks
// until ctx is cancelled, polling the Tracker Gateway every PollInterval and
// dispatching ready Issues up to MaxConcurrentRuns concurrently.
func (e *Engine) Run(ctx context.Context) error {
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

// pollOnce runs a single iteration of steps 2-3: list ready Issues, filter
// out excluded and already-dispatched ones, and dispatch up to the number of
// available slots.
func (e *Engine) pollOnce(ctx context.Context) {
	issues, err := e.tracker.ListReady(ctx)
	if err != nil {
		e.obs.Logger.Warn(ctx, "worker: list ready issues failed", "error", err)
		return
	}

	for _, issue := range issues {
		if e.shouldSkip(ctx, issue) {
			continue
		}
		e.dispatchOne(ctx, issue)
	}
}

// shouldSkip filters an Issue the Tracker Gateway returned from ListReady:
// excluded issues are never dispatched, and an issue whose excluded-label
// check fails is skipped for this cycle. The (issueId, phase) dispatch lock
// behind the "never dispatch the same Issue twice concurrently" guarantee of
// spec.md §5 is taken in dispatchOne, not here.
func (e *Engine) shouldSkip(ctx context.Context, issue *tracker.Issue) bool {
	excluded, err := e.tracker.HasExcludedLabel(ctx, issue.ID)
	if err != nil {
		e.obs.Logger.Warn(ctx, "worker: check excluded label failed", "issue_id", issue.ID, "error", err)
		return true
	}
	return excluded
}

// dispatchOne tries to acquire a dispatch slot and the per-(issue, phase)
// lock, then runs processIssue in its own goroutine via the DispatchScope.
// A retry transition re-enters processIssue after its computed backoff,
// bounded by the phase's max_attempts (enforced by the Policy Engine's own
// retry rule, not re-checked here).
func (e *Engine) dispatchOne(ctx context.Context, issue *tracker.Issue) {
	phase, ok, err := e.tracker.GetCurrentPhase(ctx, issue.ID)
	if err != nil {
		e.obs.Logger.Warn(ctx, "worker: get current phase failed", "issue_id", issue.ID, "error", err)
		return
	}
	lockPhase := phase
	if !ok {
		lockPhase = "unassigned"
	}

	unlock, locked, err := e.lock.TryLock(ctx, issue.ID, lockPhase)
	if err != nil {
		e.obs.Logger.Warn(ctx, "worker: acquire dispatch lock failed", "issue_id", issue.ID, "error", err)
		return
	}
	if !locked {
		return
	}

	fut, ok := e.scope.TryGo(ctx, func(taskCtx context.Context) (Result, error) {
		defer unlock()
		return e.dispatchWithRetry(taskCtx, issue)
	})
	if !ok {
		unlock()
		return
	}

	go func() {
		if _, err := fut.Get(context.Background()); err != nil {
			e.obs.Logger.Warn(ctx, "worker: dispatch failed", "issue_id", issue.ID, "error", err)
		}
	}()
}

// dispatchWithRetry runs processIssue and, if the Policy Engine returns a
// retry transition, sleeps the computed backoff and re-enters — all within
// the same DispatchScope slot, since a retry of the same phase must not
// race a fresh dispatch of that same (issue, phase) pair.
func (e *Engine) dispatchWithRetry(ctx context.Context, issue *tracker.Issue) (Result, error) {
	for {
		result, err := e.processIssue(ctx, issue)
		if err != nil {
			return result, err
		}
		if result.Transition.Type != policy.TransitionRetry {
			return result, nil
		}

		pol, perr := e.resolvePolicy(issue)
		if perr != nil {
			return result, nil
		}
		retries, cerr := e.runs.GetPhaseRetryCount(ctx, issue.ID, result.Phase)
		if cerr != nil {
			retries = 0
		}
		delay := policy.CalculateRetryDelay(pol.Retry, retries)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, errkind.NewLogicViolation("dispatchWithRetry", ctx.Err())
		}
	}
}
