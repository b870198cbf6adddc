package worker

import (
	"context"

	"goa.design/ashep/runtime/policy"
	"goa.design/ashep/runtime/tracker"
)

// ExportProcessIssueForTest exposes processIssue to external tests.
func (e *Engine) ExportProcessIssueForTest(ctx context.Context, issue *tracker.Issue) (Result, error) {
	return e.processIssue(ctx, issue)
}

// ExportResolveSessionForTest exposes resolveSession to external tests.
func ExportResolveSessionForTest(ctx context.Context, history RunHistory, pol policy.Policy, phaseCfg policy.PhaseConfig, issueID, currentPhase string) (string, error) {
	return resolveSession(ctx, history, pol, phaseCfg, issueID, currentPhase)
}

// ExportPreDispatchLoopCheckForTest exposes preDispatchLoopCheck to external tests.
func (e *Engine) ExportPreDispatchLoopCheckForTest(ctx context.Context, pol policy.Policy, phaseCfg policy.PhaseConfig, issueID string) (bool, string) {
	return e.preDispatchLoopCheck(ctx, pol, phaseCfg, issueID)
}
