package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	runlogmem "goa.design/ashep/features/runlog/inmem"
	"goa.design/ashep/runtime/policy"
	"goa.design/ashep/runtime/runlog"
	"goa.design/ashep/runtime/worker"
)

// TestResolveSession_TokenBudgetProperty checks resolveSession's token-budget
// cutoff (runtime/worker/session.go) against arbitrary (maxTokens,
// threshold, tokensUsed) triples: a candidate session is reused exactly
// when its cumulative token usage does not exceed maxTokens*threshold.
func TestResolveSession_TokenBudgetProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a session is reused iff its cumulative usage does not exceed maxTokens*threshold", prop.ForAll(
		func(maxTokens int, thresholdPct int, tokensUsed int64) bool {
			threshold := float64(thresholdPct) / 100.0
			ctx := context.Background()
			runs := runlogmem.New()

			_, err := runs.CreateRun(ctx, &runlog.Run{
				ID: "prior", IssueID: "issue-1", Phase: "plan", Status: runlog.StatusCompleted,
				SessionID: "sess-1", Outcome: runlog.RunOutcome{Success: true, TokensUsed: tokensUsed},
				CreatedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
			})
			if err != nil {
				return false
			}

			pol := policy.Policy{
				Name: "p",
				Phases: []policy.PhaseConfig{
					{Name: "plan"},
					{Name: "implement", ReuseSessionFromPhase: "@previous", MaxContextTokens: maxTokens, ContextWindowThreshold: threshold},
				},
			}
			phaseCfg := pol.Phases[1]

			sessionID, err := worker.ExportResolveSessionForTest(ctx, runs, pol, phaseCfg, "issue-1", "implement")
			if err != nil {
				return false
			}

			budget := float64(maxTokens) * threshold
			wantReuse := float64(tokensUsed) <= budget
			if wantReuse {
				return sessionID == "sess-1"
			}
			return sessionID == ""
		},
		gen.IntRange(1000, 500000),
		gen.IntRange(1, 100),
		gen.Int64Range(0, 1000000),
	))

	properties.TestingRun(t)
}
