package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/ashep/features/runlog/inmem"
	"goa.design/ashep/runtime/runlog"
)

var terminalStatuses = []runlog.Status{
	runlog.StatusCompleted, runlog.StatusFailed, runlog.StatusTimeout, runlog.StatusCancelled,
}

// TestUpdateRun_TerminalRunsAlwaysRejectUpdateProperty checks that once a
// Run reaches any terminal Status, UpdateRun refuses every subsequent patch
// with ErrTerminalRunImmutable, regardless of what the patch contains.
func TestUpdateRun_TerminalRunsAlwaysRejectUpdateProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a terminal run rejects every patch", prop.ForAll(
		func(statusIdx int, newMessage string) bool {
			ctx := context.Background()
			store := inmem.New()

			status := terminalStatuses[statusIdx%len(terminalStatuses)]
			created, err := store.CreateRun(ctx, &runlog.Run{
				ID: "run-1", IssueID: "issue-1", Phase: "implement", Status: status,
				CreatedAt: time.Now(), UpdatedAt: time.Now(),
			})
			if err != nil || created == nil {
				return false
			}

			patchStatus := runlog.StatusRunning
			_, err = store.UpdateRun(ctx, "run-1", runlog.RunPatch{
				Status:  &patchStatus,
				Outcome: &runlog.RunOutcome{Message: newMessage},
			})

			var terminalErr *runlog.ErrTerminalRunImmutable
			return err != nil && asTerminalErr(err, &terminalErr)
		},
		gen.IntRange(0, len(terminalStatuses)-1),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func asTerminalErr(err error, target **runlog.ErrTerminalRunImmutable) bool {
	te, ok := err.(*runlog.ErrTerminalRunImmutable)
	if !ok {
		return false
	}
	*target = te
	return true
}
