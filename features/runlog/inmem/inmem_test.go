package inmem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/ashep/features/runlog/inmem"
	"goa.design/ashep/runtime/runlog"
)

func TestStore_CreateGetDeleteRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New()

	r, err := s.CreateRun(ctx, &runlog.Run{IssueID: "i1", Phase: "design"})
	require.NoError(t, err)
	require.NotEmpty(t, r.ID)

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, r.ID, got.ID)

	require.NoError(t, s.DeleteRun(ctx, r.ID))
	_, err = s.GetRun(ctx, r.ID)
	require.Error(t, err)
}

func TestStore_UpdateRun_RejectsTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New()

	r, err := s.CreateRun(ctx, &runlog.Run{IssueID: "i1", Phase: "design"})
	require.NoError(t, err)

	completed := runlog.StatusCompleted
	_, err = s.UpdateRun(ctx, r.ID, runlog.RunPatch{Status: &completed})
	require.NoError(t, err)

	running := runlog.StatusRunning
	_, err = s.UpdateRun(ctx, r.ID, runlog.RunPatch{Status: &running})
	var immutable *runlog.ErrTerminalRunImmutable
	require.ErrorAs(t, err, &immutable)
}

func TestStore_LogDecision_AndCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New()

	r, err := s.CreateRun(ctx, &runlog.Run{IssueID: "i1", Phase: "design"})
	require.NoError(t, err)

	_, err = s.LogDecision(ctx, &runlog.Decision{
		RunID: r.ID, Type: runlog.DecisionPhaseTransition, Decision: "advance",
		Metadata: map[string]any{"from_phase": "design", "to_phase": "implement"},
	})
	require.NoError(t, err)

	count, err := s.GetTransitionCount(ctx, "i1", "design", "implement")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestStore_QueryRuns_FiltersByIssue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New()

	_, err := s.CreateRun(ctx, &runlog.Run{IssueID: "i1", Phase: "design"})
	require.NoError(t, err)
	_, err = s.CreateRun(ctx, &runlog.Run{IssueID: "i2", Phase: "design"})
	require.NoError(t, err)

	runs, err := s.QueryRuns(ctx, runlog.RunFilter{IssueID: "i1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "i1", runs[0].IssueID)
}
