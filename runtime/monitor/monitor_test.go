package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	agentfake "goa.design/ashep/features/agentgateway/fake"
	runlogmem "goa.design/ashep/features/runlog/inmem"
	trackerfake "goa.design/ashep/features/tracker/fake"
	"goa.design/ashep/runtime/monitor"
	"goa.design/ashep/runtime/policy"
	"goa.design/ashep/runtime/runlog"
	"goa.design/ashep/runtime/tracker"
)

func stallPolicy() policy.Policy {
	return policy.Policy{
		Name: "default",
		Phases: []policy.PhaseConfig{
			{Name: "implement", TimeoutMultiplier: 1},
		},
		Retry:          policy.RetryConfig{MaxAttempts: 2, Strategy: policy.RetryFixed, BaseDelay: time.Millisecond},
		BaseTimeout:    time.Hour,
		StallThreshold: 10 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, pol policy.Policy, issues ...*tracker.Issue) (*monitor.Engine, *runlogmem.Store, *trackerfake.Gateway, *agentfake.Gateway) {
	t.Helper()
	runs := runlogmem.New()
	polEngine, err := policy.NewEngine([]policy.Policy{pol}, pol.Name, policy.WithHistory(runs))
	require.NoError(t, err)
	trackerGW := trackerfake.New(issues...)
	agentGW := agentfake.New(map[string]agentfake.Script{
		"coder": {Stall: true},
	}, nil)

	eng := monitor.NewEngine(runs, agentGW, trackerGW, polEngine, nil, monitor.Config{
		PollInterval:      time.Millisecond,
		StallThreshold:    10 * time.Millisecond,
		TimeoutMultiplier: 1,
	})
	return eng, runs, trackerGW, agentGW
}

func TestResumeInterruptedRuns_MarksStaleRunningRunTimedOut(t *testing.T) {
	t.Parallel()
	pol := stallPolicy()
	issue := &tracker.Issue{ID: "i1", Status: tracker.StatusOpen, Labels: map[string]struct{}{tracker.LabelPhasePrefix + "implement": {}}}
	eng, runs, trackerGW, _ := newTestEngine(t, pol, issue)

	stale := time.Now().Add(-time.Hour)
	run, err := runs.CreateRun(context.Background(), &runlog.Run{
		ID: "r1", IssueID: "i1", Phase: "implement", SessionID: "sess-1",
		PolicyName: "default", Status: runlog.StatusRunning,
		CreatedAt: stale, UpdatedAt: stale,
	})
	require.NoError(t, err)
	// CreateRun stamps UpdatedAt with the current time; wait past the 10ms
	// stall threshold so the run is stale.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, eng.ResumeInterruptedRuns(context.Background()))

	updated, err := runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, runlog.StatusTimeout, updated.Status)

	// MaxAttempts=2, retryCount was 0 at resume time, so the Policy Engine
	// should have returned a retry rather than exhausting immediately.
	snapshot, ok := trackerGW.Issue("i1")
	require.True(t, ok)
	_, blocked := tracker.HITLReasonFromLabels(snapshot.Labels)
	require.False(t, blocked, "a first stale run should retry, not block")
}

func TestResumeInterruptedRuns_LeavesFreshRunningRunAlone(t *testing.T) {
	t.Parallel()
	pol := stallPolicy()
	issue := &tracker.Issue{ID: "i1", Status: tracker.StatusOpen, Labels: map[string]struct{}{tracker.LabelPhasePrefix + "implement": {}}}
	eng, runs, _, _ := newTestEngine(t, pol, issue)

	run, err := runs.CreateRun(context.Background(), &runlog.Run{
		ID: "r1", IssueID: "i1", Phase: "implement", SessionID: "sess-1",
		PolicyName: "default", Status: runlog.StatusRunning,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, eng.ResumeInterruptedRuns(context.Background()))

	updated, err := runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, runlog.StatusRunning, updated.Status, "a recently-touched running run must not be disturbed")
}

func TestPollOnce_StallDetectionKillsSessionAndTimesOutRun(t *testing.T) {
	t.Parallel()
	pol := stallPolicy()
	issue := &tracker.Issue{ID: "i1", Status: tracker.StatusOpen, Labels: map[string]struct{}{tracker.LabelPhasePrefix + "implement": {}}}
	eng, runs, _, agentGW := newTestEngine(t, pol, issue)

	sessionID, stream, err := agentGW.Launch(context.Background(), "coder", "", "sys", "user", time.Hour.Milliseconds())
	require.NoError(t, err)
	go func() {
		for range stream {
		}
	}()

	stale := time.Now().Add(-time.Hour)
	_, err = runs.CreateRun(context.Background(), &runlog.Run{
		ID: "r1", IssueID: "i1", Phase: "implement", SessionID: sessionID,
		PolicyName: "default", Status: runlog.StatusRunning,
		CreatedAt: time.Now(), UpdatedAt: stale,
	})
	require.NoError(t, err)
	// CreateRun stamps UpdatedAt with the current time; wait past the 10ms
	// stall threshold. CreatedAt is recent, so the one-hour wall-clock
	// timeout does not fire and the stall check is what times the run out.
	time.Sleep(20 * time.Millisecond)

	eng.ExportPollOnceForTest(context.Background())

	updated, err := runs.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, runlog.StatusTimeout, updated.Status)
	require.Equal(t, "timeout", updated.Outcome.ErrorType)
}

func TestPollOnce_FreshRunUntouched(t *testing.T) {
	t.Parallel()
	pol := stallPolicy()
	issue := &tracker.Issue{ID: "i1", Status: tracker.StatusOpen, Labels: map[string]struct{}{tracker.LabelPhasePrefix + "implement": {}}}
	eng, runs, _, _ := newTestEngine(t, pol, issue)

	_, err := runs.CreateRun(context.Background(), &runlog.Run{
		ID: "r1", IssueID: "i1", Phase: "implement", SessionID: "sess-1",
		PolicyName: "default", Status: runlog.StatusRunning,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	eng.ExportPollOnceForTest(context.Background())

	updated, err := runs.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, runlog.StatusRunning, updated.Status)
}

func TestRun_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	pol := stallPolicy()
	eng, _, _, _ := newTestEngine(t, pol)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := eng.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
