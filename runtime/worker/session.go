package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"goa.design/ashep/runtime/policy"
	"goa.design/ashep/runtime/runlog"
)

// RunHistory is the narrow slice of runlog.Store session continuation reads
// from: the last successful session for a given (issue, phase), and the full
// set of runs that used a candidate session (to sum its token usage).
type RunHistory interface {
	QueryRuns(ctx context.Context, filter runlog.RunFilter) ([]*runlog.Run, error)
}

// resolveSession implements spec.md §4.9 step e: interpret a phase's
// reuse_session_from_phase directive into either a sessionID to continue or
// "" to start fresh.
func resolveSession(ctx context.Context, history RunHistory, pol policy.Policy, phaseCfg policy.PhaseConfig, issueID, currentPhase string) (string, error) {
	directive := phaseCfg.ReuseSessionFromPhase
	if directive == "" {
		return "", nil
	}

	sourcePhase, err := sessionSourcePhase(pol, currentPhase, directive)
	if err != nil {
		return "", err
	}
	if sourcePhase == "" {
		return "", nil
	}

	sessionID, err := lastSuccessfulSession(ctx, history, issueID, sourcePhase)
	if err != nil {
		return "", err
	}
	if sessionID == "" {
		return "", nil
	}

	maxTokens := phaseCfg.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = 130000
	}
	threshold := phaseCfg.ContextWindowThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	budget := float64(maxTokens) * threshold

	used, err := sessionTokenUsage(ctx, history, issueID, sessionID)
	if err != nil {
		return "", err
	}
	if float64(used) > budget {
		return "", nil
	}
	return sessionID, nil
}

// sessionSourcePhase resolves a reuse_session_from_phase directive to the
// concrete phase name whose last session should be considered, per spec.md
// §4.9 step e. The @shared directive instead signals "one session for the
// whole issue": it requires the policy's shared_session to be set and
// resolves to the policy's first phase regardless of currentPhase.
func sessionSourcePhase(pol policy.Policy, currentPhase, directive string) (string, error) {
	switch directive {
	case "@self":
		return currentPhase, nil
	case "@previous":
		idx := pol.PhaseIndex(currentPhase)
		if idx <= 0 {
			return "", nil
		}
		return pol.Phases[idx-1].Name, nil
	case "@first":
		if len(pol.Phases) == 0 {
			return "", nil
		}
		return pol.Phases[0].Name, nil
	case "@shared":
		if pol.SharedSession == "" {
			return "", fmt.Errorf("worker: @shared session continuation requires policy %q to set shared_session", pol.Name)
		}
		if len(pol.Phases) == 0 {
			return "", nil
		}
		return pol.Phases[0].Name, nil
	default:
		if strings.HasPrefix(directive, "@") {
			return "", fmt.Errorf("worker: unknown session continuation directive %q", directive)
		}
		if !pol.HasPhase(directive) {
			return "", fmt.Errorf("worker: reuse_session_from_phase names unknown phase %q", directive)
		}
		return directive, nil
	}
}

// lastSuccessfulSession returns the sessionID of the most recent completed,
// successful Run for (issueID, phase), or "" if there is none.
func lastSuccessfulSession(ctx context.Context, history RunHistory, issueID, phase string) (string, error) {
	runs, err := history.QueryRuns(ctx, runlog.RunFilter{
		IssueID: issueID,
		Phase:   phase,
		Status:  runlog.StatusCompleted,
	})
	if err != nil {
		return "", fmt.Errorf("worker: query runs for session continuation: %w", err)
	}
	latest := latestRun(runs)
	if latest == nil || !latest.Outcome.Success || latest.SessionID == "" {
		return "", nil
	}
	return latest.SessionID, nil
}

// sessionTokenUsage sums tokens_used across every run of issueID that used
// sessionID, regardless of phase or status — retries of the same phase still
// count against the session's cumulative window.
func sessionTokenUsage(ctx context.Context, history RunHistory, issueID, sessionID string) (int64, error) {
	runs, err := history.QueryRuns(ctx, runlog.RunFilter{IssueID: issueID})
	if err != nil {
		return 0, fmt.Errorf("worker: query runs for token budget: %w", err)
	}
	var total int64
	for _, r := range runs {
		if r.SessionID == sessionID {
			total += r.Outcome.TokensUsed
		}
	}
	return total, nil
}

func latestRun(runs []*runlog.Run) *runlog.Run {
	if len(runs) == 0 {
		return nil
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs[0]
}
