// Package mongo is an alternative Run Log backend for deployments that
// already run a MongoDB cluster instead of the default embedded sqlite3
// index: it persists the same Run/Decision domain the features/runlog/sql
// backend does, just indexed by Mongo rather than SQL. Use clients/mongo to
// build the low-level client and pass it to NewStore.
package mongo

import (
	"context"
	"fmt"
	"time"

	clientsmongo "goa.design/ashep/features/runlog/mongo/clients/mongo"
	"goa.design/ashep/internal/ids"
	"goa.design/ashep/runtime/runlog"
)

// Store implements runlog.Store over a clientsmongo.Client.
type Store struct {
	client clientsmongo.Client
}

// NewStore wraps client as a runlog.Store.
func NewStore(client clientsmongo.Client) *Store {
	return &Store{client: client}
}

// Ping satisfies health.Pinger by delegating to the underlying client.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

// CreateRun implements runlog.Store.
func (s *Store) CreateRun(ctx context.Context, r *runlog.Run) (*runlog.Run, error) {
	cp := *r
	if cp.ID == "" {
		cp.ID = ids.NewPrefixed("run")
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.Status == "" {
		cp.Status = runlog.StatusPending
	}

	if err := s.client.InsertRun(ctx, &cp); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &cp, nil
}

// UpdateRun implements runlog.Store, rejecting patches to terminal Runs.
func (s *Store) UpdateRun(ctx context.Context, id string, patch runlog.RunPatch) (*runlog.Run, error) {
	current, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, &runlog.ErrTerminalRunImmutable{RunID: id, Status: current.Status}
	}

	if patch.Status != nil {
		current.Status = *patch.Status
	}
	if patch.AgentID != nil {
		current.AgentID = *patch.AgentID
	}
	if patch.SessionID != nil {
		current.SessionID = *patch.SessionID
	}
	if patch.Outcome != nil {
		current.Outcome = *patch.Outcome
	}
	if patch.Metadata != nil {
		if current.Metadata == nil {
			current.Metadata = map[string]any{}
		}
		for k, v := range patch.Metadata {
			current.Metadata[k] = v
		}
	}
	current.UpdatedAt = time.Now().UTC()
	if current.Status.IsTerminal() {
		t := current.UpdatedAt
		current.CompletedAt = &t
	}

	if err := s.client.ReplaceRun(ctx, current); err != nil {
		return nil, fmt.Errorf("replace run: %w", err)
	}
	return current, nil
}

// GetRun implements runlog.Store.
func (s *Store) GetRun(ctx context.Context, id string) (*runlog.Run, error) {
	r, ok, err := s.client.FindRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &runlog.ErrNotFound{Kind: "run", ID: id}
	}
	return r, nil
}

// QueryRuns implements runlog.Store.
func (s *Store) QueryRuns(ctx context.Context, filter runlog.RunFilter) ([]*runlog.Run, error) {
	return s.client.FindRuns(ctx, filter)
}

// DeleteRun implements runlog.Store.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	return s.client.DeleteRun(ctx, id)
}

// LogDecision implements runlog.Store.
func (s *Store) LogDecision(ctx context.Context, d *runlog.Decision) (*runlog.Decision, error) {
	cp := *d
	if cp.ID == "" {
		cp.ID = ids.NewPrefixed("decision")
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}

	run, err := s.GetRun(ctx, cp.RunID)
	if err != nil {
		return nil, fmt.Errorf("resolve issue for decision: %w", err)
	}

	if err := s.client.InsertDecision(ctx, &cp, run.IssueID); err != nil {
		return nil, fmt.Errorf("insert decision: %w", err)
	}
	return &cp, nil
}

// GetDecisions implements runlog.Store.
func (s *Store) GetDecisions(ctx context.Context, runID string) ([]*runlog.Decision, error) {
	return s.client.FindDecisionsByRun(ctx, runID)
}

// GetDecisionsForIssue implements runlog.Store.
func (s *Store) GetDecisionsForIssue(ctx context.Context, issueID string, limit int) ([]*runlog.Decision, error) {
	return s.client.FindDecisionsByIssue(ctx, issueID, limit)
}

// GetPhaseVisitCount implements runlog.Store.
func (s *Store) GetPhaseVisitCount(ctx context.Context, issueID, phase string) (int, error) {
	runs, err := s.QueryRuns(ctx, runlog.RunFilter{IssueID: issueID, Phase: phase})
	if err != nil {
		return 0, err
	}
	return len(runs), nil
}

// GetPhaseRetryCount implements runlog.Store.
func (s *Store) GetPhaseRetryCount(ctx context.Context, issueID, phase string) (int, error) {
	runs, err := s.QueryRuns(ctx, runlog.RunFilter{IssueID: issueID, Phase: phase})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range runs {
		if r.Status == runlog.StatusFailed || r.Status == runlog.StatusTimeout {
			n++
		}
	}
	return n, nil
}

// GetTransitionCount implements runlog.Store.
func (s *Store) GetTransitionCount(ctx context.Context, issueID, fromPhase, toPhase string) (int, error) {
	docs, err := s.client.FindDecisionsByIssue(ctx, issueID, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range docs {
		if d.Type != runlog.DecisionPhaseTransition {
			continue
		}
		if fmt.Sprint(d.Metadata["from_phase"]) == fromPhase && fmt.Sprint(d.Metadata["to_phase"]) == toPhase {
			n++
		}
	}
	return n, nil
}

// GetPhaseTotalDuration implements runlog.Store.
func (s *Store) GetPhaseTotalDuration(ctx context.Context, issueID, phase string) (time.Duration, error) {
	runs, err := s.QueryRuns(ctx, runlog.RunFilter{IssueID: issueID, Phase: phase})
	if err != nil {
		return 0, err
	}
	var total time.Duration
	for _, r := range runs {
		total += time.Duration(r.Outcome.DurationMS) * time.Millisecond
	}
	return total, nil
}

// GetPhaseAverageDuration implements runlog.Store.
func (s *Store) GetPhaseAverageDuration(ctx context.Context, issueID, phase string) (time.Duration, error) {
	runs, err := s.QueryRuns(ctx, runlog.RunFilter{IssueID: issueID, Phase: phase})
	if err != nil {
		return 0, err
	}
	if len(runs) == 0 {
		return 0, nil
	}
	var total time.Duration
	for _, r := range runs {
		total += time.Duration(r.Outcome.DurationMS) * time.Millisecond
	}
	return total / time.Duration(len(runs)), nil
}

// GetDurationStats implements runlog.Store.
func (s *Store) GetDurationStats(ctx context.Context, filter runlog.RunFilter) (runlog.DurationStats, error) {
	runs, err := s.QueryRuns(ctx, filter)
	if err != nil {
		return runlog.DurationStats{}, err
	}
	stats := runlog.DurationStats{}
	for i, r := range runs {
		d := time.Duration(r.Outcome.DurationMS) * time.Millisecond
		stats.Count++
		stats.Total += d
		if i == 0 || d < stats.Min {
			stats.Min = d
		}
		if d > stats.Max {
			stats.Max = d
		}
	}
	if stats.Count > 0 {
		stats.Mean = stats.Total / time.Duration(stats.Count)
	}
	return stats, nil
}

// GetSlowestPhases implements runlog.Store.
func (s *Store) GetSlowestPhases(ctx context.Context, issueID string, limit int) ([]runlog.SlowestPhase, error) {
	runs, err := s.QueryRuns(ctx, runlog.RunFilter{IssueID: issueID})
	if err != nil {
		return nil, err
	}
	out := make([]runlog.SlowestPhase, 0, len(runs))
	for _, r := range runs {
		out = append(out, runlog.SlowestPhase{
			Phase:    r.Phase,
			Duration: time.Duration(r.Outcome.DurationMS) * time.Millisecond,
			RunID:    r.ID,
		})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Duration > out[j-1].Duration; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
