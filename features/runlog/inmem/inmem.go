// Package inmem provides an in-memory implementation of runlog.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/ashep/internal/ids"
	"goa.design/ashep/runtime/runlog"
)

// Store implements runlog.Store in memory.
type Store struct {
	mu        sync.Mutex
	runs      map[string]*runlog.Run
	decisions map[string][]*runlog.Decision
}

// New returns a new in-memory run log store.
func New() *Store {
	return &Store{
		runs:      make(map[string]*runlog.Run),
		decisions: make(map[string][]*runlog.Decision),
	}
}

func cloneRun(r *runlog.Run) *runlog.Run {
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// CreateRun implements runlog.Store.
func (s *Store) CreateRun(_ context.Context, r *runlog.Run) (*runlog.Run, error) {
	cp := cloneRun(r)
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

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[cp.ID] = cp
	return cloneRun(cp), nil
}

// UpdateRun implements runlog.Store, rejecting patches to terminal Runs.
func (s *Store) UpdateRun(_ context.Context, id string, patch runlog.RunPatch) (*runlog.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runs[id]
	if !ok {
		return nil, &runlog.ErrNotFound{Kind: "run", ID: id}
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
	return cloneRun(current), nil
}

// GetRun implements runlog.Store.
func (s *Store) GetRun(_ context.Context, id string) (*runlog.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, &runlog.ErrNotFound{Kind: "run", ID: id}
	}
	return cloneRun(r), nil
}

// QueryRuns implements runlog.Store.
func (s *Store) QueryRuns(_ context.Context, filter runlog.RunFilter) ([]*runlog.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*runlog.Run
	for _, r := range s.runs {
		if !matchesRun(r, filter) {
			continue
		}
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesRun(r *runlog.Run, filter runlog.RunFilter) bool {
	if filter.IssueID != "" && r.IssueID != filter.IssueID {
		return false
	}
	if filter.AgentID != "" && r.AgentID != filter.AgentID {
		return false
	}
	if filter.Phase != "" && r.Phase != filter.Phase {
		return false
	}
	if filter.Status != "" && r.Status != filter.Status {
		return false
	}
	if filter.CreatedAfter != nil && !r.CreatedAt.After(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && !r.CreatedAt.Before(*filter.CreatedBefore) {
		return false
	}
	return true
}

// DeleteRun implements runlog.Store.
func (s *Store) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, id)
	delete(s.decisions, id)
	return nil
}

// LogDecision implements runlog.Store.
func (s *Store) LogDecision(_ context.Context, d *runlog.Decision) (*runlog.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[d.RunID]
	if !ok {
		return nil, &runlog.ErrNotFound{Kind: "run", ID: d.RunID}
	}

	cp := *d
	if cp.ID == "" {
		cp.ID = ids.NewPrefixed("decision")
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	_ = run
	s.decisions[d.RunID] = append(s.decisions[d.RunID], &cp)
	return &cp, nil
}

// GetDecisions implements runlog.Store.
func (s *Store) GetDecisions(_ context.Context, runID string) ([]*runlog.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]*runlog.Decision(nil), s.decisions[runID]...)
	return out, nil
}

// GetDecisionsForIssue implements runlog.Store.
func (s *Store) GetDecisionsForIssue(_ context.Context, issueID string, limit int) ([]*runlog.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*runlog.Decision
	for runID, decisions := range s.decisions {
		run, ok := s.runs[runID]
		if !ok || run.IssueID != issueID {
			continue
		}
		out = append(out, decisions...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
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
	decisions, err := s.GetDecisionsForIssue(ctx, issueID, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range decisions {
		if d.Type != runlog.DecisionPhaseTransition {
			continue
		}
		from, _ := d.Metadata["from_phase"].(string)
		to, _ := d.Metadata["to_phase"].(string)
		if from == fromPhase && to == toPhase {
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
	sort.Slice(out, func(i, j int) bool { return out[i].Duration > out[j].Duration })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
