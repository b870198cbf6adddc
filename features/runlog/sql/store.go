// Package sql is the primary Run Log backend: a relational index over
// Run and Decision rows, queried with github.com/jmoiron/sqlx. The
// default driver is the embedded github.com/mattn/go-sqlite3; production
// configs may instead point it at Postgres via github.com/lib/pq. Every
// run insert, run update, and decision goes to the paired jsonl append log
// first (see features/runlog/jsonl), so an empty index can be rebuilt from
// that log. DeleteRun removes the index row only and is not recorded in
// the log.
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver registration
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver registration

	"goa.design/ashep/features/runlog/jsonl"
	"goa.design/ashep/internal/ids"
	"goa.design/ashep/runtime/runlog"
)

// Store implements runlog.Store over an indexed SQL database, write-ahead
// mirrored into a jsonl.Log.
type Store struct {
	db  *sqlx.DB
	log *jsonl.Log
}

// Options configures Open.
type Options struct {
	// Driver is "sqlite3" (default) or "postgres".
	Driver string
	// DSN is the driver-specific data source name, e.g. a file path for
	// sqlite3 or a connection URL for postgres.
	DSN string
	// AppendLogPath is where the jsonl write-ahead log lives.
	AppendLogPath string
}

// Open connects to the index database, applies schema, opens the append
// log, and rebuilds the index from the append log if the index was empty
// and the append log is not (spec.md §4.3's crash-recovery algorithm).
func Open(ctx context.Context, opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = "sqlite3"
	}
	db, err := sqlx.Open(driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log, err := jsonl.Open(opts.AppendLogPath)
	if err != nil {
		return nil, fmt.Errorf("open append log: %w", err)
	}

	s := &Store{db: db, log: log}

	var runCount int
	if err := db.GetContext(ctx, &runCount, `SELECT COUNT(*) FROM ashep_runs`); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	if runCount == 0 {
		if err := s.rebuildFromLog(ctx, opts.AppendLogPath); err != nil {
			return nil, fmt.Errorf("rebuild index from append log: %w", err)
		}
	}
	return s, nil
}

// Close releases the database connection and append log handle.
func (s *Store) Close() error {
	if err := s.log.Close(); err != nil {
		return err
	}
	return s.db.Close()
}

// get/sel/exec rebind ? placeholders to the driver's bindvar style before
// running, so the same query text works against both sqlite3 (which takes
// "?" as written) and postgres (which needs "$1"-style placeholders).
func (s *Store) get(ctx context.Context, dest any, query string, args ...any) error {
	return s.db.GetContext(ctx, dest, s.db.Rebind(query), args...)
}

func (s *Store) sel(ctx context.Context, dest any, query string, args ...any) error {
	return s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return err
}

type runRow struct {
	ID           string `db:"id"`
	IssueID      string `db:"issue_id"`
	SessionID    string `db:"session_id"`
	AgentID      string `db:"agent_id"`
	PolicyName   string `db:"policy_name"`
	Phase        string `db:"phase"`
	Status       string `db:"status"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
	CompletedAt  *string `db:"completed_at"`
	OutcomeJSON  string `db:"outcome_json"`
	MetadataJSON string `db:"metadata_json"`
}

func (r runRow) toRun() (*runlog.Run, error) {
	created, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, err
	}
	updated, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	var completed *time.Time
	if r.CompletedAt != nil {
		t, err := time.Parse(time.RFC3339Nano, *r.CompletedAt)
		if err != nil {
			return nil, err
		}
		completed = &t
	}
	var outcome runlog.RunOutcome
	if err := json.Unmarshal([]byte(r.OutcomeJSON), &outcome); err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(r.MetadataJSON), &meta); err != nil {
		return nil, err
	}
	return &runlog.Run{
		ID: r.ID, IssueID: r.IssueID, SessionID: r.SessionID, AgentID: r.AgentID,
		PolicyName: r.PolicyName, Phase: r.Phase, Status: runlog.Status(r.Status),
		CreatedAt: created, UpdatedAt: updated, CompletedAt: completed,
		Outcome: outcome, Metadata: meta,
	}, nil
}

func fromRun(r *runlog.Run) (runRow, error) {
	outcomeJSON, err := json.Marshal(r.Outcome)
	if err != nil {
		return runRow{}, err
	}
	meta := r.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return runRow{}, err
	}
	row := runRow{
		ID: r.ID, IssueID: r.IssueID, SessionID: r.SessionID, AgentID: r.AgentID,
		PolicyName: r.PolicyName, Phase: r.Phase, Status: string(r.Status),
		CreatedAt: r.CreatedAt.Format(time.RFC3339Nano), UpdatedAt: r.UpdatedAt.Format(time.RFC3339Nano),
		OutcomeJSON: string(outcomeJSON), MetadataJSON: string(metaJSON),
	}
	if r.CompletedAt != nil {
		s := r.CompletedAt.Format(time.RFC3339Nano)
		row.CompletedAt = &s
	}
	return row, nil
}

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

	if err := s.log.Append("run", cp); err != nil {
		return nil, fmt.Errorf("append run: %w", err)
	}

	row, err := fromRun(&cp)
	if err != nil {
		return nil, err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO ashep_runs (id, issue_id, session_id, agent_id, policy_name, phase, status, created_at, updated_at, completed_at, outcome_json, metadata_json)
		VALUES (:id, :issue_id, :session_id, :agent_id, :policy_name, :phase, :status, :created_at, :updated_at, :completed_at, :outcome_json, :metadata_json)
	`, row)
	if err != nil {
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

	if err := s.log.Append("run_patch", current); err != nil {
		return nil, fmt.Errorf("append run patch: %w", err)
	}

	row, err := fromRun(current)
	if err != nil {
		return nil, err
	}
	_, err = s.db.NamedExecContext(ctx, `
		UPDATE ashep_runs SET agent_id=:agent_id, session_id=:session_id, status=:status,
			updated_at=:updated_at, completed_at=:completed_at, outcome_json=:outcome_json, metadata_json=:metadata_json
		WHERE id=:id
	`, row)
	if err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}
	return current, nil
}

// GetRun implements runlog.Store.
func (s *Store) GetRun(ctx context.Context, id string) (*runlog.Run, error) {
	var row runRow
	err := s.get(ctx, &row, `SELECT * FROM ashep_runs WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, &runlog.ErrNotFound{Kind: "run", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return row.toRun()
}

// DeleteRun implements runlog.Store.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	return s.exec(ctx, `DELETE FROM ashep_runs WHERE id = ?`, id)
}

// QueryRuns implements runlog.Store.
func (s *Store) QueryRuns(ctx context.Context, filter runlog.RunFilter) ([]*runlog.Run, error) {
	q, args := buildRunQuery(filter)
	var rows []runRow
	if err := s.sel(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]*runlog.Run, 0, len(rows))
	for _, row := range rows {
		r, err := row.toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func buildRunQuery(filter runlog.RunFilter) (string, []any) {
	q := `SELECT * FROM ashep_runs WHERE 1=1`
	var args []any
	if filter.IssueID != "" {
		q += ` AND issue_id = ?`
		args = append(args, filter.IssueID)
	}
	if filter.AgentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.Phase != "" {
		q += ` AND phase = ?`
		args = append(args, filter.Phase)
	}
	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CreatedAfter != nil {
		q += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter.Format(time.RFC3339Nano))
	}
	if filter.CreatedBefore != nil {
		q += ` AND created_at < ?`
		args = append(args, filter.CreatedBefore.Format(time.RFC3339Nano))
	}
	q += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d OFFSET %d`, filter.Limit, filter.Offset)
	}
	return q, args
}

type decisionRow struct {
	ID           string `db:"id"`
	RunID        string `db:"run_id"`
	IssueID      string `db:"issue_id"`
	Type         string `db:"type"`
	Decision     string `db:"decision"`
	Reasoning    string `db:"reasoning"`
	MetadataJSON string `db:"metadata_json"`
	Timestamp    string `db:"timestamp"`
}

func (r decisionRow) toDecision() (*runlog.Decision, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(r.MetadataJSON), &meta); err != nil {
		return nil, err
	}
	return &runlog.Decision{
		ID: r.ID, RunID: r.RunID, Type: runlog.DecisionType(r.Type),
		Decision: r.Decision, Reasoning: r.Reasoning, Metadata: meta, Timestamp: ts,
	}, nil
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

	if err := s.log.Append("decision", cp); err != nil {
		return nil, fmt.Errorf("append decision: %w", err)
	}

	meta := cp.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	err = s.exec(ctx, `
		INSERT INTO ashep_decisions (id, run_id, issue_id, type, decision, reasoning, metadata_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, cp.ID, cp.RunID, run.IssueID, string(cp.Type), cp.Decision, cp.Reasoning, string(metaJSON), cp.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert decision: %w", err)
	}
	return &cp, nil
}

// GetDecisions implements runlog.Store.
func (s *Store) GetDecisions(ctx context.Context, runID string) ([]*runlog.Decision, error) {
	var rows []decisionRow
	if err := s.sel(ctx, &rows, `SELECT * FROM ashep_decisions WHERE run_id = ? ORDER BY timestamp ASC`, runID); err != nil {
		return nil, err
	}
	return decodeDecisions(rows)
}

// GetDecisionsForIssue implements runlog.Store.
func (s *Store) GetDecisionsForIssue(ctx context.Context, issueID string, limit int) ([]*runlog.Decision, error) {
	q := `SELECT * FROM ashep_decisions WHERE issue_id = ? ORDER BY timestamp DESC`
	args := []any{issueID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []decisionRow
	if err := s.sel(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return decodeDecisions(rows)
}

func decodeDecisions(rows []decisionRow) ([]*runlog.Decision, error) {
	out := make([]*runlog.Decision, 0, len(rows))
	for _, row := range rows {
		d, err := row.toDecision()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// GetPhaseVisitCount implements runlog.Store: total Runs ever created for
// (issueID, phase), regardless of outcome.
func (s *Store) GetPhaseVisitCount(ctx context.Context, issueID, phase string) (int, error) {
	var n int
	err := s.get(ctx, &n, `SELECT COUNT(*) FROM ashep_runs WHERE issue_id = ? AND phase = ?`, issueID, phase)
	return n, err
}

// GetPhaseRetryCount implements runlog.Store: prior failed attempts at
// (issueID, phase).
func (s *Store) GetPhaseRetryCount(ctx context.Context, issueID, phase string) (int, error) {
	var n int
	err := s.get(ctx, &n, `SELECT COUNT(*) FROM ashep_runs WHERE issue_id = ? AND phase = ? AND status IN ('failed','timeout')`, issueID, phase)
	return n, err
}

// GetTransitionCount implements runlog.Store: how many phase_transition
// decisions recorded fromPhase -> toPhase for issueID. Metadata is matched
// in Go rather than in SQL so the query stays portable across the sqlite3
// and postgres backends, which disagree on JSON-extraction syntax.
func (s *Store) GetTransitionCount(ctx context.Context, issueID, fromPhase, toPhase string) (int, error) {
	var rows []decisionRow
	err := s.sel(ctx, &rows, `SELECT * FROM ashep_decisions WHERE issue_id = ? AND type = ?`,
		issueID, string(runlog.DecisionPhaseTransition))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, row := range rows {
		d, err := row.toDecision()
		if err != nil {
			return 0, err
		}
		if fmt.Sprint(d.Metadata["from_phase"]) == fromPhase && fmt.Sprint(d.Metadata["to_phase"]) == toPhase {
			n++
		}
	}
	return n, nil
}

// GetPhaseTotalDuration implements runlog.Store, summing
// outcome.duration_ms over every Run at (issueID, phase).
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
