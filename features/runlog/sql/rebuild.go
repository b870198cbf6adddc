package sql

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/ashep/features/runlog/jsonl"
	"goa.design/ashep/runtime/runlog"
)

// rebuildFromLog replays the append log and re-inserts every run and
// decision it names, skipping the append-log write (it is already there)
// since the index, not the log, is what went missing.
func (s *Store) rebuildFromLog(ctx context.Context, logPath string) error {
	if !jsonl.Exists(logPath) {
		return nil
	}
	return jsonl.Replay(logPath, func(rec jsonl.Record) error {
		switch rec.Kind {
		case "run":
			var r runlog.Run
			if err := json.Unmarshal(rec.Payload, &r); err != nil {
				return err
			}
			return s.indexRun(ctx, &r)
		case "run_patch":
			var r runlog.Run
			if err := json.Unmarshal(rec.Payload, &r); err != nil {
				return err
			}
			return s.reindexRun(ctx, &r)
		case "decision":
			var d runlog.Decision
			if err := json.Unmarshal(rec.Payload, &d); err != nil {
				return err
			}
			return s.indexDecision(ctx, &d)
		default:
			return nil
		}
	})
}

func (s *Store) indexRun(ctx context.Context, r *runlog.Run) error {
	row, err := fromRun(r)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO ashep_runs (id, issue_id, session_id, agent_id, policy_name, phase, status, created_at, updated_at, completed_at, outcome_json, metadata_json)
		VALUES (:id, :issue_id, :session_id, :agent_id, :policy_name, :phase, :status, :created_at, :updated_at, :completed_at, :outcome_json, :metadata_json)
	`, row)
	return err
}

// reindexRun applies a post-patch Run snapshot. The jsonl log stores full
// snapshots (not diffs) for "run_patch" records, but by the time one is
// replayed the matching "run" record has already inserted the row, so this
// is an update rather than a second insert.
func (s *Store) reindexRun(ctx context.Context, r *runlog.Run) error {
	row, err := fromRun(r)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		UPDATE ashep_runs SET agent_id=:agent_id, session_id=:session_id, status=:status,
			updated_at=:updated_at, completed_at=:completed_at, outcome_json=:outcome_json, metadata_json=:metadata_json
		WHERE id=:id
	`, row)
	return err
}

func (s *Store) indexDecision(ctx context.Context, d *runlog.Decision) error {
	run, err := s.GetRun(ctx, d.RunID)
	if err != nil {
		return err
	}
	meta := d.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.exec(ctx, `
		INSERT INTO ashep_decisions (id, run_id, issue_id, type, decision, reasoning, metadata_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.RunID, run.IssueID, string(d.Type), d.Decision, d.Reasoning, string(metaJSON), d.Timestamp.Format(time.RFC3339Nano))
}
