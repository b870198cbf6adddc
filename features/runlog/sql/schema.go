package sql

// schema is applied on Open. It is intentionally dialect-neutral (no
// SERIAL/AUTOINCREMENT, TEXT primary keys) so the same statements run
// against both the embedded sqlite3 default and a Postgres production
// backend.
const schema = `
CREATE TABLE IF NOT EXISTS ashep_runs (
	id TEXT PRIMARY KEY,
	issue_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	policy_name TEXT NOT NULL,
	phase TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	completed_at TEXT,
	outcome_json TEXT NOT NULL,
	metadata_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ashep_runs_issue_phase ON ashep_runs (issue_id, phase);
CREATE INDEX IF NOT EXISTS idx_ashep_runs_status ON ashep_runs (status);
CREATE INDEX IF NOT EXISTS idx_ashep_runs_created_at ON ashep_runs (created_at);

CREATE TABLE IF NOT EXISTS ashep_decisions (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	issue_id TEXT NOT NULL,
	type TEXT NOT NULL,
	decision TEXT NOT NULL,
	reasoning TEXT NOT NULL,
	metadata_json TEXT NOT NULL,
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ashep_decisions_run ON ashep_decisions (run_id);
CREATE INDEX IF NOT EXISTS idx_ashep_decisions_issue ON ashep_decisions (issue_id, timestamp);
`
