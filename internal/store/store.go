// Package store is the durable state store. Every multi-row mutation
// runs in a single transaction; invariants (claim CAS, lock uniqueness,
// budget accounting) are enforced here, not in callers.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors for precondition failures. Tool handlers translate
// these into isError replies with context.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyClaimed = errors.New("task already claimed")
	ErrLockHeld       = errors.New("file lock held")
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	slug TEXT NOT NULL DEFAULT '',
	root_path TEXT NOT NULL DEFAULT '',
	git_remote TEXT NOT NULL DEFAULT '',
	git_branch TEXT NOT NULL DEFAULT '',
	conflict_strategy TEXT NOT NULL DEFAULT 'lock',
	budget_total REAL,
	budget_spent REAL NOT NULL DEFAULT 0,
	budget_currency TEXT NOT NULL DEFAULT 'USD',
	budget_alert_threshold REAL NOT NULL DEFAULT 0,
	settings TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	org_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'idle',
	capabilities TEXT NOT NULL DEFAULT '[]',
	cost_per_m_input REAL NOT NULL DEFAULT 0,
	cost_per_m_output REAL NOT NULL DEFAULT 0,
	token_quota INTEGER NOT NULL DEFAULT 0,
	last_heartbeat TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	FOREIGN KEY (project_id) REFERENCES projects(id)
);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	org_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	priority TEXT NOT NULL DEFAULT 'medium',
	assigned_to TEXT NOT NULL DEFAULT '',
	dependencies TEXT NOT NULL DEFAULT '[]',
	blocked_by TEXT NOT NULL DEFAULT '[]',
	files TEXT NOT NULL DEFAULT '[]',
	tags TEXT NOT NULL DEFAULT '[]',
	estimated_tokens INTEGER NOT NULL DEFAULT 0,
	actual_tokens INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	claimed_at TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL DEFAULT '',
	completed_at TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (project_id) REFERENCES projects(id)
);
CREATE TABLE IF NOT EXISTS file_locks (
	project_id TEXT NOT NULL,
	path TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	locked_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	PRIMARY KEY (project_id, path),
	FOREIGN KEY (project_id) REFERENCES projects(id)
);
CREATE TABLE IF NOT EXISTS conflicts (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	path TEXT NOT NULL,
	agent_ids TEXT NOT NULL DEFAULT '[]',
	task_ids TEXT NOT NULL DEFAULT '[]',
	strategy TEXT NOT NULL DEFAULT 'review',
	resolution TEXT NOT NULL DEFAULT '',
	resolved_by TEXT NOT NULL DEFAULT '',
	detected_at TEXT NOT NULL,
	FOREIGN KEY (project_id) REFERENCES projects(id)
);
CREATE TABLE IF NOT EXISTS cost_events (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	timestamp TEXT NOT NULL,
	FOREIGN KEY (project_id) REFERENCES projects(id)
);
CREATE TABLE IF NOT EXISTS access_requests (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	agent_name TEXT NOT NULL DEFAULT '',
	agent_type TEXT NOT NULL DEFAULT '',
	capabilities TEXT NOT NULL DEFAULT '[]',
	requested_role TEXT NOT NULL DEFAULT 'contributor',
	status TEXT NOT NULL DEFAULT 'pending',
	reviewed_by TEXT NOT NULL DEFAULT '',
	denial_reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (project_id) REFERENCES projects(id)
);
CREATE TABLE IF NOT EXISTS project_onboarding (
	project_id TEXT PRIMARY KEY,
	welcome_message TEXT NOT NULL DEFAULT '',
	current_focus TEXT NOT NULL DEFAULT '',
	project_goals TEXT NOT NULL DEFAULT '[]',
	agent_instructions TEXT NOT NULL DEFAULT '',
	style_guide TEXT NOT NULL DEFAULT '',
	checkpoint_rules TEXT NOT NULL DEFAULT '[]',
	allowed_paths TEXT NOT NULL DEFAULT '[]',
	denied_paths TEXT NOT NULL DEFAULT '[]',
	relevant_patterns TEXT NOT NULL DEFAULT '[]',
	checkpoint_every_n_tasks INTEGER NOT NULL DEFAULT 3,
	auto_refresh_context INTEGER NOT NULL DEFAULT 1,
	FOREIGN KEY (project_id) REFERENCES projects(id)
);
CREATE TABLE IF NOT EXISTS agent_task_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	agent_type TEXT NOT NULL DEFAULT '',
	claimed_at TEXT NOT NULL,
	FOREIGN KEY (project_id) REFERENCES projects(id)
);
CREATE TABLE IF NOT EXISTS agent_checkpoints (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT 'manual',
	stage TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (project_id) REFERENCES projects(id)
);
`

// indexes for common query patterns (list_tasks, claim history, cost rollup)
const indexes = `
CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(project_id, assigned_to);
CREATE INDEX IF NOT EXISTS idx_cost_events_project ON cost_events(project_id);
CREATE INDEX IF NOT EXISTS idx_access_project_agent ON access_requests(project_id, agent_id, status);
CREATE INDEX IF NOT EXISTS idx_history_project_agent ON agent_task_history(project_id, agent_id);
CREATE INDEX IF NOT EXISTS idx_checkpoints_agent ON agent_checkpoints(project_id, agent_id);
`

// Store is the SQLite-backed state store.
type Store struct {
	db *sql.DB
}

// New opens the SQLite database at path (creating parent dirs and
// schema), then runs startup maintenance: heartbeats are refreshed so
// persisted agents are not immediately classified offline, and budget
// spend is recomputed from cost events.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite indexes: %w", err)
	}
	s := &Store{db: db}
	if err := s.RefreshHeartbeats(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("refresh heartbeats: %w", err)
	}
	if err := s.reconcileBudgets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reconcile budgets: %w", err)
	}
	return s, nil
}

// Close releases the database connection. Call on shutdown for clean exit.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// reconcileBudgets recomputes budget_spent from cost_events. Spend can
// drift after a crash mid-transaction on an older database; deriving it
// from the event log on every open makes the store self-healing.
func (s *Store) reconcileBudgets() error {
	_, err := s.db.Exec(`UPDATE projects SET budget_spent = COALESCE(
		(SELECT SUM(cost_usd) FROM cost_events WHERE cost_events.project_id = projects.id), 0)`)
	return err
}

// fmtTime formats a timestamp for storage; zero times store as empty.
func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

// parseTime parses RFC3339Nano or returns zero time and error.
func parseTime(s, context string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: parse timestamp %q: %w", context, s, err)
	}
	return t, nil
}

// parseJSON unmarshals b into v or returns error with context.
func parseJSON(b []byte, v interface{}, context string) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", context, err)
	}
	return nil
}

// marshalJSON encodes v for a JSON TEXT column, defaulting to fallback.
func marshalJSON(v interface{}, fallback string) string {
	b, err := json.Marshal(v)
	if err != nil || v == nil {
		return fallback
	}
	return string(b)
}

// projectOrg returns the org id of a project, for stamping child rows.
func projectOrg(tx *sql.Tx, projectID string) (string, error) {
	var org string
	err := tx.QueryRow("SELECT org_id FROM projects WHERE id = ?", projectID).Scan(&org)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return org, err
}
