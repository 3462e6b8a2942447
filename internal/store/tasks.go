package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/conductorhq/conductor/internal/domain"
)

const taskColumns = `id, project_id, org_id, title, description, status, priority, assigned_to,
	dependencies, blocked_by, files, tags, estimated_tokens, actual_tokens, metadata,
	created_at, updated_at, claimed_at, started_at, completed_at`

// priority rank expression shared by list queries (critical first,
// unknown last), then FIFO by creation time.
const taskOrder = ` ORDER BY CASE priority
	WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 WHEN 'low' THEN 3
	ELSE 4 END, created_at`

func scanTask(scan func(dest ...interface{}) error) (*domain.Task, error) {
	var t domain.Task
	var status, priority, deps, blocked, files, tags, meta string
	var ca, ua, cla, sta, coa string
	err := scan(&t.ID, &t.ProjectID, &t.OrgID, &t.Title, &t.Description, &status, &priority,
		&t.AssignedTo, &deps, &blocked, &files, &tags, &t.EstimatedTokens, &t.ActualTokens,
		&meta, &ca, &ua, &cla, &sta, &coa)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	t.Priority = domain.TaskPriority(priority)
	for _, pair := range []struct {
		raw []byte
		dst interface{}
		ctx string
	}{
		{[]byte(deps), &t.Dependencies, "task dependencies"},
		{[]byte(blocked), &t.BlockedBy, "task blocked_by"},
		{[]byte(files), &t.Files, "task files"},
		{[]byte(tags), &t.Tags, "task tags"},
		{[]byte(meta), &t.Metadata, "task metadata"},
	} {
		if err := parseJSON(pair.raw, pair.dst, pair.ctx); err != nil {
			return nil, err
		}
	}
	for _, pair := range []struct {
		raw string
		dst *time.Time
		ctx string
	}{
		{ca, &t.CreatedAt, "task created_at"},
		{ua, &t.UpdatedAt, "task updated_at"},
		{cla, &t.ClaimedAt, "task claimed_at"},
		{sta, &t.StartedAt, "task started_at"},
		{coa, &t.CompletedAt, "task completed_at"},
	} {
		if *pair.dst, err = parseTime(pair.raw, pair.ctx); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// CreateTask inserts a task. Dependencies must not reference the task
// itself or close a cycle through existing tasks.
func (s *Store) CreateTask(t *domain.Task) error {
	if t.ID == "" || t.ProjectID == "" || t.Title == "" {
		return fmt.Errorf("task requires id, project and title")
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return fmt.Errorf("task %s depends on itself", t.ID)
		}
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	org, err := projectOrg(tx, t.ProjectID)
	if err != nil {
		return err
	}
	t.OrgID = org
	if err := checkDependencyCycle(tx, t.ProjectID, t.ID, t.Dependencies); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err = tx.Exec(`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.OrgID, t.Title, t.Description, string(t.Status), string(t.Priority),
		t.AssignedTo, marshalJSON(t.Dependencies, "[]"), marshalJSON(t.BlockedBy, "[]"),
		marshalJSON(t.Files, "[]"), marshalJSON(t.Tags, "[]"), t.EstimatedTokens, t.ActualTokens,
		marshalJSON(t.Metadata, "{}"), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
		fmtTime(t.ClaimedAt), fmtTime(t.StartedAt), fmtTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return tx.Commit()
}

// checkDependencyCycle walks the existing dependency graph from each of
// the new task's dependencies looking for a path back to the new task.
func checkDependencyCycle(tx *sql.Tx, projectID, taskID string, deps []string) error {
	if len(deps) == 0 {
		return nil
	}
	rows, err := tx.Query("SELECT id, dependencies FROM tasks WHERE project_id = ?", projectID)
	if err != nil {
		return fmt.Errorf("dependency check: %w", err)
	}
	graph := make(map[string][]string)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			_ = rows.Close()
			return err
		}
		var d []string
		if err := parseJSON([]byte(raw), &d, "dependency check"); err != nil {
			_ = rows.Close()
			return err
		}
		graph[id] = d
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == taskID {
			return true
		}
		if seen[id] {
			return false
		}
		seen[id] = true
		for _, next := range graph[id] {
			if walk(next) {
				return true
			}
		}
		return false
	}
	for _, dep := range deps {
		if walk(dep) {
			return fmt.Errorf("task %s: dependency %s forms a cycle", taskID, dep)
		}
	}
	return nil
}

// GetTask returns a task by id, or ErrNotFound.
func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("task: %w", err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status     domain.TaskStatus
	Priority   domain.TaskPriority
	AssignedTo string
}

// ListTasks returns project tasks matching the filter, ordered by
// priority rank then creation time.
func (s *Store) ListTasks(projectID string, f TaskFilter) ([]*domain.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE project_id = ?"
	args := []interface{}{projectID}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Priority != "" {
		query += " AND priority = ?"
		args = append(args, string(f.Priority))
	}
	if f.AssignedTo != "" {
		query += " AND assigned_to = ?"
		args = append(args, f.AssignedTo)
	}
	rows, err := s.db.Query(query+taskOrder, args...)
	if err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	defer rows.Close()
	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("tasks: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTask atomically claims a pending task for an agent. The claim is
// a single conditional UPDATE so concurrent claimants see exactly one
// winner. Returns ErrAlreadyClaimed when the task exists but the
// predicate fails, ErrNotFound when it does not exist.
func (s *Store) ClaimTask(taskID, agentID string) (*domain.Task, error) {
	now := time.Now()
	res, err := s.db.Exec(`UPDATE tasks
		SET status = ?, assigned_to = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND (assigned_to = '' OR assigned_to = ?)`,
		string(domain.TaskClaimed), agentID, fmtTime(now), fmtTime(now),
		taskID, string(domain.TaskPending), agentID)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if n == 0 {
		if _, err := s.GetTask(taskID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("task %s: %w", taskID, ErrAlreadyClaimed)
	}
	return s.GetTask(taskID)
}

// TaskUpdate is a partial update applied by UpdateTask. Nil fields are
// left unchanged; Metadata entries are merged over existing keys.
type TaskUpdate struct {
	Status       *domain.TaskStatus
	ActualTokens *int64
	BlockedBy    []string
	Metadata     map[string]string
}

// UpdateTask applies a partial update in one transaction, validating
// the status transition and auto-setting startedAt on first entry to
// in_progress and completedAt on completed/failed.
func (s *Store) UpdateTask(taskID string, upd TaskUpdate) (*domain.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", taskID)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("task: %w", err)
	}

	now := time.Now()
	if upd.Status != nil && *upd.Status != t.Status {
		if !domain.ValidTransition(t.Status, *upd.Status) {
			return nil, fmt.Errorf("invalid transition %s -> %s", t.Status, *upd.Status)
		}
		t.Status = *upd.Status
		switch t.Status {
		case domain.TaskInProgress:
			if t.StartedAt.IsZero() {
				t.StartedAt = now
			}
		case domain.TaskCompleted, domain.TaskFailed:
			if t.CompletedAt.IsZero() {
				t.CompletedAt = now
			}
		case domain.TaskPending:
			t.AssignedTo = ""
		}
	}
	if upd.ActualTokens != nil {
		t.ActualTokens = *upd.ActualTokens
	}
	if upd.BlockedBy != nil {
		t.BlockedBy = upd.BlockedBy
	}
	if len(upd.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
		for k, v := range upd.Metadata {
			t.Metadata[k] = v
		}
	}
	t.UpdatedAt = now

	_, err = tx.Exec(`UPDATE tasks SET status = ?, assigned_to = ?, blocked_by = ?,
		actual_tokens = ?, metadata = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(t.Status), t.AssignedTo, marshalJSON(t.BlockedBy, "[]"),
		t.ActualTokens, marshalJSON(t.Metadata, "{}"), fmtTime(t.UpdatedAt),
		fmtTime(t.StartedAt), fmtTime(t.CompletedAt), taskID)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

// ReassignTask hands a task to a new agent: assignee and claimed_at are
// reset, the reassignment counter in metadata is incremented, and every
// file lock the previous agent held in the project is released, all in
// one transaction.
func (s *Store) ReassignTask(taskID, newAgentID string) (*domain.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", taskID)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("task: %w", err)
	}

	prev := t.AssignedTo
	now := time.Now()
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	count, _ := strconv.Atoi(t.Metadata[domain.MetaReassignmentCount])
	t.Metadata[domain.MetaReassignmentCount] = strconv.Itoa(count + 1)
	if prev != "" {
		t.Metadata[domain.MetaLastReassignedFrom] = prev
	}
	t.AssignedTo = newAgentID
	t.Status = domain.TaskClaimed
	t.ClaimedAt = now
	t.UpdatedAt = now

	_, err = tx.Exec(`UPDATE tasks SET status = ?, assigned_to = ?, claimed_at = ?,
		metadata = ?, updated_at = ? WHERE id = ?`,
		string(t.Status), t.AssignedTo, fmtTime(t.ClaimedAt),
		marshalJSON(t.Metadata, "{}"), fmtTime(t.UpdatedAt), taskID)
	if err != nil {
		return nil, fmt.Errorf("reassign task: %w", err)
	}
	if prev != "" {
		if _, err := tx.Exec("DELETE FROM file_locks WHERE project_id = ? AND agent_id = ?",
			t.ProjectID, prev); err != nil {
			return nil, fmt.Errorf("reassign lock cleanup: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}
