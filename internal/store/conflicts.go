package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/internal/domain"
)

// SaveConflict records a detected file conflict.
func (s *Store) SaveConflict(c *domain.FileConflict) error {
	if c.ProjectID == "" || c.Path == "" {
		return fmt.Errorf("conflict requires project and path")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO conflicts
		(id, project_id, path, agent_ids, task_ids, strategy, resolution, resolved_by, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, c.Path, marshalJSON(c.AgentIDs, "[]"), marshalJSON(c.TaskIDs, "[]"),
		string(c.Strategy), string(c.Resolution), c.ResolvedBy, fmtTime(c.DetectedAt))
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	return nil
}

// ResolveConflict records the outcome chosen for a conflict.
func (s *Store) ResolveConflict(conflictID string, resolution domain.ConflictResolution, resolvedBy string) error {
	res, err := s.db.Exec("UPDATE conflicts SET resolution = ?, resolved_by = ? WHERE id = ?",
		string(resolution), resolvedBy, conflictID)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conflict %s: %w", conflictID, ErrNotFound)
	}
	return nil
}

// ListConflicts returns a project's conflicts newest first.
func (s *Store) ListConflicts(projectID string) ([]*domain.FileConflict, error) {
	rows, err := s.db.Query(`SELECT id, project_id, path, agent_ids, task_ids, strategy,
		resolution, resolved_by, detected_at FROM conflicts
		WHERE project_id = ? ORDER BY detected_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("conflicts: %w", err)
	}
	defer rows.Close()
	var out []*domain.FileConflict
	for rows.Next() {
		var c domain.FileConflict
		var agents, tasks, strategy, resolution, da string
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Path, &agents, &tasks, &strategy,
			&resolution, &c.ResolvedBy, &da); err != nil {
			return nil, err
		}
		c.Strategy = domain.ConflictStrategy(strategy)
		c.Resolution = domain.ConflictResolution(resolution)
		if err := parseJSON([]byte(agents), &c.AgentIDs, "conflict agent_ids"); err != nil {
			return nil, err
		}
		if err := parseJSON([]byte(tasks), &c.TaskIDs, "conflict task_ids"); err != nil {
			return nil, err
		}
		if c.DetectedAt, err = parseTime(da, "conflict detected_at"); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
