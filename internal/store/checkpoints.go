package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/internal/domain"
)

// RecordTaskClaim appends a claim to the agent's task history and
// returns the agent's total claim count in the project (1 means this
// was the first task ever claimed).
func (s *Store) RecordTaskClaim(projectID, agentID, taskID, agentType string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO agent_task_history
		(project_id, agent_id, task_id, agent_type, claimed_at) VALUES (?, ?, ?, ?, ?)`,
		projectID, agentID, taskID, agentType, fmtTime(time.Now())); err != nil {
		return 0, fmt.Errorf("record claim: %w", err)
	}
	var count int64
	if err := tx.QueryRow(
		"SELECT COUNT(*) FROM agent_task_history WHERE project_id = ? AND agent_id = ?",
		projectID, agentID).Scan(&count); err != nil {
		return 0, fmt.Errorf("claim count: %w", err)
	}
	return count, tx.Commit()
}

// ClaimCount returns how many tasks the agent has claimed in the project.
func (s *Store) ClaimCount(projectID, agentID string) (int64, error) {
	var count int64
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM agent_task_history WHERE project_id = ? AND agent_id = ?",
		projectID, agentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("claim count: %w", err)
	}
	return count, nil
}

// SaveCheckpoint persists an agent checkpoint.
func (s *Store) SaveCheckpoint(cp *domain.AgentCheckpoint) error {
	if cp.ProjectID == "" || cp.AgentID == "" {
		return fmt.Errorf("checkpoint requires project and agent")
	}
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Type == "" {
		cp.Type = domain.CheckpointManual
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO agent_checkpoints
		(id, project_id, agent_id, task_id, type, stage, context, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ProjectID, cp.AgentID, cp.TaskID, string(cp.Type), cp.Stage,
		marshalJSON(cp.Context, "{}"), fmtTime(cp.CreatedAt), fmtTime(cp.ExpiresAt))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the agent's most recent non-expired
// checkpoint in the project, or nil.
func (s *Store) LatestCheckpoint(projectID, agentID string) (*domain.AgentCheckpoint, error) {
	row := s.db.QueryRow(`SELECT id, project_id, agent_id, task_id, type, stage, context, created_at, expires_at
		FROM agent_checkpoints
		WHERE project_id = ? AND agent_id = ? AND (expires_at = '' OR expires_at > ?)
		ORDER BY created_at DESC LIMIT 1`,
		projectID, agentID, fmtTime(time.Now()))
	var cp domain.AgentCheckpoint
	var typ, ctx, ca, ex string
	err := row.Scan(&cp.ID, &cp.ProjectID, &cp.AgentID, &cp.TaskID, &typ, &cp.Stage, &ctx, &ca, &ex)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	cp.Type = domain.CheckpointType(typ)
	if err := parseJSON([]byte(ctx), &cp.Context, "checkpoint context"); err != nil {
		return nil, err
	}
	if cp.CreatedAt, err = parseTime(ca, "checkpoint created_at"); err != nil {
		return nil, err
	}
	if cp.ExpiresAt, err = parseTime(ex, "checkpoint expires_at"); err != nil {
		return nil, err
	}
	return &cp, nil
}

// ExpireCheckpoints deletes checkpoints whose expiry has passed and
// returns the count removed.
func (s *Store) ExpireCheckpoints(projectID string) (int64, error) {
	res, err := s.db.Exec(
		"DELETE FROM agent_checkpoints WHERE project_id = ? AND expires_at != '' AND expires_at < ?",
		projectID, fmtTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("expire checkpoints: %w", err)
	}
	return res.RowsAffected()
}
