package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/internal/domain"
)

// RecordCost appends a cost event and increments the project's budget
// spend in the same transaction, so spend never diverges from the sum
// of events. Budget overrun is not an error here; callers read the
// percentage and decide.
func (s *Store) RecordCost(ev *domain.CostEvent) error {
	if ev.ProjectID == "" || ev.AgentID == "" {
		return fmt.Errorf("cost event requires project and agent")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO cost_events
		(id, project_id, agent_id, task_id, model, input_tokens, output_tokens, cost_usd, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ProjectID, ev.AgentID, ev.TaskID, ev.Model,
		ev.InputTokens, ev.OutputTokens, ev.CostUSD, fmtTime(ev.Timestamp)); err != nil {
		return fmt.Errorf("record cost: %w", err)
	}
	res, err := tx.Exec("UPDATE projects SET budget_spent = budget_spent + ?, updated_at = ? WHERE id = ?",
		ev.CostUSD, fmtTime(time.Now()), ev.ProjectID)
	if err != nil {
		return fmt.Errorf("update budget: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", ev.ProjectID, ErrNotFound)
	}
	return tx.Commit()
}

// GetBudget returns the project's budget including accumulated spend,
// or nil when the project has no budget configured.
func (s *Store) GetBudget(projectID string) (*domain.Budget, error) {
	p, err := s.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	return p.Budget, nil
}

// ListCostEvents returns a project's cost events newest first.
func (s *Store) ListCostEvents(projectID string) ([]*domain.CostEvent, error) {
	rows, err := s.db.Query(`SELECT id, project_id, agent_id, task_id, model,
		input_tokens, output_tokens, cost_usd, timestamp
		FROM cost_events WHERE project_id = ? ORDER BY timestamp DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("cost events: %w", err)
	}
	defer rows.Close()
	var out []*domain.CostEvent
	for rows.Next() {
		var ev domain.CostEvent
		var ts string
		if err := rows.Scan(&ev.ID, &ev.ProjectID, &ev.AgentID, &ev.TaskID, &ev.Model,
			&ev.InputTokens, &ev.OutputTokens, &ev.CostUSD, &ts); err != nil {
			return nil, err
		}
		if ev.Timestamp, err = parseTime(ts, "cost timestamp"); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
