package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/conductorhq/conductor/internal/domain"
)

// RegisterAgent inserts or refreshes an agent row. The org id is
// stamped from the parent project.
func (s *Store) RegisterAgent(a *domain.Agent) error {
	if a.ID == "" || a.ProjectID == "" {
		return fmt.Errorf("agent requires id and project")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	org, err := projectOrg(tx, a.ProjectID)
	if err != nil {
		return err
	}
	a.OrgID = org
	if a.Status == "" {
		a.Status = domain.AgentIdle
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.LastHeartbeat.IsZero() {
		a.LastHeartbeat = time.Now()
	}
	_, err = tx.Exec(`INSERT INTO agents
		(id, project_id, org_id, name, provider, model, status, capabilities,
		 cost_per_m_input, cost_per_m_output, token_quota, last_heartbeat, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			provider = excluded.provider,
			model = excluded.model,
			capabilities = excluded.capabilities,
			last_heartbeat = excluded.last_heartbeat`,
		a.ID, a.ProjectID, a.OrgID, a.Name, a.Provider, a.Model, string(a.Status),
		marshalJSON(a.Capabilities, "[]"), a.CostPerMIn, a.CostPerMOut, a.TokenQuota,
		fmtTime(a.LastHeartbeat), fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	return tx.Commit()
}

const agentColumns = `id, project_id, org_id, name, provider, model, status, capabilities,
	cost_per_m_input, cost_per_m_output, token_quota, last_heartbeat, created_at`

func scanAgent(scan func(dest ...interface{}) error) (*domain.Agent, error) {
	var a domain.Agent
	var status, caps, hb, ca string
	err := scan(&a.ID, &a.ProjectID, &a.OrgID, &a.Name, &a.Provider, &a.Model, &status, &caps,
		&a.CostPerMIn, &a.CostPerMOut, &a.TokenQuota, &hb, &ca)
	if err != nil {
		return nil, err
	}
	a.Status = domain.AgentStatus(status)
	if err := parseJSON([]byte(caps), &a.Capabilities, "agent capabilities"); err != nil {
		return nil, err
	}
	if a.LastHeartbeat, err = parseTime(hb, "agent last_heartbeat"); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(ca, "agent created_at"); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgent returns an agent by id, or ErrNotFound.
func (s *Store) GetAgent(id string) (*domain.Agent, error) {
	row := s.db.QueryRow("SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	a, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents in a project ordered by name.
func (s *Store) ListAgents(projectID string) ([]*domain.Agent, error) {
	rows, err := s.db.Query("SELECT "+agentColumns+" FROM agents WHERE project_id = ? ORDER BY name", projectID)
	if err != nil {
		return nil, fmt.Errorf("agents: %w", err)
	}
	defer rows.Close()
	var out []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("agents: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Heartbeat touches last_heartbeat and optionally updates status in the
// same statement.
func (s *Store) Heartbeat(agentID string, status *domain.AgentStatus) error {
	var res sql.Result
	var err error
	now := fmtTime(time.Now())
	if status != nil {
		res, err = s.db.Exec("UPDATE agents SET last_heartbeat = ?, status = ? WHERE id = ?",
			now, string(*status), agentID)
	} else {
		res, err = s.db.Exec("UPDATE agents SET last_heartbeat = ? WHERE id = ?", now, agentID)
	}
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// UpdateAgentStatus sets the stored status without touching the heartbeat.
func (s *Store) UpdateAgentStatus(agentID string, status domain.AgentStatus) error {
	res, err := s.db.Exec("UPDATE agents SET status = ? WHERE id = ?", string(status), agentID)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// RefreshHeartbeats touches every agent's heartbeat. Run at startup so
// the health monitor does not mark agents offline for downtime that was
// the server's, not theirs.
func (s *Store) RefreshHeartbeats() error {
	_, err := s.db.Exec("UPDATE agents SET last_heartbeat = ?", fmtTime(time.Now()))
	return err
}
