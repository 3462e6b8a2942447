package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/internal/domain"
)

const accessColumns = `id, project_id, agent_id, agent_name, agent_type, capabilities,
	requested_role, status, reviewed_by, denial_reason, created_at, expires_at`

func scanAccess(scan func(dest ...interface{}) error) (*domain.AccessRequest, error) {
	var r domain.AccessRequest
	var caps, role, status, ca, ex string
	err := scan(&r.ID, &r.ProjectID, &r.AgentID, &r.AgentName, &r.AgentType, &caps,
		&role, &status, &r.ReviewedBy, &r.DenialReason, &ca, &ex)
	if err != nil {
		return nil, err
	}
	r.RequestedRole = domain.AccessRole(role)
	r.Status = domain.AccessStatus(status)
	if err := parseJSON([]byte(caps), &r.Capabilities, "access capabilities"); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(ca, "access created_at"); err != nil {
		return nil, err
	}
	if r.ExpiresAt, err = parseTime(ex, "access expires_at"); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateAccessRequest files a membership request. Idempotent on
// pending: if the agent already has a pending request in the project,
// that request is returned instead of inserting a duplicate.
func (s *Store) CreateAccessRequest(r *domain.AccessRequest) (*domain.AccessRequest, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := scanAccess(tx.QueryRow(
		"SELECT "+accessColumns+" FROM access_requests WHERE project_id = ? AND agent_id = ? AND status = ?",
		r.ProjectID, r.AgentID, string(domain.AccessPending)).Scan)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("access lookup: %w", err)
	}
	if existing != nil {
		return existing, tx.Commit()
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.RequestedRole == "" {
		r.RequestedRole = domain.RoleContributor
	}
	r.Status = domain.AccessPending
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err = tx.Exec(`INSERT INTO access_requests (`+accessColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.AgentID, r.AgentName, r.AgentType,
		marshalJSON(r.Capabilities, "[]"), string(r.RequestedRole), string(r.Status),
		r.ReviewedBy, r.DenialReason, fmtTime(r.CreatedAt), fmtTime(r.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("create access request: %w", err)
	}
	return r, tx.Commit()
}

// LatestAccessRequest returns the most recent request for (project,
// agent), or nil when the agent never asked.
func (s *Store) LatestAccessRequest(projectID, agentID string) (*domain.AccessRequest, error) {
	r, err := scanAccess(s.db.QueryRow(
		"SELECT "+accessColumns+" FROM access_requests WHERE project_id = ? AND agent_id = ? ORDER BY created_at DESC LIMIT 1",
		projectID, agentID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("access request: %w", err)
	}
	return r, nil
}

// ApproveAccessRequest marks a request approved and, when the agent has
// no row in the project yet, auto-registers it idle with zero cost.
func (s *Store) ApproveAccessRequest(requestID, reviewer string, expiresInDays int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r, err := scanAccess(tx.QueryRow(
		"SELECT "+accessColumns+" FROM access_requests WHERE id = ?", requestID).Scan)
	if err == sql.ErrNoRows {
		return fmt.Errorf("access request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("access request: %w", err)
	}

	expires := ""
	if expiresInDays > 0 {
		expires = fmtTime(time.Now().AddDate(0, 0, expiresInDays))
	}
	if _, err := tx.Exec(
		"UPDATE access_requests SET status = ?, reviewed_by = ?, expires_at = ? WHERE id = ?",
		string(domain.AccessApproved), reviewer, expires, requestID); err != nil {
		return fmt.Errorf("approve access: %w", err)
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM agents WHERE id = ? AND project_id = ?",
		r.AgentID, r.ProjectID).Scan(&count); err != nil {
		return fmt.Errorf("agent lookup: %w", err)
	}
	if count == 0 {
		org, err := projectOrg(tx, r.ProjectID)
		if err != nil {
			return err
		}
		now := time.Now()
		name := r.AgentName
		if name == "" {
			name = r.AgentID
		}
		if _, err := tx.Exec(`INSERT INTO agents
			(id, project_id, org_id, name, provider, model, status, capabilities,
			 cost_per_m_input, cost_per_m_output, token_quota, last_heartbeat, created_at)
			VALUES (?, ?, ?, ?, '', ?, ?, ?, 0, 0, 0, ?, ?)`,
			r.AgentID, r.ProjectID, org, name, r.AgentType, string(domain.AgentIdle),
			marshalJSON(r.Capabilities, "[]"), fmtTime(now), fmtTime(now)); err != nil {
			return fmt.Errorf("auto-register agent: %w", err)
		}
	}
	return tx.Commit()
}

// DenyAccessRequest marks a request denied with a reason.
func (s *Store) DenyAccessRequest(requestID, reviewer, reason string) error {
	res, err := s.db.Exec(
		"UPDATE access_requests SET status = ?, reviewed_by = ?, denial_reason = ? WHERE id = ?",
		string(domain.AccessDenied), reviewer, reason, requestID)
	if err != nil {
		return fmt.Errorf("deny access: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("access request %s: %w", requestID, ErrNotFound)
	}
	return nil
}

// HasApprovedAccess reports whether an approved, non-expired request
// exists for (project, agent).
func (s *Store) HasApprovedAccess(projectID, agentID string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM access_requests WHERE project_id = ? AND agent_id = ? AND status = ? AND (expires_at = '' OR expires_at > ?)",
		projectID, agentID, string(domain.AccessApproved), fmtTime(time.Now())).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("access check: %w", err)
	}
	return count > 0, nil
}

// PendingQueuePosition returns the 1-based position of a pending
// request in the project's FIFO approval queue.
func (s *Store) PendingQueuePosition(projectID, requestID string) (int, error) {
	rows, err := s.db.Query(
		"SELECT id FROM access_requests WHERE project_id = ? AND status = ? ORDER BY created_at",
		projectID, string(domain.AccessPending))
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	defer rows.Close()
	pos := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		pos++
		if id == requestID {
			return pos, nil
		}
	}
	return 0, rows.Err()
}

// ExpireOldRequests marks pending requests older than the cutoff as
// expired and returns the count.
func (s *Store) ExpireOldRequests(projectID string, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.Exec(
		"UPDATE access_requests SET status = ? WHERE project_id = ? AND status = ? AND created_at < ?",
		string(domain.AccessExpired), projectID, string(domain.AccessPending), fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("expire requests: %w", err)
	}
	return res.RowsAffected()
}
