package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/conductorhq/conductor/internal/domain"
)

// CreateProject inserts a project. ID must be set by the caller.
func (s *Store) CreateProject(p *domain.Project) error {
	if p.ID == "" || p.Name == "" {
		return fmt.Errorf("project requires id and name")
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.ConflictStrategy == "" {
		p.ConflictStrategy = domain.StrategyLock
	}
	var total sql.NullFloat64
	var spent, alert float64
	currency := "USD"
	if p.Budget != nil {
		total = sql.NullFloat64{Float64: p.Budget.Total, Valid: true}
		spent = p.Budget.Spent
		alert = p.Budget.AlertThreshold
		if p.Budget.Currency != "" {
			currency = p.Budget.Currency
		}
	}
	_, err := s.db.Exec(`INSERT INTO projects
		(id, org_id, name, slug, root_path, git_remote, git_branch, conflict_strategy,
		 budget_total, budget_spent, budget_currency, budget_alert_threshold,
		 settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.Name, p.Slug, p.RootPath, p.GitRemote, p.GitBranch, string(p.ConflictStrategy),
		total, spent, currency, alert,
		marshalJSON(p.Settings, "{}"), fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject returns a project by id, or ErrNotFound.
func (s *Store) GetProject(id string) (*domain.Project, error) {
	row := s.db.QueryRow(`SELECT id, org_id, name, slug, root_path, git_remote, git_branch,
		conflict_strategy, budget_total, budget_spent, budget_currency, budget_alert_threshold,
		settings, created_at, updated_at FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

func scanProject(row *sql.Row) (*domain.Project, error) {
	var p domain.Project
	var strategy, settings, ca, ua, currency string
	var total sql.NullFloat64
	var spent, alert float64
	err := row.Scan(&p.ID, &p.OrgID, &p.Name, &p.Slug, &p.RootPath, &p.GitRemote, &p.GitBranch,
		&strategy, &total, &spent, &currency, &alert, &settings, &ca, &ua)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("project: %w", err)
	}
	p.ConflictStrategy = domain.ConflictStrategy(strategy)
	if total.Valid {
		p.Budget = &domain.Budget{
			Total:          total.Float64,
			Spent:          spent,
			Currency:       currency,
			AlertThreshold: alert,
		}
	}
	if err := parseJSON([]byte(settings), &p.Settings, "project settings"); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(ca, "project created_at"); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(ua, "project updated_at"); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProjectSettings replaces the settings map and bumps updated_at.
func (s *Store) UpdateProjectSettings(id string, settings map[string]string) error {
	res, err := s.db.Exec("UPDATE projects SET settings = ?, updated_at = ? WHERE id = ?",
		marshalJSON(settings, "{}"), fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}
