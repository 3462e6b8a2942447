package store

import (
	"database/sql"
	"fmt"

	"github.com/conductorhq/conductor/internal/domain"
)

// SaveOnboarding upserts a project's onboarding configuration.
func (s *Store) SaveOnboarding(o *domain.Onboarding) error {
	if o.ProjectID == "" {
		return fmt.Errorf("onboarding requires project")
	}
	if o.CheckpointEveryNTasks <= 0 {
		o.CheckpointEveryNTasks = 3
	}
	auto := 0
	if o.AutoRefreshContext {
		auto = 1
	}
	_, err := s.db.Exec(`INSERT INTO project_onboarding
		(project_id, welcome_message, current_focus, project_goals, agent_instructions,
		 style_guide, checkpoint_rules, allowed_paths, denied_paths, relevant_patterns,
		 checkpoint_every_n_tasks, auto_refresh_context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			welcome_message = excluded.welcome_message,
			current_focus = excluded.current_focus,
			project_goals = excluded.project_goals,
			agent_instructions = excluded.agent_instructions,
			style_guide = excluded.style_guide,
			checkpoint_rules = excluded.checkpoint_rules,
			allowed_paths = excluded.allowed_paths,
			denied_paths = excluded.denied_paths,
			relevant_patterns = excluded.relevant_patterns,
			checkpoint_every_n_tasks = excluded.checkpoint_every_n_tasks,
			auto_refresh_context = excluded.auto_refresh_context`,
		o.ProjectID, o.WelcomeMessage, o.CurrentFocus, marshalJSON(o.ProjectGoals, "[]"),
		o.AgentInstructions, o.StyleGuide, marshalJSON(o.CheckpointRules, "[]"),
		marshalJSON(o.AllowedPaths, "[]"), marshalJSON(o.DeniedPaths, "[]"),
		marshalJSON(o.RelevantPatterns, "[]"), o.CheckpointEveryNTasks, auto)
	if err != nil {
		return fmt.Errorf("save onboarding: %w", err)
	}
	return nil
}

// GetOnboarding returns a project's onboarding config, or nil when the
// project has none.
func (s *Store) GetOnboarding(projectID string) (*domain.Onboarding, error) {
	row := s.db.QueryRow(`SELECT project_id, welcome_message, current_focus, project_goals,
		agent_instructions, style_guide, checkpoint_rules, allowed_paths, denied_paths,
		relevant_patterns, checkpoint_every_n_tasks, auto_refresh_context
		FROM project_onboarding WHERE project_id = ?`, projectID)
	var o domain.Onboarding
	var goals, rules, allowed, denied, patterns string
	var auto int
	err := row.Scan(&o.ProjectID, &o.WelcomeMessage, &o.CurrentFocus, &goals,
		&o.AgentInstructions, &o.StyleGuide, &rules, &allowed, &denied, &patterns,
		&o.CheckpointEveryNTasks, &auto)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("onboarding: %w", err)
	}
	for _, pair := range []struct {
		raw []byte
		dst interface{}
		ctx string
	}{
		{[]byte(goals), &o.ProjectGoals, "onboarding goals"},
		{[]byte(rules), &o.CheckpointRules, "onboarding checkpoint_rules"},
		{[]byte(allowed), &o.AllowedPaths, "onboarding allowed_paths"},
		{[]byte(denied), &o.DeniedPaths, "onboarding denied_paths"},
		{[]byte(patterns), &o.RelevantPatterns, "onboarding relevant_patterns"},
	} {
		if err := parseJSON(pair.raw, pair.dst, pair.ctx); err != nil {
			return nil, err
		}
	}
	o.AutoRefreshContext = auto != 0
	return &o, nil
}
