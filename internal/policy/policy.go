// Package policy loads server configuration and enforces path rules.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/conductorhq/conductor/internal/domain"
)

// GlobalStateDir returns the default global state directory (~/.config/conductor).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "conductor")
}

// GlobalStateFile returns the default global state file path.
func GlobalStateFile() string {
	return filepath.Join(GlobalStateDir(), "state.sqlite")
}

// HealthConfig holds heartbeat classification thresholds in seconds.
type HealthConfig struct {
	ScanIntervalSeconds int    `yaml:"scan_interval_seconds"` // default 30
	WarningSeconds      int    `yaml:"warning_seconds"`       // default 120
	CriticalSeconds     int    `yaml:"critical_seconds"`      // default 300
	OfflineSeconds      int    `yaml:"offline_seconds"`       // default 600
	WebhookURL          string `yaml:"webhook_url"`           // optional alert webhook
}

// SandboxConfig bounds the sandbox pool.
type SandboxConfig struct {
	MaxConcurrent         int    `yaml:"max_concurrent"`          // default 5
	DefaultTimeoutSeconds int    `yaml:"default_timeout_seconds"` // absolute deadline, 0 = none
	AutoCleanup           bool   `yaml:"auto_cleanup"`
	Template              string `yaml:"template"` // default sandbox template name
	WorkDir               string `yaml:"work_dir"` // base dir for local sandboxes
}

// OnboardingConfig is the server-side default onboarding, used when a
// project has no onboarding row of its own.
type OnboardingConfig struct {
	WelcomeMessage        string   `yaml:"welcome_message"`
	CurrentFocus          string   `yaml:"current_focus"`
	ProjectGoals          []string `yaml:"project_goals"`
	AgentInstructions     string   `yaml:"agent_instructions"`
	StyleGuide            string   `yaml:"style_guide"`
	CheckpointRules       []string `yaml:"checkpoint_rules"`
	AllowedPaths          []string `yaml:"allowed_paths"`
	DeniedPaths           []string `yaml:"denied_paths"`
	RelevantPatterns      []string `yaml:"relevant_patterns"`
	CheckpointEveryNTasks int      `yaml:"checkpoint_every_n_tasks"` // default 3
	AutoRefreshContext    *bool    `yaml:"auto_refresh_context"`     // default true
}

// BeadsConfig controls import of bead/convoy files from a planning tool.
type BeadsConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Dir                  string `yaml:"dir"`                    // directory of bead JSON files
	WatchIntervalSeconds int    `yaml:"watch_interval_seconds"` // poll fallback, default 60
}

// Config holds server configuration.
type Config struct {
	WorkspaceRoot string `yaml:"workspace_root"`
	ProjectID     string `yaml:"project_id"` // default project served by this instance
	StateFile     string `yaml:"state_file"`
	LogFile       string `yaml:"log_file"`
	HTTPPort      int    `yaml:"http_port"` // MCP-over-HTTP port for sandboxed agents, 0 = auto

	ConflictStrategy string            `yaml:"conflict_strategy"` // lock, merge, zone, review
	Zones            []domain.Zone     `yaml:"zones"`
	Health           *HealthConfig     `yaml:"health"`
	Sandbox          *SandboxConfig    `yaml:"sandbox"`
	Onboarding       *OnboardingConfig `yaml:"onboarding"`
	Beads            *BeadsConfig      `yaml:"beads"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTPPort:         3000,
		ConflictStrategy: string(domain.StrategyLock),
		Health: &HealthConfig{
			ScanIntervalSeconds: 30,
			WarningSeconds:      120,
			CriticalSeconds:     300,
			OfflineSeconds:      600,
		},
		Sandbox: &SandboxConfig{
			MaxConcurrent:         5,
			DefaultTimeoutSeconds: 1800,
			AutoCleanup:           true,
			Template:              "base",
		},
	}
}

// LoadConfig loads configuration from a YAML file, overlaying defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Health == nil {
		cfg.Health = DefaultConfig().Health
	}
	if cfg.Sandbox == nil {
		cfg.Sandbox = DefaultConfig().Sandbox
	}
	return cfg, nil
}

// Policy wraps a Config with validated accessors.
type Policy struct {
	config *Config
	mu     sync.RWMutex // protects workspaceRoot for dynamic updates
}

// New creates a policy from a config.
func New(cfg *Config) *Policy {
	return &Policy{config: cfg}
}

// WorkspaceRoot returns the current workspace root.
func (p *Policy) WorkspaceRoot() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.WorkspaceRoot
}

// SetWorkspaceRoot changes the workspace root at runtime.
func (p *Policy) SetWorkspaceRoot(root string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config.WorkspaceRoot = root
}

// ProjectID returns the default project id served by this instance.
func (p *Policy) ProjectID() string { return p.config.ProjectID }

// StateFile returns the configured state file path. If unset, defaults
// to the global state file so all agents on the machine share state.
func (p *Policy) StateFile() string {
	p.mu.RLock()
	sf := p.config.StateFile
	wsRoot := p.config.WorkspaceRoot
	p.mu.RUnlock()

	if sf == "" {
		return GlobalStateFile()
	}
	if filepath.IsAbs(sf) {
		return sf
	}
	return filepath.Join(wsRoot, sf)
}

// LogFile returns the configured log file path.
// Set to "none" or "off" to disable file logging entirely.
func (p *Policy) LogFile() string {
	p.mu.RLock()
	lf := p.config.LogFile
	p.mu.RUnlock()

	if lf == "" {
		return filepath.Join(GlobalStateDir(), "mcp-conductor.log")
	}
	return lf
}

// ValidatePath resolves path against the workspace root and rejects
// escapes. Returns the path relative to the workspace root, which is
// the canonical form stored in locks and zones.
func (p *Policy) ValidatePath(path string) (string, error) {
	p.mu.RLock()
	wsRoot := p.config.WorkspaceRoot
	p.mu.RUnlock()

	if wsRoot == "" {
		// No workspace restriction configured; accept the cleaned path.
		return filepath.ToSlash(filepath.Clean(path)), nil
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(wsRoot, abs)
	}
	abs, err := filepath.Abs(abs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(wsRoot, abs)
	if err != nil {
		return "", fmt.Errorf("relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s is outside workspace", path)
	}
	return filepath.ToSlash(rel), nil
}

// ConflictStrategy returns the project-level default conflict strategy.
func (p *Policy) ConflictStrategy() domain.ConflictStrategy {
	switch domain.ConflictStrategy(p.config.ConflictStrategy) {
	case domain.StrategyLock, domain.StrategyMerge, domain.StrategyZone, domain.StrategyReview:
		return domain.ConflictStrategy(p.config.ConflictStrategy)
	default:
		return domain.StrategyLock
	}
}

// Zones returns the configured ownership zones, in declaration order.
func (p *Policy) Zones() []domain.Zone { return p.config.Zones }

// Health returns the heartbeat threshold config. Never nil.
func (p *Policy) Health() *HealthConfig {
	if p.config.Health == nil {
		return DefaultConfig().Health
	}
	return p.config.Health
}

// Sandbox returns the sandbox pool config. Never nil.
func (p *Policy) Sandbox() *SandboxConfig {
	if p.config.Sandbox == nil {
		return DefaultConfig().Sandbox
	}
	return p.config.Sandbox
}

// Onboarding returns the server-side onboarding defaults, or nil.
func (p *Policy) Onboarding() *OnboardingConfig { return p.config.Onboarding }

// CheckpointEveryNTasks returns the checkpoint-marker cadence (default 3).
func (p *Policy) CheckpointEveryNTasks() int {
	if p.config.Onboarding != nil && p.config.Onboarding.CheckpointEveryNTasks > 0 {
		return p.config.Onboarding.CheckpointEveryNTasks
	}
	return 3
}

// AutoRefreshContext reports whether refresh hints are surfaced (default true).
func (p *Policy) AutoRefreshContext() bool {
	if p.config.Onboarding != nil && p.config.Onboarding.AutoRefreshContext != nil {
		return *p.config.Onboarding.AutoRefreshContext
	}
	return true
}

// Beads returns the bead import config, or nil when disabled.
func (p *Policy) Beads() *BeadsConfig {
	if p.config.Beads == nil || !p.config.Beads.Enabled {
		return nil
	}
	return p.config.Beads
}
