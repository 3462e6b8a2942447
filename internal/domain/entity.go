// Package domain holds orchestration entities shared by the store, the
// coordination tools, and the monitors. It has no dependencies on other
// packages.
package domain

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskClaimed    TaskStatus = "claimed"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// ValidTransition reports whether a task may move from one status to
// another. Claiming (pending→claimed) goes through Store.ClaimTask, not
// here. Cancellation is only possible from claimed; blocking only from
// in_progress; a blocked task is unblocked back to pending or handed to
// another agent as claimed.
func ValidTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case TaskPending:
		return to == TaskClaimed
	case TaskClaimed:
		return to == TaskInProgress || to == TaskCancelled
	case TaskInProgress:
		return to == TaskCompleted || to == TaskFailed || to == TaskBlocked
	case TaskBlocked:
		return to == TaskPending || to == TaskClaimed
	default:
		return false
	}
}

// TaskPriority orders tasks for listing and claiming.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityMedium   TaskPriority = "medium"
	PriorityLow      TaskPriority = "low"
)

// Rank returns the sort rank of a priority (critical first). Unknown
// priorities sort last.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// AgentStatus is the stored status of an agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentBlocked AgentStatus = "blocked"
	AgentOffline AgentStatus = "offline"
)

// ConflictStrategy is a project's default policy for overlapping edits.
type ConflictStrategy string

const (
	StrategyLock   ConflictStrategy = "lock"
	StrategyMerge  ConflictStrategy = "merge"
	StrategyZone   ConflictStrategy = "zone"
	StrategyReview ConflictStrategy = "review"
)

// Budget tracks project spend against a total.
type Budget struct {
	Total          float64 `json:"total"`
	Spent          float64 `json:"spent"`
	Currency       string  `json:"currency"`
	AlertThreshold float64 `json:"alert_threshold,omitempty"` // fraction, e.g. 0.8
}

// PercentUsed returns spend as a percentage of total (0 when no total).
func (b Budget) PercentUsed() float64 {
	if b.Total <= 0 {
		return 0
	}
	return b.Spent / b.Total * 100
}

// Remaining returns the unspent budget.
func (b Budget) Remaining() float64 { return b.Total - b.Spent }

// Project is a shared repository that agents collaborate on.
type Project struct {
	ID               string            `json:"id"`
	OrgID            string            `json:"org_id"`
	Name             string            `json:"name"`
	Slug             string            `json:"slug"`
	RootPath         string            `json:"root_path,omitempty"`
	GitRemote        string            `json:"git_remote,omitempty"`
	GitBranch        string            `json:"git_branch,omitempty"`
	ConflictStrategy ConflictStrategy  `json:"conflict_strategy"`
	Budget           *Budget           `json:"budget,omitempty"`
	Settings         map[string]string `json:"settings,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Agent is a persistent logical worker identity bound to one project.
// Many sandboxes may embody the same agent over time.
type Agent struct {
	ID            string      `json:"id"`
	ProjectID     string      `json:"project_id"`
	OrgID         string      `json:"org_id"`
	Name          string      `json:"name"`
	Provider      string      `json:"provider,omitempty"` // e.g. anthropic, openai
	Model         string      `json:"model,omitempty"`
	Status        AgentStatus `json:"status"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	CostPerMIn    float64     `json:"cost_per_million_input"`  // USD per 1M input tokens
	CostPerMOut   float64     `json:"cost_per_million_output"` // USD per 1M output tokens
	TokenQuota    int64       `json:"token_quota,omitempty"`
	LastHeartbeat time.Time   `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Task is a unit of work on the shared backlog.
type Task struct {
	ID              string            `json:"id"`
	ProjectID       string            `json:"project_id"`
	OrgID           string            `json:"org_id"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Status          TaskStatus        `json:"status"`
	Priority        TaskPriority      `json:"priority"`
	AssignedTo      string            `json:"assigned_to,omitempty"` // agent ID
	Dependencies    []string          `json:"dependencies,omitempty"`
	BlockedBy       []string          `json:"blocked_by,omitempty"`
	Files           []string          `json:"files,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	EstimatedTokens int64             `json:"estimated_tokens,omitempty"`
	ActualTokens    int64             `json:"actual_tokens,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ClaimedAt       time.Time         `json:"claimed_at,omitempty"`
	StartedAt       time.Time         `json:"started_at,omitempty"`
	CompletedAt     time.Time         `json:"completed_at,omitempty"`
}

// Metadata keys carried on tasks.
const (
	MetaReassignmentCount  = "reassignmentCount"
	MetaLastReassignedFrom = "lastReassignedFrom"
	MetaBeadID             = "bead_id"
	MetaConvoyID           = "convoy_id"
	MetaConvoyName         = "convoy_name"
)

// FileLock is an exclusive TTL lock on (project, path). Expired locks
// are logically absent; the store garbage-collects them lazily.
type FileLock struct {
	ProjectID string    `json:"project_id"`
	Path      string    `json:"path"`
	AgentID   string    `json:"agent_id"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lock has passed its TTL at the given instant.
func (l FileLock) Expired(now time.Time) bool { return now.After(l.ExpiresAt) }

// ConflictResolution is the outcome recorded for a detected conflict.
type ConflictResolution string

const (
	ResolutionAccepted ConflictResolution = "accepted"
	ResolutionRejected ConflictResolution = "rejected"
	ResolutionMerged   ConflictResolution = "merged"
	ResolutionWaiting  ConflictResolution = "waiting"
)

// FileConflict records two or more in-progress tasks touching the same
// file.
type FileConflict struct {
	ID         string             `json:"id"`
	ProjectID  string             `json:"project_id"`
	Path       string             `json:"path"`
	AgentIDs   []string           `json:"agent_ids"`
	TaskIDs    []string           `json:"task_ids"`
	Strategy   ConflictStrategy   `json:"strategy"`
	Resolution ConflictResolution `json:"resolution,omitempty"`
	ResolvedBy string             `json:"resolved_by,omitempty"`
	DetectedAt time.Time          `json:"detected_at"`
}

// CostEvent is an append-only record of token usage. Recording a cost
// event also increments the project's budget spend in the same
// transaction.
type CostEvent struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	AgentID      string    `json:"agent_id"`
	TaskID       string    `json:"task_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Timestamp    time.Time `json:"timestamp"`
}

// AccessRole is the role requested when an agent asks to join a project.
type AccessRole string

const (
	RoleLead        AccessRole = "lead"
	RoleContributor AccessRole = "contributor"
	RoleReviewer    AccessRole = "reviewer"
	RoleObserver    AccessRole = "observer"
)

// AccessStatus is the lifecycle state of an access request.
type AccessStatus string

const (
	AccessPending  AccessStatus = "pending"
	AccessApproved AccessStatus = "approved"
	AccessDenied   AccessStatus = "denied"
	AccessExpired  AccessStatus = "expired"
)

// AccessRequest asks for project membership. At most one pending
// request per (project, agent).
type AccessRequest struct {
	ID            string       `json:"id"`
	ProjectID     string       `json:"project_id"`
	AgentID       string       `json:"agent_id"`
	AgentName     string       `json:"agent_name,omitempty"`
	AgentType     string       `json:"agent_type,omitempty"`
	Capabilities  []string     `json:"capabilities,omitempty"`
	RequestedRole AccessRole   `json:"requested_role"`
	Status        AccessStatus `json:"status"`
	ReviewedBy    string       `json:"reviewed_by,omitempty"`
	DenialReason  string       `json:"denial_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     time.Time    `json:"expires_at,omitempty"`
}

// CheckpointType distinguishes how a checkpoint was taken.
type CheckpointType string

const (
	CheckpointManual            CheckpointType = "manual"
	CheckpointAuto              CheckpointType = "auto"
	CheckpointContextExhaustion CheckpointType = "context_exhaustion"
)

// CheckpointContext is the serialized in-flight work snapshot.
type CheckpointContext struct {
	FilesModified  []string `json:"files_modified,omitempty"`
	CompletedSteps []string `json:"completed_steps,omitempty"`
	NextSteps      []string `json:"next_steps,omitempty"`
	Blockers       []string `json:"blockers,omitempty"`
	TokenCount     int64    `json:"token_count,omitempty"`
}

// AgentCheckpoint rolls an agent's context from one session to the next.
type AgentCheckpoint struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"project_id"`
	AgentID   string            `json:"agent_id"`
	TaskID    string            `json:"task_id,omitempty"`
	Type      CheckpointType    `json:"type"`
	Stage     string            `json:"stage,omitempty"`
	Context   CheckpointContext `json:"context"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

// TaskHistoryEntry is an append-only record of a claim. It drives
// first-task detection and checkpoint-marker cadence.
type TaskHistoryEntry struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	AgentID   string    `json:"agent_id"`
	TaskID    string    `json:"task_id"`
	AgentType string    `json:"agent_type,omitempty"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Zone is a glob-bounded subset of the repository with ownership and
// read-only semantics. Order matters: more specific zones come first.
type Zone struct {
	Pattern  string `json:"pattern" yaml:"pattern"`
	Owner    string `json:"owner,omitempty" yaml:"owner,omitempty"`
	ReadOnly bool   `json:"readonly,omitempty" yaml:"readonly,omitempty"`
}

// ContextBundle is the onboarding payload returned on claim and refresh.
type ContextBundle struct {
	ProjectName       string      `json:"project_name"`
	CurrentFocus      string      `json:"current_focus,omitempty"`
	ProjectGoals      []string    `json:"project_goals,omitempty"`
	AgentInstructions string      `json:"agent_instructions,omitempty"`
	StyleGuide        string      `json:"style_guide,omitempty"`
	CheckpointRules   []string    `json:"checkpoint_rules,omitempty"`
	AllowedPaths      []string    `json:"allowed_paths,omitempty"`
	DeniedPaths       []string    `json:"denied_paths,omitempty"`
	RelevantPatterns  []string    `json:"relevant_patterns,omitempty"`
	TaskContext       TaskContext `json:"task_context"`
	IsFirstTask       bool        `json:"is_first_task"`
}

// TaskContext is the per-task slice of a context bundle.
type TaskContext struct {
	TaskID        string   `json:"task_id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	ExpectedFiles []string `json:"expected_files,omitempty"`
	RelatedTasks  []string `json:"related_tasks,omitempty"`
}

// Onboarding is per-project onboarding configuration rendered into
// context bundles.
type Onboarding struct {
	ProjectID             string   `json:"project_id"`
	WelcomeMessage        string   `json:"welcome_message,omitempty"`
	CurrentFocus          string   `json:"current_focus,omitempty"`
	ProjectGoals          []string `json:"project_goals,omitempty"`
	AgentInstructions     string   `json:"agent_instructions,omitempty"`
	StyleGuide            string   `json:"style_guide,omitempty"`
	CheckpointRules       []string `json:"checkpoint_rules,omitempty"`
	AllowedPaths          []string `json:"allowed_paths,omitempty"`
	DeniedPaths           []string `json:"denied_paths,omitempty"`
	RelevantPatterns      []string `json:"relevant_patterns,omitempty"`
	CheckpointEveryNTasks int      `json:"checkpoint_every_n_tasks,omitempty"`
	AutoRefreshContext    bool     `json:"auto_refresh_context"`
}
