package sandbox

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SandboxStatus is the lifecycle state of a sandbox record.
type SandboxStatus string

const (
	StatusRunning SandboxStatus = "running"
	StatusStopped SandboxStatus = "stopped"
	StatusFailed  SandboxStatus = "failed"
	StatusTimeout SandboxStatus = "timeout"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventCreated EventType = "created"
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
	EventFailed  EventType = "failed"
	EventTimeout EventType = "timeout"
)

// Event is a sandbox lifecycle notification.
type Event struct {
	Type      EventType
	SandboxID string
	AgentID   string
	Timestamp time.Time
}

// Sandbox is the in-memory record of one execution environment.
type Sandbox struct {
	ID             string
	AgentID        string
	ProjectID      string
	Template       string
	Status         SandboxStatus
	StartedAt      time.Time
	LastActivityAt time.Time
}

// CreateRequest parameterizes CreateSandbox. TimeoutSeconds is an
// absolute deadline from creation; 0 disables the timer.
type CreateRequest struct {
	AgentID        string
	ProjectID      string
	Template       string
	Env            map[string]string
	WorkDir        string
	TimeoutSeconds int
}

// ExecRequest parameterizes command execution. TimeoutSeconds is
// converted to milliseconds for the provider.
type ExecRequest struct {
	Cwd            string
	TimeoutSeconds int
	Env            map[string]string
}

// Manager owns a bounded set of sandboxes: concurrency limit, absolute
// deadlines, lifecycle events to a single subscriber, and cleanup of
// finished records.
type Manager struct {
	provider       Provider
	logger         *log.Logger
	maxConcurrent  int
	defaultTimeout int
	autoCleanup    bool
	onEvent        func(Event)

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
	timers    map[string]*time.Timer
	reserved  int // create slots claimed but not yet recorded
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithMaxConcurrent bounds the number of running sandboxes.
func WithMaxConcurrent(n int) ManagerOption {
	return func(m *Manager) { m.maxConcurrent = n }
}

// WithDefaultTimeout sets the deadline applied when a create request
// carries none.
func WithDefaultTimeout(seconds int) ManagerOption {
	return func(m *Manager) { m.defaultTimeout = seconds }
}

// WithAutoCleanup removes finished records after each stop.
func WithAutoCleanup(enabled bool) ManagerOption {
	return func(m *Manager) { m.autoCleanup = enabled }
}

// WithEventSubscriber sets the single lifecycle event subscriber.
func WithEventSubscriber(fn func(Event)) ManagerOption {
	return func(m *Manager) { m.onEvent = fn }
}

// NewManager creates a sandbox manager over a provider.
func NewManager(provider Provider, logger *log.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider:      provider,
		logger:        logger,
		maxConcurrent: 5,
		sandboxes:     make(map[string]*Sandbox),
		timers:        make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CreateSandbox provisions a new sandbox. Fails fast when the running
// count is at the concurrency limit. The slot is reserved under the
// lock before the provider call, so concurrent creates cannot both
// squeeze past the limit; the reservation is released if provisioning
// fails.
func (m *Manager) CreateSandbox(ctx context.Context, req CreateRequest) (*Sandbox, error) {
	m.mu.Lock()
	running := m.reserved
	for _, sb := range m.sandboxes {
		if sb.Status == StatusRunning {
			running++
		}
	}
	if running >= m.maxConcurrent {
		m.mu.Unlock()
		return nil, fmt.Errorf("sandbox limit reached (%d running)", running)
	}
	m.reserved++
	m.mu.Unlock()

	id := uuid.NewString()
	if err := m.provider.Create(ctx, id, CreateOptions{
		Template: req.Template,
		Env:      req.Env,
		WorkDir:  req.WorkDir,
	}); err != nil {
		m.mu.Lock()
		m.reserved--
		m.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	sb := &Sandbox{
		ID:             id,
		AgentID:        req.AgentID,
		ProjectID:      req.ProjectID,
		Template:       req.Template,
		Status:         StatusRunning,
		StartedAt:      now,
		LastActivityAt: now,
	}
	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = m.defaultTimeout
	}
	m.mu.Lock()
	m.reserved--
	m.sandboxes[id] = sb
	if timeout > 0 {
		m.timers[id] = time.AfterFunc(time.Duration(timeout)*time.Second, func() {
			m.expire(id)
		})
	}
	m.mu.Unlock()

	m.logger.Printf("SandboxManager: created %s for agent %s (timeout=%ds)", id, req.AgentID, timeout)
	m.publish(Event{Type: EventCreated, SandboxID: id, AgentID: req.AgentID, Timestamp: now})
	m.publish(Event{Type: EventStarted, SandboxID: id, AgentID: req.AgentID, Timestamp: now})
	return m.snapshot(id), nil
}

// expire flips a still-running sandbox to timeout and emits the event.
// No kill is attempted; the underlying service handles teardown.
func (m *Manager) expire(id string) {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if !ok || sb.Status != StatusRunning {
		m.mu.Unlock()
		return
	}
	sb.Status = StatusTimeout
	agentID := sb.AgentID
	delete(m.timers, id)
	m.mu.Unlock()

	m.logger.Printf("SandboxManager: %s hit its deadline", id)
	m.publish(Event{Type: EventTimeout, SandboxID: id, AgentID: agentID, Timestamp: time.Now()})
}

// ExecuteCommand runs a command in a sandbox, converting the per-call
// timeout from seconds to milliseconds for the provider, and touches
// LastActivityAt on return.
func (m *Manager) ExecuteCommand(ctx context.Context, id, command string, req ExecRequest) (*ExecResult, error) {
	if _, err := m.requireRunning(id); err != nil {
		return nil, err
	}
	res, err := m.provider.Exec(ctx, id, command, ExecOptions{
		Cwd:       req.Cwd,
		TimeoutMS: int64(req.TimeoutSeconds) * 1000,
		Env:       req.Env,
	})
	m.touch(id)
	return res, err
}

// ExecuteCommandStreaming is ExecuteCommand with streaming callbacks.
// Errors are delivered to OnError and also returned.
func (m *Manager) ExecuteCommandStreaming(ctx context.Context, id, command string, req ExecRequest, cb StreamCallbacks) (*ExecResult, error) {
	if _, err := m.requireRunning(id); err != nil {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return nil, err
	}
	res, err := m.provider.ExecStreaming(ctx, id, command, ExecOptions{
		Cwd:       req.Cwd,
		TimeoutMS: int64(req.TimeoutSeconds) * 1000,
		Env:       req.Env,
	}, cb)
	m.touch(id)
	if err != nil && cb.OnError != nil {
		cb.OnError(err)
	}
	return res, err
}

// FileOperation performs a file op in a sandbox. All errors are folded
// into the result rather than returned.
func (m *Manager) FileOperation(ctx context.Context, id string, op FileOp) *FileOpResult {
	if _, err := m.requireRunning(id); err != nil {
		return &FileOpResult{Error: err.Error()}
	}
	res, err := m.provider.FileOperation(ctx, id, op)
	m.touch(id)
	if err != nil {
		return &FileOpResult{Error: err.Error()}
	}
	return res
}

// StopSandbox stops a sandbox and emits the stopped event. Triggers
// cleanup when autoCleanup is set.
func (m *Manager) StopSandbox(ctx context.Context, id string) error {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("sandbox %s: not found", id)
	}
	wasRunning := sb.Status == StatusRunning
	sb.Status = StatusStopped
	agentID := sb.AgentID
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	var err error
	if wasRunning {
		err = m.provider.Stop(ctx, id)
	}
	m.publish(Event{Type: EventStopped, SandboxID: id, AgentID: agentID, Timestamp: time.Now()})
	if m.autoCleanup {
		m.Cleanup()
	}
	return err
}

// MarkFailed flips a sandbox to failed and emits the event. Used by
// callers when the underlying service reports an unrecoverable error.
func (m *Manager) MarkFailed(id string) {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	sb.Status = StatusFailed
	agentID := sb.AgentID
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.publish(Event{Type: EventFailed, SandboxID: id, AgentID: agentID, Timestamp: time.Now()})
}

// Cleanup removes records for sandboxes no longer running and returns
// the count removed. Running sandboxes stay resident.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, sb := range m.sandboxes {
		if sb.Status != StatusRunning {
			delete(m.sandboxes, id)
			removed++
		}
	}
	return removed
}

// GetSandbox returns a copy of the sandbox record, or nil.
func (m *Manager) GetSandbox(id string) *Sandbox {
	return m.snapshot(id)
}

// ListSandboxes returns copies of all tracked sandbox records.
func (m *Manager) ListSandboxes() []*Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		cp := *sb
		out = append(out, &cp)
	}
	return out
}

func (m *Manager) requireRunning(id string) (*Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("sandbox %s: not found", id)
	}
	if sb.Status != StatusRunning {
		return nil, fmt.Errorf("sandbox %s: not running (%s)", id, sb.Status)
	}
	return sb, nil
}

func (m *Manager) touch(id string) {
	m.mu.Lock()
	if sb, ok := m.sandboxes[id]; ok {
		sb.LastActivityAt = time.Now()
	}
	m.mu.Unlock()
}

func (m *Manager) snapshot(id string) *Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok {
		return nil
	}
	cp := *sb
	return &cp
}

// publish delivers an event to the subscriber, isolating panics so a
// bad subscriber cannot affect sandbox state.
func (m *Manager) publish(ev Event) {
	if m.onEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("SandboxManager: event subscriber panicked: %v", r)
		}
	}()
	m.onEvent(ev)
}
