// Package runner encodes per-agent-type install and run recipes on top
// of the sandbox manager.
package runner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/conductorhq/conductor/internal/sandbox"
)

// gitCloneTimeout bounds the initial repository clone.
const gitCloneTimeout = 120 * time.Second

// Config describes one agent launch.
type Config struct {
	AgentID   string
	ProjectID string
	Type      string // claude-code, aider, copilot, crush, zencoder, zai, custom

	MCPURL    string
	GitRepo   string
	GitBranch string
	WorkDir   string
	Prompt    string

	Env            map[string]string
	SetupCommands  []string // run after the type's own setup
	RunCommand     string   // custom type only
	TimeoutSeconds int
}

// RunResult is the outcome of a full agent run.
type RunResult struct {
	Success  bool
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Error    string
}

// recipe is the tagged-variant mapping from agent type to its install
// steps and run command. Setup steps are tolerant of failure; the run
// command is not.
type recipe struct {
	setup []string
	run   func(cfg Config) string
}

var recipes = map[string]recipe{
	"claude-code": {
		setup: []string{"npm install -g @anthropic-ai/claude-code"},
		run:   func(cfg Config) string { return withPrompt("claude --print", cfg.Prompt) },
	},
	"aider": {
		setup: []string{"pip install aider-install", "aider-install"},
		run:   func(cfg Config) string { return withPrompt("aider --yes-always --message", cfg.Prompt) },
	},
	"copilot": {
		setup: []string{"npm install -g @github/copilot"},
		run:   func(cfg Config) string { return withPrompt("copilot --prompt", cfg.Prompt) },
	},
	"crush": {
		setup: []string{"npm install -g @charmland/crush"},
		run:   func(cfg Config) string { return withPrompt("crush run", cfg.Prompt) },
	},
	"zencoder": {
		setup: []string{"npm install -g @zencoder/cli"},
		run:   func(cfg Config) string { return withPrompt("zencoder run", cfg.Prompt) },
	},
	"custom": {
		run: func(cfg Config) string { return cfg.RunCommand },
	},
}

// typeAliases maps alternate names onto canonical recipe keys.
var typeAliases = map[string]string{
	"zai": "zencoder",
}

func withPrompt(base, prompt string) string {
	if prompt == "" {
		return base
	}
	return base + " " + shellQuote(prompt)
}

func shellQuote(s string) string {
	out := "'"
	for _, r := range s {
		if r == '\'' {
			out += `'\''`
			continue
		}
		out += string(r)
	}
	return out + "'"
}

func lookupRecipe(agentType string) (recipe, error) {
	if canonical, ok := typeAliases[agentType]; ok {
		agentType = canonical
	}
	r, ok := recipes[agentType]
	if !ok {
		return recipe{}, fmt.Errorf("unknown agent type %q", agentType)
	}
	return r, nil
}

// Runner tracks running agents and their sandboxes.
type Runner struct {
	manager *sandbox.Manager
	logger  *log.Logger

	mu      sync.Mutex
	running map[string]string // agent id -> sandbox id
}

// NewRunner creates a runner over a sandbox manager. Wire
// HandleSandboxEvent as the manager's event subscriber so records are
// dropped when sandboxes die out from under their agents.
func NewRunner(manager *sandbox.Manager, logger *log.Logger) *Runner {
	return &Runner{
		manager: manager,
		logger:  logger,
		running: make(map[string]string),
	}
}

// HandleSandboxEvent drops the running-agent record on stopped, failed
// and timeout events, whether or not StopAgent was called.
func (r *Runner) HandleSandboxEvent(ev sandbox.Event) {
	switch ev.Type {
	case sandbox.EventStopped, sandbox.EventFailed, sandbox.EventTimeout:
	default:
		return
	}
	if ev.AgentID == "" {
		return
	}
	r.mu.Lock()
	if r.running[ev.AgentID] == ev.SandboxID {
		delete(r.running, ev.AgentID)
		r.logger.Printf("AgentRunner: dropped %s after sandbox %s (%s)", ev.AgentID, ev.SandboxID, ev.Type)
	}
	r.mu.Unlock()
}

// StartAgent provisions a sandbox, clones the repository if requested,
// runs the type's setup recipe and any custom setup commands, and
// registers the agent as running. The agent id is reserved before any
// slow work, so a concurrent StartAgent for the same agent fails fast
// instead of leaking a second sandbox. Any hard failure tears the
// sandbox down and releases the reservation before returning.
func (r *Runner) StartAgent(ctx context.Context, cfg Config) (string, error) {
	rec, err := lookupRecipe(cfg.Type)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	if _, ok := r.running[cfg.AgentID]; ok {
		r.mu.Unlock()
		return "", fmt.Errorf("agent %s already running", cfg.AgentID)
	}
	r.running[cfg.AgentID] = "" // reserved until the sandbox id is known
	r.mu.Unlock()

	env := map[string]string{
		"MCP_URL":    cfg.MCPURL,
		"AGENT_ID":   cfg.AgentID,
		"PROJECT_ID": cfg.ProjectID,
	}
	for k, v := range cfg.Env {
		env[k] = v
	}
	sb, err := r.manager.CreateSandbox(ctx, sandbox.CreateRequest{
		AgentID:        cfg.AgentID,
		ProjectID:      cfg.ProjectID,
		Env:            env,
		WorkDir:        cfg.WorkDir,
		TimeoutSeconds: cfg.TimeoutSeconds,
	})
	if err != nil {
		r.release(cfg.AgentID)
		return "", err
	}

	teardown := func() {
		_ = r.manager.StopSandbox(ctx, sb.ID)
		r.release(cfg.AgentID)
	}

	if cfg.GitRepo != "" {
		clone := "git clone"
		if cfg.GitBranch != "" {
			clone += " -b " + cfg.GitBranch
		}
		clone += " " + cfg.GitRepo + " repo"
		res, err := r.manager.ExecuteCommand(ctx, sb.ID, clone, sandbox.ExecRequest{
			TimeoutSeconds: int(gitCloneTimeout.Seconds()),
		})
		if err != nil {
			teardown()
			return "", fmt.Errorf("git clone: %w", err)
		}
		if res.ExitCode != 0 {
			teardown()
			return "", fmt.Errorf("git clone exited %d: %s", res.ExitCode, res.Stderr)
		}
	}

	// Per-type installs tolerate failure; the tool may be preinstalled
	// in the template.
	for _, step := range rec.setup {
		if res, err := r.manager.ExecuteCommand(ctx, sb.ID, step, sandbox.ExecRequest{}); err != nil {
			teardown()
			return "", fmt.Errorf("setup %q: %w", step, err)
		} else if res.ExitCode != 0 {
			r.logger.Printf("AgentRunner: setup %q exited %d, continuing", step, res.ExitCode)
		}
	}
	for _, step := range cfg.SetupCommands {
		res, err := r.manager.ExecuteCommand(ctx, sb.ID, step, sandbox.ExecRequest{})
		if err != nil {
			teardown()
			return "", fmt.Errorf("custom setup %q: %w", step, err)
		}
		if res.ExitCode != 0 {
			teardown()
			return "", fmt.Errorf("custom setup %q exited %d: %s", step, res.ExitCode, res.Stderr)
		}
	}

	r.mu.Lock()
	r.running[cfg.AgentID] = sb.ID
	r.mu.Unlock()
	r.logger.Printf("AgentRunner: started %s (%s) in sandbox %s", cfg.AgentID, cfg.Type, sb.ID)
	return sb.ID, nil
}

// RunAgent starts the agent, executes its run command, and always tears
// the sandbox down afterwards. Run failures come back in the result,
// not as errors.
func (r *Runner) RunAgent(ctx context.Context, cfg Config) (*RunResult, error) {
	rec, err := lookupRecipe(cfg.Type)
	if err != nil {
		return nil, err
	}
	sbID, err := r.StartAgent(ctx, cfg)
	if err != nil {
		return &RunResult{Success: false, Error: err.Error()}, err
	}
	defer func() { _ = r.StopAgent(ctx, cfg.AgentID) }()

	res, err := r.manager.ExecuteCommand(ctx, sbID, rec.run(cfg), sandbox.ExecRequest{
		TimeoutSeconds: cfg.TimeoutSeconds,
	})
	if err != nil {
		return &RunResult{Success: false, Error: err.Error()}, nil
	}
	return &RunResult{
		Success:  res.ExitCode == 0,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
	}, nil
}

// RunAgentStreaming is RunAgent with streaming callbacks threaded
// through the sandbox manager.
func (r *Runner) RunAgentStreaming(ctx context.Context, cfg Config, cb sandbox.StreamCallbacks) (*RunResult, error) {
	rec, err := lookupRecipe(cfg.Type)
	if err != nil {
		return nil, err
	}
	sbID, err := r.StartAgent(ctx, cfg)
	if err != nil {
		return &RunResult{Success: false, Error: err.Error()}, err
	}
	defer func() { _ = r.StopAgent(ctx, cfg.AgentID) }()

	res, err := r.manager.ExecuteCommandStreaming(ctx, sbID, rec.run(cfg), sandbox.ExecRequest{
		TimeoutSeconds: cfg.TimeoutSeconds,
	}, cb)
	if err != nil {
		return &RunResult{Success: false, Error: err.Error()}, nil
	}
	return &RunResult{
		Success:  res.ExitCode == 0,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
	}, nil
}

// ExecuteInAgent runs a one-shot command in an already-running agent.
func (r *Runner) ExecuteInAgent(ctx context.Context, agentID, command string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	sbID, ok := r.GetRunningAgent(agentID)
	if !ok {
		return nil, fmt.Errorf("agent %s not running", agentID)
	}
	return r.manager.ExecuteCommand(ctx, sbID, command, req)
}

// ExecuteInAgentStreaming is ExecuteInAgent with streaming callbacks.
func (r *Runner) ExecuteInAgentStreaming(ctx context.Context, agentID, command string, req sandbox.ExecRequest, cb sandbox.StreamCallbacks) (*sandbox.ExecResult, error) {
	sbID, ok := r.GetRunningAgent(agentID)
	if !ok {
		err := fmt.Errorf("agent %s not running", agentID)
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return nil, err
	}
	return r.manager.ExecuteCommandStreaming(ctx, sbID, command, req, cb)
}

// release drops a reservation or record for an agent.
func (r *Runner) release(agentID string) {
	r.mu.Lock()
	delete(r.running, agentID)
	r.mu.Unlock()
}

// StopAgent stops the agent's sandbox and drops the record. An agent
// still mid-startup (reserved, no sandbox id yet) is left alone.
func (r *Runner) StopAgent(ctx context.Context, agentID string) error {
	r.mu.Lock()
	sbID, ok := r.running[agentID]
	if ok && sbID != "" {
		delete(r.running, agentID)
	}
	r.mu.Unlock()
	if !ok || sbID == "" {
		return fmt.Errorf("agent %s not running", agentID)
	}
	return r.manager.StopSandbox(ctx, sbID)
}

// StopAllAgents stops every running agent, returning the first error.
func (r *Runner) StopAllAgents(ctx context.Context) error {
	var firstErr error
	for _, agentID := range r.ListRunningAgents() {
		if err := r.StopAgent(ctx, agentID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ListRunningAgents returns the ids of agents with a live sandbox.
// Agents still mid-startup are excluded.
func (r *Runner) ListRunningAgents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.running))
	for id, sbID := range r.running {
		if sbID != "" {
			out = append(out, id)
		}
	}
	return out
}

// IsAgentRunning reports whether an agent is tracked as running.
func (r *Runner) IsAgentRunning(agentID string) bool {
	_, ok := r.GetRunningAgent(agentID)
	return ok
}

// GetRunningAgent returns the sandbox id backing an agent. An agent
// still mid-startup does not count as running.
func (r *Runner) GetRunningAgent(agentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sbID, ok := r.running[agentID]
	return sbID, ok && sbID != ""
}
