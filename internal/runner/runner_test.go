package runner

import (
	"context"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/sandbox"
)

func newTestRunner(t *testing.T, opts ...sandbox.ManagerOption) (*Runner, *sandbox.Manager) {
	t.Helper()
	provider := sandbox.NewLocalProvider(t.TempDir())
	logger := log.New(io.Discard, "", 0)
	m := sandbox.NewManager(provider, logger, opts...)
	return NewRunner(m, logger), m
}

func customConfig(agentID string) Config {
	return Config{
		AgentID:    agentID,
		ProjectID:  "proj-1",
		Type:       "custom",
		MCPURL:     "http://localhost:3000",
		RunCommand: "echo agent=$AGENT_ID project=$PROJECT_ID mcp=$MCP_URL",
	}
}

func TestStartAgentInjectsEnv(t *testing.T) {
	r, m := newTestRunner(t)
	ctx := context.Background()

	sbID, err := r.StartAgent(ctx, customConfig("agent-1"))
	if err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	if !r.IsAgentRunning("agent-1") {
		t.Fatal("agent not tracked as running")
	}

	res, err := m.ExecuteCommand(ctx, sbID, "echo $AGENT_ID/$PROJECT_ID/$MCP_URL", sandbox.ExecRequest{})
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "agent-1/proj-1/http://localhost:3000" {
		t.Errorf("env = %q", got)
	}
}

func TestStartAgentDuplicateFails(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	if _, err := r.StartAgent(ctx, customConfig("agent-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.StartAgent(ctx, customConfig("agent-1")); err == nil {
		t.Fatal("second start for the same agent should fail")
	}
}

func TestStartAgentConcurrentDuplicate(t *testing.T) {
	r, m := newTestRunner(t)
	ctx := context.Background()
	cfg := customConfig("agent-1")
	// Keep the first start inside setup long enough for the second to
	// arrive while it is still mid-startup.
	cfg.SetupCommands = []string{"sleep 0.3"}

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := r.StartAgent(ctx, cfg)
			results <- err
		}()
	}
	first, second := <-results, <-results

	if (first == nil) == (second == nil) {
		t.Fatalf("exactly one start should win: %v / %v", first, second)
	}
	running := 0
	for _, sb := range m.ListSandboxes() {
		if sb.Status == sandbox.StatusRunning {
			running++
		}
	}
	if running != 1 {
		t.Errorf("running sandboxes = %d, want 1", running)
	}
	if !r.IsAgentRunning("agent-1") {
		t.Error("winner not tracked as running")
	}
}

func TestStartAgentUnknownType(t *testing.T) {
	r, _ := newTestRunner(t)
	cfg := customConfig("agent-1")
	cfg.Type = "vibes"
	if _, err := r.StartAgent(context.Background(), cfg); err == nil {
		t.Fatal("unknown type should be rejected")
	}
}

func TestZencoderAlias(t *testing.T) {
	if _, err := lookupRecipe("zai"); err != nil {
		t.Errorf("zai alias: %v", err)
	}
	if _, err := lookupRecipe("zencoder"); err != nil {
		t.Errorf("zencoder: %v", err)
	}
}

func TestStartAgentCustomSetupFailureTearsDown(t *testing.T) {
	r, m := newTestRunner(t)
	cfg := customConfig("agent-1")
	cfg.SetupCommands = []string{"exit 7"}

	if _, err := r.StartAgent(context.Background(), cfg); err == nil {
		t.Fatal("failing custom setup should abort the start")
	}
	if r.IsAgentRunning("agent-1") {
		t.Error("agent tracked despite failed start")
	}
	for _, sb := range m.ListSandboxes() {
		if sb.Status == sandbox.StatusRunning {
			t.Error("sandbox left running after failed start")
		}
	}
}

func TestRunAgentAlwaysTearsDown(t *testing.T) {
	r, m := newTestRunner(t)
	cfg := customConfig("agent-1")
	cfg.RunCommand = "echo done; exit 5"

	res, err := r.RunAgent(context.Background(), cfg)
	if err != nil {
		t.Fatalf("RunAgent: %v", err)
	}
	if res.Success || res.ExitCode != 5 {
		t.Errorf("result = %+v", res)
	}
	if strings.TrimSpace(res.Stdout) != "done" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if r.IsAgentRunning("agent-1") {
		t.Error("agent still tracked after run")
	}
	for _, sb := range m.ListSandboxes() {
		if sb.Status == sandbox.StatusRunning {
			t.Error("sandbox left running after run")
		}
	}
}

func TestRunAgentStreaming(t *testing.T) {
	r, _ := newTestRunner(t)
	cfg := customConfig("agent-1")
	cfg.RunCommand = "echo streamed"

	var stdout strings.Builder
	res, err := r.RunAgentStreaming(context.Background(), cfg, sandbox.StreamCallbacks{
		OnStdout: func(data []byte) { stdout.Write(data) },
	})
	if err != nil {
		t.Fatalf("RunAgentStreaming: %v", err)
	}
	if !res.Success || strings.TrimSpace(stdout.String()) != "streamed" {
		t.Errorf("res=%+v stdout=%q", res, stdout.String())
	}
}

func TestExecuteInAgent(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	if _, err := r.StartAgent(ctx, customConfig("agent-1")); err != nil {
		t.Fatal(err)
	}

	res, err := r.ExecuteInAgent(ctx, "agent-1", "echo inside", sandbox.ExecRequest{})
	if err != nil {
		t.Fatalf("ExecuteInAgent: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "inside" {
		t.Errorf("stdout = %q", res.Stdout)
	}

	if _, err := r.ExecuteInAgent(ctx, "ghost", "true", sandbox.ExecRequest{}); err == nil {
		t.Error("exec in unknown agent should fail")
	}
}

func TestStopAllAgents(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.StartAgent(ctx, customConfig(id)); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(r.ListRunningAgents()); got != 3 {
		t.Fatalf("running = %d, want 3", got)
	}
	if err := r.StopAllAgents(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(r.ListRunningAgents()); got != 0 {
		t.Errorf("running after stop all = %d", got)
	}
}

func TestSandboxTimeoutDropsAgent(t *testing.T) {
	provider := sandbox.NewLocalProvider(t.TempDir())
	logger := log.New(io.Discard, "", 0)
	var r *Runner
	m := sandbox.NewManager(provider, logger,
		sandbox.WithEventSubscriber(func(ev sandbox.Event) { r.HandleSandboxEvent(ev) }))
	r = NewRunner(m, logger)

	cfg := customConfig("agent-1")
	cfg.TimeoutSeconds = 1
	if _, err := r.StartAgent(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for r.IsAgentRunning("agent-1") {
		if time.Now().After(deadline) {
			t.Fatal("agent record not dropped after sandbox timeout")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
