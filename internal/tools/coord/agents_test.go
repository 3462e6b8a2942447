package coord

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/domain"
)

func TestHeartbeatUpdatesStatus(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-a")

	res, err := callTool(t, f.srv, "heartbeat", map[string]any{
		"agentId": "agent-a", "status": "working",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("heartbeat failed: %s", resultText(t, res))
	}

	agent, err := f.st.GetAgent("agent-a")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != domain.AgentWorking {
		t.Errorf("status = %s, want working", agent.Status)
	}
	if time.Since(agent.LastHeartbeat) > time.Minute {
		t.Errorf("heartbeat not touched: %v", agent.LastHeartbeat)
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	f := newFixture(t)
	res, err := callTool(t, f.srv, "heartbeat", map[string]any{"agentId": "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("unknown agent heartbeat should be an error result")
	}
}

func TestListAgentsRoster(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-a")
	f.seedAgent(t, "agent-b")

	res, err := callTool(t, f.srv, "list_agents", nil)
	if err != nil {
		t.Fatal(err)
	}
	var agents []*domain.Agent
	if err := json.Unmarshal([]byte(resultText(t, res)), &agents); err != nil {
		t.Fatalf("roster should be JSON: %v", err)
	}
	if len(agents) != 2 {
		t.Errorf("roster size = %d", len(agents))
	}
}

func TestHealthStatusClassifications(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-fresh")
	// Back-date one agent past the critical threshold via re-register.
	if err := f.st.RegisterAgent(&domain.Agent{
		ID:            "agent-stale",
		ProjectID:     "proj-1",
		Name:          "agent-stale",
		Status:        domain.AgentWorking,
		LastHeartbeat: time.Now().Add(-400 * time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := callTool(t, f.srv, "health_status", nil)
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, "agent-fresh: healthy") {
		t.Errorf("fresh agent line missing: %q", text)
	}
	if !strings.Contains(text, "agent-stale: critical") {
		t.Errorf("stale agent line missing: %q", text)
	}
}
