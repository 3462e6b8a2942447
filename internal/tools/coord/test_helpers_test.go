package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/conductorhq/conductor/internal/domain"
	"github.com/conductorhq/conductor/internal/policy"
	"github.com/conductorhq/conductor/internal/store"
)

// fixture is a server wired against a temp store with one project.
type fixture struct {
	st  *store.Store
	pol *policy.Policy
	srv *server.MCPServer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.CreateProject(&domain.Project{
		ID:    "proj-1",
		OrgID: "org-1",
		Name:  "Conductor Demo",
		Budget: &domain.Budget{
			Total:          100,
			Currency:       "USD",
			AlertThreshold: 0.8,
		},
	}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	cfg := policy.DefaultConfig()
	cfg.ProjectID = "proj-1"
	cfg.Zones = []domain.Zone{
		{Pattern: "api/**", Owner: "agent-a"},
		{Pattern: "docs/**", ReadOnly: true},
	}
	pol := policy.New(cfg)

	logger := log.New(io.Discard, "", 0)
	srv := server.NewMCPServer("test", "1.0.0")
	Register(srv, st, pol, logger)
	return &fixture{st: st, pol: pol, srv: srv}
}

func (f *fixture) seedAgent(t *testing.T, id string) {
	t.Helper()
	if err := f.st.RegisterAgent(&domain.Agent{
		ID:            id,
		ProjectID:     "proj-1",
		Name:          id,
		Status:        domain.AgentIdle,
		CostPerMIn:    3,
		CostPerMOut:   15,
		LastHeartbeat: time.Now(),
	}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
}

func (f *fixture) seedTask(t *testing.T, id, title string, files ...string) {
	t.Helper()
	if err := f.st.CreateTask(&domain.Task{
		ID:        id,
		ProjectID: "proj-1",
		Title:     title,
		Files:     files,
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
}

// callTool calls a registered tool via the MCPServer's HandleMessage.
// Returns the parsed CallToolResult or an error.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	respJSON := s.HandleMessage(context.Background(), reqJSON)

	respBytes, marshalErr := json.Marshal(respJSON)
	if marshalErr != nil {
		t.Fatalf("marshal response: %v", marshalErr)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}

	return &result, nil
}

// resultText extracts the first text content from a CallToolResult.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("result is nil")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

// readResource reads a resource via the MCPServer's HandleMessage and
// returns its text payload.
func readResource(t *testing.T, s *server.MCPServer, uri string) string {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "resources/read",
		"params":  map[string]any{"uri": uri},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	respJSON := s.HandleMessage(context.Background(), reqJSON)
	respBytes, err := json.Marshal(respJSON)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Contents []struct {
				Text string `json:"text"`
			} `json:"contents"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("resource read failed: %s", resp.Error.Message)
	}
	if len(resp.Result.Contents) == 0 {
		t.Fatal("no resource contents")
	}
	return resp.Result.Contents[0].Text
}
