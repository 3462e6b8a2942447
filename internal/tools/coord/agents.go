package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/conductorhq/conductor/internal/domain"
	"github.com/conductorhq/conductor/internal/health"
	"github.com/conductorhq/conductor/internal/policy"
	"github.com/conductorhq/conductor/internal/store"
)

// registerHeartbeat registers the heartbeat tool. The heartbeat always
// touches lastHeartbeat; a status argument updates it in the same write.
func registerHeartbeat(s *server.MCPServer, st *store.Store, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("heartbeat",
			mcp.WithDescription("Signal liveness. Call at least every two minutes to stay healthy."),
			mcp.WithString("agentId", mcp.Required(), mcp.Description("Agent id")),
			mcp.WithString("status", mcp.Description("New agent status"), mcp.Enum("idle", "working", "blocked", "offline")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentID, err := requireString(args, "agentId")
			if err != nil {
				return nil, err
			}
			var status *domain.AgentStatus
			if v, ok := args["status"].(string); ok && v != "" {
				as := domain.AgentStatus(v)
				status = &as
			}
			if err := st.Heartbeat(agentID, status); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return mcp.NewToolResultError(fmt.Sprintf("Agent %s not registered", agentID)), nil
				}
				return nil, err
			}
			return mcp.NewToolResultText("Heartbeat recorded"), nil
		},
	)
}

// registerListAgents registers the list_agents tool.
func registerListAgents(s *server.MCPServer, st *store.Store, pol *policy.Policy, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List the project's agent roster with live heartbeat timestamps."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			agents, err := st.ListAgents(pol.ProjectID())
			if err != nil {
				return nil, err
			}
			if len(agents) == 0 {
				return mcp.NewToolResultText("[]"), nil
			}
			data, err := json.MarshalIndent(agents, "", "  ")
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(string(data)), nil
		},
	)
}

// registerHealthStatus registers the health_status tool. Classification
// uses the monitor's thresholds against the stored heartbeats.
func registerHealthStatus(s *server.MCPServer, st *store.Store, pol *policy.Policy, mon *health.Monitor, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("health_status",
			mcp.WithDescription("Classify every agent by heartbeat age: healthy, warning, critical, or offline."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			agents, err := st.ListAgents(pol.ProjectID())
			if err != nil {
				return nil, err
			}
			if len(agents) == 0 {
				return mcp.NewToolResultText("No agents registered"), nil
			}
			now := time.Now()
			var sb strings.Builder
			for _, a := range agents {
				if a.LastHeartbeat.IsZero() {
					fmt.Fprintf(&sb, "%s: %s (no heartbeat)\n", a.ID, mon.Classify(-1))
					continue
				}
				elapsed := now.Sub(a.LastHeartbeat)
				fmt.Fprintf(&sb, "%s: %s (%.0fs since heartbeat)\n",
					a.ID, mon.Classify(elapsed), elapsed.Seconds())
			}
			return mcp.NewToolResultText(sb.String()), nil
		},
	)
}
