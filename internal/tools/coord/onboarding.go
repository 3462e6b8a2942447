package coord

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/conductorhq/conductor/internal/conflict"
	"github.com/conductorhq/conductor/internal/domain"
	"github.com/conductorhq/conductor/internal/policy"
	"github.com/conductorhq/conductor/internal/store"
)

// registerRefreshContext registers the refresh_context tool. It rebuilds
// the context bundle for the agent's current task and surfaces the
// latest context-exhaustion checkpoint when one exists.
func registerRefreshContext(s *server.MCPServer, st *store.Store, pol *policy.Policy, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("refresh_context",
			mcp.WithDescription("Re-fetch the project context bundle for your current task. Use when your context has gone stale."),
			mcp.WithString("agentId", mcp.Required(), mcp.Description("Agent id")),
			mcp.WithString("agentType", mcp.Description("Agent type")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			agentID, err := requireString(req.GetArguments(), "agentId")
			if err != nil {
				return nil, err
			}

			current, err := currentTask(st, pol.ProjectID(), agentID)
			if err != nil {
				return nil, err
			}
			if current == nil {
				return mcp.NewToolResultText("No active task. Claim a task first."), nil
			}
			ob, err := st.GetOnboarding(pol.ProjectID())
			if err != nil {
				return nil, err
			}
			bundle, err := buildContextBundle(st, pol, ob, current, agentID)
			if err != nil {
				return nil, err
			}

			var sb strings.Builder
			sb.WriteString(renderBundle(bundle, false))
			cp, err := st.LatestCheckpoint(pol.ProjectID(), agentID)
			if err != nil {
				return nil, err
			}
			if cp != nil && cp.Type == domain.CheckpointContextExhaustion {
				writeCheckpointResume(&sb, cp)
			}
			logger.Printf("Context refreshed for %s (task %s)", agentID, current.ID)
			return mcp.NewToolResultText(sb.String()), nil
		},
	)
}

// currentTask returns the agent's claimed or in-progress task, newest
// claim first, or nil when the agent has none.
func currentTask(st *store.Store, projectID, agentID string) (*domain.Task, error) {
	for _, status := range []domain.TaskStatus{domain.TaskInProgress, domain.TaskClaimed} {
		tasks, err := st.ListTasks(projectID, store.TaskFilter{Status: status, AssignedTo: agentID})
		if err != nil {
			return nil, err
		}
		if len(tasks) > 0 {
			return tasks[0], nil
		}
	}
	return nil, nil
}

// registerGetOnboardingConfig registers the get_onboarding_config tool.
func registerGetOnboardingConfig(s *server.MCPServer, st *store.Store, pol *policy.Policy, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("get_onboarding_config",
			mcp.WithDescription("Read the project's onboarding configuration."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			ob, err := st.GetOnboarding(pol.ProjectID())
			if err != nil {
				return nil, err
			}
			if ob == nil {
				return mcp.NewToolResultText("No onboarding configuration set for this project"), nil
			}
			var sb strings.Builder
			if ob.WelcomeMessage != "" {
				fmt.Fprintf(&sb, "Welcome message: %s\n", ob.WelcomeMessage)
			}
			if ob.CurrentFocus != "" {
				fmt.Fprintf(&sb, "Current focus: %s\n", ob.CurrentFocus)
			}
			writeList(&sb, "Project Goals", ob.ProjectGoals)
			if ob.AgentInstructions != "" {
				fmt.Fprintf(&sb, "\nInstructions: %s\n", ob.AgentInstructions)
			}
			if ob.StyleGuide != "" {
				fmt.Fprintf(&sb, "Style guide: %s\n", ob.StyleGuide)
			}
			writeList(&sb, "Checkpoint Rules", ob.CheckpointRules)
			fmt.Fprintf(&sb, "\nCheckpoint every %d tasks, auto refresh %v\n",
				checkpointCadence(ob, pol), ob.AutoRefreshContext)
			return mcp.NewToolResultText(sb.String()), nil
		},
	)
}

// registerGetZones registers the get_zones tool. Active locks are
// listed alongside the zones so agents see the full picture of what is
// off limits.
func registerGetZones(s *server.MCPServer, st *store.Store, pol *policy.Policy, zones *conflict.ZoneManager, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("get_zones",
			mcp.WithDescription("List the repository zones (glob pattern, owner, read-only flag; first match wins) and the currently held file locks."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var sb strings.Builder
			list := zones.Zones()
			if len(list) == 0 {
				sb.WriteString("No zones configured\n")
			}
			for _, z := range list {
				line := z.Pattern
				if z.Owner != "" {
					line += " owner=" + z.Owner
				}
				if z.ReadOnly {
					line += " readonly"
				}
				sb.WriteString(line + "\n")
			}

			locks, err := st.ListLocks(pol.ProjectID())
			if err != nil {
				return nil, err
			}
			if len(locks) > 0 {
				sb.WriteString("\nActive locks:\n")
				for _, l := range locks {
					fmt.Fprintf(&sb, "%s locked by %s\n", l.Path, l.AgentID)
				}
			}
			return mcp.NewToolResultText(sb.String()), nil
		},
	)
}
