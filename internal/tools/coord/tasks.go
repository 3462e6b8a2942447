package coord

import (
	"context"
	"encoding/json"
	"errors"
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

// registerListTasks registers the list_tasks tool.
func registerListTasks(s *server.MCPServer, st *store.Store, pol *policy.Policy, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List project tasks ordered by priority. Filter by status, priority, or assignee."),
			mcp.WithString("status", mcp.Description("Filter by status"), mcp.Enum("pending", "claimed", "in_progress", "completed", "failed", "blocked", "cancelled")),
			mcp.WithString("priority", mcp.Description("Filter by priority"), mcp.Enum("critical", "high", "medium", "low")),
			mcp.WithString("assignedTo", mcp.Description("Filter by assigned agent id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			filter := store.TaskFilter{}
			if v, ok := args["status"].(string); ok {
				filter.Status = domain.TaskStatus(v)
			}
			if v, ok := args["priority"].(string); ok {
				filter.Priority = domain.TaskPriority(v)
			}
			if v, ok := args["assignedTo"].(string); ok {
				filter.AssignedTo = v
			}

			tasks, err := st.ListTasks(pol.ProjectID(), filter)
			if err != nil {
				return nil, err
			}
			if len(tasks) == 0 {
				return mcp.NewToolResultText("[]"), nil
			}
			data, err := json.MarshalIndent(tasks, "", "  ")
			if err != nil {
				return nil, err
			}
			logger.Printf("Listed %d tasks", len(tasks))
			return mcp.NewToolResultText(string(data)), nil
		},
	)
}

// registerGetTask registers the get_task tool.
func registerGetTask(s *server.MCPServer, st *store.Store, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Get one task by id."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("Task id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, err := requireString(req.GetArguments(), "taskId")
			if err != nil {
				return nil, err
			}
			task, err := st.GetTask(taskID)
			if errors.Is(err, store.ErrNotFound) {
				return mcp.NewToolResultError(fmt.Sprintf("Task %s not found", taskID)), nil
			}
			if err != nil {
				return nil, err
			}
			data, err := json.MarshalIndent(task, "", "  ")
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(string(data)), nil
		},
	)
}

// registerClaimTask registers the claim_task tool. A successful claim
// records task history and returns the rendered context bundle; the
// welcome message is prepended on the agent's first task and a
// checkpoint marker is appended every N claims.
func registerClaimTask(s *server.MCPServer, st *store.Store, pol *policy.Policy, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("claim_task",
			mcp.WithDescription("Claim a pending task. Exactly one concurrent claimant wins; the winner receives the full task context."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("Task id to claim")),
			mcp.WithString("agentId", mcp.Required(), mcp.Description("Claiming agent id")),
			mcp.WithString("agentType", mcp.Description("Agent type, e.g. claude-code")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			taskID, err := requireString(args, "taskId")
			if err != nil {
				return nil, err
			}
			agentID, err := requireString(args, "agentId")
			if err != nil {
				return nil, err
			}
			agentType, _ := args["agentType"].(string)

			task, err := st.ClaimTask(taskID, agentID)
			if errors.Is(err, store.ErrNotFound) {
				return mcp.NewToolResultError(fmt.Sprintf("Failed to claim task %s: not found", taskID)), nil
			}
			if errors.Is(err, store.ErrAlreadyClaimed) {
				return mcp.NewToolResultError(fmt.Sprintf("Failed to claim task %s: already claimed or not pending", taskID)), nil
			}
			if err != nil {
				return nil, err
			}

			claims, err := st.RecordTaskClaim(pol.ProjectID(), agentID, taskID, agentType)
			if err != nil {
				return nil, err
			}
			ob, err := st.GetOnboarding(pol.ProjectID())
			if err != nil {
				return nil, err
			}
			bundle, err := buildContextBundle(st, pol, ob, task, agentID)
			if err != nil {
				return nil, err
			}
			bundle.IsFirstTask = claims == 1

			var sb strings.Builder
			if bundle.IsFirstTask && ob != nil && ob.WelcomeMessage != "" {
				sb.WriteString(ob.WelcomeMessage + "\n\n")
			}
			sb.WriteString(renderBundle(bundle, pol.AutoRefreshContext()))
			cp, err := st.LatestCheckpoint(pol.ProjectID(), agentID)
			if err != nil {
				return nil, err
			}
			if cp != nil && cp.Type == domain.CheckpointContextExhaustion {
				writeCheckpointResume(&sb, cp)
			}
			if n := checkpointCadence(ob, pol); n > 0 && claims%int64(n) == 0 {
				sb.WriteString(fmt.Sprintf("\n---\nCheckpoint: this is your claim #%d. Save a checkpoint of your progress before continuing.\n", claims))
			}

			logger.Printf("Task %s claimed by %s (claim #%d)", taskID, agentID, claims)
			return mcp.NewToolResultText(sb.String()), nil
		},
	)
}

func checkpointCadence(ob *domain.Onboarding, pol *policy.Policy) int {
	if ob != nil && ob.CheckpointEveryNTasks > 0 {
		return ob.CheckpointEveryNTasks
	}
	return pol.CheckpointEveryNTasks()
}

// registerUpdateTask registers the update_task tool. Notes are appended
// to the task's metadata without clobbering other keys. Moving a task
// to in_progress runs overlap detection against the other active tasks
// and records any conflicts.
func registerUpdateTask(s *server.MCPServer, st *store.Store, pol *policy.Policy, det *conflict.Detector, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("update_task",
			mcp.WithDescription("Update a task's status, record token usage, or note blockers."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("Task id")),
			mcp.WithString("status", mcp.Required(), mcp.Description("New status"), mcp.Enum("claimed", "in_progress", "completed", "failed", "blocked", "cancelled", "pending")),
			mcp.WithString("notes", mcp.Description("Progress notes, appended to previous notes")),
			mcp.WithNumber("tokensUsed", mcp.Description("Actual tokens consumed so far")),
			mcp.WithArray("blockedBy", mcp.Description("Task ids blocking this task")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			taskID, err := requireString(args, "taskId")
			if err != nil {
				return nil, err
			}
			statusStr, err := requireString(args, "status")
			if err != nil {
				return nil, err
			}
			status := domain.TaskStatus(statusStr)

			upd := store.TaskUpdate{Status: &status}
			if v, ok := args["tokensUsed"].(float64); ok {
				tokens := int64(v)
				upd.ActualTokens = &tokens
			}
			if blocked := optionalStrings(args, "blockedBy"); blocked != nil {
				upd.BlockedBy = blocked
			}
			if notes, ok := args["notes"].(string); ok && notes != "" {
				existing, err := st.GetTask(taskID)
				if errors.Is(err, store.ErrNotFound) {
					return mcp.NewToolResultError(fmt.Sprintf("Task %s not found", taskID)), nil
				}
				if err != nil {
					return nil, err
				}
				if prev := existing.Metadata["notes"]; prev != "" {
					notes = prev + "\n" + notes
				}
				upd.Metadata = map[string]string{"notes": notes}
			}

			task, err := st.UpdateTask(taskID, upd)
			if errors.Is(err, store.ErrNotFound) {
				return mcp.NewToolResultError(fmt.Sprintf("Task %s not found", taskID)), nil
			}
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Task %s updated: status=%s", taskID, task.Status)

			if task.Status == domain.TaskInProgress && det != nil {
				active, err := st.ListTasks(pol.ProjectID(), store.TaskFilter{Status: domain.TaskInProgress})
				if err != nil {
					return nil, err
				}
				for _, c := range det.DetectOverlappingTasks(active, pol.ProjectID()) {
					if err := st.SaveConflict(c); err != nil {
						logger.Printf("Warning: save conflict for %s: %v", c.Path, err)
						continue
					}
					fmt.Fprintf(&sb, "\nWarning: %s is also touched by tasks %s",
						c.Path, strings.Join(c.TaskIDs, ", "))
				}
			}

			logger.Printf("Task %s updated to %s", taskID, task.Status)
			return mcp.NewToolResultText(sb.String()), nil
		},
	)
}
