package coord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/conductorhq/conductor/internal/domain"
	"github.com/conductorhq/conductor/internal/policy"
	"github.com/conductorhq/conductor/internal/store"
)

// registerReportUsage registers the report_usage tool. Cost is computed
// from the agent's per-million-token rates; the event insert and the
// budget increment commit together. An exceeded budget is reported, not
// fatal.
func registerReportUsage(s *server.MCPServer, st *store.Store, pol *policy.Policy, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("report_usage",
			mcp.WithDescription("Report token usage for cost accounting. Call after each unit of work."),
			mcp.WithString("agentId", mcp.Required(), mcp.Description("Reporting agent id")),
			mcp.WithNumber("tokensInput", mcp.Required(), mcp.Description("Input tokens consumed")),
			mcp.WithNumber("tokensOutput", mcp.Required(), mcp.Description("Output tokens produced")),
			mcp.WithString("taskId", mcp.Description("Task the usage belongs to")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentID, err := requireString(args, "agentId")
			if err != nil {
				return nil, err
			}
			tokensIn, err := requireFloat64(args, "tokensInput")
			if err != nil {
				return nil, err
			}
			tokensOut, err := requireFloat64(args, "tokensOutput")
			if err != nil {
				return nil, err
			}
			taskID, _ := args["taskId"].(string)

			agent, err := st.GetAgent(agentID)
			if errors.Is(err, store.ErrNotFound) {
				return mcp.NewToolResultError(fmt.Sprintf("Agent %s not registered", agentID)), nil
			}
			if err != nil {
				return nil, err
			}

			cost := tokensIn/1e6*agent.CostPerMIn + tokensOut/1e6*agent.CostPerMOut
			if err := st.RecordCost(&domain.CostEvent{
				ID:           uuid.NewString(),
				ProjectID:    pol.ProjectID(),
				AgentID:      agentID,
				TaskID:       taskID,
				Model:        agent.Model,
				InputTokens:  int64(tokensIn),
				OutputTokens: int64(tokensOut),
				CostUSD:      cost,
				Timestamp:    time.Now(),
			}); err != nil {
				return nil, err
			}

			budget, err := st.GetBudget(pol.ProjectID())
			if err != nil {
				return nil, err
			}
			text := fmt.Sprintf("Recorded $%.4f for %s", cost, agentID)
			if budget != nil {
				text += fmt.Sprintf("; project spend $%.2f of $%.2f (%.1f%%)",
					budget.Spent, budget.Total, budget.PercentUsed())
				if budget.Spent > budget.Total && budget.Total > 0 {
					text += " - BUDGET EXCEEDED"
				}
			}
			logger.Printf("Usage: %s in=%d out=%d cost=$%.4f", agentID, int64(tokensIn), int64(tokensOut), cost)
			return mcp.NewToolResultText(text), nil
		},
	)
}

// registerGetBudget registers the get_budget tool.
func registerGetBudget(s *server.MCPServer, st *store.Store, pol *policy.Policy, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("get_budget",
			mcp.WithDescription("Get the project's current spend against its budget."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			budget, err := st.GetBudget(pol.ProjectID())
			if err != nil {
				return nil, err
			}
			if budget == nil {
				return mcp.NewToolResultText("No budget configured for this project"), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf(
				"Spent $%.2f of $%.2f (%.1f%%), remaining $%.2f",
				budget.Spent, budget.Total, budget.PercentUsed(), budget.Remaining())), nil
		},
	)
}
