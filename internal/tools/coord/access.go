package coord

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/conductorhq/conductor/internal/domain"
	"github.com/conductorhq/conductor/internal/policy"
	"github.com/conductorhq/conductor/internal/store"
)

// accessRequestMaxAge is how long a pending request stays in the queue
// before it expires.
const accessRequestMaxAge = 24 * time.Hour

// registerRequestAccess registers the request_access tool. Requests are
// idempotent: an approved agent short-circuits, a pending request is
// returned with its queue position, denied and expired surface their
// outcome.
func registerRequestAccess(s *server.MCPServer, st *store.Store, pol *policy.Policy, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("request_access",
			mcp.WithDescription("Request membership in the project. Approval is manual; poll check_access for the outcome."),
			mcp.WithString("agentId", mcp.Required(), mcp.Description("Requesting agent id")),
			mcp.WithString("agentName", mcp.Description("Human-readable agent name")),
			mcp.WithString("agentType", mcp.Description("Agent type, e.g. claude-code")),
			mcp.WithArray("capabilities", mcp.Description("Capabilities offered, e.g. [\"go\", \"sql\"]")),
			mcp.WithString("requestedRole", mcp.Description("Role requested (default contributor)"), mcp.Enum("lead", "contributor", "reviewer", "observer")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentID, err := requireString(args, "agentId")
			if err != nil {
				return nil, err
			}
			if _, err := st.ExpireOldRequests(pol.ProjectID(), accessRequestMaxAge); err != nil {
				return nil, err
			}

			approved, err := st.HasApprovedAccess(pol.ProjectID(), agentID)
			if err != nil {
				return nil, err
			}
			if approved {
				return mcp.NewToolResultText("Access already approved"), nil
			}

			latest, err := st.LatestAccessRequest(pol.ProjectID(), agentID)
			if err != nil {
				return nil, err
			}
			if latest != nil {
				switch latest.Status {
				case domain.AccessDenied:
					reason := latest.DenialReason
					if reason == "" {
						reason = "no reason given"
					}
					return mcp.NewToolResultError(fmt.Sprintf("Access denied: %s", reason)), nil
				case domain.AccessExpired:
					// Fall through and file a fresh request.
				}
			}

			r, err := st.CreateAccessRequest(&domain.AccessRequest{
				ProjectID:     pol.ProjectID(),
				AgentID:       agentID,
				AgentName:     stringArg(args, "agentName"),
				AgentType:     stringArg(args, "agentType"),
				Capabilities:  optionalStrings(args, "capabilities"),
				RequestedRole: domain.AccessRole(stringArg(args, "requestedRole")),
			})
			if err != nil {
				return nil, err
			}
			pos, err := st.PendingQueuePosition(pol.ProjectID(), r.ID)
			if err != nil {
				return nil, err
			}
			logger.Printf("Access request %s filed for %s (queue position %d)", r.ID, agentID, pos)
			return mcp.NewToolResultText(fmt.Sprintf(
				"Access request pending (position %d in queue). Poll check_access for the outcome.", pos)), nil
		},
	)
}

// registerCheckAccess registers the check_access tool.
func registerCheckAccess(s *server.MCPServer, st *store.Store, pol *policy.Policy, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("check_access",
			mcp.WithDescription("Check the outcome of an access request: APPROVED, PENDING, DENIED, or EXPIRED."),
			mcp.WithString("agentId", mcp.Required(), mcp.Description("Agent id to check")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			agentID, err := requireString(req.GetArguments(), "agentId")
			if err != nil {
				return nil, err
			}
			if _, err := st.ExpireOldRequests(pol.ProjectID(), accessRequestMaxAge); err != nil {
				return nil, err
			}

			latest, err := st.LatestAccessRequest(pol.ProjectID(), agentID)
			if err != nil {
				return nil, err
			}
			if latest == nil {
				return mcp.NewToolResultText("No access request found. Call request_access first."), nil
			}
			switch latest.Status {
			case domain.AccessApproved:
				if !latest.ExpiresAt.IsZero() && time.Now().After(latest.ExpiresAt) {
					return mcp.NewToolResultText("EXPIRED: approval lapsed, request access again"), nil
				}
				return mcp.NewToolResultText("APPROVED"), nil
			case domain.AccessPending:
				pos, err := st.PendingQueuePosition(pol.ProjectID(), latest.ID)
				if err != nil {
					return nil, err
				}
				return mcp.NewToolResultText(fmt.Sprintf("PENDING (position %d in queue)", pos)), nil
			case domain.AccessDenied:
				reason := latest.DenialReason
				if reason == "" {
					reason = "no reason given"
				}
				return mcp.NewToolResultText(fmt.Sprintf("DENIED: %s", reason)), nil
			default:
				return mcp.NewToolResultText("EXPIRED: request timed out, request access again"), nil
			}
		},
	)
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}
