package coord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/conductorhq/conductor/internal/conflict"
	"github.com/conductorhq/conductor/internal/policy"
	"github.com/conductorhq/conductor/internal/store"
)

const defaultLockTTLSeconds = 300

// registerLockFile registers the lock_file tool. Zone rules are checked
// before the lock; a failed acquisition reports the current holder and
// expiry so callers can back off.
func registerLockFile(s *server.MCPServer, st *store.Store, pol *policy.Policy, zones *conflict.ZoneManager, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("lock_file",
			mcp.WithDescription("Take an exclusive TTL lock on a file before editing it. No waiting; poll with backoff on failure."),
			mcp.WithString("filePath", mcp.Required(), mcp.Description("Path relative to the workspace root")),
			mcp.WithString("agentId", mcp.Required(), mcp.Description("Locking agent id")),
			mcp.WithNumber("ttlSeconds", mcp.Description("Lock lifetime in seconds (default 300)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			rawPath, err := requireString(args, "filePath")
			if err != nil {
				return nil, err
			}
			agentID, err := requireString(args, "agentId")
			if err != nil {
				return nil, err
			}
			path, err := pol.ValidatePath(rawPath)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			if !zones.CanModify(path, agentID) {
				if owner := zones.GetFileOwner(path); owner != "" {
					return mcp.NewToolResultError(fmt.Sprintf(
						"File %s is in a zone owned by %s", path, owner)), nil
				}
				return mcp.NewToolResultError(fmt.Sprintf(
					"File %s is in a read-only zone", path)), nil
			}
			ttl := time.Duration(optionalFloat64(args, "ttlSeconds", defaultLockTTLSeconds)) * time.Second

			lock, err := st.AcquireLock(pol.ProjectID(), path, agentID, ttl)
			if errors.Is(err, store.ErrLockHeld) {
				return mcp.NewToolResultError(fmt.Sprintf(
					"File %s is locked by %s until %s", path, lock.AgentID,
					lock.ExpiresAt.Format(time.RFC3339))), nil
			}
			if err != nil {
				return nil, err
			}

			logger.Printf("Lock acquired: %s by %s (ttl %s)", path, agentID, ttl)
			return mcp.NewToolResultText(fmt.Sprintf("Locked %s until %s",
				path, lock.ExpiresAt.Format(time.RFC3339))), nil
		},
	)
}

// registerUnlockFile registers the unlock_file tool.
func registerUnlockFile(s *server.MCPServer, st *store.Store, pol *policy.Policy, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("unlock_file",
			mcp.WithDescription("Release a file lock you hold. Releasing someone else's lock is a no-op."),
			mcp.WithString("filePath", mcp.Required(), mcp.Description("Path relative to the workspace root")),
			mcp.WithString("agentId", mcp.Required(), mcp.Description("Agent id that holds the lock")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			rawPath, err := requireString(args, "filePath")
			if err != nil {
				return nil, err
			}
			agentID, err := requireString(args, "agentId")
			if err != nil {
				return nil, err
			}
			path, err := pol.ValidatePath(rawPath)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}

			released, err := st.ReleaseLock(pol.ProjectID(), path, agentID)
			if err != nil {
				return nil, err
			}
			if !released {
				return mcp.NewToolResultText(fmt.Sprintf("No lock on %s held by %s", path, agentID)), nil
			}
			logger.Printf("Lock released: %s by %s", path, agentID)
			return mcp.NewToolResultText(fmt.Sprintf("Unlocked %s", path)), nil
		},
	)
}

// registerCheckLocks registers the check_locks tool.
func registerCheckLocks(s *server.MCPServer, st *store.Store, pol *policy.Policy, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("check_locks",
			mcp.WithDescription("Check lock status for a set of files."),
			mcp.WithArray("filePaths", mcp.Required(), mcp.Description("Paths to check")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			paths := optionalStrings(req.GetArguments(), "filePaths")
			if len(paths) == 0 {
				return nil, fmt.Errorf("filePaths is required")
			}

			var sb strings.Builder
			for _, rawPath := range paths {
				path, err := pol.ValidatePath(rawPath)
				if err != nil {
					fmt.Fprintf(&sb, "%s: invalid path\n", rawPath)
					continue
				}
				lock, err := st.CheckLock(pol.ProjectID(), path)
				if err != nil {
					return nil, err
				}
				if lock == nil {
					fmt.Fprintf(&sb, "%s: unlocked\n", path)
					continue
				}
				fmt.Fprintf(&sb, "%s: locked by %s until %s\n",
					path, lock.AgentID, lock.ExpiresAt.Format(time.RFC3339))
			}
			return mcp.NewToolResultText(sb.String()), nil
		},
	)
}
