// Package coord exposes the coordination tool surface over MCP. Every
// tool is stateless; all authority lives in the store.
package coord

import (
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/conductorhq/conductor/internal/conflict"
	"github.com/conductorhq/conductor/internal/health"
	"github.com/conductorhq/conductor/internal/policy"
	"github.com/conductorhq/conductor/internal/store"
)

// RegisterOption configures optional dependencies for tool registration.
type RegisterOption func(*registerOpts)

type registerOpts struct {
	monitor  *health.Monitor
	detector *conflict.Detector
}

// WithHealthMonitor shares the running monitor with the health_status
// tool, so the tool reports the monitor's cached classifications.
func WithHealthMonitor(m *health.Monitor) RegisterOption {
	return func(o *registerOpts) { o.monitor = m }
}

// WithDetector sets the conflict detector used by update_task overlap
// reporting. Defaults to one rooted at the workspace.
func WithDetector(d *conflict.Detector) RegisterOption {
	return func(o *registerOpts) { o.detector = d }
}

// Register registers the coordination tools and the project status
// resource with the mcp-go server.
func Register(s *server.MCPServer, st *store.Store, pol *policy.Policy, logger *log.Logger, opts ...RegisterOption) {
	var o registerOpts
	for _, opt := range opts {
		opt(&o)
	}
	mon := o.monitor
	if mon == nil {
		hc := pol.Health()
		mon = health.NewMonitor(st, pol.ProjectID(), logger,
			health.WithThresholds(secs(hc.WarningSeconds), secs(hc.CriticalSeconds), secs(hc.OfflineSeconds)))
	}
	det := o.detector
	if det == nil {
		det = &conflict.Detector{RepoDir: pol.WorkspaceRoot()}
	}
	zones := conflict.NewZoneManager(pol.Zones())

	// Task tools (4)
	registerListTasks(s, st, pol, logger)
	registerGetTask(s, st, logger)
	registerClaimTask(s, st, pol, logger)
	registerUpdateTask(s, st, pol, det, logger)

	// File lock tools (3)
	registerLockFile(s, st, pol, zones, logger)
	registerUnlockFile(s, st, pol, logger)
	registerCheckLocks(s, st, pol, logger)

	// Usage and budget tools (2)
	registerReportUsage(s, st, pol, logger)
	registerGetBudget(s, st, pol, logger)

	// Agent tools (3)
	registerHeartbeat(s, st, logger)
	registerListAgents(s, st, pol, logger)
	registerHealthStatus(s, st, pol, mon, logger)

	// Access tools (2)
	registerRequestAccess(s, st, pol, logger)
	registerCheckAccess(s, st, pol, logger)

	// Onboarding tools (3)
	registerRefreshContext(s, st, pol, logger)
	registerGetOnboardingConfig(s, st, pol, logger)
	registerGetZones(s, st, pol, zones, logger)

	// Resources (project status snapshot)
	registerResources(s, st, logger)
}
