package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/conductorhq/conductor/internal/domain"
	"github.com/conductorhq/conductor/internal/store"
)

// projectStatus is the JSON payload of the project status resource.
type projectStatus struct {
	Project *domain.Project `json:"project"`
	Tasks   taskCounts      `json:"tasks"`
	Agents  []*domain.Agent `json:"agents"`
	Budget  *budgetStatus   `json:"budget"`
}

type taskCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Claimed    int `json:"claimed"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Blocked    int `json:"blocked"`
}

type budgetStatus struct {
	Spent          float64 `json:"spent"`
	Total          float64 `json:"total"`
	PercentUsed    float64 `json:"percentUsed"`
	AlertThreshold float64 `json:"alertThreshold,omitempty"`
	Remaining      float64 `json:"remaining"`
}

// registerResources adds the project status resource template:
// project://{projectId}/status returns a JSON snapshot of project
// metadata, task counts, agent roster, and budget.
func registerResources(s *server.MCPServer, st *store.Store, logger *log.Logger) {
	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"project://{projectId}/status",
			"Project Status",
			mcp.WithTemplateDescription("Live project snapshot: task counts by status, agent roster, budget remaining."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			projectID := strings.TrimSuffix(strings.TrimPrefix(req.Params.URI, "project://"), "/status")
			if projectID == "" || strings.Contains(projectID, "/") {
				return nil, fmt.Errorf("malformed project status URI %q", req.Params.URI)
			}
			logger.Printf("Resource read: project %s status", projectID)

			snapshot, err := buildProjectStatus(st, projectID)
			if err != nil {
				return nil, err
			}
			data, err := json.MarshalIndent(snapshot, "", "  ")
			if err != nil {
				return nil, err
			}
			return []mcp.ResourceContents{
				mcp.TextResourceContents{
					URI:      req.Params.URI,
					MIMEType: "application/json",
					Text:     string(data),
				},
			}, nil
		},
	)
}

func buildProjectStatus(st *store.Store, projectID string) (*projectStatus, error) {
	proj, err := st.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	tasks, err := st.ListTasks(projectID, store.TaskFilter{})
	if err != nil {
		return nil, err
	}
	agents, err := st.ListAgents(projectID)
	if err != nil {
		return nil, err
	}
	if agents == nil {
		agents = []*domain.Agent{}
	}

	counts := taskCounts{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskPending:
			counts.Pending++
		case domain.TaskClaimed:
			counts.Claimed++
		case domain.TaskInProgress:
			counts.InProgress++
		case domain.TaskCompleted:
			counts.Completed++
		case domain.TaskFailed:
			counts.Failed++
		case domain.TaskBlocked:
			counts.Blocked++
		}
	}

	status := &projectStatus{Project: proj, Tasks: counts, Agents: agents}
	if proj.Budget != nil {
		status.Budget = &budgetStatus{
			Spent:          proj.Budget.Spent,
			Total:          proj.Budget.Total,
			PercentUsed:    proj.Budget.PercentUsed(),
			AlertThreshold: proj.Budget.AlertThreshold,
			Remaining:      proj.Budget.Remaining(),
		}
	}
	return status, nil
}
