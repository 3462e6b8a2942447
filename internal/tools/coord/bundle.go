package coord

import (
	"fmt"
	"strings"

	"github.com/conductorhq/conductor/internal/domain"
	"github.com/conductorhq/conductor/internal/policy"
	"github.com/conductorhq/conductor/internal/store"
)

// buildContextBundle assembles the onboarding payload for one claimed
// task. Related tasks are the task's dependencies plus any other
// claimed or in-progress task sharing a file, deduplicated, with the
// current task excluded.
func buildContextBundle(st *store.Store, pol *policy.Policy, ob *domain.Onboarding, task *domain.Task, agentID string) (*domain.ContextBundle, error) {
	proj, err := st.GetProject(pol.ProjectID())
	if err != nil {
		return nil, err
	}

	related := make(map[string]bool)
	for _, dep := range task.Dependencies {
		related[dep] = true
	}
	for _, status := range []domain.TaskStatus{domain.TaskInProgress, domain.TaskClaimed} {
		others, err := st.ListTasks(pol.ProjectID(), store.TaskFilter{Status: status})
		if err != nil {
			return nil, err
		}
		for _, other := range others {
			if other.ID == task.ID {
				continue
			}
			if sharesFile(task.Files, other.Files) {
				related[other.ID] = true
			}
		}
	}
	delete(related, task.ID)
	var relatedIDs []string
	for id := range related {
		relatedIDs = append(relatedIDs, id)
	}

	bundle := &domain.ContextBundle{
		ProjectName: proj.Name,
		TaskContext: domain.TaskContext{
			TaskID:        task.ID,
			Title:         task.Title,
			Description:   task.Description,
			ExpectedFiles: task.Files,
			RelatedTasks:  relatedIDs,
		},
	}
	if ob != nil {
		bundle.CurrentFocus = ob.CurrentFocus
		bundle.ProjectGoals = ob.ProjectGoals
		bundle.AgentInstructions = ob.AgentInstructions
		bundle.StyleGuide = ob.StyleGuide
		bundle.CheckpointRules = ob.CheckpointRules
		bundle.AllowedPaths = ob.AllowedPaths
		bundle.DeniedPaths = ob.DeniedPaths
		bundle.RelevantPatterns = ob.RelevantPatterns
	}
	return bundle, nil
}

func sharesFile(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// renderBundle formats a context bundle as markdown for the claiming
// agent.
func renderBundle(b *domain.ContextBundle, refreshHint bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Project: %s\n", b.ProjectName)
	if b.CurrentFocus != "" {
		fmt.Fprintf(&sb, "\n## Current Focus\n%s\n", b.CurrentFocus)
	}
	writeList(&sb, "Project Goals", b.ProjectGoals)
	if b.AgentInstructions != "" {
		fmt.Fprintf(&sb, "\n## Instructions\n%s\n", b.AgentInstructions)
	}
	if b.StyleGuide != "" {
		fmt.Fprintf(&sb, "\n## Style Guide\n%s\n", b.StyleGuide)
	}
	writeList(&sb, "Checkpoint Rules", b.CheckpointRules)
	writeList(&sb, "Allowed Paths", b.AllowedPaths)
	writeList(&sb, "Denied Paths", b.DeniedPaths)
	writeList(&sb, "Relevant Patterns", b.RelevantPatterns)

	t := b.TaskContext
	fmt.Fprintf(&sb, "\n## Your Task: %s\n", t.Title)
	fmt.Fprintf(&sb, "Task ID: %s\n", t.TaskID)
	if t.Description != "" {
		fmt.Fprintf(&sb, "\n%s\n", t.Description)
	}
	writeList(&sb, "Expected Files", t.ExpectedFiles)
	writeList(&sb, "Related Tasks", t.RelatedTasks)

	if refreshHint {
		sb.WriteString("\nCall refresh_context if this context goes stale mid-task.\n")
	}
	return sb.String()
}

// writeCheckpointResume appends the resume section for a
// context-exhaustion checkpoint so the agent can pick up where its
// previous incarnation ran out of context.
func writeCheckpointResume(sb *strings.Builder, cp *domain.AgentCheckpoint) {
	sb.WriteString("\n## Resuming From Checkpoint\n")
	writeList(sb, "Completed Steps", cp.Context.CompletedSteps)
	writeList(sb, "Next Steps", cp.Context.NextSteps)
	writeList(sb, "Blockers", cp.Context.Blockers)
}

func writeList(sb *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n## %s\n", heading)
	for _, item := range items {
		fmt.Fprintf(sb, "- %s\n", item)
	}
}
