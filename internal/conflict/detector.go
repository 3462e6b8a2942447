package conflict

import (
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/conductorhq/conductor/internal/domain"
)

// Action is what a caller should do about a conflict.
type Action string

const (
	ActionWait  Action = "wait"
	ActionMerge Action = "merge"
	ActionHuman Action = "human"
)

// Detector computes file contention. It is stateless; callers pass in
// the current task set.
type Detector struct {
	// RepoDir is the checkout inspected by IsFileSafeToModify. Empty
	// means git history checks always report safe.
	RepoDir string
}

// DetectOverlappingTasks groups in-progress tasks by file and reports a
// conflict for every file touched by two or more of them. Detected
// conflicts default to human review regardless of the project strategy.
// Unassigned tasks count toward the overlap but contribute no agent.
func (d *Detector) DetectOverlappingTasks(tasks []*domain.Task, projectID string) []*domain.FileConflict {
	byFile := make(map[string][]*domain.Task)
	for _, t := range tasks {
		if t.Status != domain.TaskInProgress || t.ProjectID != projectID {
			continue
		}
		for _, f := range t.Files {
			byFile[f] = append(byFile[f], t)
		}
	}

	paths := make([]string, 0, len(byFile))
	for p, group := range byFile {
		if len(group) >= 2 {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	var out []*domain.FileConflict
	for _, p := range paths {
		c := &domain.FileConflict{
			ProjectID:  projectID,
			Path:       p,
			Strategy:   domain.StrategyReview,
			DetectedAt: time.Now(),
		}
		for _, t := range byFile[p] {
			c.TaskIDs = append(c.TaskIDs, t.ID)
			if t.AssignedTo != "" {
				c.AgentIDs = append(c.AgentIDs, t.AssignedTo)
			}
		}
		out = append(out, c)
	}
	return out
}

// ResolveStrategy maps a conflict to an action. The conflict's own
// strategy wins over the project default when set.
func ResolveStrategy(c *domain.FileConflict, projectStrategy domain.ConflictStrategy) Action {
	strategy := projectStrategy
	if c != nil && c.Strategy != "" {
		strategy = c.Strategy
	}
	switch strategy {
	case domain.StrategyMerge:
		return ActionMerge
	case domain.StrategyReview:
		return ActionHuman
	default: // lock, zone
		return ActionWait
	}
}

// IsFileSafeToModify checks git history for a recent modification by a
// different agent. Safe when the file has no history, the last modifier
// is the requesting agent, or the last change is older than the window.
// Inspection errors report safe; git being unavailable should not stall
// agents.
func (d *Detector) IsFileSafeToModify(path, agentID string, window time.Duration) bool {
	if d.RepoDir == "" {
		return true
	}
	author, when, err := lastModification(d.RepoDir, path)
	if err != nil || author == "" {
		return true
	}
	if author == agentID {
		return true
	}
	return time.Since(when) > window
}

// lastModification returns the author and commit time of the most
// recent commit touching path.
func lastModification(repoDir, path string) (string, time.Time, error) {
	cmd := exec.Command("git", "log", "-1", "--format=%an|%ct", "--", path)
	cmd.Dir = repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("git log: %w\noutput: %s", err, strings.TrimSpace(string(out)))
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return "", time.Time{}, nil
	}
	parts := strings.SplitN(line, "|", 2)
	if len(parts) != 2 {
		return "", time.Time{}, fmt.Errorf("git log: unexpected output %q", line)
	}
	epoch, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("git log: parse time %q: %w", parts[1], err)
	}
	return parts[0], time.Unix(epoch, 0), nil
}
