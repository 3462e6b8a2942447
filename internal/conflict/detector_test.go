package conflict

import (
	"testing"

	"github.com/conductorhq/conductor/internal/domain"
)

func TestDetectOverlappingTasks(t *testing.T) {
	d := &Detector{}
	tasks := []*domain.Task{
		{ID: "t1", ProjectID: "p1", Status: domain.TaskInProgress, AssignedTo: "a", Files: []string{"x.ts", "y.ts"}},
		{ID: "t2", ProjectID: "p1", Status: domain.TaskInProgress, AssignedTo: "b", Files: []string{"x.ts"}},
		{ID: "t3", ProjectID: "p1", Status: domain.TaskClaimed, AssignedTo: "c", Files: []string{"x.ts"}},
		{ID: "t4", ProjectID: "p1", Status: domain.TaskInProgress, Files: []string{"y.ts"}},
	}

	conflicts := d.DetectOverlappingTasks(tasks, "p1")
	if len(conflicts) != 2 {
		t.Fatalf("conflicts = %d, want 2", len(conflicts))
	}
	// Sorted by path: x.ts then y.ts.
	x := conflicts[0]
	if x.Path != "x.ts" || len(x.TaskIDs) != 2 || x.Strategy != domain.StrategyReview {
		t.Errorf("x.ts conflict = %+v", x)
	}
	y := conflicts[1]
	if y.Path != "y.ts" {
		t.Fatalf("second conflict path = %s", y.Path)
	}
	// Unassigned t4 overlaps but contributes no agent.
	if len(y.TaskIDs) != 2 || len(y.AgentIDs) != 1 {
		t.Errorf("y.ts conflict tasks=%v agents=%v", y.TaskIDs, y.AgentIDs)
	}
}

func TestDetectIgnoresOtherStatuses(t *testing.T) {
	d := &Detector{}
	tasks := []*domain.Task{
		{ID: "t1", ProjectID: "p1", Status: domain.TaskClaimed, AssignedTo: "a", Files: []string{"x.ts"}},
		{ID: "t2", ProjectID: "p1", Status: domain.TaskCompleted, AssignedTo: "b", Files: []string{"x.ts"}},
	}
	if got := d.DetectOverlappingTasks(tasks, "p1"); len(got) != 0 {
		t.Errorf("conflicts = %d, want 0", len(got))
	}
}

func TestResolveStrategy(t *testing.T) {
	cases := []struct {
		conflict domain.ConflictStrategy
		project  domain.ConflictStrategy
		want     Action
	}{
		{"", domain.StrategyLock, ActionWait},
		{"", domain.StrategyMerge, ActionMerge},
		{"", domain.StrategyZone, ActionWait},
		{"", domain.StrategyReview, ActionHuman},
		{domain.StrategyReview, domain.StrategyLock, ActionHuman},
		{domain.StrategyMerge, domain.StrategyReview, ActionMerge},
	}
	for _, c := range cases {
		conflict := &domain.FileConflict{Strategy: c.conflict}
		if got := ResolveStrategy(conflict, c.project); got != c.want {
			t.Errorf("ResolveStrategy(%q, %q) = %s, want %s", c.conflict, c.project, got, c.want)
		}
	}
}

func TestIsFileSafeWithoutRepo(t *testing.T) {
	d := &Detector{}
	if !d.IsFileSafeToModify("x.ts", "a", 0) {
		t.Error("no repo configured should report safe")
	}
	// Nonexistent repo dir: inspection fails, optimistic safe.
	d = &Detector{RepoDir: "/nonexistent/repo"}
	if !d.IsFileSafeToModify("x.ts", "a", 0) {
		t.Error("inspection error should report safe")
	}
}
