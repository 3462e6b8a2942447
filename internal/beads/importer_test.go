package beads

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/domain"
	"github.com/conductorhq/conductor/internal/store"
)

func newTestImporter(t *testing.T) (*Importer, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.CreateProject(&domain.Project{ID: "proj-1", OrgID: "org-1", Name: "Proj"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return NewImporter(st, "proj-1", log.New(io.Discard, "", 0)), st
}

func writeJSON(t *testing.T, dir, name string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func taskForBead(t *testing.T, st *store.Store, beadID string) *domain.Task {
	t.Helper()
	tasks, err := st.ListTasks("proj-1", store.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if task.Metadata[domain.MetaBeadID] == beadID {
			return task
		}
	}
	t.Fatalf("no task for bead %s", beadID)
	return nil
}

func TestImportDir(t *testing.T) {
	im, st := newTestImporter(t)
	dir := t.TempDir()

	writeJSON(t, dir, "b1.json", Bead{
		ID:                 "bead-1",
		Title:              "Wire up the API",
		Description:        "Expose the endpoints.",
		Status:             "in_progress",
		Priority:           "high",
		AcceptanceCriteria: []string{"returns 200", "rejects bad input"},
		Files:              []string{"api/server.go"},
	})
	writeJSON(t, dir, "b2.json", Bead{
		ID:           "bead-2",
		Title:        "Document the API",
		Status:       "complete",
		Dependencies: []string{"bead-1"},
	})
	writeJSON(t, dir, "b3.json", Bead{ID: "bead-3", Title: "Triage", Status: "weird"})

	res, err := im.ImportDir(dir)
	if err != nil {
		t.Fatalf("ImportDir: %v", err)
	}
	if res.Imported != 3 || res.Skipped != 0 {
		t.Errorf("result = %+v", res)
	}

	t1 := taskForBead(t, st, "bead-1")
	if t1.Status != domain.TaskInProgress || t1.Priority != domain.PriorityHigh {
		t.Errorf("bead-1 task = %s/%s", t1.Status, t1.Priority)
	}
	if want := "Acceptance criteria:"; !strings.Contains(t1.Description, want) || !strings.Contains(t1.Description, "- returns 200") {
		t.Errorf("description = %q", t1.Description)
	}

	t2 := taskForBead(t, st, "bead-2")
	if t2.Status != domain.TaskCompleted {
		t.Errorf("bead-2 status = %s", t2.Status)
	}
	if len(t2.Dependencies) != 1 || t2.Dependencies[0] != t1.ID {
		t.Errorf("bead-2 deps = %v, want [%s]", t2.Dependencies, t1.ID)
	}

	if t3 := taskForBead(t, st, "bead-3"); t3.Status != domain.TaskPending {
		t.Errorf("unknown bead status mapped to %s, want pending", t3.Status)
	}
}

func TestImportDirIdempotent(t *testing.T) {
	im, _ := newTestImporter(t)
	dir := t.TempDir()
	writeJSON(t, dir, "b1.json", Bead{ID: "bead-1", Title: "One"})
	writeJSON(t, dir, "b2.json", Bead{ID: "bead-2", Title: "Two"})

	if res, err := im.ImportDir(dir); err != nil || res.Imported != 2 {
		t.Fatalf("first pass: %+v, %v", res, err)
	}
	res, err := im.ImportDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if res.Imported != 0 || res.Skipped != 2 {
		t.Errorf("second pass = %+v, want imported=0 skipped=2", res)
	}
}

func TestImportConvoy(t *testing.T) {
	im, st := newTestImporter(t)
	dir := t.TempDir()
	writeJSON(t, dir, "b1.json", Bead{ID: "bead-1", Title: "One"})
	writeJSON(t, dir, "b2.json", Bead{ID: "bead-2", Title: "Two"})
	writeJSON(t, dir, "convoy.json", Convoy{ID: "cv-1", Name: "Launch", Beads: []string{"bead-1", "bead-2", "bead-missing"}})

	if _, err := im.ImportDir(dir); err != nil {
		t.Fatal(err)
	}
	for _, beadID := range []string{"bead-1", "bead-2"} {
		task := taskForBead(t, st, beadID)
		if task.Metadata[domain.MetaConvoyID] != "cv-1" || task.Metadata[domain.MetaConvoyName] != "Launch" {
			t.Errorf("%s metadata = %v", beadID, task.Metadata)
		}
	}
}

func TestImportIgnoresNonBeadFiles(t *testing.T) {
	im, _ := newTestImporter(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	res, err := im.ImportDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if res.Imported != 0 || res.Skipped != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestWatcherImportsOnChange(t *testing.T) {
	im, st := newTestImporter(t)
	dir := t.TempDir()
	w := NewWatcher(im, dir, log.New(io.Discard, "", 0), WithPollInterval(50*time.Millisecond))
	w.debounceMs = 20

	ctx, cancel := context.WithCancel(context.Background())
	go w.Start(ctx)
	defer func() {
		cancel()
		w.Stop()
	}()

	writeJSON(t, dir, "b1.json", Bead{ID: "bead-1", Title: "One"})

	deadline := time.Now().Add(3 * time.Second)
	for {
		tasks, err := st.ListTasks("proj-1", store.TaskFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(tasks) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher never imported the new bead")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
