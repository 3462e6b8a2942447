package coord

import (
	"strings"
	"testing"
)

func TestLockFileAndUnlock(t *testing.T) {
	f := newFixture(t)

	res, err := callTool(t, f.srv, "lock_file", map[string]any{
		"filePath": "src/main.go", "agentId": "agent-a", "ttlSeconds": float64(60),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("lock failed: %s", resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), "Locked src/main.go") {
		t.Errorf("lock message = %q", resultText(t, res))
	}

	res, err = callTool(t, f.srv, "unlock_file", map[string]any{
		"filePath": "src/main.go", "agentId": "agent-a",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, res), "Unlocked") {
		t.Errorf("unlock message = %q", resultText(t, res))
	}
}

func TestLockFileFailureReportsHolder(t *testing.T) {
	f := newFixture(t)
	if _, err := callTool(t, f.srv, "lock_file", map[string]any{
		"filePath": "src/main.go", "agentId": "agent-a", "ttlSeconds": float64(600),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := callTool(t, f.srv, "lock_file", map[string]any{
		"filePath": "src/main.go", "agentId": "agent-b",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("second lock should fail")
	}
	text := resultText(t, res)
	if !strings.Contains(text, "locked by agent-a") || !strings.Contains(text, "until") {
		t.Errorf("failure must name holder and expiry: %q", text)
	}
}

func TestUnlockForeignLockIsNoOp(t *testing.T) {
	f := newFixture(t)
	if _, err := callTool(t, f.srv, "lock_file", map[string]any{
		"filePath": "src/main.go", "agentId": "agent-a",
	}); err != nil {
		t.Fatal(err)
	}

	res, err := callTool(t, f.srv, "unlock_file", map[string]any{
		"filePath": "src/main.go", "agentId": "agent-b",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, res), "No lock") {
		t.Errorf("foreign unlock message = %q", resultText(t, res))
	}
	if lock, err := f.st.CheckLock("proj-1", "src/main.go"); err != nil || lock == nil || lock.AgentID != "agent-a" {
		t.Errorf("lock should survive foreign release: %+v, %v", lock, err)
	}
}

func TestCheckLocks(t *testing.T) {
	f := newFixture(t)
	if _, err := callTool(t, f.srv, "lock_file", map[string]any{
		"filePath": "a.go", "agentId": "agent-a",
	}); err != nil {
		t.Fatal(err)
	}

	res, err := callTool(t, f.srv, "check_locks", map[string]any{
		"filePaths": []any{"a.go", "b.go"},
	})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, "a.go: locked by agent-a") {
		t.Errorf("missing a.go lock line: %q", text)
	}
	if !strings.Contains(text, "b.go: unlocked") {
		t.Errorf("missing b.go unlocked line: %q", text)
	}
}

func TestLockFileEnforcesZones(t *testing.T) {
	f := newFixture(t)

	res, err := callTool(t, f.srv, "lock_file", map[string]any{
		"filePath": "api/handler.go", "agentId": "agent-b",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "owned by agent-a") {
		t.Errorf("foreign zone lock = %q", resultText(t, res))
	}

	res, err = callTool(t, f.srv, "lock_file", map[string]any{
		"filePath": "docs/readme.md", "agentId": "agent-a",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "read-only") {
		t.Errorf("read-only zone lock = %q", resultText(t, res))
	}

	// The zone owner can still lock within its own zone.
	res, err = callTool(t, f.srv, "lock_file", map[string]any{
		"filePath": "api/handler.go", "agentId": "agent-a",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Errorf("owner lock failed: %s", resultText(t, res))
	}
}

func TestLockFileRejectsEscapingPath(t *testing.T) {
	f := newFixture(t)
	f.pol.SetWorkspaceRoot(t.TempDir())

	res, err := callTool(t, f.srv, "lock_file", map[string]any{
		"filePath": "../outside.go", "agentId": "agent-a",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("path escaping the workspace should be rejected")
	}
}
