package sandbox

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	provider := NewLocalProvider(t.TempDir())
	return NewManager(provider, log.New(io.Discard, "", 0), opts...)
}

func createSandbox(t *testing.T, m *Manager, req CreateRequest) *Sandbox {
	t.Helper()
	sb, err := m.CreateSandbox(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	return sb
}

func TestCreateSandboxEnforcesLimit(t *testing.T) {
	m := newTestManager(t, WithMaxConcurrent(2))
	createSandbox(t, m, CreateRequest{AgentID: "a"})
	createSandbox(t, m, CreateRequest{AgentID: "b"})

	if _, err := m.CreateSandbox(context.Background(), CreateRequest{AgentID: "c"}); err == nil {
		t.Fatal("expected limit error for third sandbox")
	}

	// Stopping one frees a slot.
	sbs := m.ListSandboxes()
	if err := m.StopSandbox(context.Background(), sbs[0].ID); err != nil {
		t.Fatal(err)
	}
	createSandbox(t, m, CreateRequest{AgentID: "c"})
}

// gateProvider blocks in Create until released, exposing the window
// between the limit check and the record insert.
type gateProvider struct {
	entered chan struct{}
	release chan struct{}
}

func (p *gateProvider) Create(ctx context.Context, id string, opts CreateOptions) error {
	p.entered <- struct{}{}
	<-p.release
	return nil
}

func (p *gateProvider) Exec(ctx context.Context, id, command string, opts ExecOptions) (*ExecResult, error) {
	return &ExecResult{}, nil
}

func (p *gateProvider) ExecStreaming(ctx context.Context, id, command string, opts ExecOptions, cb StreamCallbacks) (*ExecResult, error) {
	return &ExecResult{}, nil
}

func (p *gateProvider) FileOperation(ctx context.Context, id string, op FileOp) (*FileOpResult, error) {
	return &FileOpResult{Success: true}, nil
}

func (p *gateProvider) Stop(ctx context.Context, id string) error { return nil }

func TestCreateSandboxLimitUnderConcurrency(t *testing.T) {
	provider := &gateProvider{
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	m := NewManager(provider, log.New(io.Discard, "", 0), WithMaxConcurrent(1))

	results := make(chan error, 2)
	go func() {
		_, err := m.CreateSandbox(context.Background(), CreateRequest{AgentID: "a"})
		results <- err
	}()

	// First creator is inside the provider; the record is not yet
	// inserted when the second creator checks the limit.
	<-provider.entered
	_, second := m.CreateSandbox(context.Background(), CreateRequest{AgentID: "b"})
	close(provider.release)
	first := <-results

	if first != nil {
		t.Fatalf("first create failed: %v", first)
	}
	if second == nil {
		t.Fatal("second create should hit the limit while the first is in flight")
	}

	running := 0
	for _, sb := range m.ListSandboxes() {
		if sb.Status == StatusRunning {
			running++
		}
	}
	if running != 1 {
		t.Errorf("running = %d, want 1", running)
	}
}

func TestCreateSandboxReleasesSlotOnProviderError(t *testing.T) {
	m := NewManager(&errorProvider{}, log.New(io.Discard, "", 0), WithMaxConcurrent(1))

	if _, err := m.CreateSandbox(context.Background(), CreateRequest{AgentID: "a"}); err == nil {
		t.Fatal("expected provider error")
	}
	// The failed create must not consume the slot.
	m.provider = NewLocalProvider(t.TempDir())
	createSandbox(t, m, CreateRequest{AgentID: "b"})
}

type errorProvider struct{ gateProvider }

func (p *errorProvider) Create(ctx context.Context, id string, opts CreateOptions) error {
	return context.DeadlineExceeded
}

func TestExecuteCommand(t *testing.T) {
	m := newTestManager(t)
	sb := createSandbox(t, m, CreateRequest{
		AgentID: "a",
		Env:     map[string]string{"GREETING": "hello"},
	})
	before := m.GetSandbox(sb.ID).LastActivityAt
	time.Sleep(10 * time.Millisecond)

	res, err := m.ExecuteCommand(context.Background(), sb.ID, "echo $GREETING world", ExecRequest{TimeoutSeconds: 10})
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello world" || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}
	if !m.GetSandbox(sb.ID).LastActivityAt.After(before) {
		t.Error("LastActivityAt not touched")
	}

	// Non-zero exits are results, not errors.
	res, err = m.ExecuteCommand(context.Background(), sb.ID, "exit 3", ExecRequest{})
	if err != nil {
		t.Fatalf("ExecuteCommand exit 3: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestExecuteCommandStreaming(t *testing.T) {
	m := newTestManager(t)
	sb := createSandbox(t, m, CreateRequest{AgentID: "a"})

	var started, completed bool
	var stdout, tagged strings.Builder
	_, err := m.ExecuteCommandStreaming(context.Background(), sb.ID,
		"echo out; echo err 1>&2", ExecRequest{},
		StreamCallbacks{
			OnStart:  func() { started = true },
			OnStdout: func(data []byte) { stdout.Write(data) },
			OnOutput: func(chunk OutputChunk) { tagged.WriteString(chunk.Type + ":") },
			OnComplete: func(res ExecResult) {
				completed = true
				if res.Duration <= 0 {
					t.Error("duration not recorded")
				}
			},
		})
	if err != nil {
		t.Fatalf("ExecuteCommandStreaming: %v", err)
	}
	if !started || !completed {
		t.Errorf("callbacks: started=%v completed=%v", started, completed)
	}
	if strings.TrimSpace(stdout.String()) != "out" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if !strings.Contains(tagged.String(), "stdout:") || !strings.Contains(tagged.String(), "stderr:") {
		t.Errorf("tagged chunks = %q", tagged.String())
	}
}

func TestStreamingErrorDelivered(t *testing.T) {
	m := newTestManager(t)
	var gotErr error
	_, err := m.ExecuteCommandStreaming(context.Background(), "missing", "true", ExecRequest{},
		StreamCallbacks{OnError: func(e error) { gotErr = e }})
	if err == nil || gotErr == nil {
		t.Errorf("error should be returned and delivered: %v / %v", err, gotErr)
	}
}

func TestFileOperations(t *testing.T) {
	m := newTestManager(t)
	sb := createSandbox(t, m, CreateRequest{AgentID: "a"})
	ctx := context.Background()

	if res := m.FileOperation(ctx, sb.ID, FileOp{Type: "write", Path: "dir/x.txt", Content: "data"}); !res.Success {
		t.Fatalf("write: %+v", res)
	}
	// Missing content writes an empty file.
	if res := m.FileOperation(ctx, sb.ID, FileOp{Type: "write", Path: "empty.txt"}); !res.Success {
		t.Fatalf("empty write: %+v", res)
	}
	if res := m.FileOperation(ctx, sb.ID, FileOp{Type: "read", Path: "dir/x.txt"}); res.Content != "data" {
		t.Errorf("read = %+v", res)
	}
	if res := m.FileOperation(ctx, sb.ID, FileOp{Type: "exists", Path: "dir/x.txt"}); !res.Exists {
		t.Errorf("exists = %+v", res)
	}
	if res := m.FileOperation(ctx, sb.ID, FileOp{Type: "exists", Path: "nope.txt"}); res.Exists || !res.Success {
		t.Errorf("exists missing = %+v", res)
	}
	if res := m.FileOperation(ctx, sb.ID, FileOp{Type: "list", Path: "dir"}); len(res.Entries) != 1 || res.Entries[0] != "x.txt" {
		t.Errorf("list = %+v", res)
	}
	if res := m.FileOperation(ctx, sb.ID, FileOp{Type: "delete", Path: "dir/x.txt"}); !res.Success {
		t.Errorf("delete = %+v", res)
	}
	// Errors fold into the result.
	if res := m.FileOperation(ctx, sb.ID, FileOp{Type: "read", Path: "dir/x.txt"}); res.Success || res.Error == "" {
		t.Errorf("read after delete = %+v", res)
	}
}

func TestDeadlineTransitionsToTimeout(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	done := make(chan struct{})
	m := newTestManager(t, WithEventSubscriber(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		if ev.Type == EventTimeout {
			close(done)
		}
	}))
	sb := createSandbox(t, m, CreateRequest{AgentID: "a", TimeoutSeconds: 1})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout event not emitted")
	}
	if got := m.GetSandbox(sb.ID).Status; got != StatusTimeout {
		t.Errorf("status = %s, want timeout", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if events[0].Type != EventCreated || events[1].Type != EventStarted {
		t.Errorf("event order = %+v", events)
	}
}

func TestCleanup(t *testing.T) {
	m := newTestManager(t)
	sb1 := createSandbox(t, m, CreateRequest{AgentID: "a"})
	sb2 := createSandbox(t, m, CreateRequest{AgentID: "b"})
	if err := m.StopSandbox(context.Background(), sb1.ID); err != nil {
		t.Fatal(err)
	}

	if removed := m.Cleanup(); removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	if m.GetSandbox(sb1.ID) != nil {
		t.Error("stopped sandbox still tracked")
	}
	if m.GetSandbox(sb2.ID) == nil {
		t.Error("running sandbox removed")
	}
}

func TestAutoCleanup(t *testing.T) {
	m := newTestManager(t, WithAutoCleanup(true))
	sb := createSandbox(t, m, CreateRequest{AgentID: "a"})
	if err := m.StopSandbox(context.Background(), sb.ID); err != nil {
		t.Fatal(err)
	}
	if m.GetSandbox(sb.ID) != nil {
		t.Error("autoCleanup did not remove stopped sandbox")
	}
}

func TestSubscriberPanicIsolated(t *testing.T) {
	m := newTestManager(t, WithEventSubscriber(func(Event) { panic("bad subscriber") }))
	sb := createSandbox(t, m, CreateRequest{AgentID: "a"})
	if got := m.GetSandbox(sb.ID).Status; got != StatusRunning {
		t.Errorf("status after subscriber panic = %s, want running", got)
	}
}
