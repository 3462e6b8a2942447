package health

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/domain"
	"github.com/conductorhq/conductor/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedAgent(t *testing.T, s *store.Store, heartbeatAge time.Duration) {
	t.Helper()
	if err := s.CreateProject(&domain.Project{ID: "p1", Name: "Test"}); err != nil {
		t.Fatal(err)
	}
	setHeartbeat(t, s, heartbeatAge)
}

// setHeartbeat re-registers the agent with a back-dated heartbeat; the
// upsert path overwrites last_heartbeat.
func setHeartbeat(t *testing.T, s *store.Store, age time.Duration) {
	t.Helper()
	err := s.RegisterAgent(&domain.Agent{
		ID:            "agent-a",
		ProjectID:     "p1",
		Name:          "Agent A",
		LastHeartbeat: time.Now().Add(-age),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestClassify(t *testing.T) {
	m := NewMonitor(nil, "p1", log.New(io.Discard, "", 0))
	cases := []struct {
		elapsed time.Duration
		want    Status
	}{
		{30 * time.Second, StatusHealthy},
		{119 * time.Second, StatusHealthy},
		{120 * time.Second, StatusWarning},
		{299 * time.Second, StatusWarning},
		{300 * time.Second, StatusCritical},
		{599 * time.Second, StatusCritical},
		{600 * time.Second, StatusOffline},
		{-1, StatusOffline}, // never heartbeated
	}
	for _, c := range cases {
		if got := m.Classify(c.elapsed); got != c.want {
			t.Errorf("Classify(%s) = %s, want %s", c.elapsed, got, c.want)
		}
	}
}

func TestTransitionEvents(t *testing.T) {
	s := newTestStore(t)
	seedAgent(t, s, 30*time.Second)

	var events []Event
	m := NewMonitor(s, "p1", log.New(io.Discard, "", 0),
		WithEventHandler(func(ev Event) { events = append(events, ev) }))

	m.CheckOnce()
	setHeartbeat(t, s, 150*time.Second)
	m.CheckOnce()
	m.CheckOnce() // same classification, must not re-emit
	setHeartbeat(t, s, 700*time.Second)
	m.CheckOnce()

	if len(events) != 3 {
		t.Fatalf("events = %d, want 3: %+v", len(events), events)
	}
	want := []Status{StatusHealthy, StatusWarning, StatusOffline}
	for i, ev := range events {
		if ev.Current != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.Current, want[i])
		}
	}
	if events[0].Previous != "" {
		t.Errorf("first event previous = %q, want empty", events[0].Previous)
	}
	if events[2].Previous != StatusWarning {
		t.Errorf("offline event previous = %q, want warning", events[2].Previous)
	}

	// Offline classification persists to the store.
	a, err := s.GetAgent("agent-a")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AgentOffline {
		t.Errorf("stored status = %s, want offline", a.Status)
	}
	if got := m.HealthStatuses()["agent-a"]; got != StatusOffline {
		t.Errorf("HealthStatuses = %s, want offline", got)
	}
}

func TestWebhookAlerts(t *testing.T) {
	s := newTestStore(t)
	seedAgent(t, s, 700*time.Second)

	received := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		received <- payload
	}))
	defer srv.Close()

	m := NewMonitor(s, "p1", log.New(io.Discard, "", 0), WithWebhook(srv.URL))
	m.CheckOnce()

	select {
	case payload := <-received:
		if payload["type"] != "agent_health_alert" {
			t.Errorf("payload type = %v", payload["type"])
		}
		if payload["agentId"] != "agent-a" || payload["status"] != "offline" {
			t.Errorf("payload = %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestSubscriberPanicIsolated(t *testing.T) {
	s := newTestStore(t)
	seedAgent(t, s, 30*time.Second)

	m := NewMonitor(s, "p1", log.New(io.Discard, "", 0),
		WithEventHandler(func(Event) { panic("bad subscriber") }))
	m.CheckOnce() // must not panic
	if got := m.HealthStatuses()["agent-a"]; got != StatusHealthy {
		t.Errorf("classification after subscriber panic = %s, want healthy", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s := newTestStore(t)
	seedAgent(t, s, 30*time.Second)

	m := NewMonitor(s, "p1", log.New(io.Discard, "", 0),
		WithScanInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	m.Start(ctx) // no-op while running
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	m.Stop() // no-op when stopped
}
