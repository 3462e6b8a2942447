// Package health classifies agents by heartbeat freshness and persists
// offline transitions.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/conductorhq/conductor/internal/domain"
	"github.com/conductorhq/conductor/internal/store"
)

// Status is a heartbeat classification bucket.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusOffline  Status = "offline"
)

const (
	defaultScanInterval = 30 * time.Second
	defaultWarning      = 120 * time.Second
	defaultCritical     = 300 * time.Second
	defaultOffline      = 600 * time.Second

	webhookTimeout = 10 * time.Second
)

// Event is emitted on every classification transition. Seconds is -1
// when the agent has never heartbeated.
type Event struct {
	AgentID  string
	Previous Status // empty on the first classification
	Current  Status
	Seconds  int64
}

// Monitor periodically scans a project's agents and classifies each by
// seconds since last heartbeat. Transitions emit events; identical
// classifications across scans do not re-emit.
type Monitor struct {
	st        *store.Store
	projectID string
	logger    *log.Logger

	interval  time.Duration
	warning   time.Duration
	critical  time.Duration
	offline   time.Duration
	webhook   string
	onEvent   func(Event)
	transport *http.Client

	mu      sync.Mutex
	last    map[string]Status
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures the monitor.
type Option func(*Monitor)

// WithScanInterval sets the scan cadence.
func WithScanInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithThresholds sets the warning/critical/offline boundaries.
func WithThresholds(warning, critical, offline time.Duration) Option {
	return func(m *Monitor) {
		m.warning = warning
		m.critical = critical
		m.offline = offline
	}
}

// WithWebhook sets a URL POSTed on critical and offline transitions.
func WithWebhook(url string) Option {
	return func(m *Monitor) { m.webhook = url }
}

// WithEventHandler sets the transition subscriber.
func WithEventHandler(fn func(Event)) Option {
	return func(m *Monitor) { m.onEvent = fn }
}

// NewMonitor creates a monitor for one project.
func NewMonitor(st *store.Store, projectID string, logger *log.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		st:        st,
		projectID: projectID,
		logger:    logger,
		interval:  defaultScanInterval,
		warning:   defaultWarning,
		critical:  defaultCritical,
		offline:   defaultOffline,
		transport: &http.Client{Timeout: webhookTimeout},
		last:      make(map[string]Status),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Classify maps elapsed time since heartbeat to a status. A negative
// elapsed means no heartbeat was ever recorded.
func (m *Monitor) Classify(elapsed time.Duration) Status {
	switch {
	case elapsed < 0:
		return StatusOffline
	case elapsed < m.warning:
		return StatusHealthy
	case elapsed < m.critical:
		return StatusWarning
	case elapsed < m.offline:
		return StatusCritical
	default:
		return StatusOffline
	}
}

// Start runs an immediate scan and schedules periodic scans. Calling
// Start while running is a no-op. The loop exits when ctx is cancelled
// or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	m.logger.Printf("HealthMonitor: started (interval=%s, warning=%s, critical=%s, offline=%s)",
		m.interval, m.warning, m.critical, m.offline)
	m.CheckOnce()

	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Println("HealthMonitor: stopped (context cancelled)")
				return
			case <-m.stopCh:
				m.logger.Println("HealthMonitor: stopped")
				return
			case <-ticker.C:
				m.CheckOnce()
			}
		}
	}()
}

// Stop cancels the scan loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// CheckOnce runs one scan cycle (also used by tests and manual trigger).
func (m *Monitor) CheckOnce() {
	agents, err := m.st.ListAgents(m.projectID)
	if err != nil {
		m.logger.Printf("HealthMonitor: list agents: %v", err)
		return
	}
	now := time.Now()
	for _, a := range agents {
		elapsed := time.Duration(-1)
		if !a.LastHeartbeat.IsZero() {
			elapsed = now.Sub(a.LastHeartbeat)
		}
		current := m.Classify(elapsed)

		m.mu.Lock()
		previous, seen := m.last[a.ID]
		m.last[a.ID] = current
		m.mu.Unlock()

		if seen && previous == current {
			continue
		}

		seconds := int64(-1)
		if elapsed >= 0 {
			seconds = int64(elapsed.Seconds())
		}
		ev := Event{AgentID: a.ID, Current: current, Seconds: seconds}
		if seen {
			ev.Previous = previous
		}
		m.logger.Printf("HealthMonitor: agent %s %s -> %s (%ds since heartbeat)",
			a.ID, previousOrNone(ev.Previous), current, seconds)

		if current == StatusOffline && a.Status != domain.AgentOffline {
			if err := m.st.UpdateAgentStatus(a.ID, domain.AgentOffline); err != nil {
				m.logger.Printf("HealthMonitor: mark offline %s: %v", a.ID, err)
			}
		}
		if m.onEvent != nil {
			m.emit(ev)
		}
		if m.webhook != "" && (current == StatusCritical || current == StatusOffline) {
			go m.postWebhook(ev)
		}
	}
}

// emit delivers an event to the subscriber, isolating panics so a bad
// subscriber cannot affect classification.
func (m *Monitor) emit(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("HealthMonitor: event subscriber panicked: %v", r)
		}
	}()
	m.onEvent(ev)
}

// HealthStatuses returns the latest classification per agent.
func (m *Monitor) HealthStatuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.last))
	for id, st := range m.last {
		out[id] = st
	}
	return out
}

// postWebhook sends the alert payload. Failures are logged and never
// affect monitor state.
func (m *Monitor) postWebhook(ev Event) {
	payload := map[string]interface{}{
		"type":      "agent_health_alert",
		"agentId":   ev.AgentID,
		"status":    ev.Current,
		"projectId": m.projectID,
		"timestamp": time.Now().Format(time.RFC3339Nano),
	}
	if ev.Previous != "" {
		payload["previousStatus"] = ev.Previous
	} else {
		payload["previousStatus"] = nil
	}
	if ev.Seconds >= 0 {
		payload["secondsSinceHeartbeat"] = ev.Seconds
	} else {
		payload["secondsSinceHeartbeat"] = nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		m.logger.Printf("HealthMonitor: webhook marshal: %v", err)
		return
	}
	resp, err := m.transport.Post(m.webhook, "application/json", bytes.NewReader(body))
	if err != nil {
		m.logger.Printf("HealthMonitor: webhook post: %v", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		m.logger.Printf("HealthMonitor: webhook returned %s", resp.Status)
	}
}

func previousOrNone(s Status) string {
	if s == "" {
		return "(none)"
	}
	return string(s)
}
