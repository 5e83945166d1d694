package schedule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/orchestrator/internal/bus"
	"github.com/swarmguard/orchestrator/internal/config"
	"github.com/swarmguard/orchestrator/internal/engine"
	"github.com/swarmguard/orchestrator/internal/kernel"
	"github.com/swarmguard/orchestrator/internal/router"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	b, err := bus.New("127.0.0.1", -1)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(b.Close)
	r := router.New(b, 24*time.Hour)
	eng := engine.New(config.EngineConfig{
		MaxConcurrentWorkflows: 5, StepTimeout: time.Minute, HeartbeatTimeout: time.Minute,
		DispatchTick: 10 * time.Millisecond, HealthTick: time.Minute, MetricsTick: time.Minute,
	}, b, r)

	dbPath := filepath.Join(t.TempDir(), "schedule.db")
	meter := noop.NewMeterProvider().Meter("test")
	s, err := New(dbPath, eng, meter)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestEventTriggerSubmitsMatchingSchedule(t *testing.T) {
	s := newTestScheduler(t)
	cfg := &Config{
		Name: "webhook-job", URL: "https://example.com", JobConfig: kernel.DefaultJobConfig(),
		EventType: "webhook.received", EventFilter: map[string]any{"source": "regwatch"}, Enabled: true,
	}
	if err := s.AddSchedule(context.Background(), cfg); err != nil {
		t.Fatalf("add schedule: %v", err)
	}

	s.TriggerEvent(context.Background(), "webhook.received", map[string]any{"source": "other"})
	s.TriggerEvent(context.Background(), "webhook.received", map[string]any{"source": "regwatch"})

	deadline := time.After(time.Second)
	for {
		schedules, _ := s.ListSchedules()
		_ = schedules
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for event-triggered submission")
		default:
		}
		h := func() int {
			s.mu.RLock()
			defer s.mu.RUnlock()
			eh := s.eventHandlers["webhook.received"]
			eh.mu.Lock()
			defer eh.mu.Unlock()
			return eh.running
		}()
		if h == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	// Only the "regwatch" event matches the filter, so exactly one job is submitted.
	if got := s.eng.GetSystemMetrics().Total; got != 1 {
		t.Fatalf("expected exactly 1 submitted workflow, got %d", got)
	}
}

func TestRemoveScheduleDropsEventHandler(t *testing.T) {
	s := newTestScheduler(t)
	cfg := &Config{Name: "x", EventType: "e", Enabled: true}
	if err := s.AddSchedule(context.Background(), cfg); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.RemoveSchedule("x"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	s.mu.RLock()
	_, exists := s.eventHandlers["e"]
	s.mu.RUnlock()
	if exists {
		t.Fatalf("expected event handler to be cleaned up after removing its only schedule")
	}
}
