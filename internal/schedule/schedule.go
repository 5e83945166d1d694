// Package schedule adds cron and event-driven triggers on top of the
// Workflow Engine (C5), adapted from the teacher's scheduler.go: instead of
// feeding a DAGEngine.Execute call, each trigger now builds a kernel.Job and
// submits it through engine.Engine.SubmitJob.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/orchestrator/internal/engine"
	"github.com/swarmguard/orchestrator/internal/kernel"
)

var bucketSchedules = []byte("schedules")

// Config defines when and how to submit an extraction job (spec.md §4.5/§6
// scheduling surface, adapted from the teacher's ScheduleConfig).
type Config struct {
	Name          string            `json:"name"`
	URL           string            `json:"url"`
	JobConfig     kernel.JobConfig  `json:"job_config"`
	CronExpr      string            `json:"cron_expr,omitempty"`
	EventType     string            `json:"event_type,omitempty"`
	EventFilter   map[string]any    `json:"event_filter,omitempty"`
	Enabled       bool              `json:"enabled"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type eventHandler struct {
	schedules   []*Config
	running     int
	mu          sync.Mutex
	lastTrigger time.Time
}

// Scheduler manages cron schedules and event-driven triggers over the
// Workflow Engine (C5).
type Scheduler struct {
	cron          *cron.Cron
	db            *bbolt.DB
	eng           *engine.Engine
	eventHandlers map[string]*eventHandler
	mu            sync.RWMutex

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	eventTriggers metric.Int64Counter
	tracer        trace.Tracer
}

// New opens (or creates) the schedule store at dbPath and builds a
// Scheduler that submits jobs to eng.
func New(dbPath string, eng *engine.Engine, meter metric.Meter) (*Scheduler, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("schedule: create store dir: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("schedule: open store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSchedules)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("schedule: create bucket: %w", err)
	}

	scheduleRuns, _ := meter.Int64Counter("swarm_workflow_schedule_runs_total")
	scheduleFails, _ := meter.Int64Counter("swarm_workflow_schedule_failures_total")
	eventTriggers, _ := meter.Int64Counter("swarm_workflow_event_triggers_total")

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		db:            db,
		eng:           eng,
		eventHandlers: make(map[string]*eventHandler),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		eventTriggers: eventTriggers,
		tracer:        otel.Tracer("orchestrator-scheduler"),
	}, nil
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started")
}

// Stop gracefully stops the cron loop and closes the store.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		slog.Warn("scheduler stop timeout")
	}
	return s.db.Close()
}

// AddSchedule registers a new scheduled or event-driven job submission.
func (s *Scheduler) AddSchedule(ctx context.Context, cfg *Config) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.add_schedule",
		trace.WithAttributes(attribute.String("name", cfg.Name), attribute.String("cron", cfg.CronExpr)))
	defer span.End()

	switch {
	case cfg.CronExpr != "":
		if _, err := s.cron.AddFunc(cfg.CronExpr, func() {
			s.submitScheduled(context.Background(), cfg)
		}); err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}
		data, _ := json.Marshal(cfg)
		if err := s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketSchedules).Put([]byte(cfg.Name), data)
		}); err != nil {
			return fmt.Errorf("persist schedule: %w", err)
		}
		slog.Info("cron schedule added", "name", cfg.Name, "cron", cfg.CronExpr)
	case cfg.EventType != "":
		s.registerEventHandler(cfg)
		slog.Info("event trigger added", "name", cfg.Name, "event_type", cfg.EventType)
	default:
		return fmt.Errorf("either cron_expr or event_type must be specified")
	}
	return nil
}

// RemoveSchedule unregisters a named schedule from the event-handler table
// and the persisted store (cron entries, once added, run to completion; the
// library exposes no remove-by-name primitive — matching the teacher's own
// documented limitation).
func (s *Scheduler) RemoveSchedule(name string) error {
	s.mu.Lock()
	for eventType, h := range s.eventHandlers {
		kept := h.schedules[:0:0]
		for _, c := range h.schedules {
			if c.Name != name {
				kept = append(kept, c)
			}
		}
		h.schedules = kept
		if len(h.schedules) == 0 {
			delete(s.eventHandlers, eventType)
		}
	}
	s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(name))
	})
}

// ListSchedules returns every persisted cron schedule.
func (s *Scheduler) ListSchedules() ([]*Config, error) {
	var out []*Config
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var c Config
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

// TriggerEvent processes an incoming event against registered event-driven
// schedules, submitting a job for each match under its concurrency cap.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, eventData map[string]any) {
	ctx, span := s.tracer.Start(ctx, "scheduler.trigger_event", trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	s.mu.RLock()
	h, exists := s.eventHandlers[eventType]
	s.mu.RUnlock()
	if !exists {
		return
	}
	s.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))

	for _, cfg := range h.schedules {
		if !cfg.Enabled || !matchesFilter(eventData, cfg.EventFilter) {
			continue
		}
		h.mu.Lock()
		if cfg.MaxConcurrent > 0 && h.running >= cfg.MaxConcurrent {
			h.mu.Unlock()
			slog.Warn("max concurrent schedule executions reached", "name", cfg.Name, "max", cfg.MaxConcurrent)
			continue
		}
		h.running++
		h.lastTrigger = time.Now()
		h.mu.Unlock()

		go func(cfg *Config) {
			defer func() {
				h.mu.Lock()
				h.running--
				h.mu.Unlock()
			}()
			execCtx := context.Background()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				execCtx, cancel = context.WithTimeout(execCtx, cfg.Timeout)
				defer cancel()
			}
			s.submitScheduled(execCtx, cfg)
		}(cfg)
	}
}

func (s *Scheduler) submitScheduled(ctx context.Context, cfg *Config) {
	_, span := s.tracer.Start(ctx, "scheduler.submit_job", trace.WithAttributes(attribute.String("name", cfg.Name)))
	defer span.End()

	job := kernel.Job{ID: uuid.NewString(), URL: cfg.URL, Config: cfg.JobConfig, CreatedAt: time.Now()}
	if _, err := s.eng.SubmitJob(job); err != nil {
		slog.Error("scheduled job submission failed", "name", cfg.Name, "error", err)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("name", cfg.Name)))
		return
	}
	s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("name", cfg.Name), attribute.String("status", "submitted")))
	slog.Info("scheduled job submitted", "name", cfg.Name, "job_id", job.ID)
}

func (s *Scheduler) registerEventHandler(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, exists := s.eventHandlers[cfg.EventType]
	if !exists {
		h = &eventHandler{}
		s.eventHandlers[cfg.EventType] = h
	}
	h.schedules = append(h.schedules, cfg)
}

func matchesFilter(eventData, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	for key, expected := range filter {
		actual, ok := eventData[key]
		if !ok || fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected) {
			return false
		}
	}
	return true
}

// RestoreSchedules re-adds every persisted cron schedule on startup.
func (s *Scheduler) RestoreSchedules(ctx context.Context) error {
	schedules, err := s.ListSchedules()
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	restored, failed := 0, 0
	for _, c := range schedules {
		if !c.Enabled {
			continue
		}
		if err := s.AddSchedule(ctx, c); err != nil {
			slog.Error("failed to restore schedule", "name", c.Name, "error", err)
			failed++
			continue
		}
		restored++
	}
	slog.Info("schedules restored", "restored", restored, "failed", failed)
	return nil
}
