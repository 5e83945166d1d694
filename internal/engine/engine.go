// Package engine implements the Workflow Engine (C5), the scheduler proper
// (spec.md §4.5): DAG construction, worker registry, dispatch/health/
// metrics ticks, retry and completion rules, cancellation, and timeouts.
// Grounded on the teacher's dag_engine.go (Kahn's-algorithm scheduling,
// worker pool, cycle detection) fused with
// original_source/.../agent_coordinator.py (the three-tick architecture,
// tie-break rule, status precedence).
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/orchestrator/internal/bus"
	"github.com/swarmguard/orchestrator/internal/config"
	"github.com/swarmguard/orchestrator/internal/kernel"
	"github.com/swarmguard/orchestrator/internal/kernel/errs"
	"github.com/swarmguard/orchestrator/internal/router"
)

// Engine is the Workflow Engine (C5). All shared structures (worker
// registry, workflow table, workflow queue) are protected by one coarse
// lock, matching the "one coarse lock per domain" guidance (spec.md §9).
type Engine struct {
	cfg    config.EngineConfig
	bus    *bus.Bus
	router *router.Router

	mu           sync.Mutex
	workflows    map[string]*kernel.Workflow
	pendingQueue []string
	runningCount int

	workers       map[string]*kernel.WorkerState
	regOrder      map[string]int
	nextRegOrder  int

	metricsMu           sync.Mutex
	completedCount      int64
	completedDurationSum time.Duration
	roleBusyTime        map[string]time.Duration
	roleTotalTime       map[string]time.Duration
	lastMetricsTick     time.Time

	stopCh chan struct{}
}

// New builds an Engine over the given Bus and Router.
func New(cfg config.EngineConfig, b *bus.Bus, r *router.Router) *Engine {
	e := &Engine{
		cfg: cfg, bus: b, router: r,
		workflows:       make(map[string]*kernel.Workflow),
		workers:         make(map[string]*kernel.WorkerState),
		regOrder:        make(map[string]int),
		roleBusyTime:    make(map[string]time.Duration),
		roleTotalTime:   make(map[string]time.Duration),
		lastMetricsTick: time.Now(),
		stopCh:          make(chan struct{}),
	}
	e.subscribeResultMessages()
	return e
}

// Stop halts the background ticks.
func (e *Engine) Stop() { close(e.stopCh) }

// Start launches the three independent cooperative background loops
// (spec.md §4.5/§9): dispatch (<=5s), health (<=60s), metrics (~30s).
func (e *Engine) Start(ctx context.Context) {
	go e.dispatchLoop(ctx)
	go e.healthLoop(ctx)
	go e.metricsLoop(ctx)
}

// RegisterWorker registers (or idempotently replaces, spec.md §8) a worker
// instance by id, role, and capability list.
func (e *Engine) RegisterWorker(id, role string, capabilities []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workers[id]; !exists {
		e.regOrder[id] = e.nextRegOrder
		e.nextRegOrder++
	}
	e.workers[id] = &kernel.WorkerState{
		ID: id, Role: role, Capabilities: capabilities, Availability: kernel.WorkerIdle,
		LastHeartbeat: time.Now(), RegisteredAt: time.Now(),
	}
}

// Heartbeat records a liveness beat for worker id.
func (e *Engine) Heartbeat(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.workers[id]; ok {
		w.LastHeartbeat = time.Now()
		if w.Availability == kernel.WorkerOffline {
			w.Availability = kernel.WorkerIdle
		}
	}
}

// SubmitJob builds the default extraction DAG for job and enqueues it
// (spec.md §4.5).
func (e *Engine) SubmitJob(job kernel.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = kernel.StatusPending
	wf := BuildDefaultWorkflow(job)
	return e.enqueue(wf)
}

// SubmitCustomWorkflow accepts an arbitrary caller-supplied DAG. It is
// rejected before any step is dispatched if it contains a cycle or a
// reference to a non-existent step (spec.md §4.5/§7).
func (e *Engine) SubmitCustomWorkflow(job kernel.Job, steps map[string]*kernel.Step, order []string) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := ValidateDAG(steps); err != nil {
		return job.ID, errs.New(errs.KindConfiguration, err)
	}
	job.Status = kernel.StatusPending
	wf := &kernel.Workflow{Job: job, StepOrder: order, Steps: steps, Status: kernel.StatusPending, CreatedAt: job.CreatedAt}
	return e.enqueue(wf)
}

func (e *Engine) enqueue(wf *kernel.Workflow) (string, error) {
	e.mu.Lock()
	e.workflows[wf.Job.ID] = wf
	e.pendingQueue = append(e.pendingQueue, wf.Job.ID)
	e.mu.Unlock()
	slog.Info("workflow enqueued", "workflow_id", wf.Job.ID, "steps", len(wf.Steps))
	return wf.Job.ID, nil
}

// WorkflowView is the caller-facing status snapshot (spec.md §6).
type WorkflowView struct {
	ID       string
	Status   kernel.Status
	Progress float64
	Steps    []StepView
}

// StepView is one step's caller-facing snapshot.
type StepView struct {
	ID         string
	Role       string
	Status     kernel.Status
	RetryCount int
	Err        string
}

// GetStatus returns the workflow's status, progress, and per-step
// breakdown (spec.md §6 status endpoint).
func (e *Engine) GetStatus(workflowID string) (WorkflowView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[workflowID]
	if !ok {
		return WorkflowView{}, errs.ErrWorkflowNotFound
	}
	view := WorkflowView{ID: workflowID, Status: wf.Status, Progress: wf.Progress()}
	for _, id := range wf.StepOrder {
		s := wf.Steps[id]
		errStr := ""
		if s.Err != nil {
			errStr = s.Err.Error()
		}
		view.Steps = append(view.Steps, StepView{ID: s.ID, Role: s.Role, Status: s.Status, RetryCount: s.RetryCount, Err: errStr})
	}
	return view, nil
}

// SystemMetrics mirrors spec.md §4.5's observable engine metrics.
type SystemMetrics struct {
	Total               int
	Running             int
	Completed           int
	Failed              int
	Queued              int
	AvgWorkflowDuration  time.Duration
	RoleUtilization      map[string]float64
	SystemLoad           float64
}

// GetSystemMetrics computes the observable metrics set.
func (e *Engine) GetSystemMetrics() SystemMetrics {
	e.mu.Lock()
	m := SystemMetrics{Running: e.runningCount, Queued: len(e.pendingQueue), RoleUtilization: map[string]float64{}}
	for _, wf := range e.workflows {
		m.Total++
		switch wf.Status {
		case kernel.StatusCompleted:
			m.Completed++
		case kernel.StatusFailed:
			m.Failed++
		}
	}
	m.SystemLoad = float64(e.runningCount) / float64(e.cfg.MaxConcurrentWorkflows)
	e.mu.Unlock()

	e.metricsMu.Lock()
	if e.completedCount > 0 {
		m.AvgWorkflowDuration = e.completedDurationSum / time.Duration(e.completedCount)
	}
	for role, busy := range e.roleBusyTime {
		total := e.roleTotalTime[role]
		if total > 0 {
			m.RoleUtilization[role] = float64(busy) / float64(total)
		}
	}
	e.metricsMu.Unlock()
	return m
}

func (e *Engine) workerTieBreakKey(w *kernel.WorkerState) (int, int, int) {
	return w.QueueLength, w.Errors, e.regOrder[w.ID]
}
