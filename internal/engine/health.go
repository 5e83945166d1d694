package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmguard/orchestrator/internal/kernel"
	"github.com/swarmguard/orchestrator/internal/kernel/errs"
)

// healthLoop runs the <=60s health tick (spec.md §4.5).
func (e *Engine) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HealthTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.healthTick()
		}
	}
}

// healthTick marks workers whose last heartbeat exceeds HeartbeatTimeout as
// offline. Unlike agent_coordinator.py (which only frees the worker), a
// stale heartbeat here also fails the step it was assigned, per the spec's
// explicit override (SPEC_FULL.md Open Question #3): a worker that stops
// heartbeating cannot be trusted to ever report its step's outcome.
func (e *Engine) healthTick() {
	now := time.Now()

	type timeout struct {
		workflowID, stepID string
	}
	var timeouts []timeout

	e.mu.Lock()
	for _, w := range e.workers {
		if w.Availability == kernel.WorkerOffline {
			continue
		}
		if now.Sub(w.LastHeartbeat) <= e.cfg.HeartbeatTimeout {
			continue
		}
		w.Availability = kernel.WorkerOffline
		if w.AssignedStep == "" {
			continue
		}
		for wfID, wf := range e.workflows {
			if s, ok := wf.Steps[w.AssignedStep]; ok && s.AssignedTo == w.ID && s.Status == kernel.StatusRunning {
				timeouts = append(timeouts, timeout{workflowID: wfID, stepID: s.ID})
			}
		}
		w.AssignedStep = ""
	}
	for _, t := range timeouts {
		wf := e.workflows[t.workflowID]
		s := wf.Steps[t.stepID]
		s.RetryCount++
		if s.RetryCount < s.MaxRetries {
			s.Status = kernel.StatusPending
		} else {
			s.Status = kernel.StatusFailed
			s.EndedAt = now
			s.Err = errs.Timeout()
		}
	}
	var finishedWorkflows []string
	for _, t := range timeouts {
		if wf, ok := e.workflows[t.workflowID]; ok && wf.AllStepsTerminal() {
			finishedWorkflows = append(finishedWorkflows, t.workflowID)
		}
	}
	e.mu.Unlock()

	for _, t := range timeouts {
		slog.Warn("worker heartbeat timeout", "workflow_id", t.workflowID, "step_id", t.stepID)
	}
	for _, id := range finishedWorkflows {
		e.finalizeWorkflow(id)
	}
}
