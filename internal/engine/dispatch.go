package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/orchestrator/internal/kernel"
)

// dispatchLoop runs the <=5s dispatch tick (spec.md §4.5).
func (e *Engine) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.DispatchTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.dispatchTick(ctx)
		}
	}
}

func (e *Engine) dispatchTick(ctx context.Context) {
	e.admitPendingWorkflows()

	e.mu.Lock()
	runningIDs := make([]string, 0, e.runningCount)
	for id, wf := range e.workflows {
		if wf.Status == kernel.StatusRunning {
			runningIDs = append(runningIDs, id)
		}
	}
	e.mu.Unlock()

	for _, id := range runningIDs {
		e.dispatchReadySteps(ctx, id)
	}
}

// admitPendingWorkflows starts queued workflows while runningCount < max
// (spec.md §4.5: "Workflows exceeding that limit remain in a FIFO queue").
func (e *Engine) admitPendingWorkflows() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.runningCount < e.cfg.MaxConcurrentWorkflows && len(e.pendingQueue) > 0 {
		id := e.pendingQueue[0]
		e.pendingQueue = e.pendingQueue[1:]
		wf, ok := e.workflows[id]
		if !ok {
			continue
		}
		wf.Status = kernel.StatusRunning
		wf.StartedAt = time.Now()
		e.runningCount++
		slog.Info("workflow started", "workflow_id", id)
	}
}

// dispatchReadySteps dispatches every candidate step of workflow id to an
// idle worker of the required role, picking lowest (queue length, error
// count), tie-broken by registration order (spec.md §4.5). Steps that
// become ready together are dispatched in parallel across distinct workers.
func (e *Engine) dispatchReadySteps(ctx context.Context, workflowID string) {
	e.mu.Lock()
	wf, ok := e.workflows[workflowID]
	if !ok {
		e.mu.Unlock()
		return
	}

	var candidates []*kernel.Step
	for _, id := range wf.StepOrder {
		s := wf.Steps[id]
		if s.Status != kernel.StatusPending {
			continue
		}
		if e.prereqsCompletedLocked(wf, s) {
			candidates = append(candidates, s)
		}
	}

	type assignment struct {
		step   *kernel.Step
		worker *kernel.WorkerState
	}
	var assignments []assignment
	for _, step := range candidates {
		w := e.pickIdleWorkerLocked(step.Role)
		if w == nil {
			continue // candidate waits (spec.md §4.5)
		}
		w.Availability = kernel.WorkerBusy
		w.AssignedStep = step.ID
		step.Status = kernel.StatusRunning
		step.StartedAt = time.Now()
		step.AssignedTo = w.ID
		assignments = append(assignments, assignment{step: step, worker: w})
	}
	e.mu.Unlock()

	for _, a := range assignments {
		// Recipient carries the role's shared queue identity, not the
		// specific worker instance: the router resolves (and may rewrite)
		// the real bus-level queue, so delivery and capacity accounting
		// both target the same shared queue a role's workers subscribe to
		// (spec.md §4.2, §4.5; matches queue_manager.py's explicit
		// message.recipient reassignment in route_message).
		msg := kernel.Message{
			ID: uuid.NewString(), Kind: kernel.KindJobCreated, Sender: "engine",
			Recipient: RoleQueueName(a.step.Role), CorrelationID: workflowID, CreatedAt: time.Now(),
			TTL: e.cfg.StepTimeout,
			Payload: map[string]any{
				"workflow_id": workflowID, "step_id": a.step.ID, "role": a.step.Role, "input": a.step.Input,
			},
		}
		if e.router != nil {
			e.router.Route(ctx, msg)
		} else {
			e.bus.Publish(ctx, msg)
		}
		slog.Info("step dispatched", "workflow_id", workflowID, "step_id", a.step.ID, "worker_id", a.worker.ID)
	}
}

// prereqsCompletedLocked reports whether every prerequisite of s is
// completed. Caller holds e.mu.
func (e *Engine) prereqsCompletedLocked(wf *kernel.Workflow, s *kernel.Step) bool {
	for _, dep := range s.Prereqs {
		ds, ok := wf.Steps[dep]
		if !ok || ds.Status != kernel.StatusCompleted {
			return false
		}
	}
	return true
}

// pickIdleWorkerLocked selects the idle worker of role with the lowest
// (queue length, error count), tie-broken by registration order. Caller
// holds e.mu.
func (e *Engine) pickIdleWorkerLocked(role string) *kernel.WorkerState {
	var best *kernel.WorkerState
	var bestKey [3]int
	for _, w := range e.workers {
		if w.Role != role || w.Availability != kernel.WorkerIdle {
			continue
		}
		ql, errs, order := e.workerTieBreakKey(w)
		key := [3]int{ql, errs, order}
		if best == nil || less(key, bestKey) {
			best = w
			bestKey = key
		}
	}
	return best
}

// RoleQueueName is the bus/router queue identity shared by every worker
// instance of a role. cmd/orchestrator registers this name on the router
// (router.RegisterQueue) and attaches each role's taskexec.Bridge to it, so
// dispatch's Recipient and the bridge's subscription always agree.
func RoleQueueName(role string) string {
	return "worker." + role
}

func less(a, b [3]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
