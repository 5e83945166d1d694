package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/orchestrator/internal/kernel"
	"github.com/swarmguard/orchestrator/internal/kernel/errs"
)

// Cancel marks workflowID cancelled (spec.md §4.5/seed scenario S5).
// Cancellation is cooperative: a step already dispatched to a worker keeps
// running to completion on the worker side, but its late result is ignored
// by handleStepSuccess/handleStepFailure once the step itself reads
// cancelled rather than running, and the workflow never revives.
func (e *Engine) Cancel(workflowID, reason string) error {
	e.mu.Lock()
	wf, ok := e.workflows[workflowID]
	if !ok {
		e.mu.Unlock()
		return errs.ErrWorkflowNotFound
	}
	if wf.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}

	wasRunning := wf.Status == kernel.StatusRunning
	wasQueued := wf.Status == kernel.StatusPending

	for _, s := range wf.Steps {
		if s.Status == kernel.StatusRunning || s.Status == kernel.StatusPending {
			s.Status = kernel.StatusCancelled
			s.EndedAt = time.Now()
			s.Err = errs.New(errs.KindCancellation, errString(reason))
			if s.AssignedTo != "" {
				if w, ok := e.workers[s.AssignedTo]; ok && w.AssignedStep == s.ID {
					w.Availability = kernel.WorkerIdle
					w.AssignedStep = ""
				}
			}
		}
	}
	wf.Status = kernel.StatusCancelled
	wf.EndedAt = time.Now()

	if wasQueued {
		for i, id := range e.pendingQueue {
			if id == workflowID {
				e.pendingQueue = append(e.pendingQueue[:i], e.pendingQueue[i+1:]...)
				break
			}
		}
	}
	if wasRunning && e.runningCount > 0 {
		e.runningCount--
	}
	e.mu.Unlock()

	slog.Info("workflow cancelled", "workflow_id", workflowID, "reason", reason)
	e.bus.Publish(context.Background(), kernel.Message{
		ID: uuid.NewString(), Kind: kernel.KindWorkflowCompleted, Sender: "engine",
		Recipient: "caller", CorrelationID: workflowID, CreatedAt: time.Now(),
		Payload: map[string]any{"workflow_id": workflowID, "status": string(kernel.StatusCancelled), "reason": reason},
	})
	return nil
}
