package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/orchestrator/internal/kernel"
	"github.com/swarmguard/orchestrator/internal/kernel/errs"
)

// subscribeResultMessages wires the engine's own queue ("engine") to the
// bus so result/failure messages from workers complete the DAG advance
// (spec.md §4.5 Result handling). Per the spec's first Open Question, this
// kernel uses one listener per queue name rather than a shared dispatcher.
func (e *Engine) subscribeResultMessages() {
	e.bus.SubscribeQueue("engine", func(ctx context.Context, msg kernel.Message) error {
		switch msg.Kind {
		case kernel.KindContentExtracted, kernel.KindWebsiteAnalyzed,
			kernel.KindContentValidated, kernel.KindValidationCompleted, kernel.KindJobCompleted:
			e.handleStepSuccess(msg)
		case kernel.KindJobFailed:
			e.handleStepFailure(msg)
		case kernel.KindAgentHealthCheck:
			e.handleHeartbeat(msg)
		}
		return nil
	})
}

func stepIDFromPayload(msg kernel.Message) (string, string, bool) {
	wfID, _ := msg.Payload["workflow_id"].(string)
	stepID, _ := msg.Payload["step_id"].(string)
	if wfID == "" || stepID == "" {
		return "", "", false
	}
	return wfID, stepID, true
}

// handleStepSuccess completes the step named by the message's step id
// (spec.md §4.5 Result handling). A late result for an already-terminal
// (e.g. cancelled) step is accepted at most once and does not revive the
// workflow (spec.md seed scenario S5).
func (e *Engine) handleStepSuccess(msg kernel.Message) {
	wfID, stepID, ok := stepIDFromPayload(msg)
	if !ok {
		return
	}
	e.mu.Lock()
	wf, ok := e.workflows[wfID]
	if !ok {
		e.mu.Unlock()
		return
	}
	step, ok := wf.Steps[stepID]
	if !ok || step.Status != kernel.StatusRunning {
		e.mu.Unlock()
		return
	}
	step.Status = kernel.StatusCompleted
	step.EndedAt = time.Now()
	step.Result = msg.Payload
	if w, ok := e.workers[step.AssignedTo]; ok && w.AssignedStep == step.ID {
		w.Availability = kernel.WorkerIdle
		w.AssignedStep = ""
		w.JobsProcessed++
	}
	finished := wf.AllStepsTerminal()
	e.mu.Unlock()

	slog.Info("step completed", "workflow_id", wfID, "step_id", stepID)
	if finished {
		e.finalizeWorkflow(wfID)
	}
}

// handleStepFailure increments the step's retry count; if still under
// max_retries it is re-queued to pending, otherwise it becomes failed
// (spec.md §4.5). A fourth failure for an already-failed step is ignored
// (spec.md seed scenario S2).
func (e *Engine) handleStepFailure(msg kernel.Message) {
	wfID, stepID, ok := stepIDFromPayload(msg)
	if !ok {
		return
	}
	reason, _ := msg.Payload["error"].(string)

	e.mu.Lock()
	wf, ok := e.workflows[wfID]
	if !ok {
		e.mu.Unlock()
		return
	}
	step, ok := wf.Steps[stepID]
	if !ok || step.Status != kernel.StatusRunning {
		e.mu.Unlock()
		return
	}

	if w, ok := e.workers[step.AssignedTo]; ok && w.AssignedStep == step.ID {
		w.Availability = kernel.WorkerIdle
		w.AssignedStep = ""
		w.Errors++
	}

	step.RetryCount++
	if step.RetryCount < step.MaxRetries {
		step.Status = kernel.StatusPending
	} else {
		step.Status = kernel.StatusFailed
		step.EndedAt = time.Now()
		step.Err = errs.New(errs.KindWorkerExecution, errString(reason))
	}
	finished := wf.AllStepsTerminal()
	e.mu.Unlock()

	slog.Warn("step failed", "workflow_id", wfID, "step_id", stepID, "retry_count", step.RetryCount, "reason", reason)
	if finished {
		e.finalizeWorkflow(wfID)
	}
}

func (e *Engine) handleHeartbeat(msg kernel.Message) {
	id, _ := msg.Payload["worker_id"].(string)
	if id != "" {
		e.Heartbeat(id)
	}
}

// finalizeWorkflow computes cancelled > failed > completed precedence and
// publishes workflow-completed (spec.md §4.5 Completion). The rolling
// average completion time is updated only for workflows that finish
// completed, per spec.md's explicit "only completed contribute" — a
// deliberate correction of agent_coordinator.py, which updates the average
// unconditionally.
func (e *Engine) finalizeWorkflow(workflowID string) {
	e.mu.Lock()
	wf, ok := e.workflows[workflowID]
	if !ok {
		e.mu.Unlock()
		return
	}
	wf.Status = wf.FinalStatus()
	wf.EndedAt = time.Now()
	if wf.Status == kernel.StatusRunning {
		e.mu.Unlock()
		return
	}
	if e.runningCount > 0 {
		e.runningCount--
	}
	duration := wf.EndedAt.Sub(wf.StartedAt)
	finalStatus := wf.Status
	e.mu.Unlock()

	if finalStatus == kernel.StatusCompleted {
		e.metricsMu.Lock()
		e.completedCount++
		e.completedDurationSum += duration
		e.metricsMu.Unlock()
	}

	slog.Info("workflow finalized", "workflow_id", workflowID, "status", finalStatus)
	e.bus.Publish(context.Background(), kernel.Message{
		ID: uuid.NewString(), Kind: kernel.KindWorkflowCompleted, Sender: "engine",
		Recipient: "caller", CorrelationID: workflowID, CreatedAt: time.Now(),
		Payload: map[string]any{"workflow_id": workflowID, "status": string(finalStatus)},
	})
}

type errString string

func (e errString) Error() string { return string(e) }
