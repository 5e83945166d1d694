package taskexec

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/orchestrator/internal/bus"
	"github.com/swarmguard/orchestrator/internal/kernel"
)

// Bridge adapts a role's shared bus queue to an HTTPWorker: every
// job-created message delivered to the queue is forwarded over HTTP, and
// the HTTP response (or failure) is published back to the engine's queue
// as content-extracted/job-failed (spec.md §6's external collaborator
// contract, for workers that speak HTTP rather than NATS). The queue name
// is the router's resolved target (engine.RoleQueueName), not a specific
// worker instance, so the router's capacity/dead-letter accounting runs
// against the same queue messages are actually delivered on.
type Bridge struct {
	bus    *bus.Bus
	worker *HTTPWorker
}

// NewBridge builds a Bridge over worker, to be subscribed onto a queue name
// via Attach.
func NewBridge(b *bus.Bus, worker *HTTPWorker) *Bridge {
	return &Bridge{bus: b, worker: worker}
}

// Attach subscribes the bridge to queueName.
func (br *Bridge) Attach(queueName string) {
	br.bus.SubscribeQueue(queueName, br.handle)
}

func (br *Bridge) handle(ctx context.Context, msg kernel.Message) error {
	if msg.Kind != kernel.KindJobCreated {
		return nil
	}
	workflowID, _ := msg.Payload["workflow_id"].(string)
	stepID, _ := msg.Payload["step_id"].(string)
	role, _ := msg.Payload["role"].(string)
	input, _ := msg.Payload["input"].(map[string]any)
	step := &kernel.Step{ID: stepID, Role: role, Input: input}

	result, err := br.worker.Invoke(ctx, step, nil)
	if err != nil {
		slog.Warn("taskexec bridge: worker invocation failed", "workflow_id", workflowID, "step_id", stepID, "error", err)
		br.bus.Publish(context.Background(), kernel.Message{
			ID: uuid.NewString(), Kind: kernel.KindJobFailed, Sender: "taskexec",
			Recipient: "engine", CorrelationID: workflowID, CreatedAt: time.Now(),
			Payload: map[string]any{"workflow_id": workflowID, "step_id": stepID, "error": err.Error()},
		})
		return nil
	}

	payload := map[string]any{"workflow_id": workflowID, "step_id": stepID}
	for k, v := range result {
		payload[k] = v
	}
	br.bus.Publish(context.Background(), kernel.Message{
		ID: uuid.NewString(), Kind: kernel.KindContentExtracted, Sender: "taskexec",
		Recipient: "engine", CorrelationID: workflowID, CreatedAt: time.Now(),
		Payload: payload,
	})
	return nil
}
