// Package router implements the Queue Router (C2): a static
// message-kind-to-queue mapping with capacity caps and dead-letter
// fallback (spec.md §4.2), grounded on the exact queue table in
// original_source/src/infrastructure/queue_manager.py.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/orchestrator/internal/bus"
	"github.com/swarmguard/orchestrator/internal/kernel"
)

// Priority mirrors the Python original's QueuePriority enum.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// QueueConfig is per-queue capacity/timeout/retry/TTL/dead-letter policy
// (spec.md §4.2).
type QueueConfig struct {
	Name            string
	Capacity        int
	ConsumerTimeout time.Duration
	MaxRetries      int
	TTL             time.Duration
	DeadLetter      bool
	Priority        Priority
}

// Stats are per-queue sent/succeeded/failed/last-activity counters
// (spec.md §4.2).
type Stats struct {
	Sent         int
	Succeeded    int
	Failed       int
	LastActivity time.Time
}

// DeadLetterEnvelope wraps an unroutable message (spec.md §4.2).
type DeadLetterEnvelope struct {
	ID       string
	Original kernel.Message
	Reason   string
	FailedAt time.Time
}

const deadLetterQueue = "dead_letter"

// Router is the Queue Router (C2).
type Router struct {
	bus  *bus.Bus
	dlRetention time.Duration

	mu          sync.Mutex
	queues      map[string]QueueConfig
	kindToQueue map[kernel.MessageKind]string
	stats       map[string]*Stats
	deadLetters []DeadLetterEnvelope
}

// New builds a Router with the default 8-queue table from
// queue_manager.py (capacities/priorities reproduced verbatim) and routes
// the closed message-kind set onto it.
func New(b *bus.Bus, deadLetterRetention time.Duration) *Router {
	r := &Router{
		bus:         b,
		dlRetention: deadLetterRetention,
		queues:      make(map[string]QueueConfig),
		kindToQueue: make(map[kernel.MessageKind]string),
		stats:       make(map[string]*Stats),
	}
	for _, q := range defaultQueues() {
		r.queues[q.Name] = q
		r.stats[q.Name] = &Stats{}
	}
	for kind, queue := range defaultRoutingMap() {
		r.kindToQueue[kind] = queue
	}
	return r
}

// RegisterQueue adds or replaces a queue's policy, for queues the static
// table doesn't name — e.g. one queue per worker role, so job dispatch can
// target a specific role's workers rather than the shared "orchestrator"
// queue (spec.md §4.5 dispatch, §6 external collaborator contract).
func (r *Router) RegisterQueue(cfg QueueConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[cfg.Name] = cfg
	if _, ok := r.stats[cfg.Name]; !ok {
		r.stats[cfg.Name] = &Stats{}
	}
}

func defaultQueues() []QueueConfig {
	return []QueueConfig{
		{Name: "orchestrator", Capacity: 500, Priority: PriorityCritical, ConsumerTimeout: 30 * time.Second, MaxRetries: 3, TTL: time.Hour, DeadLetter: true},
		{Name: "discovery", Capacity: 200, Priority: PriorityHigh, ConsumerTimeout: 30 * time.Second, MaxRetries: 3, TTL: time.Hour, DeadLetter: true},
		{Name: "html_extraction", Capacity: 1000, Priority: PriorityNormal, ConsumerTimeout: 30 * time.Second, MaxRetries: 3, TTL: time.Hour, DeadLetter: true},
		{Name: "pdf_extraction", Capacity: 500, Priority: PriorityNormal, ConsumerTimeout: 30 * time.Second, MaxRetries: 3, TTL: time.Hour, DeadLetter: true},
		{Name: "vision_extraction", Capacity: 100, Priority: PriorityLow, ConsumerTimeout: 30 * time.Second, MaxRetries: 3, TTL: time.Hour, DeadLetter: true},
		{Name: "content_analysis", Capacity: 500, Priority: PriorityNormal, ConsumerTimeout: 30 * time.Second, MaxRetries: 3, TTL: time.Hour, DeadLetter: true},
		{Name: "validation", Capacity: 500, Priority: PriorityHigh, ConsumerTimeout: 30 * time.Second, MaxRetries: 3, TTL: time.Hour, DeadLetter: true},
		{Name: deadLetterQueue, Capacity: 1000, Priority: PriorityLow, ConsumerTimeout: 30 * time.Second, MaxRetries: 0, TTL: 24 * time.Hour, DeadLetter: false},
	}
}

func defaultRoutingMap() map[kernel.MessageKind]string {
	return map[kernel.MessageKind]string{
		kernel.KindWorkflowRequest:     "orchestrator",
		kernel.KindJobCreated:          "orchestrator",
		kernel.KindWorkflowCreated:     "orchestrator",
		kernel.KindWorkflowCompleted:   "orchestrator",
		kernel.KindWebsiteAnalyzed:     "discovery",
		kernel.KindContentExtracted:    "html_extraction",
		kernel.KindContentValidated:    "content_analysis",
		kernel.KindValidationCompleted: "validation",
		kernel.KindJobStarted:          "orchestrator",
		kernel.KindJobCompleted:        "orchestrator",
		kernel.KindJobFailed:           "orchestrator",
		kernel.KindAgentHealthCheck:    "orchestrator",
	}
}

// Route resolves msg's target queue and publishes it through the bus; if
// the target is unknown or at capacity, it is wrapped into a dead-letter
// envelope and published to the dead-letter queue instead (spec.md §4.2).
//
// Target resolution matches queue_manager.py::_get_target_queue: an
// already-set msg.Recipient is honored as-is if it already names a known
// queue (e.g. a per-role worker queue registered via RegisterQueue); only
// otherwise does it fall back to the static kind-to-queue table. Either
// way, msg.Recipient is reassigned to the resolved queue name before the
// capacity check and publish (queue_manager.py's explicit
// "message.recipient = target_queue"), so depth accounting and delivery
// both happen against the real shared queue, not whatever caller-supplied
// identity the message arrived with.
func (r *Router) Route(ctx context.Context, msg kernel.Message) bool {
	r.mu.Lock()
	queueName, known := msg.Recipient, false
	if _, known = r.queues[msg.Recipient]; !known {
		queueName, known = r.kindToQueue[msg.Kind]
	}
	var cfg QueueConfig
	if known {
		cfg, known = r.queues[queueName]
	}
	r.mu.Unlock()

	if !known {
		r.deadLetter(ctx, msg, "unknown queue for message kind "+string(msg.Kind))
		return false
	}
	msg.Recipient = queueName

	depth := r.bus.QueueDepth(msg.Recipient)
	if depth >= cfg.Capacity {
		r.recordFailed(queueName)
		r.deadLetter(ctx, msg, "queue at capacity")
		return false
	}

	r.recordSent(queueName)
	ok := r.bus.Publish(ctx, msg)
	if !ok {
		r.recordFailed(queueName)
		r.deadLetter(ctx, msg, "bus publish failure")
		return false
	}
	r.recordSucceeded(queueName)
	return true
}

func (r *Router) deadLetter(ctx context.Context, msg kernel.Message, reason string) {
	env := DeadLetterEnvelope{ID: uuid.NewString(), Original: msg, Reason: reason, FailedAt: time.Now()}
	r.mu.Lock()
	r.deadLetters = append(r.deadLetters, env)
	r.mu.Unlock()
	r.recordFailed("dead_letter_source")
	slog.Warn("router: message sent to dead letter", "message_id", msg.ID, "reason", reason)
	r.bus.Publish(ctx, kernel.Message{
		ID: env.ID, Kind: msg.Kind, Sender: "router", Recipient: deadLetterQueue,
		Payload: map[string]any{"original_id": msg.ID, "reason": reason},
		CorrelationID: msg.CorrelationID, CreatedAt: env.FailedAt, TTL: r.dlRetention,
	})
}

func (r *Router) recordSent(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stats[queue]; ok {
		s.Sent++
		s.LastActivity = time.Now()
	}
}

func (r *Router) recordSucceeded(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stats[queue]; ok {
		s.Succeeded++
		s.LastActivity = time.Now()
	}
}

func (r *Router) recordFailed(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stats[queue]; ok {
		s.Failed++
		s.LastActivity = time.Now()
	}
}

// Ack records a successful worker acknowledgement against queue, per
// spec.md §4.2's "updated on route and on worker ack".
func (r *Router) Ack(queue string) {
	r.recordSucceeded(queue)
}

// Stats returns a snapshot of per-queue counters.
func (r *Router) Stats(queue string) (Stats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[queue]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// DeadLetters returns the current dead-letter backlog, pruning entries
// older than the retention window.
func (r *Router) DeadLetters() []DeadLetterEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.dlRetention)
	kept := r.deadLetters[:0:0]
	for _, e := range r.deadLetters {
		if e.FailedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	r.deadLetters = kept
	return append([]DeadLetterEnvelope(nil), kept...)
}

// Replay bulk re-publishes every current dead-letter entry to its original
// recipient. Per the spec's Open Question on double-counting, this kernel
// does NOT re-count the original failed attempt; only the replay's own
// sent/succeeded counters are incremented (on the replay attempt itself).
func (r *Router) Replay(ctx context.Context) int {
	entries := r.DeadLetters()
	replayed := 0
	r.mu.Lock()
	r.deadLetters = nil
	r.mu.Unlock()
	for _, e := range entries {
		if r.Route(ctx, e.Original) {
			replayed++
		}
	}
	return replayed
}
