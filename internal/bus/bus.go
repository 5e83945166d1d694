// Package bus implements the Message Bus (C1): typed messages with
// correlation IDs, per-recipient FIFO queues, and broadcast channels per
// message kind (spec.md §4.1).
//
// The bus runs an embedded NATS server in-process (no external broker, no
// network hop — consistent with spec.md §1's single-host non-goal) and
// talks to it over the real github.com/nats-io/nats.go client, the same
// dependency the teacher's natsctx package wraps. Per-recipient FIFO
// ordering, queue-depth accounting, and at-least-once redelivery bookkeeping
// are kept in an in-process structure because core NATS subjects are
// fire-and-forget and do not track depth or guarantee delivery on their own;
// broadcast-per-kind uses a plain NATS subject, matching the spec's
// "fire-and-forget, errors logged not reported" channel contract exactly.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nserver "github.com/nats-io/nats-server/v2/server"
	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/orchestrator/internal/core/natsctx"
	"github.com/swarmguard/orchestrator/internal/kernel"
)

// QueueHandler processes one delivered message. Returning an error only
// logs; the bus does not re-dispatch on handler error (spec.md §4.1:
// per-recipient FIFO, at-least-once is the bus's job, not redelivery on
// handler failure — that is the engine's retry-count responsibility).
type QueueHandler func(ctx context.Context, msg kernel.Message) error

// ChannelHandler taps the broadcast stream. Errors are logged, not reported,
// per spec.md §4.1.
type ChannelHandler func(ctx context.Context, msg kernel.Message)

type recipientQueue struct {
	mu       sync.Mutex
	handlers []QueueHandler
}

// Bus is the Message Bus (C1).
type Bus struct {
	srv  *nserver.Server
	conn *nats.Conn

	mu        sync.Mutex
	queues    map[string]*recipientQueue
	channels  map[kernel.MessageKind][]ChannelHandler

	statsMu sync.Mutex
	depths  map[string]int
}

// New starts an embedded NATS server bound to host:port (port -1 selects a
// random free port, suitable for tests; port 0 selects the NATS default
// port 4222) and returns a connected Bus.
func New(host string, port int) (*Bus, error) {
	opts := &nserver.Options{Host: host, Port: port, NoLog: true, NoSigs: true}
	srv, err := nserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("bus: start embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("bus: embedded nats server did not become ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("bus: connect to embedded nats: %w", err)
	}
	return &Bus{
		srv:      srv,
		conn:     nc,
		queues:   make(map[string]*recipientQueue),
		channels: make(map[kernel.MessageKind][]ChannelHandler),
		depths:   make(map[string]int),
	}, nil
}

// Close drains the client connection and shuts down the embedded server.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Drain()
	}
	if b.srv != nil {
		b.srv.Shutdown()
	}
}

// Publish enqueues to the recipient's FIFO queue and mirrors to the
// broadcast channel named by the message kind (spec.md §4.1). Returns false
// on any transport failure so the caller can route to dead-letter (C2).
func (b *Bus) Publish(ctx context.Context, msg kernel.Message) bool {
	b.mu.Lock()
	q, ok := b.queues[msg.Recipient]
	if !ok {
		q = &recipientQueue{}
		b.queues[msg.Recipient] = q
	}
	b.mu.Unlock()

	q.mu.Lock()
	handlers := append([]QueueHandler(nil), q.handlers...)
	q.mu.Unlock()

	b.statsMu.Lock()
	b.depths[msg.Recipient]++
	b.statsMu.Unlock()

	data, err := encode(msg)
	if err != nil {
		slog.Error("bus publish encode failed", "error", err, "message_id", msg.ID)
		return false
	}
	if err := natsctx.Publish(ctx, b.conn, "channel."+string(msg.Kind), data); err != nil {
		slog.Error("bus broadcast publish failed", "error", err, "message_id", msg.ID)
		return false
	}

	// Registered handlers see every delivered message in registration
	// order (spec.md §4.1 subscribeQueue contract).
	for _, h := range handlers {
		b.deliver(ctx, msg, h)
	}
	return true
}

func (b *Bus) deliver(ctx context.Context, msg kernel.Message, h QueueHandler) {
	if msg.Expired(time.Now()) {
		slog.Debug("bus dropping expired message", "message_id", msg.ID, "recipient", msg.Recipient)
		b.ack(msg.Recipient)
		return
	}
	slog.Debug("bus delivering message", "message_id", msg.ID, "kind", msg.Kind, "recipient", msg.Recipient)
	if err := h(ctx, msg); err != nil {
		slog.Error("bus queue handler error", "error", err, "message_id", msg.ID)
	}
	b.ack(msg.Recipient)
}

func (b *Bus) ack(recipient string) {
	b.statsMu.Lock()
	if b.depths[recipient] > 0 {
		b.depths[recipient]--
	}
	b.statsMu.Unlock()
}

// SubscribeQueue registers a handler for a recipient's FIFO queue. Multiple
// handlers may be registered in a chain; every registered handler sees
// every delivered message in registration order (spec.md §4.1).
func (b *Bus) SubscribeQueue(name string, handler QueueHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &recipientQueue{}
		b.queues[name] = q
	}
	q.mu.Lock()
	q.handlers = append(q.handlers, handler)
	q.mu.Unlock()
}

// SubscribeChannel taps the broadcast stream for kind; channel subscribers
// receive every published message regardless of recipient (spec.md §4.1).
func (b *Bus) SubscribeChannel(kind kernel.MessageKind, handler ChannelHandler) error {
	_, err := natsctx.Subscribe(b.conn, "channel."+string(kind), func(ctx context.Context, m *nats.Msg) {
		msg, derr := decode(m.Data)
		if derr != nil {
			slog.Error("bus channel decode failed", "error", derr)
			return
		}
		handler(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe channel %s: %w", kind, err)
	}
	b.mu.Lock()
	b.channels[kind] = append(b.channels[kind], handler)
	b.mu.Unlock()
	return nil
}

// QueueDepth reports how many messages a recipient's queue currently holds,
// used by the health keepalive (spec.md §4.1).
func (b *Bus) QueueDepth(recipient string) int {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.depths[recipient]
}

// Health reports whether the bus is reachable and per-queue depths.
type Health struct {
	Reachable bool              `json:"reachable"`
	Depths    map[string]int    `json:"depths"`
}

// Health implements the spec's lightweight keepalive.
func (b *Bus) Health() Health {
	b.statsMu.Lock()
	depths := make(map[string]int, len(b.depths))
	for k, v := range b.depths {
		depths[k] = v
	}
	b.statsMu.Unlock()
	return Health{Reachable: b.conn != nil && b.conn.IsConnected(), Depths: depths}
}
