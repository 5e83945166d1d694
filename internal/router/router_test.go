package router

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/orchestrator/internal/bus"
	"github.com/swarmguard/orchestrator/internal/kernel"
)

func newTestRouter(t *testing.T) (*Router, *bus.Bus) {
	t.Helper()
	b, err := bus.New("127.0.0.1", -1)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(b.Close)
	return New(b, 24*time.Hour), b
}

func TestRouteUnknownKindGoesToDeadLetter(t *testing.T) {
	r, _ := newTestRouter(t)
	ok := r.Route(context.Background(), kernel.Message{
		ID: "m1", Kind: "not-a-real-kind", Sender: "x", Recipient: "y", CreatedAt: time.Now(),
	})
	if ok {
		t.Fatalf("expected unknown kind to be routed to dead letter (false)")
	}
	if got := len(r.DeadLetters()); got != 1 {
		t.Fatalf("expected 1 dead letter, got %d", got)
	}
}

func TestRouteAtCapacityGoesToDeadLetter(t *testing.T) {
	r, b := newTestRouter(t)
	// discovery queue has capacity 200; fill the real "discovery" queue
	// directly (no subscriber draining it), the same queue Route resolves
	// website-analyzed messages to and rewrites msg.Recipient onto.
	for i := 0; i < 200; i++ {
		b.Publish(context.Background(), kernel.Message{
			ID: "filler", Kind: kernel.KindWebsiteAnalyzed, Sender: "x",
			Recipient: "discovery", CreatedAt: time.Now(),
		})
	}
	// Recipient starts out as a caller-assigned worker ID the router does
	// not recognize as a queue; Route must still resolve it via the kind
	// map to "discovery", rewrite msg.Recipient, and check that queue's
	// real depth rather than "discovery-worker"'s (which is empty).
	ok := r.Route(context.Background(), kernel.Message{
		ID: "overflow", Kind: kernel.KindWebsiteAnalyzed, Sender: "x",
		Recipient: "discovery-worker", CreatedAt: time.Now(),
	})
	if ok {
		t.Fatalf("expected capacity overflow to route to dead letter")
	}
}

func TestRouteRewritesRecipientToResolvedQueue(t *testing.T) {
	r, b := newTestRouter(t)
	var got kernel.Message
	b.SubscribeQueue("orchestrator", func(ctx context.Context, msg kernel.Message) error {
		got = msg
		return nil
	})
	ok := r.Route(context.Background(), kernel.Message{
		ID: "m1", Kind: kernel.KindJobCreated, Sender: "engine",
		Recipient: "html_extractor-http-1", CreatedAt: time.Now(),
	})
	if !ok {
		t.Fatalf("expected route to succeed")
	}
	if got.Recipient != "orchestrator" {
		t.Fatalf("expected Route to rewrite recipient to the resolved queue %q, got %q", "orchestrator", got.Recipient)
	}
}

func TestRouteHonorsRecipientAlreadyNamingAKnownQueue(t *testing.T) {
	r, _ := newTestRouter(t)
	r.RegisterQueue(QueueConfig{Name: "worker.html_extractor", Capacity: 10})
	ok := r.Route(context.Background(), kernel.Message{
		ID: "m1", Kind: kernel.KindJobCreated, Sender: "engine",
		Recipient: "worker.html_extractor", CreatedAt: time.Now(),
	})
	if !ok {
		t.Fatalf("expected route to succeed")
	}
	stats, ok := r.Stats("worker.html_extractor")
	if !ok || stats.Sent != 1 {
		t.Fatalf("expected the explicit, already-known recipient queue to be used directly, got %+v ok=%v", stats, ok)
	}
}

func TestReplayDoesNotDoubleCount(t *testing.T) {
	r, _ := newTestRouter(t)
	r.Route(context.Background(), kernel.Message{
		ID: "m1", Kind: "bogus", Sender: "x", Recipient: "y", CreatedAt: time.Now(),
	})
	before, _ := r.Stats("dead_letter")
	replayed := r.Replay(context.Background())
	if replayed != 0 {
		// bogus kind still unroutable on replay, goes right back to dead letter
		t.Fatalf("expected replay of unroutable message to fail again, got %d replayed", replayed)
	}
	after, _ := r.Stats("dead_letter")
	if after.Sent != before.Sent {
		t.Fatalf("dead_letter queue stats should not be touched by replay of an unroutable message")
	}
}
