package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/orchestrator/internal/kernel"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := New("127.0.0.1", -1)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestPublishDeliversFIFOPerRecipient(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var got []string
	b.SubscribeQueue("worker-a", func(ctx context.Context, msg kernel.Message) error {
		mu.Lock()
		got = append(got, msg.ID)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 3; i++ {
		msg := kernel.Message{
			ID: []string{"m1", "m2", "m3"}[i], Kind: kernel.KindJobCreated,
			Sender: "engine", Recipient: "worker-a", CreatedAt: time.Now(),
		}
		if ok := b.Publish(context.Background(), msg); !ok {
			t.Fatalf("publish %d failed", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "m1" || got[1] != "m2" || got[2] != "m3" {
		t.Fatalf("expected FIFO order m1,m2,m3 got %v", got)
	}
}

func TestExpiredMessageDiscarded(t *testing.T) {
	b := newTestBus(t)

	delivered := false
	b.SubscribeQueue("worker-b", func(ctx context.Context, msg kernel.Message) error {
		delivered = true
		return nil
	})

	msg := kernel.Message{
		ID: "expired", Kind: kernel.KindJobCreated, Sender: "engine",
		Recipient: "worker-b", CreatedAt: time.Now().Add(-time.Hour), TTL: time.Second,
	}
	b.Publish(context.Background(), msg)
	if delivered {
		t.Fatalf("expired message should not be delivered")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msg := kernel.Message{
		ID: "m1", Kind: kernel.KindContentExtracted, Sender: "worker",
		Recipient: "engine", Payload: map[string]any{"k": "v"},
		CorrelationID: "c1", CreatedAt: time.Now().Truncate(time.Second), TTL: time.Minute,
	}
	data, err := encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != msg.ID || got.Kind != msg.Kind || got.CorrelationID != msg.CorrelationID {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, msg)
	}
	var raw map[string]any
	_ = json.Unmarshal(data, &raw)
	if raw["payload"].(map[string]any)["k"] != "v" {
		t.Fatalf("payload not preserved")
	}
}
