package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMessageBusInboundRoundTrip(t *testing.T) {
	b := New()
	b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.Channel != "telegram" || msg.Content != "hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestMessageBusConsumeCancelled(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("expected ok=false on cancelled context")
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := New()
	var mu sync.Mutex
	got := map[string]int{}

	for _, id := range []string{"a", "b"} {
		id := id
		b.Subscribe(id, func(Event) {
			mu.Lock()
			got[id]++
			mu.Unlock()
		})
	}
	b.Broadcast(Event{Name: "health"})

	mu.Lock()
	defer mu.Unlock()
	if got["a"] != 1 || got["b"] != 1 {
		t.Fatalf("expected each subscriber to see the event once, got %v", got)
	}
}

func TestDedupeCache(t *testing.T) {
	d := NewDedupeCache(time.Minute, 100)
	if d.IsDuplicate("k1") {
		t.Fatal("first sighting must not be a duplicate")
	}
	if !d.IsDuplicate("k1") {
		t.Fatal("second sighting must be a duplicate")
	}
	if d.IsDuplicate("k2") {
		t.Fatal("distinct key must not be a duplicate")
	}
}

func TestDedupeCacheEvictsAtCapacity(t *testing.T) {
	d := NewDedupeCache(time.Hour, 2)
	d.IsDuplicate("a")
	d.IsDuplicate("b")
	d.IsDuplicate("c") // evicts the oldest ("a")

	if d.IsDuplicate("a") {
		t.Fatal("evicted key should read as fresh")
	}
}

func TestInboundDebouncerMergesRapidMessages(t *testing.T) {
	var mu sync.Mutex
	var flushed []InboundMessage
	d := NewInboundDebouncer(50*time.Millisecond, func(msg InboundMessage) {
		mu.Lock()
		flushed = append(flushed, msg)
		mu.Unlock()
	})
	defer d.Stop()

	base := InboundMessage{Channel: "telegram", SenderID: "u1", ChatID: "c1"}
	first := base
	first.Content = "hello"
	second := base
	second.Content = "world"

	d.Push(first)
	d.Push(second)

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 {
		t.Fatalf("expected 1 merged flush, got %d", len(flushed))
	}
	if flushed[0].Content != "hello\nworld" {
		t.Fatalf("unexpected merged content: %q", flushed[0].Content)
	}
}

func TestInboundDebouncerCommandsBypassMerging(t *testing.T) {
	var mu sync.Mutex
	count := 0
	d := NewInboundDebouncer(time.Minute, func(InboundMessage) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer d.Stop()

	d.Push(InboundMessage{Channel: "telegram", SenderID: "u1", ChatID: "c1",
		Content: "/stop", Metadata: map[string]string{"command": "stop"}})

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("command should flush synchronously, count=%d", count)
	}
}
