package bus

import (
	"context"
	"sync"
	"time"
)

// MessageBus routes inbound/outbound messages between channels and the
// agent runtime, and broadcasts server events to subscribers (gateway
// WebSocket clients, streaming forwarders). Channels publish inbound;
// the consumer loop drains them; agent replies go back out as outbound.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]EventHandler
	closed   bool
}

// New creates a MessageBus with bounded queues. A full inbound queue
// drops the oldest message rather than blocking the channel poll loop.
func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, 256),
		outbound: make(chan OutboundMessage, 256),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message from a channel. Never blocks: on a
// full queue the oldest pending message is evicted first.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	for {
		select {
		case b.inbound <- msg:
			return
		default:
			select {
			case <-b.inbound:
			default:
			}
		}
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
// Returns ok=false on cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound enqueues a message for delivery to a channel.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	for {
		select {
		case b.outbound <- msg:
			return
		default:
			select {
			case <-b.outbound:
			default:
			}
		}
	}
}

// SubscribeOutbound blocks until an outbound message is available or ctx
// is done. Exactly one subscriber receives each message (the channel
// manager's delivery loop).
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}

// Subscribe registers an event handler under id, replacing any previous
// handler with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers an event to every subscribed handler. Handlers must
// be non-blocking; anything heavy belongs in a goroutine on their side.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// DedupeCache is a TTL-bounded set of recently seen keys, used to skip
// duplicate inbound messages (webhook retries, double-taps). Entries
// expire after ttl; when the cache exceeds max entries the expired and
// oldest entries are evicted.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]time.Time
}

// NewDedupeCache creates a cache holding at most max keys for ttl each.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]time.Time),
	}
}

// IsDuplicate reports whether key was seen within the TTL, and records
// it as seen either way.
func (d *DedupeCache) IsDuplicate(key string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if seen, ok := d.entries[key]; ok && now.Sub(seen) < d.ttl {
		return true
	}

	if len(d.entries) >= d.max {
		d.evictLocked(now)
	}
	d.entries[key] = now
	return false
}

// evictLocked drops expired entries; if that frees nothing, drops the
// oldest entry so the insert always fits.
func (d *DedupeCache) evictLocked(now time.Time) {
	var oldestKey string
	var oldestAt time.Time
	for k, at := range d.entries {
		if now.Sub(at) >= d.ttl {
			delete(d.entries, k)
			continue
		}
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = k, at
		}
	}
	if len(d.entries) >= d.max && oldestKey != "" {
		delete(d.entries, oldestKey)
	}
}

// InboundDebouncer merges rapid consecutive messages from the same
// sender+chat into one before handing them to the flush callback. A new
// message within the window resets the timer and appends its text; media
// or metadata-bearing messages flush immediately (they don't merge).
type InboundDebouncer struct {
	window time.Duration
	flush  func(InboundMessage)

	mu      sync.Mutex
	pending map[string]*debounceEntry
	stopped bool
}

type debounceEntry struct {
	msg   InboundMessage
	timer *time.Timer
}

// NewInboundDebouncer creates a debouncer with the given merge window.
func NewInboundDebouncer(window time.Duration, flush func(InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string]*debounceEntry),
	}
}

// Push adds a message. Messages carrying media, commands, or a zero
// window bypass merging and flush synchronously.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	if d.window <= 0 || len(msg.Media) > 0 || msg.Metadata["command"] != "" {
		d.flushNow(msg)
		return
	}

	key := msg.Channel + "|" + msg.SenderID + "|" + msg.ChatID
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.flushNow(msg)
		return
	}
	if entry, ok := d.pending[key]; ok {
		entry.msg.Content += "\n" + msg.Content
		// Later metadata wins: reply-to etc. should reference the last message.
		for k, v := range msg.Metadata {
			if entry.msg.Metadata == nil {
				entry.msg.Metadata = make(map[string]string)
			}
			entry.msg.Metadata[k] = v
		}
		entry.timer.Reset(d.window)
		d.mu.Unlock()
		return
	}

	entry := &debounceEntry{msg: msg}
	entry.timer = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		e, ok := d.pending[key]
		if ok {
			delete(d.pending, key)
		}
		d.mu.Unlock()
		if ok {
			d.flushNow(e.msg)
		}
	})
	d.pending[key] = entry
	d.mu.Unlock()
}

// Stop cancels pending timers and flushes everything buffered.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	entries := make([]*debounceEntry, 0, len(d.pending))
	for k, e := range d.pending {
		e.timer.Stop()
		entries = append(entries, e)
		delete(d.pending, k)
	}
	d.mu.Unlock()

	for _, e := range entries {
		d.flushNow(e.msg)
	}
}

func (d *InboundDebouncer) flushNow(msg InboundMessage) {
	d.flush(msg)
}
