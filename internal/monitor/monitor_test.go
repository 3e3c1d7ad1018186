package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAdapter serves a fixed sequence of batches, one per PollOrStream
// call, then returns empty batches forever.
type fakeAdapter struct {
	mu       sync.Mutex
	batches  []Batch
	idx      int
	utdIDs   map[string]int // ID -> number of times Decrypt should fail before succeeding
	reauths  int32
}

func (f *fakeAdapter) PollOrStream(ctx context.Context) (Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.batches) {
		return Batch{}, nil
	}
	b := f.batches[f.idx]
	f.idx++
	return b, nil
}

func (f *fakeAdapter) PreProcess(ctx context.Context, opaque []byte) error { return nil }

func (f *fakeAdapter) Decrypt(ctx context.Context, ev Event) (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.utdIDs != nil {
		if remaining, ok := f.utdIDs[ev.ID]; ok && remaining > 0 {
			f.utdIDs[ev.ID] = remaining - 1
			return Event{}, fmt.Errorf("undecryptable")
		}
	}
	return ev, nil
}

func (f *fakeAdapter) Reauth(ctx context.Context) error {
	atomic.AddInt32(&f.reauths, 1)
	return nil
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestLoopDispatchesEachEventOnce(t *testing.T) {
	adapter := &fakeAdapter{batches: []Batch{
		{Events: []Event{{ID: "1", RoomID: "room-a"}, {ID: "2", RoomID: "room-a"}}},
	}}

	var dispatched int32
	dispatch := func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&dispatched, 1)
		return nil
	}

	l := NewLoop(adapter, dispatch, DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Start(ctx)

	waitFor(t, func() bool { return atomic.LoadInt32(&dispatched) == 2 }, 2*time.Second)
	cancel()
}

func TestDedupSuppressesRepeatedEvent(t *testing.T) {
	adapter := &fakeAdapter{batches: []Batch{
		{Events: []Event{{ID: "dup", RoomID: "room-a"}}},
		{Events: []Event{{ID: "dup", RoomID: "room-a"}}},
	}}

	var dispatched int32
	dispatch := func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&dispatched, 1)
		return nil
	}

	l := NewLoop(adapter, dispatch, Config{PollInterval: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Start(ctx)

	time.Sleep(100 * time.Millisecond)
	cancel()
	if got := atomic.LoadInt32(&dispatched); got != 1 {
		t.Fatalf("expected dedup to suppress the repeated event, dispatched=%d", got)
	}
}

func TestUTDEventRetriedUntilDecryptSucceeds(t *testing.T) {
	adapter := &fakeAdapter{
		batches: []Batch{{Events: []Event{{ID: "utd-1", RoomID: "room-a"}}}},
		utdIDs:  map[string]int{"utd-1": 2},
	}

	var dispatched int32
	dispatch := func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&dispatched, 1)
		return nil
	}

	cfg := Config{UTDRetryInterval: 10 * time.Millisecond, UTDExpiry: time.Hour, PollInterval: 5 * time.Millisecond}
	l := NewLoop(adapter, dispatch, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Start(ctx)

	waitFor(t, func() bool { return atomic.LoadInt32(&dispatched) == 1 }, 2*time.Second)
	cancel()
}

func TestPerRoomSerialDispatchOrdering(t *testing.T) {
	adapter := &fakeAdapter{batches: []Batch{
		{Events: []Event{
			{ID: "1", RoomID: "room-a"},
			{ID: "2", RoomID: "room-a"},
			{ID: "3", RoomID: "room-a"},
		}},
	}}

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	var first int32

	dispatch := func(ctx context.Context, ev Event) error {
		if atomic.CompareAndSwapInt32(&first, 0, 1) {
			<-release // force the first dispatch to block, proving serialization
		}
		mu.Lock()
		order = append(order, ev.ID)
		mu.Unlock()
		return nil
	}

	l := NewLoop(adapter, dispatch, DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	gotSoFar := len(order)
	mu.Unlock()
	if gotSoFar != 0 {
		t.Fatalf("expected no dispatch to complete while first is blocked, got %d", gotSoFar)
	}
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "1" || order[1] != "2" || order[2] != "3" {
		t.Fatalf("expected strict per-room order [1 2 3], got %v", order)
	}
	cancel()
}

func TestPauseResumeStopsAndRestartsDispatch(t *testing.T) {
	adapter := &fakeAdapter{}
	var dispatched int32
	dispatch := func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&dispatched, 1)
		return nil
	}

	l := NewLoop(adapter, dispatch, Config{PollInterval: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Start(ctx)
	defer cancel()

	time.Sleep(20 * time.Millisecond)
	l.Pause()
	if got := l.currentState(); got != statePaused {
		t.Fatalf("expected paused state, got %s", got)
	}
	l.Resume()
	waitFor(t, func() bool { return l.currentState() == stateRunning }, time.Second)
}

func TestStopIsIdempotentAndDrainsRoomQueues(t *testing.T) {
	adapter := &fakeAdapter{batches: []Batch{
		{Events: []Event{{ID: "1", RoomID: "room-a"}}},
	}}
	dispatch := func(ctx context.Context, ev Event) error { return nil }

	l := NewLoop(adapter, dispatch, DefaultConfig(), nil)
	ctx := context.Background()
	started := make(chan struct{})
	go func() {
		close(started)
		l.Start(ctx)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Stop(stopCtx); err != nil {
		t.Fatalf("unexpected error from Stop: %v", err)
	}
	if err := l.Stop(stopCtx); err != nil {
		t.Fatalf("expected idempotent Stop to be a no-op, got: %v", err)
	}
}

// memStateStore is an in-memory CursorStore for restart tests.
type memStateStore struct {
	mu sync.Mutex
	st SyncState
}

func (m *memStateStore) Load(ctx context.Context) (SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st, nil
}

func (m *memStateStore) Save(ctx context.Context, st SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = st
	return nil
}

func TestDedupSetPersistsAcrossRestart(t *testing.T) {
	store := &memStateStore{}
	ev := Event{ID: "e1", RoomID: "r1"}

	// First lifetime: dispatch e1 once, persisting state with the cursor.
	var dispatched1 int32
	adapter1 := &fakeAdapter{batches: []Batch{{Events: []Event{ev}, Cursor: "c1"}}}
	l1 := NewLoop(adapter1, func(ctx context.Context, e Event) error {
		atomic.AddInt32(&dispatched1, 1)
		return nil
	}, Config{PollInterval: time.Millisecond}, store)

	ctx1, cancel1 := context.WithCancel(context.Background())
	go l1.Start(ctx1)
	waitFor(t, func() bool { return atomic.LoadInt32(&dispatched1) == 1 }, time.Second)
	cancel1()
	l1.Stop(context.Background())

	store.mu.Lock()
	if store.st.Cursor != "c1" || len(store.st.DedupIDs) != 1 || store.st.DedupIDs[0] != "e1" {
		store.mu.Unlock()
		t.Fatalf("persisted state wrong: %+v", store.st)
	}
	store.mu.Unlock()

	// Second lifetime: the crash-redelivered batch contains e1 again. The
	// restored dedup set must reject it.
	var dispatched2 int32
	adapter2 := &fakeAdapter{batches: []Batch{
		{Events: []Event{ev, {ID: "e2", RoomID: "r1"}}, Cursor: "c2"},
	}}
	l2 := NewLoop(adapter2, func(ctx context.Context, e Event) error {
		if e.ID == "e1" {
			t.Error("redelivered event dispatched twice")
		}
		atomic.AddInt32(&dispatched2, 1)
		return nil
	}, Config{PollInterval: time.Millisecond}, store)

	ctx2, cancel2 := context.WithCancel(context.Background())
	go l2.Start(ctx2)
	waitFor(t, func() bool { return atomic.LoadInt32(&dispatched2) == 1 }, time.Second)
	cancel2()
	l2.Stop(context.Background())
}

func TestStatePersistedBeforeDispatch(t *testing.T) {
	store := &memStateStore{}
	var stateAtDispatch SyncState

	adapter := &fakeAdapter{batches: []Batch{{Events: []Event{{ID: "e1", RoomID: "r1"}}, Cursor: "c1"}}}
	var done int32
	l := NewLoop(adapter, func(ctx context.Context, e Event) error {
		// By the time dispatch runs, the state (cursor + this event's ID)
		// must already be durable.
		st, _ := store.Load(ctx)
		stateAtDispatch = st
		atomic.AddInt32(&done, 1)
		return nil
	}, Config{PollInterval: time.Millisecond}, store)

	ctx, cancel := context.WithCancel(context.Background())
	go l.Start(ctx)
	waitFor(t, func() bool { return atomic.LoadInt32(&done) == 1 }, time.Second)
	cancel()
	l.Stop(context.Background())

	if stateAtDispatch.Cursor != "c1" {
		t.Fatalf("cursor not persisted before dispatch: %+v", stateAtDispatch)
	}
	if len(stateAtDispatch.DedupIDs) != 1 || stateAtDispatch.DedupIDs[0] != "e1" {
		t.Fatalf("dedup set not persisted before dispatch: %+v", stateAtDispatch)
	}
}
