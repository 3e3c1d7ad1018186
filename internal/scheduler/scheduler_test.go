package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func blockingRun(release <-chan struct{}) RunFunc {
	return func(ctx context.Context, req RunRequest) (*RunResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &RunResult{Content: "ok", RunID: req.RunID}, nil
	}
}

func TestScheduleRunsImmediatelyForNewSession(t *testing.T) {
	s := NewScheduler(DefaultLanes(), DefaultQueueConfig(), func(ctx context.Context, req RunRequest) (*RunResult, error) {
		return &RunResult{Content: "done"}, nil
	})
	defer s.Stop()

	out := s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "sess-1"})
	select {
	case o := <-out:
		if o.Err != nil || o.Result == nil || o.Result.Content != "done" {
			t.Fatalf("unexpected outcome: %+v", o)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestSameSessionSerializedEvenWithLaneCapacity(t *testing.T) {
	var active int32
	var maxActive int32
	release := make(chan struct{})

	run := func(ctx context.Context, req RunRequest) (*RunResult, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&maxActive)
			if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
		return &RunResult{Content: "ok"}, nil
	}

	s := NewScheduler([]LaneConfig{{Name: LaneMain, MaxConcurrent: 4}}, DefaultQueueConfig(), run)
	defer s.Stop()

	const n = 3
	outs := make([]<-chan Outcome, n)
	for i := 0; i < n; i++ {
		outs[i] = s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "same-session", RunID: string(rune('a' + i))})
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Fatalf("expected at most 1 concurrent run for the same session key, saw %d", got)
	}

	close(release)
	for _, out := range outs {
		select {
		case o := <-out:
			if o.Err != nil {
				t.Fatalf("unexpected error: %v", o.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for queued outcome")
		}
	}
}

func TestDistinctSessionsRunConcurrentlyWithinLaneCapacity(t *testing.T) {
	var wg sync.WaitGroup
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	run := func(ctx context.Context, req RunRequest) (*RunResult, error) {
		started <- struct{}{}
		<-release
		return &RunResult{Content: "ok"}, nil
	}

	s := NewScheduler([]LaneConfig{{Name: LaneMain, MaxConcurrent: 4}}, DefaultQueueConfig(), run)
	defer s.Stop()

	wg.Add(2)
	go func() { defer wg.Done(); <-s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "sess-a"}) }()
	go func() { defer wg.Done(); <-s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "sess-b"}) }()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("expected both distinct sessions to start concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestQueueModeDropDiscardsWhileRunActive(t *testing.T) {
	release := make(chan struct{})
	s := NewScheduler(DefaultLanes(), DefaultQueueConfig(), blockingRun(release))
	defer s.Stop()

	first := s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "sess-drop", RunID: "1"})
	time.Sleep(20 * time.Millisecond)

	second := s.ScheduleWithOpts(context.Background(), LaneMain, RunRequest{SessionKey: "sess-drop", RunID: "2"}, ScheduleOpts{QueueMode: QueueModeDrop})
	select {
	case o := <-second:
		if o.Err == nil {
			t.Fatal("expected dropped request to return an error outcome")
		}
	case <-time.After(time.Second):
		t.Fatal("expected drop outcome to be delivered immediately")
	}

	close(release)
	<-first
}

func TestQueueModeEnqueueRunsAfterActiveCompletes(t *testing.T) {
	release := make(chan struct{})
	var order []string
	var mu sync.Mutex

	run := func(ctx context.Context, req RunRequest) (*RunResult, error) {
		if req.RunID == "1" {
			<-release
		}
		mu.Lock()
		order = append(order, req.RunID)
		mu.Unlock()
		return &RunResult{Content: "ok"}, nil
	}

	s := NewScheduler(DefaultLanes(), DefaultQueueConfig(), run)
	defer s.Stop()

	first := s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "sess-enq", RunID: "1"})
	time.Sleep(20 * time.Millisecond)
	second := s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "sess-enq", RunID: "2"})

	close(release)
	<-first
	<-second

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "1" || order[1] != "2" {
		t.Fatalf("expected FIFO order [1 2], got %v", order)
	}
}

func TestCancelSessionCancelsActiveAndDropsQueued(t *testing.T) {
	release := make(chan struct{})
	s := NewScheduler(DefaultLanes(), DefaultQueueConfig(), blockingRun(release))
	defer s.Stop()

	active := s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "sess-cancel", RunID: "1"})
	time.Sleep(20 * time.Millisecond)
	queued := s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "sess-cancel", RunID: "2"})

	if !s.CancelSession("sess-cancel") {
		t.Fatal("expected CancelSession to report work was cancelled")
	}

	select {
	case o := <-active:
		if o.Err == nil {
			t.Fatal("expected active run's context to be cancelled")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancelled active run")
	}

	select {
	case o := <-queued:
		if o.Err == nil {
			t.Fatal("expected queued run to be dropped with an error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dropped queued run")
	}
}

func TestCancelOneSessionLeavesQueuedWorkIntact(t *testing.T) {
	release := make(chan struct{})
	run := func(ctx context.Context, req RunRequest) (*RunResult, error) {
		if req.RunID == "1" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &RunResult{Content: "ok"}, nil
	}

	s := NewScheduler(DefaultLanes(), DefaultQueueConfig(), run)
	defer s.Stop()

	active := s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "sess-one", RunID: "1"})
	time.Sleep(20 * time.Millisecond)
	queued := s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "sess-one", RunID: "2"})

	if !s.CancelOneSession("sess-one") {
		t.Fatal("expected CancelOneSession to cancel the active run")
	}

	<-active
	select {
	case o := <-queued:
		if o.Err != nil {
			t.Fatalf("expected queued run to proceed normally, got error: %v", o.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued run to run after active was cancelled")
	}
	close(release)
}

func TestStatusReflectsPhaseTransitions(t *testing.T) {
	release := make(chan struct{})
	s := NewScheduler(DefaultLanes(), DefaultQueueConfig(), blockingRun(release))
	defer s.Stop()

	out := s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "sess-status"})
	time.Sleep(20 * time.Millisecond)
	if got := s.Status("sess-status"); got != PhaseRunning {
		t.Fatalf("expected running phase mid-run, got %q", got)
	}

	close(release)
	<-out
	time.Sleep(20 * time.Millisecond)
	if got := s.Status("sess-status"); got != PhaseStarting {
		t.Fatalf("expected phase reset after completion, got %q", got)
	}
}

func TestSteerForbiddenDuringCompactionFallsBackToEnqueue(t *testing.T) {
	release := make(chan struct{})
	var ran []string
	var mu sync.Mutex

	run := func(ctx context.Context, req RunRequest) (*RunResult, error) {
		if req.RunID == "1" {
			<-release
		}
		mu.Lock()
		ran = append(ran, req.RunID)
		mu.Unlock()
		return &RunResult{Content: "ok"}, nil
	}

	s := NewScheduler(DefaultLanes(), DefaultQueueConfig(), run)
	defer s.Stop()

	first := s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "sess-compact", RunID: "1"})
	time.Sleep(20 * time.Millisecond)
	s.SetPhase("sess-compact", PhaseDuringCompaction)

	second := s.ScheduleWithOpts(context.Background(), LaneMain, RunRequest{SessionKey: "sess-compact", RunID: "2"}, ScheduleOpts{QueueMode: QueueModeSteer})

	close(release)
	<-first
	<-second

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 2 || ran[0] != "1" || ran[1] != "2" {
		t.Fatalf("expected steer to fall back to enqueue order [1 2], got %v", ran)
	}
}

func TestSteerInjectsIntoActiveRunWithoutNewRun(t *testing.T) {
	var runs int32
	steered := make(chan string, 1)
	release := make(chan struct{})

	run := func(ctx context.Context, req RunRequest) (*RunResult, error) {
		atomic.AddInt32(&runs, 1)
		// The active run consumes its steer inbox like the coordinator
		// does at a suspension point.
		select {
		case text := <-req.Steer:
			steered <- text
		case <-release:
		}
		<-release
		return &RunResult{Content: "ok", RunID: req.RunID}, nil
	}

	s := NewScheduler(DefaultLanes(), DefaultQueueConfig(), run)
	defer s.Stop()

	first := s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "sess-steer", RunID: "active"})
	time.Sleep(20 * time.Millisecond)

	second := s.ScheduleWithOpts(context.Background(), LaneMain,
		RunRequest{SessionKey: "sess-steer", RunID: "steered", Prompt: "add unit tests for edge cases"},
		ScheduleOpts{QueueMode: QueueModeSteer})

	// The steer submitter gets an immediate ack naming the active run.
	select {
	case o := <-second:
		if o.Err != nil {
			t.Fatalf("steer ack returned error: %v", o.Err)
		}
		if o.Result == nil || o.Result.RunID != "active" {
			t.Fatalf("steer ack should name the absorbing run, got %+v", o.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("steer ack not delivered")
	}

	// The active run sees the steered text as input.
	select {
	case text := <-steered:
		if text != "add unit tests for edge cases" {
			t.Fatalf("steered text = %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("active run never received the steered prompt")
	}

	close(release)
	<-first

	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("steer must not start a new run: runs = %d", got)
	}
}

func TestDroppedCounter(t *testing.T) {
	release := make(chan struct{})
	s := NewScheduler(DefaultLanes(), DefaultQueueConfig(), blockingRun(release))
	defer s.Stop()

	first := s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "sess-count", RunID: "1"})
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 3; i++ {
		<-s.ScheduleWithOpts(context.Background(), LaneMain,
			RunRequest{SessionKey: "sess-count"}, ScheduleOpts{QueueMode: QueueModeDrop})
	}

	if got := s.Dropped("sess-count"); got != 3 {
		t.Fatalf("Dropped = %d, want 3", got)
	}
	if got := s.Dropped("sess-other"); got != 0 {
		t.Fatalf("Dropped for unseen session = %d, want 0", got)
	}

	close(release)
	<-first
}
