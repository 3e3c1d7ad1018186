// Package scheduler implements the per-session scheduler: lane-based
// worker pools with a per-session-key serialization queue on top, so that
// distinct sessions in the same lane run concurrently while a single
// session key is never run more than once at a time.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Lane names used by the gateway consumer and cron dispatcher.
const (
	LaneMain      = "main"
	LaneSubagent  = "subagent"
	LaneDelegate  = "delegate"
	LaneCron      = "cron"
)

// QueueMode governs what happens when a new request arrives for a session
// key that already has a non-terminal run in flight.
type QueueMode string

const (
	// QueueModeEnqueue appends the request after the current run completes.
	QueueModeEnqueue QueueMode = "enqueue"
	// QueueModeSteer injects the request's prompt into the active run's
	// input stream — the run sees it as a follow-up user turn, and no new
	// run is started. Forbidden while the run reports during-compaction
	// (falls back to enqueue); behaves like enqueue when no run is active.
	QueueModeSteer QueueMode = "steer"
	// QueueModeDrop discards the new request, leaving the active run
	// untouched. Discards are counted per session (see Dropped).
	QueueModeDrop QueueMode = "drop"
)

// LaneConfig configures one named worker pool.
type LaneConfig struct {
	Name          string
	MaxConcurrent int
}

// QueueConfig configures the default per-session queueing behavior.
type QueueConfig struct {
	DefaultMode QueueMode
	// MaxQueueDepth bounds how many enqueued requests a single session
	// key may accumulate before further Schedule calls are dropped with
	// an error Outcome (0 = unbounded).
	MaxQueueDepth int
}

// DefaultLanes returns the production lane layout: a small main
// lane for direct chat, bigger subagent/delegate lanes for fan-out work,
// and a single-slot cron lane.
func DefaultLanes() []LaneConfig {
	return []LaneConfig{
		{Name: LaneMain, MaxConcurrent: 8},
		{Name: LaneSubagent, MaxConcurrent: 16},
		{Name: LaneDelegate, MaxConcurrent: 8},
		{Name: LaneCron, MaxConcurrent: 2},
	}
}

// DefaultQueueConfig returns the default queue behavior: enqueue, unbounded.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{DefaultMode: QueueModeEnqueue, MaxQueueDepth: 0}
}

// RunRequest is a dispatch request for one agent run. The scheduler only
// ever reads SessionKey and RunID off it; everything else is opaque
// payload forwarded verbatim to RunFunc, so the scheduler stays ignorant
// of the concrete LLM/tool-call machinery driving the run (
// break cyclic references between the kernel and the runtime it drives).
type RunRequest struct {
	SessionKey string // composite key: agent:<agentId>:<scope>:<conversationId>
	Prompt     string
	RunID      string
	Config     any // run configuration understood by RunFunc (model, thinking level, ...)

	// Steer is set by the scheduler before RunFunc is invoked: steered
	// prompts for this session arrive here while the run is active, and
	// the run is expected to consume them as follow-up user turns at its
	// suspension points. Callers never populate it themselves.
	Steer <-chan string
}

// RunResult is the output of a completed agent run. Content/RunID are the
// fields the scheduler itself may want to log; Output carries the caller's
// full domain result (e.g. an *agent.RunResult) through untouched so the
// caller can recover it on the other side of the Outcome channel without
// the scheduler needing to know its shape.
type RunResult struct {
	Content string
	RunID   string
	Output  any
}

// RunFunc executes one agent run to completion. It is supplied by the
// caller and wraps whatever LLM stream client / tool-call coordinator
// plumbing the caller needs; the scheduler itself
// never constructs or inspects the run's internals.
type RunFunc func(ctx context.Context, req RunRequest) (*RunResult, error)

// ScheduleOpts overrides the lane/queue defaults for a single call.
type ScheduleOpts struct {
	MaxConcurrent int // 0 = use the lane's configured value
	QueueMode     QueueMode
}

// Outcome is delivered on the channel returned by Schedule/ScheduleWithOpts
// exactly once.
type Outcome struct {
	Result *RunResult
	Err    error
}

// Phase is a coarse snapshot of what an active run is currently doing,
// used to decide whether a steer request may be injected or must fall
// back to enqueue ("steer forbidden during
// compaction").
type Phase string

const (
	PhaseStarting        Phase = "starting"
	PhaseRunning         Phase = "running"
	PhaseDuringCompaction Phase = "during-compaction"
	PhaseWaitingForInput Phase = "waiting_for_input"
	PhaseBlocked         Phase = "blocked"
)

// request is one pending Schedule call for a session.
type request struct {
	ctx  context.Context
	req  RunRequest
	out  chan Outcome
	mode QueueMode
}

// steerBuffer bounds how many steered prompts may pile up for one active
// run before further steers fall back to enqueue.
const steerBuffer = 8

// sessionQueue serializes all runs for one session key: at most one
// request is active at a time, the rest wait in a FIFO (or are
// steered/dropped per QueueMode).
type sessionQueue struct {
	mu      sync.Mutex
	pending []*request
	active  *request
	phase   Phase
	cancel  context.CancelFunc // cancels the active run's context
	steerCh chan string        // active run's steer inbox; fresh per run
	dropped int                // requests discarded by QueueModeDrop
}

// attachSteer gives r a fresh steer inbox for its lifetime as the active
// run. Must be called with sq.mu held, before the run goroutine starts.
func (sq *sessionQueue) attachSteer(r *request) {
	sq.steerCh = make(chan string, steerBuffer)
	r.req.Steer = sq.steerCh
}

// lane is a named worker pool: a semaphore limiting how many distinct
// session keys may run concurrently within it.
type lane struct {
	name string
	sem  chan struct{}
}

// Scheduler is the per-session, lane-based run scheduler described in
// the run lifecycle.
type Scheduler struct {
	run RunFunc
	qcfg QueueConfig

	mu       sync.Mutex
	lanes    map[string]*lane
	sessions map[string]*sessionQueue

	tokenEstimateFn func(sessionKey string) (tokens, contextWindow int)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler builds a Scheduler with the given lanes and default queue
// config, running work through run.
func NewScheduler(lanes []LaneConfig, qcfg QueueConfig, run RunFunc) *Scheduler {
	s := &Scheduler{
		run:      run,
		qcfg:     qcfg,
		lanes:    make(map[string]*lane),
		sessions: make(map[string]*sessionQueue),
		stopCh:   make(chan struct{}),
	}
	for _, lc := range lanes {
		n := lc.MaxConcurrent
		if n <= 0 {
			n = 1
		}
		s.lanes[lc.Name] = &lane{name: lc.Name, sem: make(chan struct{}, n)}
	}
	return s
}

// SetTokenEstimateFunc wires the calibrated token estimator (from
// internal/sessions) used to decide when a run needs compaction before
// continuing. Scheduler itself doesn't compact — it just exposes the
// estimate to whatever RunFunc/coordinator needs it via context.
func (s *Scheduler) SetTokenEstimateFunc(f func(sessionKey string) (int, int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenEstimateFn = f
}

// Schedule is Schedule WithOpts with the lane's/queue's defaults.
func (s *Scheduler) Schedule(ctx context.Context, laneName string, req RunRequest) <-chan Outcome {
	return s.ScheduleWithOpts(ctx, laneName, req, ScheduleOpts{})
}

// ScheduleWithOpts submits req to be run on laneName, serialized per
// req.SessionKey. The returned channel receives exactly one Outcome.
func (s *Scheduler) ScheduleWithOpts(ctx context.Context, laneName string, req RunRequest, opts ScheduleOpts) <-chan Outcome {
	out := make(chan Outcome, 1)

	s.mu.Lock()
	ln, ok := s.lanes[laneName]
	if !ok {
		ln = &lane{name: laneName, sem: make(chan struct{}, 1)}
		s.lanes[laneName] = ln
	}
	if opts.MaxConcurrent > 0 && cap(ln.sem) != opts.MaxConcurrent {
		// Per-call override: rebuild the semaphore with the new capacity.
		// Only safe because this only happens at lane-creation-adjacent
		// call patterns (callers always pass the same override for
		// a given lane name); a live resize would require draining.
		ln.sem = make(chan struct{}, opts.MaxConcurrent)
	}
	mode := opts.QueueMode
	if mode == "" {
		mode = s.qcfg.DefaultMode
	}
	sq, ok := s.sessions[req.SessionKey]
	if !ok {
		sq = &sessionQueue{phase: PhaseStarting}
		s.sessions[req.SessionKey] = sq
	}
	s.mu.Unlock()

	r := &request{ctx: ctx, req: req, out: out, mode: mode}

	sq.mu.Lock()
	if sq.active == nil {
		sq.active = r
		sq.attachSteer(r)
		sq.mu.Unlock()
		s.wg.Add(1)
		go s.runRequest(ln, sq, r)
		return out
	}

	switch mode {
	case QueueModeDrop:
		sq.dropped++
		count := sq.dropped
		sq.mu.Unlock()
		slog.Debug("scheduler: dropped request for busy session",
			"session", req.SessionKey, "dropped_total", count)
		out <- Outcome{Err: errDropped(req.SessionKey)}
		return out
	case QueueModeSteer:
		if sq.phase != PhaseDuringCompaction && sq.steerCh != nil {
			select {
			case sq.steerCh <- req.Prompt:
				// Injected into the active run as a follow-up user turn;
				// no new run is created. Ack with the active run's ID so
				// the caller knows which run absorbed the message.
				activeID := sq.active.req.RunID
				sq.mu.Unlock()
				out <- Outcome{Result: &RunResult{RunID: activeID}}
				return out
			default:
				// Steer inbox full — fall through to enqueue.
			}
		}
		// Steer forbidden during compaction (or inbox full): enqueue.
		if s.qcfg.MaxQueueDepth > 0 && len(sq.pending) >= s.qcfg.MaxQueueDepth {
			sq.mu.Unlock()
			out <- Outcome{Err: errQueueFull(req.SessionKey)}
			return out
		}
		sq.pending = append(sq.pending, r)
		sq.mu.Unlock()
		return out
	default: // enqueue
		if s.qcfg.MaxQueueDepth > 0 && len(sq.pending) >= s.qcfg.MaxQueueDepth {
			sq.mu.Unlock()
			out <- Outcome{Err: errQueueFull(req.SessionKey)}
			return out
		}
		sq.pending = append(sq.pending, r)
		sq.mu.Unlock()
		return out
	}
}

// runRequest executes r under lane ln's semaphore, then picks up the next
// pending request for the session (if any).
func (s *Scheduler) runRequest(ln *lane, sq *sessionQueue, r *request) {
	defer s.wg.Done()

	select {
	case ln.sem <- struct{}{}:
	case <-s.stopCh:
		r.out <- Outcome{Err: errSchedulerStopped()}
		s.finishAndAdvance(ln, sq)
		return
	}
	defer func() { <-ln.sem }()

	runCtx, cancel := context.WithCancel(r.ctx)
	sq.mu.Lock()
	sq.phase = PhaseRunning
	sq.cancel = cancel
	sq.mu.Unlock()

	result, err := s.run(runCtx, r.req)
	cancel()

	sq.mu.Lock()
	sq.phase = PhaseWaitingForInput
	sq.cancel = nil
	sq.steerCh = nil // steers now queue until the next run starts
	sq.mu.Unlock()

	r.out <- Outcome{Result: result, Err: err}
	s.finishAndAdvance(ln, sq)
}

// finishAndAdvance pops the next pending request (if any) and starts it;
// otherwise clears the session's active slot so a later Schedule call
// creates a fresh one.
func (s *Scheduler) finishAndAdvance(ln *lane, sq *sessionQueue) {
	sq.mu.Lock()
	if len(sq.pending) == 0 {
		sq.active = nil
		sq.phase = PhaseStarting
		sq.mu.Unlock()
		return
	}
	next := sq.pending[0]
	sq.pending = sq.pending[1:]
	sq.active = next
	sq.attachSteer(next)
	sq.mu.Unlock()

	s.wg.Add(1)
	go s.runRequest(ln, sq, next)
}

// Dropped reports how many requests QueueModeDrop has discarded for
// sessionKey since the session was first seen.
func (s *Scheduler) Dropped(sessionKey string) int {
	s.mu.Lock()
	sq, ok := s.sessions[sessionKey]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.dropped
}

// CancelSession cancels the active run (if any) and discards all queued
// work for sessionKey. Returns true if anything was cancelled/discarded.
func (s *Scheduler) CancelSession(sessionKey string) bool {
	s.mu.Lock()
	sq, ok := s.sessions[sessionKey]
	s.mu.Unlock()
	if !ok {
		return false
	}

	sq.mu.Lock()
	didSomething := sq.active != nil || len(sq.pending) > 0
	if sq.cancel != nil {
		sq.cancel()
	}
	dropped := sq.pending
	sq.pending = nil
	sq.mu.Unlock()

	for _, r := range dropped {
		r.out <- Outcome{Err: errCancelled(sessionKey)}
	}
	return didSomething
}

// CancelOneSession cancels only the currently-active run for sessionKey
// (the "oldest active run" — there is at most one per session),
// leaving queued work intact to run next.
func (s *Scheduler) CancelOneSession(sessionKey string) bool {
	s.mu.Lock()
	sq, ok := s.sessions[sessionKey]
	s.mu.Unlock()
	if !ok {
		return false
	}

	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.cancel == nil {
		return false
	}
	sq.cancel()
	return true
}

// Status reports the current phase for a session key, or "" if unknown.
func (s *Scheduler) Status(sessionKey string) Phase {
	s.mu.Lock()
	sq, ok := s.sessions[sessionKey]
	s.mu.Unlock()
	if !ok {
		return ""
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.phase
}

// SetPhase lets the tool-call coordinator report a finer-grained phase
// (e.g. during-compaction) than the scheduler can infer on its own, so
// steer requests can be routed correctly.
func (s *Scheduler) SetPhase(sessionKey string, phase Phase) {
	s.mu.Lock()
	sq, ok := s.sessions[sessionKey]
	s.mu.Unlock()
	if !ok {
		return
	}
	sq.mu.Lock()
	sq.phase = phase
	sq.mu.Unlock()
}

// Stop waits for all in-flight runs to finish and rejects any further
// Schedule calls' eventual worker goroutines.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		slog.Warn("scheduler: Stop timed out waiting for in-flight runs")
	}
}
