// Package cron runs scheduled agent jobs from a JSON-backed job file.
// Schedules are standard 5-field cron expressions evaluated with gronx;
// failed runs retry with exponential backoff up to a configured cap.
package cron

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// Payload is what a job delivers when it fires.
type Payload struct {
	Message string `json:"message"`           // prompt handed to the agent
	Channel string `json:"channel,omitempty"` // delivery channel (empty = no delivery)
	To      string `json:"to,omitempty"`      // delivery chat ID
	Deliver bool   `json:"deliver,omitempty"` // publish the agent's reply outbound
}

// Job is one scheduled agent invocation.
type Job struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Schedule string  `json:"schedule"` // cron expression, e.g. "0 9 * * 1-5"
	AgentID  string  `json:"agent_id,omitempty"`
	UserID   string  `json:"user_id,omitempty"`
	Payload  Payload `json:"payload"`
	Enabled  bool    `json:"enabled"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	LastStatus string    `json:"last_status,omitempty"` // "ok", "error", "retrying"
	LastError  string    `json:"last_error,omitempty"`
}

// Result is what the job handler returns after a successful run.
type Result struct {
	Content      string
	InputTokens  int64
	OutputTokens int64
}

// Handler executes one due job. Blocking; the service serializes runs of
// the same job and parallelizes distinct jobs.
type Handler func(job *Job) (*Result, error)

// RetryConfig bounds the per-job retry backoff after handler failures.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the stock retry policy (3 attempts, 2s..30s).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// Service owns the job file and the tick loop.
type Service struct {
	path  string
	onJob Handler
	retry RetryConfig
	gron  *gronx.Gronx

	mu      sync.Mutex
	jobs    map[string]*Job
	running map[string]bool // jobs with an in-flight run
	stop    chan struct{}
	started bool
}

// NewService loads jobs from path (created on first Add if absent).
func NewService(path string, onJob Handler) *Service {
	s := &Service{
		path:    path,
		onJob:   onJob,
		retry:   DefaultRetryConfig(),
		gron:    gronx.New(),
		jobs:    make(map[string]*Job),
		running: make(map[string]bool),
	}
	s.load()
	return s
}

// SetOnJob installs the job handler. Must be called before Start.
func (s *Service) SetOnJob(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onJob = h
}

// SetRetryConfig overrides the retry policy.
func (s *Service) SetRetryConfig(cfg RetryConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retry = cfg
}

// Start launches the minute tick loop. Idempotent.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.onJob == nil {
		return fmt.Errorf("cron: no job handler installed")
	}
	s.started = true
	s.stop = make(chan struct{})
	go s.tickLoop(s.stop)
	slog.Info("cron service started", "jobs", len(s.jobs))
	return nil
}

// Stop halts the tick loop. In-flight job runs finish on their own.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	close(s.stop)
}

// Add registers a job. A missing ID is generated; a missing name falls
// back to the ID. Returns the stored job.
func (s *Service) Add(job Job) (*Job, error) {
	if job.Schedule == "" {
		return nil, fmt.Errorf("cron: schedule is required")
	}
	if !s.gron.IsValid(job.Schedule) {
		return nil, fmt.Errorf("cron: invalid schedule %q", job.Schedule)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()[:8]
	}
	if job.Name == "" {
		job.Name = job.ID
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Enabled = true

	s.mu.Lock()
	s.jobs[job.ID] = &job
	s.persistLocked()
	s.mu.Unlock()
	return &job, nil
}

// Remove deletes a job by ID.
func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	s.persistLocked()
	return true
}

// SetEnabled toggles a job.
func (s *Service) SetEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	job.Enabled = enabled
	job.UpdatedAt = time.Now()
	s.persistLocked()
	return true
}

// List returns all jobs sorted by name.
func (s *Service) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Get returns a copy of one job.
func (s *Service) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return *j, true
	}
	return Job{}, false
}

// tickLoop wakes at the top of every minute and fires due jobs.
func (s *Service) tickLoop(stop <-chan struct{}) {
	for {
		now := time.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-stop:
			return
		case <-time.After(next.Sub(now)):
		}
		s.fireDue(next)
	}
}

func (s *Service) fireDue(at time.Time) {
	s.mu.Lock()
	due := make([]*Job, 0, 2)
	for _, job := range s.jobs {
		if !job.Enabled || s.running[job.ID] {
			continue
		}
		ok, err := s.gron.IsDue(job.Schedule, at)
		if err != nil {
			slog.Warn("cron: schedule evaluation failed", "job", job.ID, "schedule", job.Schedule, "error", err)
			continue
		}
		if ok {
			s.running[job.ID] = true
			due = append(due, job)
		}
	}
	handler := s.onJob
	retry := s.retry
	s.mu.Unlock()

	for _, job := range due {
		go s.runJob(job, handler, retry)
	}
}

// runJob executes one job with retry backoff, then records the outcome.
func (s *Service) runJob(job *Job, handler Handler, retry RetryConfig) {
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	snapshot := *job
	var lastErr error
	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retry.BaseDelay << (attempt - 1)
			if delay > retry.MaxDelay {
				delay = retry.MaxDelay
			}
			s.recordStatus(job.ID, "retrying", lastErr)
			time.Sleep(delay)
		}
		_, err := handler(&snapshot)
		if err == nil {
			s.recordStatus(job.ID, "ok", nil)
			return
		}
		lastErr = err
		slog.Warn("cron job failed", "job", job.ID, "attempt", attempt+1, "error", err)
	}
	s.recordStatus(job.ID, "error", lastErr)
}

func (s *Service) recordStatus(id, status string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return
	}
	job.LastRunAt = time.Now()
	job.LastStatus = status
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}
	s.persistLocked()
}

func (s *Service) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		slog.Warn("cron: job file unreadable, starting empty", "path", s.path, "error", err)
		return
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
}

func (s *Service) persistLocked() {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		slog.Warn("cron: persist failed", "path", s.path, "error", err)
	}
}
