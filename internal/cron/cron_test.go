package cron

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAddValidatesSchedule(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"), func(*Job) (*Result, error) {
		return &Result{}, nil
	})

	tests := []struct {
		name     string
		schedule string
		wantErr  bool
	}{
		{"every minute", "* * * * *", false},
		{"weekday mornings", "0 9 * * 1-5", false},
		{"empty", "", true},
		{"garbage", "not a cron", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Add(Job{Schedule: tt.schedule, Payload: Payload{Message: "ping"}})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Add(%q) error = %v, wantErr %v", tt.schedule, err, tt.wantErr)
			}
		})
	}
}

func TestFireDueRunsMatchingJobs(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"), func(job *Job) (*Result, error) {
		mu.Lock()
		ran = append(ran, job.ID)
		mu.Unlock()
		return &Result{Content: "ok"}, nil
	})

	job, err := s.Add(Job{ID: "j1", Schedule: "* * * * *", Payload: Payload{Message: "tick"}})
	if err != nil {
		t.Fatal(err)
	}

	s.fireDue(time.Now().Truncate(time.Minute))

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(ran)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job %s did not fire", job.ID)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDisabledJobsDoNotFire(t *testing.T) {
	var mu sync.Mutex
	count := 0
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"), func(*Job) (*Result, error) {
		mu.Lock()
		count++
		mu.Unlock()
		return &Result{}, nil
	})

	job, _ := s.Add(Job{Schedule: "* * * * *", Payload: Payload{Message: "tick"}})
	s.SetEnabled(job.ID, false)

	s.fireDue(time.Now().Truncate(time.Minute))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("disabled job fired %d times", count)
	}
}

func TestJobsPersistAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")

	s1 := NewService(path, func(*Job) (*Result, error) { return &Result{}, nil })
	if _, err := s1.Add(Job{ID: "keep", Name: "daily", Schedule: "0 9 * * *", Payload: Payload{Message: "report"}}); err != nil {
		t.Fatal(err)
	}

	s2 := NewService(path, func(*Job) (*Result, error) { return &Result{}, nil })
	got, ok := s2.Get("keep")
	if !ok {
		t.Fatal("job did not survive restart")
	}
	if got.Schedule != "0 9 * * *" || got.Name != "daily" {
		t.Fatalf("reloaded job mangled: %+v", got)
	}
}

func TestFailedJobRecordsError(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"), nil)
	s.SetRetryConfig(RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	s.SetOnJob(func(*Job) (*Result, error) {
		return nil, errFailed
	})

	job, _ := s.Add(Job{Schedule: "* * * * *", Payload: Payload{Message: "x"}})
	s.fireDue(time.Now().Truncate(time.Minute))

	deadline := time.After(time.Second)
	for {
		got, _ := s.Get(job.ID)
		if got.LastStatus == "error" {
			if got.LastError == "" {
				t.Fatal("expected LastError to be recorded")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job never recorded failure, status=%q", got.LastStatus)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

var errFailed = &jobError{"boom"}

type jobError struct{ msg string }

func (e *jobError) Error() string { return e.msg }
