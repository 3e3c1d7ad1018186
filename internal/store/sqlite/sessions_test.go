package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	key := "agent:default:telegram:direct:1"

	data := s.Upsert(key, func(d *sessions.SessionData) {
		d.Model = "claude-sonnet-4-5-20250929"
		d.Messages = append(d.Messages, providers.Message{Role: "user", Content: "hi"})
	})
	if data.SessionID == "" {
		t.Fatal("expected SessionID on creation")
	}

	got, ok := s.Get(key)
	if !ok || got.Model != "claude-sonnet-4-5-20250929" || len(got.Messages) != 1 {
		t.Fatalf("Get = %+v, ok=%v", got, ok)
	}
}

func TestSQLiteRowSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.db")
	key := "agent:default:telegram:direct:2"

	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s1.Upsert(key, func(d *sessions.SessionData) {
		d.Summary = "we talked about cron jobs"
	})
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	got, ok := s2.Get(key)
	if !ok || got.Summary != "we talked about cron jobs" {
		t.Fatalf("row did not survive reopen: %+v, ok=%v", got, ok)
	}
}

func TestSQLiteResetAllocatesNewSessionID(t *testing.T) {
	s := openTestStore(t)
	key := "agent:default:telegram:direct:3"

	before := s.Upsert(key, func(d *sessions.SessionData) {
		d.Messages = append(d.Messages, providers.Message{Role: "user", Content: "x"})
		d.CompactionCount = 2
	})
	after := s.Reset(key)

	if after.SessionID == before.SessionID {
		t.Fatal("Reset must allocate a new SessionID")
	}
	if len(after.Messages) != 0 || after.CompactionCount != 0 {
		t.Fatalf("Reset left state behind: %+v", after)
	}
}

func TestSQLiteDelete(t *testing.T) {
	s := openTestStore(t)
	key := "agent:default:telegram:direct:4"
	s.Upsert(key, func(*sessions.SessionData) {})

	if err := s.Delete(key); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get(key); ok {
		t.Fatal("entry should be gone after Delete")
	}
}
