package sessions

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

func TestUpsertCreatesEntryWithSessionID(t *testing.T) {
	m := NewManager("")

	data := m.Upsert("agent:default:telegram:direct:1", func(s *SessionData) {
		s.Model = "claude-sonnet-4-5-20250929"
	})
	if data.SessionID == "" {
		t.Fatal("expected a SessionID on creation")
	}
	if data.Model != "claude-sonnet-4-5-20250929" {
		t.Fatalf("mutation lost: %+v", data)
	}

	got, ok := m.Get("agent:default:telegram:direct:1")
	if !ok || got.SessionID != data.SessionID {
		t.Fatalf("Get returned %+v, ok=%v", got, ok)
	}
}

func TestUpsertReturnsSnapshotNotLivePointer(t *testing.T) {
	m := NewManager("")
	key := "agent:default:telegram:direct:2"

	snap := m.Upsert(key, func(s *SessionData) {
		s.Messages = append(s.Messages, providers.Message{Role: "user", Content: "one"})
	})
	snap.Messages[0].Content = "mutated"

	fresh, _ := m.Get(key)
	if fresh.Messages[0].Content != "one" {
		t.Fatal("mutating a snapshot leaked into the store")
	}
}

func TestConcurrentUpsertsSerializePerKey(t *testing.T) {
	m := NewManager("")
	key := "agent:default:telegram:direct:3"

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Upsert(key, func(s *SessionData) {
				s.CompactionCount++
			})
		}()
	}
	wg.Wait()

	got, _ := m.Get(key)
	if got.CompactionCount != n {
		t.Fatalf("lost updates: CompactionCount=%d, want %d", got.CompactionCount, n)
	}
}

func TestResetAllocatesNewSessionIDAndClearsTranscript(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	key := "agent:default:telegram:direct:4"

	transcript := filepath.Join(dir, "transcript-old.jsonl")
	if err := os.WriteFile(transcript, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	before := m.Upsert(key, func(s *SessionData) {
		s.Messages = append(s.Messages, providers.Message{Role: "user", Content: "hi"})
		s.SessionFile = transcript
		s.CompactionCount = 3
		s.Provider = "anthropic"
	})

	after := m.Reset(key)

	if after.SessionID == before.SessionID {
		t.Fatal("Reset must allocate a new SessionID")
	}
	if len(after.Messages) != 0 {
		t.Fatal("Reset must clear the transcript")
	}
	if after.CompactionCount != 0 {
		t.Fatal("Reset must restart the compaction counter")
	}
	if after.Provider != "anthropic" {
		t.Fatal("Reset must preserve provider settings")
	}
	if _, err := os.Stat(transcript); !os.IsNotExist(err) {
		t.Fatal("Reset must best-effort delete the old transcript file")
	}
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	key := "agent:default:telegram:direct:5"

	m1 := NewManager(dir)
	m1.Upsert(key, func(s *SessionData) {
		s.Messages = append(s.Messages, providers.Message{Role: "user", Content: "persist me"})
		s.ThinkingLevel = ThinkingHigh
	})

	m2 := NewManager(dir)
	got, ok := m2.Get(key)
	if !ok {
		t.Fatal("expected entry to survive a restart")
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "persist me" {
		t.Fatalf("history lost: %+v", got.Messages)
	}
	if got.ThinkingLevel != ThinkingHigh {
		t.Fatalf("thinking level lost: %q", got.ThinkingLevel)
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	key := "agent:default:telegram:direct:6"

	m := NewManager(dir)
	m.Upsert(key, func(*SessionData) {})

	path := filepath.Join(dir, "agent_default_telegram_direct_6.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected persisted file: %v", err)
	}

	if err := m.Delete(key); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get(key); ok {
		t.Fatal("entry should be gone after Delete")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file should be gone after Delete")
	}
}

func TestListFiltersByAgent(t *testing.T) {
	m := NewManager("")
	m.Upsert("agent:default:telegram:direct:1", func(*SessionData) {})
	m.Upsert("agent:support:telegram:direct:1", func(*SessionData) {})

	if got := len(m.List("default")); got != 1 {
		t.Fatalf("List(default) = %d entries, want 1", got)
	}
	if got := len(m.List("")); got != 2 {
		t.Fatalf("List(all) = %d entries, want 2", got)
	}
}
