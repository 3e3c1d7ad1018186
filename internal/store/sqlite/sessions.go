// Package sqlite persists session entries in an embedded single-file
// database. It is the standalone-mode alternative to the JSON session
// directory when one process hosts many thousands of sessions and
// per-file writes become the bottleneck.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	data        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
`

// Store implements store.SessionStore on a local SQLite file.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]sessions.SessionData

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// Open creates (or opens) the database at path and loads the session
// index into memory.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}

	s := &Store{
		db:    db,
		cache: make(map[string]sessions.SessionData),
		locks: make(map[string]*sync.Mutex),
	}
	s.loadAll()
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) keyLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Get returns a snapshot of the entry for key.
func (s *Store) Get(key string) (sessions.SessionData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.cache[key]
	if !ok {
		return sessions.SessionData{}, false
	}
	return cloneSession(data), true
}

// GetOrCreate returns a snapshot, creating a fresh entry if absent.
func (s *Store) GetOrCreate(key string) sessions.SessionData {
	if data, ok := s.Get(key); ok {
		return data
	}
	return s.Upsert(key, func(*sessions.SessionData) {})
}

// Upsert applies fn under the per-key write lock and writes the row.
func (s *Store) Upsert(key string, fn func(*sessions.SessionData)) sessions.SessionData {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	data, ok := s.cache[key]
	s.mu.RUnlock()
	if !ok {
		now := time.Now()
		data = sessions.SessionData{
			Key:       key,
			SessionID: uuid.NewString(),
			Messages:  []providers.Message{},
			Created:   now,
			Updated:   now,
		}
	} else {
		data = cloneSession(data)
	}

	fn(&data)
	data.Key = key
	data.Updated = time.Now()

	s.mu.Lock()
	s.cache[key] = data
	s.mu.Unlock()

	s.persist(data)
	return cloneSession(data)
}

// Reset replaces the transcript under the per-key lock: new SessionID,
// cleared history, compaction counter reset, old transcript file
// best-effort removed before the new row is committed.
func (s *Store) Reset(key string) sessions.SessionData {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	old, ok := s.cache[key]
	s.mu.RUnlock()

	if ok && old.SessionFile != "" {
		os.Remove(old.SessionFile)
	}

	now := time.Now()
	fresh := sessions.SessionData{
		Key:       key,
		SessionID: uuid.NewString(),
		Messages:  []providers.Message{},
		Created:   now,
		Updated:   now,
	}
	if ok {
		fresh.Created = old.Created
		fresh.Provider = old.Provider
		fresh.Model = old.Model
		fresh.ThinkingLevel = old.ThinkingLevel
		fresh.ContextTokens = old.ContextTokens
		fresh.Channel = old.Channel
		fresh.UserID = old.UserID
		fresh.ContextWindow = old.ContextWindow
	}

	s.mu.Lock()
	s.cache[key] = fresh
	s.mu.Unlock()

	s.persist(fresh)
	return cloneSession(fresh)
}

// Delete removes the entry and its row.
func (s *Store) Delete(key string) error {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	old, ok := s.cache[key]
	delete(s.cache, key)
	s.mu.Unlock()

	if ok && old.SessionFile != "" {
		os.Remove(old.SessionFile)
	}
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = ?`, key)
	return err
}

// GetHistory returns a copy of the message history for key.
func (s *Store) GetHistory(key string) []providers.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.cache[key]
	if !ok {
		return nil
	}
	msgs := make([]providers.Message, len(data.Messages))
	copy(msgs, data.Messages)
	return msgs
}

// List returns session metadata, optionally filtered by agent ID.
func (s *Store) List(agentID string) []sessions.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := ""
	if agentID != "" {
		prefix = "agent:" + agentID + ":"
	}

	var result []sessions.SessionInfo
	for key, data := range s.cache {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		result = append(result, sessions.SessionInfo{
			Key:          key,
			MessageCount: len(data.Messages),
			Created:      data.Created,
			Updated:      data.Updated,
		})
	}
	return result
}

// LastUsedChannel returns the channel/chat of the most recently updated
// channel session for an agent.
func (s *Store) LastUsedChannel(agentID string) (channel, chatID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := "agent:" + agentID + ":"
	var bestKey string
	var bestUpdated time.Time
	for key, data := range s.cache {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if strings.HasPrefix(rest, "cron:") || strings.HasPrefix(rest, "subagent:") {
			continue
		}
		if data.Updated.After(bestUpdated) {
			bestUpdated = data.Updated
			bestKey = key
		}
	}
	if bestKey == "" {
		return "", ""
	}
	parts := strings.SplitN(bestKey, ":", 5)
	if len(parts) >= 5 {
		return parts[2], parts[4]
	}
	return "", ""
}

func (s *Store) persist(data sessions.SessionData) {
	blob, err := json.Marshal(data)
	if err != nil {
		slog.Warn("sqlite: marshal session failed", "key", data.Key, "error", err)
		return
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (session_key, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		data.Key, string(blob), data.Created.UnixMilli(), data.Updated.UnixMilli(),
	)
	if err != nil {
		slog.Warn("sqlite: persist session failed", "key", data.Key, "error", err)
	}
}

func (s *Store) loadAll() {
	rows, err := s.db.Query(`SELECT data FROM sessions`)
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			continue
		}
		var data sessions.SessionData
		if err := json.Unmarshal([]byte(blob), &data); err != nil || data.Key == "" {
			continue
		}
		if data.SessionID == "" {
			data.SessionID = uuid.NewString()
		}
		s.cache[data.Key] = data
	}
}

func cloneSession(s sessions.SessionData) sessions.SessionData {
	out := s
	out.Messages = make([]providers.Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	if s.Blocker != nil {
		b := *s.Blocker
		out.Blocker = &b
	}
	return out
}
