package pg

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
)

// PGSessionStore implements store.SessionStore backed by Postgres
// (managed mode). Hot entries are cached in memory; mutations run under
// an in-process per-key lock and write through with SELECT ... FOR
// UPDATE so concurrent gateway replicas serialize on the row as well.
type PGSessionStore struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]sessions.SessionData

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewPGSessionStore(db *sql.DB) *PGSessionStore {
	return &PGSessionStore{
		db:    db,
		cache: make(map[string]sessions.SessionData),
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *PGSessionStore) keyLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Get returns a snapshot of the entry for key, loading from the database
// on a cache miss.
func (s *PGSessionStore) Get(key string) (sessions.SessionData, bool) {
	s.mu.RLock()
	if data, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return cloneSession(data), true
	}
	s.mu.RUnlock()

	data, ok := s.loadRow(key)
	if !ok {
		return sessions.SessionData{}, false
	}
	s.mu.Lock()
	s.cache[key] = data
	s.mu.Unlock()
	return cloneSession(data), true
}

// GetOrCreate returns a snapshot, creating a fresh entry if absent.
func (s *PGSessionStore) GetOrCreate(key string) sessions.SessionData {
	if data, ok := s.Get(key); ok {
		return data
	}
	return s.Upsert(key, func(*sessions.SessionData) {})
}

// Upsert applies fn under the per-key lock, then writes the row inside a
// transaction that locks it FOR UPDATE.
func (s *PGSessionStore) Upsert(key string, fn func(*sessions.SessionData)) sessions.SessionData {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	data, ok := s.currentLocked(key)
	if !ok {
		now := time.Now()
		data = sessions.SessionData{
			Key:       key,
			SessionID: uuid.NewString(),
			Messages:  []providers.Message{},
			Created:   now,
			Updated:   now,
		}
	}

	fn(&data)
	data.Key = key
	data.Updated = time.Now()

	s.mu.Lock()
	s.cache[key] = data
	s.mu.Unlock()

	s.writeRow(data)
	return cloneSession(data)
}

// Reset replaces the transcript: new SessionID, cleared history, old
// transcript handle best-effort removed before the new row commits.
func (s *PGSessionStore) Reset(key string) sessions.SessionData {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	old, ok := s.currentLocked(key)
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

	s.writeRow(fresh)
	return cloneSession(fresh)
}

// Delete removes the entry and its row.
func (s *PGSessionStore) Delete(key string) error {
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
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = $1`, key)
	return err
}

// GetHistory returns a copy of the message history for key.
func (s *PGSessionStore) GetHistory(key string) []providers.Message {
	data, ok := s.Get(key)
	if !ok {
		return nil
	}
	return data.Messages
}

// List returns session metadata, optionally filtered by agent ID.
func (s *PGSessionStore) List(agentID string) []sessions.SessionInfo {
	pattern := "agent:%"
	if agentID != "" {
		pattern = "agent:" + agentID + ":%"
	}
	rows, err := s.db.Query(
		`SELECT session_key, jsonb_array_length(data->'messages'), created_at, updated_at
		 FROM sessions WHERE session_key LIKE $1 ORDER BY updated_at DESC`, pattern)
	if err != nil {
		slog.Warn("pg: list sessions failed", "error", err)
		return nil
	}
	defer rows.Close()

	var result []sessions.SessionInfo
	for rows.Next() {
		var info sessions.SessionInfo
		if err := rows.Scan(&info.Key, &info.MessageCount, &info.Created, &info.Updated); err != nil {
			continue
		}
		result = append(result, info)
	}
	return result
}

// LastUsedChannel returns the channel/chat of the most recently updated
// channel session for an agent.
func (s *PGSessionStore) LastUsedChannel(agentID string) (channel, chatID string) {
	prefix := "agent:" + agentID + ":"
	rows, err := s.db.Query(
		`SELECT session_key FROM sessions
		 WHERE session_key LIKE $1
		   AND session_key NOT LIKE $2 AND session_key NOT LIKE $3
		 ORDER BY updated_at DESC LIMIT 1`,
		prefix+"%", prefix+"cron:%", prefix+"subagent:%")
	if err != nil {
		return "", ""
	}
	defer rows.Close()

	if !rows.Next() {
		return "", ""
	}
	var key string
	if err := rows.Scan(&key); err != nil {
		return "", ""
	}
	parts := strings.SplitN(key, ":", 5)
	if len(parts) >= 5 {
		return parts[2], parts[4]
	}
	return "", ""
}

// currentLocked returns the working copy for an Upsert/Reset, preferring
// the cache and falling back to the database.
func (s *PGSessionStore) currentLocked(key string) (sessions.SessionData, bool) {
	s.mu.RLock()
	data, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cloneSession(data), true
	}
	return s.loadRow(key)
}

func (s *PGSessionStore) loadRow(key string) (sessions.SessionData, bool) {
	var blob []byte
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE session_key = $1`, key).Scan(&blob)
	if err != nil {
		return sessions.SessionData{}, false
	}
	var data sessions.SessionData
	if err := json.Unmarshal(blob, &data); err != nil {
		slog.Warn("pg: session row unreadable", "key", key, "error", err)
		return sessions.SessionData{}, false
	}
	data.Key = key
	if data.SessionID == "" {
		data.SessionID = uuid.NewString()
	}
	return data, true
}

// writeRow upserts one session row, locking it FOR UPDATE inside a
// transaction so a concurrent replica's write serializes behind ours.
func (s *PGSessionStore) writeRow(data sessions.SessionData) {
	blob, err := json.Marshal(data)
	if err != nil {
		slog.Warn("pg: marshal session failed", "key", data.Key, "error", err)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		slog.Warn("pg: begin session write failed", "key", data.Key, "error", err)
		return
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRow(`SELECT session_key FROM sessions WHERE session_key = $1 FOR UPDATE`, data.Key).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(
			`INSERT INTO sessions (id, session_key, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			uuid.Must(uuid.NewV7()), data.Key, blob, data.Created, data.Updated)
	case err == nil:
		_, err = tx.Exec(
			`UPDATE sessions SET data = $2, updated_at = $3 WHERE session_key = $1`,
			data.Key, blob, data.Updated)
	}
	if err != nil {
		slog.Warn("pg: write session failed", "key", data.Key, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		slog.Warn("pg: commit session write failed", "key", data.Key, "error", err)
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
