package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// ThinkingLevel selects how much extended reasoning a run requests.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// BlockerInfo records why a run was halted by a blocker pattern
// (insufficient funds, rate limit, auth failure, ...).
type BlockerInfo struct {
	Reason           string            `json:"reason"`
	MatchedPatterns  []string          `json:"matchedPatterns,omitempty"`
	ExtractedContext map[string]string `json:"extractedContext,omitempty"`
}

// SessionData is the persisted per-session entry. It is a value type:
// every mutation goes through Manager.Upsert, which runs the mutator
// under that key's write lock and persists the result.
type SessionData struct {
	Key string `json:"key"`

	// SessionID identifies the underlying LLM conversation transcript.
	// It changes when the session is reset (compaction failure,
	// role-ordering conflict).
	SessionID string `json:"sessionId"`
	// SessionFile is the transcript handle used by the LLM client to
	// resume; best-effort deleted on reset.
	SessionFile string `json:"sessionFile,omitempty"`
	// ResumeToken is an opaque provider-supplied resume token.
	ResumeToken string `json:"resumeToken,omitempty"`

	Provider      string        `json:"provider,omitempty"`
	Model         string        `json:"model,omitempty"`
	ThinkingLevel ThinkingLevel `json:"thinkingLevel,omitempty"`
	ContextTokens int           `json:"contextTokens,omitempty"`

	Messages []providers.Message `json:"messages"`
	Summary  string              `json:"summary,omitempty"`
	Channel  string              `json:"channel,omitempty"`
	UserID   string              `json:"userID,omitempty"`
	Label    string              `json:"label,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`

	SystemSent      bool         `json:"systemSent,omitempty"`
	AbortedLastRun  bool         `json:"abortedLastRun,omitempty"`
	Blocker         *BlockerInfo `json:"blockerInfo,omitempty"`
	CompactionCount int          `json:"compactionCount,omitempty"`

	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`

	// Adaptive throttle inputs: cached so the scheduler reads them
	// without a store round-trip.
	ContextWindow    int `json:"contextWindow,omitempty"`
	LastPromptTokens int `json:"lastPromptTokens,omitempty"`
	LastMessageCount int `json:"lastMessageCount,omitempty"`
}

// SessionInfo is a lightweight session descriptor for listing.
type SessionInfo struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"messageCount"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// Manager holds session entries in memory and persists them as one JSON
// file per key under the storage directory. Concurrent upserts for the
// same key serialize on a per-key lock; distinct keys proceed in
// parallel. Readers get snapshots, never live pointers.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]SessionData
	storage  string

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewManager creates a Manager rooted at storage. An empty storage path
// keeps sessions in memory only (tests).
func NewManager(storage string) *Manager {
	m := &Manager{
		sessions: make(map[string]SessionData),
		storage:  storage,
		locks:    make(map[string]*sync.Mutex),
	}
	if storage != "" {
		os.MkdirAll(storage, 0755)
		m.loadAll()
	}
	return m
}

// keyLock returns the write lock for one session key, creating it lazily.
func (m *Manager) keyLock(key string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Get returns a snapshot of the entry for key.
func (m *Manager) Get(key string) (SessionData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return SessionData{}, false
	}
	return cloneSession(s), true
}

// GetOrCreate returns a snapshot, creating a fresh entry (new SessionID)
// if none exists for key.
func (m *Manager) GetOrCreate(key string) SessionData {
	if s, ok := m.Get(key); ok {
		return s
	}
	return m.Upsert(key, func(*SessionData) {})
}

// Upsert runs fn on the entry for key under the per-key write lock and
// persists the result. The entry is created if absent. Returns the
// post-mutation snapshot.
func (m *Manager) Upsert(key string, fn func(*SessionData)) SessionData {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		now := time.Now()
		s = SessionData{
			Key:       key,
			SessionID: uuid.NewString(),
			Messages:  []providers.Message{},
			Created:   now,
			Updated:   now,
		}
	} else {
		s = cloneSession(s)
	}

	fn(&s)
	s.Key = key
	s.Updated = time.Now()

	m.mu.Lock()
	m.sessions[key] = s
	m.mu.Unlock()

	m.persist(s)
	return cloneSession(s)
}

// Reset replaces the entry's transcript: a new SessionID is allocated,
// history and summary are cleared, the compaction counter restarts, and
// the old transcript file is best-effort deleted before the new entry is
// committed. Settings (provider, model, thinking level) survive.
func (m *Manager) Reset(key string) SessionData {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	old, ok := m.sessions[key]
	m.mu.RUnlock()

	if ok && old.SessionFile != "" {
		os.Remove(old.SessionFile)
	}

	now := time.Now()
	fresh := SessionData{
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

	m.mu.Lock()
	m.sessions[key] = fresh
	m.mu.Unlock()

	m.persist(fresh)
	return cloneSession(fresh)
}

// Delete removes a session entirely, including its on-disk file and any
// transcript handle.
func (m *Manager) Delete(key string) error {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	old, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if ok && old.SessionFile != "" {
		os.Remove(old.SessionFile)
	}
	if m.storage != "" {
		path := filepath.Join(m.storage, sanitizeFilename(key)+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// GetHistory returns a copy of the message history for key.
func (m *Manager) GetHistory(key string) []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	msgs := make([]providers.Message, len(s.Messages))
	copy(msgs, s.Messages)
	return msgs
}

// List returns metadata for all sessions, optionally filtered by agent ID.
func (m *Manager) List(agentID string) []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := ""
	if agentID != "" {
		prefix = "agent:" + agentID + ":"
	}

	var result []SessionInfo
	for key, s := range m.sessions {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		result = append(result, SessionInfo{
			Key:          key,
			MessageCount: len(s.Messages),
			Created:      s.Created,
			Updated:      s.Updated,
		})
	}
	return result
}

// LastUsedChannel finds the most recently updated channel session for an
// agent and extracts channel + chatID from its key. Skips cron and
// subagent sessions. Returns ("", "") if none found.
func (m *Manager) LastUsedChannel(agentID string) (channel, chatID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := "agent:" + agentID + ":"
	var bestKey string
	var bestUpdated time.Time

	for key, s := range m.sessions {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if strings.HasPrefix(rest, "cron:") || strings.HasPrefix(rest, "subagent:") {
			continue
		}
		if s.Updated.After(bestUpdated) {
			bestUpdated = s.Updated
			bestKey = key
		}
	}

	if bestKey == "" {
		return "", ""
	}
	// agent:{agentId}:{channel}:{peerKind}:{chatId}
	parts := strings.SplitN(bestKey, ":", 5)
	if len(parts) >= 5 {
		return parts[2], parts[4]
	}
	return "", ""
}

// persist writes one entry atomically (temp file + rename).
func (m *Manager) persist(s SessionData) error {
	if m.storage == "" {
		return nil
	}

	filename := sanitizeFilename(s.Key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	sessionPath := filepath.Join(m.storage, filename+".json")
	tmpFile, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, sessionPath); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.storage, f.Name()))
		if err != nil {
			continue
		}
		var s SessionData
		if err := json.Unmarshal(data, &s); err != nil || s.Key == "" {
			continue
		}
		if s.SessionID == "" {
			s.SessionID = uuid.NewString()
		}
		m.sessions[s.Key] = s
	}
}

func cloneSession(s SessionData) SessionData {
	out := s
	out.Messages = make([]providers.Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	if s.Blocker != nil {
		b := *s.Blocker
		out.Blocker = &b
	}
	return out
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}

// SessionKey builds a composite session key: agent:{agentId}:{scopeKey}.
func SessionKey(agentID, scopeKey string) string {
	return fmt.Sprintf("agent:%s:%s", agentID, scopeKey)
}
