// Package store defines the persistence interfaces consumed by the
// gateway runtime and their shared result types. Concrete backends live
// in the subpackages: sessions.Manager (JSON files, standalone mode),
// sqlite (embedded single-file DB), and pg (Postgres, managed mode).
package store

import (
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
)

// SessionStore manages persisted session entries. Entries are value
// types; every mutation goes through Upsert, whose mutator runs under a
// per-session-key write lock. Readers get snapshots.
type SessionStore interface {
	// Get returns a snapshot of the entry for key, if present.
	Get(key string) (sessions.SessionData, bool)
	// GetOrCreate returns a snapshot, creating a fresh entry if absent.
	GetOrCreate(key string) sessions.SessionData
	// Upsert applies fn under the per-key write lock and persists the
	// result. Returns the post-mutation snapshot.
	Upsert(key string, fn func(*sessions.SessionData)) sessions.SessionData
	// Reset replaces the transcript: new SessionID, cleared history,
	// compaction counter reset, old transcript file best-effort removed.
	Reset(key string) sessions.SessionData
	// Delete removes the entry entirely.
	Delete(key string) error

	// GetHistory returns a copy of the message history for key.
	GetHistory(key string) []providers.Message
	// List returns session metadata, optionally filtered by agent ID.
	List(agentID string) []sessions.SessionInfo
	// LastUsedChannel returns the channel/chat of the most recently
	// updated channel session for an agent.
	LastUsedChannel(agentID string) (channel, chatID string)
}

// StoreConfig selects and parameterizes a backend.
type StoreConfig struct {
	PostgresDSN string
	SQLitePath  string
	Mode        string // "standalone" (default) or "managed"
}
