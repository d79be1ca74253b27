// Package store persists the client's session state across restarts.
//
// store.go - Storage contracts
//
// This file contains:
// - SessionStore, ThemeStore and LogStore, the narrow interfaces the run
//   driver depends on
// - Store, the union implemented by SQLiteStore and MemoryStore
// - Fixed persistence keys and the log history cap

package store

import (
	"github.com/HyphaGroup/gatekeeper/internal/events"
)

// Persistence keys. They are fixed so a restarted client finds the state
// written by the previous process.
const (
	KeyThreadID = "gatekeeper.thread_id"
	KeyTheme    = "gatekeeper.theme"
)

// MaxLogEntries is how many log entries are kept; older ones are dropped.
const MaxLogEntries = 80

// SessionStore holds the one resumable session identifier.
// Load returns "" when none is stored.
type SessionStore interface {
	Load() (string, error)
	Save(threadID string) error
	Clear() error
}

// ThemeStore remembers the last theme a run was started with.
type ThemeStore interface {
	LoadTheme() (string, error)
	SaveTheme(theme string) error
}

// LogStore keeps the activity log. LoadLogs returns newest first.
type LogStore interface {
	AppendLog(entry events.LogEntry) error
	LoadLogs() ([]events.LogEntry, error)
	ClearLogs() error
}

// Store is everything the driver persists.
type Store interface {
	SessionStore
	ThemeStore
	LogStore
	Close() error
}
