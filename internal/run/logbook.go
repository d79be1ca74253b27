package run

import (
	"sync"
	"time"

	"github.com/HyphaGroup/gatekeeper/internal/events"
	"github.com/HyphaGroup/gatekeeper/internal/store"
)

// DefaultLogCapacity is the number of entries a Logbook keeps.
const DefaultLogCapacity = store.MaxLogEntries

// Logbook is the bounded, newest-first activity history shown to the user.
// When full, the oldest entry is dropped. Entries are mirrored to an
// optional LogStore so the history survives restarts.
type Logbook struct {
	entries  []events.LogEntry // newest first
	capacity int
	dropped  int64
	persist  store.LogStore
	now      func() time.Time
	mu       sync.RWMutex
}

// NewLogbook creates an empty logbook. A nil persist keeps entries in
// memory only.
func NewLogbook(capacity int, persist store.LogStore) *Logbook {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Logbook{
		entries:  make([]events.LogEntry, 0, capacity),
		capacity: capacity,
		persist:  persist,
		now:      time.Now,
	}
}

// Load replaces the in-memory history with the persisted one.
func (l *Logbook) Load() error {
	if l.persist == nil {
		return nil
	}
	entries, err := l.persist.LoadLogs()
	if err != nil {
		return err
	}
	if len(entries) > l.capacity {
		entries = entries[:l.capacity]
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries[:0], entries...)
	return nil
}

// Add stamps and records an entry at index 0. A persistence failure is
// returned but the entry is kept in memory.
func (l *Logbook) Add(entry events.LogEntry) error {
	if entry.Time.IsZero() {
		entry.Time = l.now()
	}

	l.mu.Lock()
	if len(l.entries) == l.capacity {
		l.entries = l.entries[:l.capacity-1]
		l.dropped++
	}
	l.entries = append(l.entries, events.LogEntry{})
	copy(l.entries[1:], l.entries)
	l.entries[0] = entry
	l.mu.Unlock()

	if l.persist != nil {
		return l.persist.AppendLog(entry)
	}
	return nil
}

// Entries returns a copy of the history, newest first.
func (l *Logbook) Entries() []events.LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]events.LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries held.
func (l *Logbook) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Dropped returns how many entries have been pushed out by the cap.
func (l *Logbook) Dropped() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dropped
}

// Clear empties the history, in memory and on disk.
func (l *Logbook) Clear() error {
	l.mu.Lock()
	l.entries = l.entries[:0]
	l.dropped = 0
	l.mu.Unlock()

	if l.persist != nil {
		return l.persist.ClearLogs()
	}
	return nil
}
