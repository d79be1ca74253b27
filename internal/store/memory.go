package store

import (
	"sync"
	"time"

	"github.com/HyphaGroup/gatekeeper/internal/events"
)

// MemoryStore is a Store that lives only as long as the process. Tests and
// one-shot MCP sessions use it.
type MemoryStore struct {
	mu        sync.Mutex
	threadID  string
	theme     string
	logs      []events.LogEntry // newest first
	snapshots map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string][]byte)}
}

func (m *MemoryStore) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threadID, nil
}

func (m *MemoryStore) Save(threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threadID = threadID
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threadID = ""
	return nil
}

func (m *MemoryStore) LoadTheme() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.theme, nil
}

func (m *MemoryStore) SaveTheme(theme string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.theme = theme
	return nil
}

func (m *MemoryStore) AppendLog(entry events.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	m.logs = append([]events.LogEntry{entry}, m.logs...)
	if len(m.logs) > MaxLogEntries {
		m.logs = m.logs[:MaxLogEntries]
	}
	return nil
}

func (m *MemoryStore) LoadLogs() ([]events.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.LogEntry, len(m.logs))
	copy(out, m.logs)
	return out, nil
}

func (m *MemoryStore) ClearLogs() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = nil
	return nil
}

func (m *MemoryStore) SaveSnapshot(threadID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[threadID] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) LoadSnapshot(threadID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[threadID], nil
}

func (m *MemoryStore) Close() error {
	return nil
}
