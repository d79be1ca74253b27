package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/HyphaGroup/gatekeeper/internal/events"
)

// DBFile is the database file name inside the data directory.
const DBFile = "gatekeeper.db"

// SQLiteStore persists session state in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database in dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFile)
	// Enable WAL mode and busy timeout for better concurrent access
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS log_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time DATETIME NOT NULL,
		tag TEXT NOT NULL,
		agent TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		raw TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		thread_id TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Load returns the stored thread id, or "".
func (s *SQLiteStore) Load() (string, error) {
	return s.get(KeyThreadID)
}

// Save stores the thread id, replacing any previous one.
func (s *SQLiteStore) Save(threadID string) error {
	return s.set(KeyThreadID, threadID)
}

// Clear removes the stored thread id.
func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, KeyThreadID); err != nil {
		return fmt.Errorf("failed to clear thread id: %w", err)
	}
	return nil
}

// LoadTheme returns the last theme, or "".
func (s *SQLiteStore) LoadTheme() (string, error) {
	return s.get(KeyTheme)
}

// SaveTheme stores the theme of the latest start.
func (s *SQLiteStore) SaveTheme(theme string) error {
	return s.set(KeyTheme, theme)
}

// AppendLog adds an entry and trims the history to MaxLogEntries.
func (s *SQLiteStore) AppendLog(entry events.LogEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	_, err = tx.Exec(`
		INSERT INTO log_entries (time, tag, agent, summary, detail, raw)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Time.UTC(), entry.Tag, entry.Agent, entry.Summary, entry.Detail, entry.Raw,
	)
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}

	_, err = tx.Exec(`
		DELETE FROM log_entries WHERE id NOT IN (
			SELECT id FROM log_entries ORDER BY id DESC LIMIT ?
		)`, MaxLogEntries)
	if err != nil {
		return fmt.Errorf("failed to trim log entries: %w", err)
	}
	return tx.Commit()
}

// LoadLogs returns the kept entries, newest first.
func (s *SQLiteStore) LoadLogs() ([]events.LogEntry, error) {
	rows, err := s.db.Query(`
		SELECT time, tag, agent, summary, detail, raw
		FROM log_entries ORDER BY id DESC LIMIT ?`, MaxLogEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []events.LogEntry
	for rows.Next() {
		var e events.LogEntry
		if err := rows.Scan(&e.Time, &e.Tag, &e.Agent, &e.Summary, &e.Detail, &e.Raw); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearLogs removes the whole history.
func (s *SQLiteStore) ClearLogs() error {
	if _, err := s.db.Exec(`DELETE FROM log_entries`); err != nil {
		return fmt.Errorf("failed to clear log entries: %w", err)
	}
	return nil
}

// SaveSnapshot caches the last invoke result for a thread.
func (s *SQLiteStore) SaveSnapshot(threadID string, data []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO snapshots (thread_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		threadID, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the cached invoke result, or nil.
func (s *SQLiteStore) LoadSnapshot(threadID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM snapshots WHERE thread_id = ?`, threadID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return data, nil
}
