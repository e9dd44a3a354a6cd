// Package history journals completion exchanges in SQLite.
// The database is opened lazily and created on first use.
// If opening the DB or executing queries fails, the store falls back to in-memory storage.
package history

import (
	"database/sql"
	"errors"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/completer/internal/logger"
)

var errMemoryOnly = errors.New("history: no database path, memory only")

// Store keeps journal entries. The zero value is not usable; call Open.
type Store struct {
	path string

	mu      sync.Mutex
	entries []Entry // in-memory fallback

	dbOnce  sync.Once
	db      *sql.DB
	initErr error
}

// Open returns a Store backed by the SQLite file at path. An empty path
// keeps everything in memory.
func Open(path string) *Store {
	return &Store{path: path}
}

// initDB lazily opens the SQLite database and creates the entries table if it doesn't exist.
func (s *Store) initDB() {
	if s.path == "" {
		s.initErr = errMemoryOnly
		return
	}
	db, err := sql.Open("sqlite", "file:"+s.path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		s.initErr = err
		logger.L.Warn("sqlite open failed; using in-memory history", "error", err)
		return
	}
	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        request_id TEXT,
        model TEXT,
        role TEXT,
        content TEXT,
        created_at DATETIME
    );`); err != nil {
		s.initErr = err
		db.Close()
		logger.L.Warn("sqlite table creation failed; using in-memory history", "error", err)
		return
	}
	s.db = db
	logger.L.Info("sqlite history DB initialized", "path", s.path)
}

// Save persists an entry to the SQLite database when available and otherwise
// keeps it in memory.
func (s *Store) Save(e Entry) {
	s.dbOnce.Do(s.initDB)

	if s.db != nil {
		_, err := s.db.Exec(`INSERT INTO entries (request_id, model, role, content, created_at) VALUES (?,?,?,?,?);`,
			e.RequestID, e.Model, e.Role, e.Content, e.CreatedAt)
		if err == nil {
			return
		}
		logger.L.Error("failed to store entry in sqlite; falling back to memory", "error", err)
	}

	s.mu.Lock()
	e.ID = int64(len(s.entries) + 1)
	s.entries = append(s.entries, e)
	s.mu.Unlock()
}

// List returns all entries of a request in the order they were saved.
func (s *Store) List(requestID string) []Entry {
	s.dbOnce.Do(s.initDB)
	var out []Entry
	if s.db != nil {
		rows, err := s.db.Query(`SELECT id, request_id, model, role, content, created_at FROM entries WHERE request_id = ? ORDER BY id ASC;`, requestID)
		if err == nil {
			defer rows.Close()
			for rows.Next() {
				var e Entry
				if err := rows.Scan(&e.ID, &e.RequestID, &e.Model, &e.Role, &e.Content, &e.CreatedAt); err == nil {
					out = append(out, e)
				}
			}
		} else {
			logger.L.Error("failed to query sqlite history", "error", err)
		}
	}
	s.mu.Lock()
	for _, e := range s.entries {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	s.mu.Unlock()
	return out
}

// Close releases the database handle, if one was opened.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
