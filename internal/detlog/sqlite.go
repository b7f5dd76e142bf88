package detlog

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore mirrors the detection log into a SQLite table so recent
// findings can be queried without re-reading the CSV.
type SQLiteStore struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, &PersistenceError{Op: "open database", Path: path, Err: err}
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	s := &SQLiteStore{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, &PersistenceError{Op: "migrate database", Path: path, Err: err}
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS detections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at TEXT NOT NULL,
		camera TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL,
		value TEXT NOT NULL,
		valid INTEGER NOT NULL,
		image_paths TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_detections_label ON detections(label);
	CREATE INDEX IF NOT EXISTS idx_detections_camera ON detections(camera);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Append inserts one entry.
func (s *SQLiteStore) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		INSERT INTO detections (recorded_at, camera, label, value, valid, image_paths)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Time.UTC().Format(time.RFC3339), e.Camera, e.Label, e.Value, e.Valid, strings.Join(e.ImagePaths, pathSep))
	if err != nil {
		return &PersistenceError{Op: "insert detection", Path: s.path, Err: err}
	}
	return nil
}

// Recent returns up to limit of the newest entries, newest first.
func (s *SQLiteStore) Recent(limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT recorded_at, camera, label, value, valid, image_paths
		FROM detections ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			at    string
			paths string
		)
		if err := rows.Scan(&at, &e.Camera, &e.Label, &e.Value, &e.Valid, &paths); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		if e.Time, err = time.Parse(time.RFC3339, at); err != nil {
			return nil, fmt.Errorf("failed to parse recorded_at %q: %w", at, err)
		}
		if paths != "" {
			e.ImagePaths = strings.Split(paths, pathSep)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
