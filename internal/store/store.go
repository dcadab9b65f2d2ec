package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/sitescan/internal/common"
)

// ErrNotFound is returned when a looked-up artifact or job does not exist.
var ErrNotFound = errors.New("not found")

// Store persists artifacts, their change log, and reconstruction jobs in a
// single SQLite file. The file is the only coordination point between
// processes; every statement is individually transactional.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at path and applies the schema.
func Open(path string) (*Store, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access. Case-sensitive
	// LIKE so that substring search does not fold ASCII case.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=case_sensitive_like(1)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		filename TEXT,
		image_path TEXT,
		qr_path TEXT,
		ocr_text TEXT,
		labels TEXT,
		reconstruction_path TEXT,
		metadata TEXT,
		created_at TEXT
	);
	CREATE TABLE IF NOT EXISTS changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		artifact_id TEXT,
		change_type TEXT,
		payload TEXT,
		changed_at TEXT
	);
	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		artifact_id TEXT,
		job_type TEXT,
		params TEXT,
		status TEXT,
		result TEXT,
		progress INTEGER,
		created_at TEXT,
		updated_at TEXT
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
