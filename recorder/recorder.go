// Package recorder persists ended scan sessions to SQLite for offline
// reporting without slowing the live pipeline.
package recorder

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tagstream/session"

	_ "modernc.org/sqlite"
)

// Recorder writes one row per ended session plus one row per accepted tag.
// Inserts run off the connection goroutine; failures are logged, never
// surfaced, since persistence must not disturb live scanning.
type Recorder struct {
	db  *sql.DB
	now func() time.Time

	wg sync.WaitGroup
}

// NewRecorder opens (or creates) the SQLite database at path and ensures the
// schema exists.
func NewRecorder(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("recorder: ensure dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Recorder{db: db, now: time.Now}, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS session_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT,
    conn_id TEXT,
    identity TEXT,
    started_at INTEGER,
    ended_at INTEGER,
    tag_count INTEGER
);
CREATE TABLE IF NOT EXISTS session_tags (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT,
    position INTEGER,
    tag TEXT
);
CREATE INDEX IF NOT EXISTS idx_session_tags_session ON session_tags(session_id);`
	_, err := db.Exec(schema)
	return err
}

// Close waits for in-flight inserts and closes the database.
func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	r.wg.Wait()
	return r.db.Close()
}

// RecordSession implements the server's session sink. It returns immediately;
// the insert happens in the background.
func (r *Recorder) RecordSession(ended session.Ended) {
	if r == nil || r.db == nil {
		return
	}
	endedAt := r.now()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.insert(ended, endedAt)
	}()
}

func (r *Recorder) insert(ended session.Ended, endedAt time.Time) {
	tx, err := r.db.Begin()
	if err != nil {
		log.Printf("Recorder: begin: %v", err)
		return
	}
	_, err = tx.Exec(`
INSERT INTO session_records (session_id, conn_id, identity, started_at, ended_at, tag_count)
VALUES (?, ?, ?, ?, ?, ?)`,
		ended.SessionID,
		ended.ConnID,
		ended.Identity,
		ended.StartedAt.UTC().Unix(),
		endedAt.UTC().Unix(),
		len(ended.Accepted),
	)
	if err != nil {
		tx.Rollback()
		log.Printf("Recorder: insert session %s: %v", ended.SessionID, err)
		return
	}
	for i, tag := range ended.Accepted {
		if _, err := tx.Exec(`
INSERT INTO session_tags (session_id, position, tag) VALUES (?, ?, ?)`,
			ended.SessionID, i, tag); err != nil {
			tx.Rollback()
			log.Printf("Recorder: insert tags for %s: %v", ended.SessionID, err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		log.Printf("Recorder: commit %s: %v", ended.SessionID, err)
	}
}

// SessionCount returns the number of persisted sessions, for the periodic
// stats line.
func (r *Recorder) SessionCount() (int, error) {
	if r == nil || r.db == nil {
		return 0, nil
	}
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM session_records`).Scan(&n)
	return n, err
}

// Tags returns the accepted tags of a persisted session in acceptance order.
func (r *Recorder) Tags(sessionID string) ([]string, error) {
	rows, err := r.db.Query(`
SELECT tag FROM session_tags WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}
