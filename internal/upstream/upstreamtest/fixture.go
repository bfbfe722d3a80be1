// Package upstreamtest builds writable upstream databases for tests.
package upstreamtest

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE session (
	id TEXT PRIMARY KEY,
	project_id TEXT,
	parent_id TEXT,
	slug TEXT,
	directory TEXT,
	title TEXT,
	version TEXT,
	summary_additions INTEGER,
	summary_deletions INTEGER,
	summary_files INTEGER,
	time_created INTEGER,
	time_updated INTEGER
);
CREATE TABLE message (
	id TEXT PRIMARY KEY,
	session_id TEXT REFERENCES session(id),
	data TEXT,
	time_created INTEGER
);
CREATE TABLE part (
	id TEXT PRIMARY KEY,
	message_id TEXT REFERENCES message(id),
	data TEXT,
	time_created INTEGER
);
`

type DB struct {
	t    testing.TB
	Path string
	db   *sql.DB
}

type Session struct {
	ID          string
	Title       string
	Directory   string
	ParentID    string
	ProjectID   string
	TimeCreated int64
	TimeUpdated int64
}

// New creates opencode.db inside a fresh temp dir.
func New(t testing.TB) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opencode.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open upstream fixture: %v", err)
	}
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create upstream schema: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &DB{t: t, Path: path, db: db}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (d *DB) exec(query string, args ...any) {
	d.t.Helper()
	if _, err := d.db.Exec(query, args...); err != nil {
		d.t.Fatalf("upstream fixture exec: %v", err)
	}
}

func (d *DB) AddSession(s Session) {
	d.t.Helper()
	if s.TimeCreated == 0 {
		s.TimeCreated = 1_700_000_000_000
	}
	if s.TimeUpdated == 0 {
		s.TimeUpdated = 1_700_000_001_000
	}
	d.exec(`INSERT INTO session(id, project_id, parent_id, directory, title, version,
		summary_additions, summary_deletions, summary_files, time_created, time_updated)
		VALUES(?, ?, ?, ?, ?, '1.0.0', 0, 0, 0, ?, ?)`,
		s.ID, nullable(s.ProjectID), nullable(s.ParentID), s.Directory, s.Title, s.TimeCreated, s.TimeUpdated)
}

// AddMessage stores {"role": role} plus any extra payload keys.
func (d *DB) AddMessage(id, sessionID, role string, created int64, extra map[string]any) {
	d.t.Helper()
	data := map[string]any{"role": role}
	for k, v := range extra {
		data[k] = v
	}
	d.exec(`INSERT INTO message(id, session_id, data, time_created) VALUES(?, ?, ?, ?)`,
		id, sessionID, mustJSON(d.t, data), created)
}

func (d *DB) AddTextPart(id, messageID, text string, created int64) {
	d.t.Helper()
	d.AddPart(id, messageID, map[string]any{"type": "text", "text": text}, created)
}

func (d *DB) AddPart(id, messageID string, data map[string]any, created int64) {
	d.t.Helper()
	d.exec(`INSERT INTO part(id, message_id, data, time_created) VALUES(?, ?, ?, ?)`,
		id, messageID, mustJSON(d.t, data), created)
}

func (d *DB) SetPartText(id, text string) {
	d.t.Helper()
	d.exec(`UPDATE part SET data = ? WHERE id = ?`, mustJSON(d.t, map[string]any{"type": "text", "text": text}), id)
}

func (d *DB) TouchSession(id string, updated int64) {
	d.t.Helper()
	d.exec(`UPDATE session SET time_updated = ? WHERE id = ?`, updated, id)
}

func (d *DB) Exec(query string, args ...any) {
	d.t.Helper()
	d.exec(query, args...)
}

func mustJSON(t testing.TB, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal fixture payload: %v", err)
	}
	return string(b)
}
