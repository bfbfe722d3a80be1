// Package upstream reads the externally owned OpenCode database. It never
// writes: connections are opened with mode=ro and query_only.
package upstream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var ErrUnavailable = errors.New("upstream database not found")

type Store struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

// Open does not touch the file; the connection is established on first use
// so the upstream database may appear after startup.
func Open(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Available() bool {
	st, err := os.Stat(s.path)
	return err == nil && !st.IsDir()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) conn() (*sql.DB, error) {
	if !s.Available() {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, s.path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	dsn := sqliteURI(s.path, "mode=ro&_query_only=1&_busy_timeout=5000")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open upstream db: %w", err)
	}
	s.db = db
	return db, nil
}

const sessionColumns = `
	id,
	COALESCE(project_id, ''),
	COALESCE(parent_id, ''),
	COALESCE(slug, ''),
	COALESCE(directory, ''),
	COALESCE(title, ''),
	COALESCE(version, ''),
	COALESCE(summary_additions, 0),
	COALESCE(summary_deletions, 0),
	COALESCE(summary_files, 0),
	COALESCE(time_created, 0),
	COALESCE(time_updated, 0)
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var s Session
	err := r.Scan(&s.ID, &s.ProjectID, &s.ParentID, &s.Slug, &s.Directory, &s.Title, &s.Version,
		&s.SummaryAdditions, &s.SummaryDeletions, &s.SummaryFiles, &s.TimeCreated, &s.TimeUpdated)
	return s, err
}

// ListSessions returns every upstream session in no particular order.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM session`)
}

// SessionsUpdatedAfter returns sessions whose time_updated is strictly
// greater than cutoff.
func (s *Store) SessionsUpdatedAfter(ctx context.Context, cutoff int64) ([]Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM session WHERE COALESCE(time_updated, 0) > ?`, cutoff)
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query upstream sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0, 64)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upstream session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upstream sessions: %w", err)
	}
	return out, nil
}

// GetSession reports found=false without error when no row matches.
func (s *Store) GetSession(ctx context.Context, id string) (Session, bool, error) {
	db, err := s.conn()
	if err != nil {
		return Session{}, false, err
	}
	sess, err := scanSession(db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM session WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("get upstream session %s: %w", id, err)
	}
	return sess, true, nil
}

// Messages returns a session's messages ordered by creation time.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, session_id, COALESCE(data, ''), COALESCE(time_created, 0)
		FROM message
		WHERE session_id = ?
		ORDER BY time_created, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages for %s: %w", sessionID, err)
	}
	defer rows.Close()

	out := make([]Message, 0, 32)
	for rows.Next() {
		var m Message
		var data string
		if err := rows.Scan(&m.ID, &m.SessionID, &data, &m.TimeCreated); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Data = ParsePayload(data)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// PartsBySession loads every part of every message in the session in one
// query, keyed by message id and ordered by creation time within a message.
func (s *Store) PartsBySession(ctx context.Context, sessionID string) (map[string][]Part, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT p.id, p.message_id, COALESCE(p.data, ''), COALESCE(p.time_created, 0)
		FROM part p
		JOIN message m ON m.id = p.message_id
		WHERE m.session_id = ?
		ORDER BY p.message_id, p.time_created, p.id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query parts for %s: %w", sessionID, err)
	}
	defer rows.Close()

	out := make(map[string][]Part)
	for rows.Next() {
		var p Part
		var data string
		if err := rows.Scan(&p.ID, &p.MessageID, &data, &p.TimeCreated); err != nil {
			return nil, fmt.Errorf("scan part row: %w", err)
		}
		p.Data = ParsePayload(data)
		out[p.MessageID] = append(out[p.MessageID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parts: %w", err)
	}
	return out, nil
}

// ModelNames maps session id to the model of its earliest message that
// names one. Sessions without such a message are absent from the map.
func (s *Store) ModelNames(ctx context.Context) (map[string]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, data
		FROM message
		WHERE data LIKE '%model%'
		ORDER BY session_id, time_created, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query message models: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var sessionID, data string
		if err := rows.Scan(&sessionID, &data); err != nil {
			return nil, fmt.Errorf("scan message model row: %w", err)
		}
		if _, seen := out[sessionID]; seen {
			continue
		}
		if id := (Message{Data: ParsePayload(data)}).ModelID(); id != "" {
			out[sessionID] = id
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message models: %w", err)
	}
	return out, nil
}

// sqliteURI escapes path so '?' and '#' in directory names reach SQLite intact.
func sqliteURI(path, params string) string {
	return "file:" + (&url.URL{Path: path}).EscapedPath() + "?" + params
}
