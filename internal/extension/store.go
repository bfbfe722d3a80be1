// Package extension owns user intent layered over upstream sessions: title
// and slug overrides plus the archived flag. It lives in its own database
// file so rebuilding the search mirror never touches it.
package extension

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3"
)

var ErrSlugTaken = errors.New("slug already in use")

// Conversation is keyed by the upstream session id. Nil overrides defer to
// the upstream value.
type Conversation struct {
	ID       string
	Title    *string
	Slug     *string
	Archived bool
}

// Field is a tri-state column update for Upsert.
type Field struct {
	set   bool
	value *string
}

// Unset leaves the column as it is.
func Unset() Field { return Field{} }

// Null clears the override.
func Null() Field { return Field{set: true} }

func Value(v string) Field { return Field{set: true, value: &v} }

func (f Field) IsSet() bool { return f.set }

type Store struct {
	db   *sql.DB
	path string
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create extension db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", sqliteURI(path, "_journal_mode=WAL&_busy_timeout=5000"))
	if err != nil {
		return nil, fmt.Errorf("open extension db: %w", err)
	}
	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation (
			upstream_session_id TEXT PRIMARY KEY,
			title TEXT,
			slug TEXT,
			archived BOOLEAN NOT NULL DEFAULT 0,
			CONSTRAINT uq_conversation_slug UNIQUE (slug)
		);`,
		`CREATE INDEX IF NOT EXISTS ix_conversation_slug ON conversation(slug);`,
		`CREATE INDEX IF NOT EXISTS ix_conversation_archived ON conversation(archived);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init extension schema: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (Conversation, error) {
	var c Conversation
	var title, slug sql.NullString
	if err := r.Scan(&c.ID, &title, &slug, &c.Archived); err != nil {
		return Conversation{}, err
	}
	if title.Valid {
		c.Title = &title.String
	}
	if slug.Valid {
		c.Slug = &slug.String
	}
	return c, nil
}

const selectConversation = `SELECT upstream_session_id, title, slug, archived FROM conversation`

func (s *Store) queryOne(ctx context.Context, q queryer, where string, arg any) (*Conversation, error) {
	c, err := scanConversation(q.QueryRowContext(ctx, selectConversation+" WHERE "+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get returns nil without error when no row exists.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	c, err := s.queryOne(ctx, s.db, "upstream_session_id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return c, nil
}

func (s *Store) GetBySlug(ctx context.Context, slug string) (*Conversation, error) {
	c, err := s.queryOne(ctx, s.db, "slug = ?", slug)
	if err != nil {
		return nil, fmt.Errorf("get conversation by slug %q: %w", slug, err)
	}
	return c, nil
}

// All returns every row keyed by id.
func (s *Store) All(ctx context.Context) (map[string]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, selectConversation)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Conversation)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// EnsureExists inserts a bare row iff none exists. Existing title, slug and
// archived values are never modified.
func (s *Store) EnsureExists(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO conversation(upstream_session_id) VALUES(?)`, id); err != nil {
		return fmt.Errorf("ensure conversation %s: %w", id, err)
	}
	return nil
}

// EnsureAll is EnsureExists for a batch, in one transaction.
func (s *Store) EnsureAll(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ensure tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO conversation(upstream_session_id) VALUES(?)`)
	if err != nil {
		return fmt.Errorf("prepare ensure: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("ensure conversation %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ensure: %w", err)
	}
	return nil
}

// Upsert creates the row if needed and applies each field that is set.
// A slug held by another conversation fails with ErrSlugTaken.
func (s *Store) Upsert(ctx context.Context, id string, title, slug Field) (Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO conversation(upstream_session_id) VALUES(?)`, id); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation %s: %w", id, err)
	}

	var sets []string
	var args []any
	if title.set {
		sets = append(sets, "title = ?")
		args = append(args, nullable(title.value))
	}
	if slug.set {
		sets = append(sets, "slug = ?")
		args = append(args, nullable(slug.value))
	}
	if len(sets) > 0 {
		args = append(args, id)
		q := "UPDATE conversation SET " + strings.Join(sets, ", ") + " WHERE upstream_session_id = ?"
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			if isUniqueViolation(err) {
				return Conversation{}, fmt.Errorf("%w: %s", ErrSlugTaken, derefString(slug.value))
			}
			return Conversation{}, fmt.Errorf("update conversation %s: %w", id, err)
		}
	}

	c, err := s.queryOne(ctx, tx, "upstream_session_id = ?", id)
	if err != nil {
		return Conversation{}, fmt.Errorf("reload conversation %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("commit upsert: %w", err)
	}
	return *c, nil
}

// Delete removes the row, archived flag included. It reports whether a row
// existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversation WHERE upstream_session_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete conversation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return n > 0, nil
}

// SetArchived creates the row with the given flag if absent.
func (s *Store) SetArchived(ctx context.Context, id string, archived bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation(upstream_session_id, archived) VALUES(?, ?)
		ON CONFLICT(upstream_session_id) DO UPDATE SET archived = excluded.archived
	`, id, archived)
	if err != nil {
		return fmt.Errorf("set archived for %s: %w", id, err)
	}
	return nil
}

// IsArchived is false for ids with no row.
func (s *Store) IsArchived(ctx context.Context, id string) (bool, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return c != nil && c.Archived, nil
}

func (s *Store) ArchivedIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT upstream_session_id FROM conversation WHERE archived = 1`)
	if err != nil {
		return nil, fmt.Errorf("query archived ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan archived id: %w", err)
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived ids: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func nullable(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func sqliteURI(path, params string) string {
	return "file:" + (&url.URL{Path: path}).EscapedPath() + "?" + params
}
