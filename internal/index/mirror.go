// Package index is the disposable search mirror: per-conversation metadata,
// extracted text parts bound to a full-text table, and the sync watermark.
// Deleting the file loses nothing that a full sync cannot rebuild.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
)

const watermarkKey = "last_sync_time"

type ftsFlavor int

const (
	ftsUnknown ftsFlavor = iota
	fts4
	fts5
)

func (f ftsFlavor) String() string {
	switch f {
	case fts4:
		return "fts4"
	case fts5:
		return "fts5"
	default:
		return "unknown"
	}
}

type Mirror struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	db     *sql.DB
	flavor ftsFlavor
}

// Open prepares a handle without creating the file. EnsureSchema creates it.
func Open(path string, logger *slog.Logger) (*Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{path: path, logger: logger}
	db, err := m.openDB()
	if err != nil {
		return nil, err
	}
	m.db = db
	return m, nil
}

func (m *Mirror) openDB() (*sql.DB, error) {
	db, err := sql.Open(driverName, "file:"+(&url.URL{Path: m.path}).EscapedPath()+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open search mirror: %w", err)
	}
	return db, nil
}

func (m *Mirror) Path() string {
	return m.path
}

func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Close()
}

// Exists reports whether the mirror file is on disk.
func (m *Mirror) Exists() bool {
	st, err := os.Stat(m.path)
	return err == nil && !st.IsDir()
}

// Reset deletes the mirror file and its WAL side files and reopens an empty
// handle. The schema is recreated by the next EnsureSchema.
func (m *Mirror) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("close search mirror: %w", err)
	}
	for _, p := range []string{m.path, m.path + "-wal", m.path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	db, err := m.openDB()
	if err != nil {
		return err
	}
	m.db = db
	m.flavor = ftsUnknown
	return nil
}

// EnsureSchema is idempotent: tables, the full-text table and its
// propagation triggers are created only when absent.
func (m *Mirror) EnsureSchema(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_index (
			id TEXT PRIMARY KEY,
			directory TEXT,
			title TEXT,
			time_updated INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS part_index (
			id TEXT PRIMARY KEY,
			upstream_session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			time_created INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS ix_part_index_upstream_session_id ON part_index(upstream_session_id);`,
		`CREATE INDEX IF NOT EXISTS ix_part_index_message_id ON part_index(message_id);`,
		`CREATE TABLE IF NOT EXISTS sync_metadata (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init mirror schema: %w", err)
		}
	}

	flavor, err := ensureFTSTable(ctx, tx)
	if err != nil {
		return err
	}
	for _, stmt := range triggerStatements(flavor) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create part_fts triggers: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mirror schema: %w", err)
	}
	m.flavor = flavor
	m.logger.Debug("search mirror schema ready", "path", m.path, "fts", flavor.String())
	return nil
}

// ensureFTSTable prefers FTS5 and falls back to FTS4 on builds without the
// fts5 module (go-sqlite3 needs the sqlite_fts5 tag for it).
func ensureFTSTable(ctx context.Context, tx *sql.Tx) (ftsFlavor, error) {
	var sqlDef string
	err := tx.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE name = 'part_fts'`).Scan(&sqlDef)
	if err == nil {
		return flavorFromSQL(sqlDef), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ftsUnknown, fmt.Errorf("inspect part_fts table: %w", err)
	}

	_, err = tx.ExecContext(ctx, `CREATE VIRTUAL TABLE part_fts USING fts5(
		content,
		content='part_index',
		content_rowid='rowid',
		tokenize='porter unicode61'
	);`)
	if err == nil {
		return fts5, nil
	}
	if !strings.Contains(strings.ToLower(err.Error()), "no such module: fts5") {
		return ftsUnknown, fmt.Errorf("create part_fts: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `CREATE VIRTUAL TABLE part_fts USING fts4(
		content="part_index",
		content,
		tokenize=porter
	);`); err != nil {
		return ftsUnknown, fmt.Errorf("create part_fts (fts4): %w", err)
	}
	return fts4, nil
}

func flavorFromSQL(def string) ftsFlavor {
	if strings.Contains(strings.ToLower(def), "fts5") {
		return fts5
	}
	return fts4
}

func triggerStatements(flavor ftsFlavor) []string {
	if flavor == fts5 {
		return []string{
			`CREATE TRIGGER IF NOT EXISTS part_index_ai AFTER INSERT ON part_index BEGIN
				INSERT INTO part_fts(rowid, content) VALUES (NEW.rowid, NEW.content);
			END;`,
			`CREATE TRIGGER IF NOT EXISTS part_index_ad AFTER DELETE ON part_index BEGIN
				INSERT INTO part_fts(part_fts, rowid, content) VALUES ('delete', OLD.rowid, OLD.content);
			END;`,
			`CREATE TRIGGER IF NOT EXISTS part_index_au AFTER UPDATE ON part_index BEGIN
				INSERT INTO part_fts(part_fts, rowid, content) VALUES ('delete', OLD.rowid, OLD.content);
				INSERT INTO part_fts(rowid, content) VALUES (NEW.rowid, NEW.content);
			END;`,
		}
	}
	// FTS4 external content reads the old row back from part_index when
	// deleting, so removal has to happen before the base row changes.
	return []string{
		`CREATE TRIGGER IF NOT EXISTS part_index_bd BEFORE DELETE ON part_index BEGIN
			DELETE FROM part_fts WHERE docid = OLD.rowid;
		END;`,
		`CREATE TRIGGER IF NOT EXISTS part_index_bu BEFORE UPDATE ON part_index BEGIN
			DELETE FROM part_fts WHERE docid = OLD.rowid;
		END;`,
		`CREATE TRIGGER IF NOT EXISTS part_index_ai AFTER INSERT ON part_index BEGIN
			INSERT INTO part_fts(docid, content) VALUES (NEW.rowid, NEW.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS part_index_au AFTER UPDATE ON part_index BEGIN
			INSERT INTO part_fts(docid, content) VALUES (NEW.rowid, NEW.content);
		END;`,
	}
}

// Watermark returns the last successful sync time in milliseconds.
// ok is false when no sync has been recorded or the mirror does not exist.
func (m *Mirror) Watermark(ctx context.Context) (ms int64, ok bool, err error) {
	if !m.Exists() {
		return 0, false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return readWatermark(ctx, m.db)
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readWatermark(ctx context.Context, q rowQueryer) (int64, bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, watermarkKey).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || strings.Contains(err.Error(), "no such table") {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read watermark: %w", err)
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse watermark %q: %w", raw, err)
	}
	return ms, true, nil
}

// ConversationRow is the conversation_index copy of upstream metadata.
type ConversationRow struct {
	ID          string
	Directory   string
	Title       string
	TimeUpdated int64
}

// PartRow is one indexed text fragment.
type PartRow struct {
	ID             string
	ConversationID string
	MessageID      string
	Role           string
	Content        string
	TimeCreated    int64
}

// Writer batches mirror mutations in one transaction. Nothing is visible to
// readers until Commit, so a conversation is never observed half-replaced.
type Writer struct {
	tx         *sql.Tx
	release    func()
	insertPart *sql.Stmt
	done       bool
}

// BeginWrite holds the mirror's handle lock until Commit or Rollback so a
// concurrent Reset cannot close the connection under the transaction.
func (m *Mirror) BeginWrite(ctx context.Context) (*Writer, error) {
	m.mu.RLock()
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		m.mu.RUnlock()
		return nil, fmt.Errorf("begin mirror write: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO part_index(id, upstream_session_id, message_id, role, content, time_created)
		VALUES(?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		m.mu.RUnlock()
		return nil, fmt.Errorf("prepare part insert: %w", err)
	}
	return &Writer{tx: tx, release: m.mu.RUnlock, insertPart: stmt}, nil
}

// UpsertConversation overwrites directory, title and time_updated in place.
func (w *Writer) UpsertConversation(ctx context.Context, c ConversationRow) error {
	if _, err := w.tx.ExecContext(ctx, `
		INSERT INTO conversation_index(id, directory, title, time_updated)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			directory=excluded.directory,
			title=excluded.title,
			time_updated=excluded.time_updated
	`, c.ID, c.Directory, c.Title, c.TimeUpdated); err != nil {
		return fmt.Errorf("upsert conversation index %s: %w", c.ID, err)
	}
	return nil
}

// ReplaceParts deletes every indexed part of the conversation and inserts
// parts in their place. Triggers keep part_fts in lockstep.
func (w *Writer) ReplaceParts(ctx context.Context, conversationID string, parts []PartRow) (int, error) {
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM part_index WHERE upstream_session_id = ?`, conversationID); err != nil {
		return 0, fmt.Errorf("clear parts for %s: %w", conversationID, err)
	}
	for _, p := range parts {
		if _, err := w.insertPart.ExecContext(ctx, p.ID, conversationID, p.MessageID, p.Role, p.Content, p.TimeCreated); err != nil {
			return 0, fmt.Errorf("insert part %s: %w", p.ID, err)
		}
	}
	return len(parts), nil
}

func (w *Writer) Watermark(ctx context.Context) (int64, bool, error) {
	return readWatermark(ctx, w.tx)
}

func (w *Writer) SetWatermark(ctx context.Context, ms int64) error {
	if _, err := w.tx.ExecContext(ctx, `
		INSERT INTO sync_metadata(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value
	`, watermarkKey, strconv.FormatInt(ms, 10)); err != nil {
		return fmt.Errorf("write watermark: %w", err)
	}
	return nil
}

func (w *Writer) Commit() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.release()
	_ = w.insertPart.Close()
	if err := w.tx.Commit(); err != nil {
		return fmt.Errorf("commit mirror write: %w", err)
	}
	return nil
}

// Rollback is a no-op after Commit, so it is safe to defer.
func (w *Writer) Rollback() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.release()
	_ = w.insertPart.Close()
	return w.tx.Rollback()
}

// flavorLocked loads the FTS flavor for a mirror created by another process.
func (m *Mirror) flavorLocked(ctx context.Context) ftsFlavor {
	if m.flavor != ftsUnknown {
		return m.flavor
	}
	var def string
	if err := m.db.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE name = 'part_fts'`).Scan(&def); err != nil {
		return ftsUnknown
	}
	return flavorFromSQL(def)
}
