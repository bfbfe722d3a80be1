package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type matchRow struct {
	partID         string
	messageID      string
	conversationID string
	role           string
	content        string
	snippet        string
	timeCreated    int64
	title          string
	directory      string
	timeUpdated    int64
}

// Search never fails: a missing mirror, an empty query, an invalid regex or an
// engine error all produce an empty result, the last two with a log line.
func (m *Mirror) Search(ctx context.Context, opts SearchOptions) []ConversationSearchResult {
	opts = opts.withDefaults()
	query := strings.TrimSpace(opts.Query)
	if query == "" || !m.Exists() {
		return []ConversationSearchResult{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		rows []matchRow
		err  error
	)
	if opts.Regex {
		if _, cerr := compilePattern(query); cerr != nil {
			m.logger.Warn("invalid regex pattern", "pattern", query, "err", cerr)
			return []ConversationSearchResult{}
		}
		rows, err = m.searchRegex(ctx, query, opts)
	} else {
		rows, err = m.searchFTS(ctx, query, opts)
	}
	if err != nil {
		m.logger.Error("search query failed", "query", query, "regex", opts.Regex, "err", err)
		return []ConversationSearchResult{}
	}
	return groupMatches(rows, opts.Limit)
}

func (m *Mirror) searchFTS(ctx context.Context, query string, opts SearchOptions) ([]matchRow, error) {
	flavor := m.flavorLocked(ctx)
	if flavor == ftsUnknown {
		return nil, fmt.Errorf("search mirror has no part_fts table")
	}
	tokens := opts.SnippetLength / 5
	if tokens < 1 {
		tokens = 1
	}
	if tokens > 64 {
		tokens = 64
	}

	var snippetExpr string
	if flavor == fts5 {
		snippetExpr = fmt.Sprintf(`snippet(part_fts, 0, '%s', '%s', '%s', %d)`, matchStart, matchEnd, ellipsis, tokens)
	} else {
		snippetExpr = fmt.Sprintf(`snippet(part_fts, '%s', '%s', '%s', -1, %d)`, matchStart, matchEnd, ellipsis, tokens)
	}

	where, args, err := filterClause(opts)
	if err != nil {
		return nil, err
	}
	q := `
		SELECT p.id, p.message_id, p.upstream_session_id, p.role, p.content, ` + snippetExpr + `,
			COALESCE(p.time_created, 0), COALESCE(c.title, ''), COALESCE(c.directory, ''), COALESCE(c.time_updated, 0)
		FROM part_fts
		JOIN part_index p ON p.rowid = part_fts.rowid
		JOIN conversation_index c ON c.id = p.upstream_session_id
		WHERE part_fts MATCH ?` + where + `
		ORDER BY c.time_updated DESC, p.time_created, p.rowid
		LIMIT ?`
	args = append([]any{EscapeFTSQuery(query, flavor == fts5)}, args...)
	args = append(args, opts.Limit*overFetchFactor)

	return m.queryMatches(ctx, q, args, func(content, snippet string) string {
		if snippet == "" {
			return truncateRunes(content, opts.SnippetLength)
		}
		return snippet
	})
}

func (m *Mirror) searchRegex(ctx context.Context, pattern string, opts SearchOptions) ([]matchRow, error) {
	where, args, err := filterClause(opts)
	if err != nil {
		return nil, err
	}
	q := `
		SELECT p.id, p.message_id, p.upstream_session_id, p.role, p.content, '',
			COALESCE(p.time_created, 0), COALESCE(c.title, ''), COALESCE(c.directory, ''), COALESCE(c.time_updated, 0)
		FROM part_index p
		JOIN conversation_index c ON c.id = p.upstream_session_id
		WHERE p.content REGEXP ?` + where + `
		ORDER BY c.time_updated DESC, p.time_created, p.rowid
		LIMIT ?`
	args = append([]any{pattern}, args...)
	args = append(args, opts.Limit*overFetchFactor)

	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	return m.queryMatches(ctx, q, args, func(content, _ string) string {
		return RegexSnippet(re, content, opts.SnippetLength)
	})
}

// filterClause builds the archived exclusion and directory predicates shared
// by both modes. Excluded ids travel as one JSON array parameter.
func filterClause(opts SearchOptions) (string, []any, error) {
	var b strings.Builder
	var args []any

	if len(opts.Exclude) > 0 {
		ids := make([]string, 0, len(opts.Exclude))
		for id := range opts.Exclude {
			ids = append(ids, id)
		}
		encoded, err := json.Marshal(ids)
		if err != nil {
			return "", nil, fmt.Errorf("encode excluded ids: %w", err)
		}
		b.WriteString(` AND p.upstream_session_id NOT IN (SELECT value FROM json_each(?))`)
		args = append(args, string(encoded))
	}
	if dir := strings.TrimSpace(opts.Directory); dir != "" {
		b.WriteString(` AND c.directory LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(dir)+"%")
	}
	return b.String(), args, nil
}

func (m *Mirror) queryMatches(ctx context.Context, q string, args []any, snippet func(content, native string) string) ([]matchRow, error) {
	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []matchRow
	for rows.Next() {
		var r matchRow
		if err := rows.Scan(&r.partID, &r.messageID, &r.conversationID, &r.role, &r.content, &r.snippet,
			&r.timeCreated, &r.title, &r.directory, &r.timeUpdated); err != nil {
			return nil, fmt.Errorf("scan match row: %w", err)
		}
		r.snippet = snippet(r.content, r.snippet)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate match rows: %w", err)
	}
	return out, nil
}

// groupMatches folds rows into one result per conversation in first-seen
// order. TotalMatches counts every row; Matches keeps only the first few.
func groupMatches(rows []matchRow, limit int) []ConversationSearchResult {
	out := []ConversationSearchResult{}
	pos := make(map[string]int)
	for _, r := range rows {
		i, ok := pos[r.conversationID]
		if !ok {
			i = len(out)
			pos[r.conversationID] = i
			out = append(out, ConversationSearchResult{
				ConversationID: r.conversationID,
				Title:          r.title,
				Directory:      r.directory,
				TimeUpdated:    r.timeUpdated,
				Matches:        []SearchMatch{},
			})
		}
		res := &out[i]
		res.TotalMatches++
		if len(res.Matches) < maxMatchesPerResult {
			res.Matches = append(res.Matches, SearchMatch{
				PartID:      r.partID,
				MessageID:   r.messageID,
				Role:        r.role,
				Snippet:     r.snippet,
				TimeCreated: r.timeCreated,
			})
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// EscapeFTSQuery turns raw input into a single literal phrase. FTS5 escapes
// embedded quotes by doubling; FTS4 has no escape so they become spaces.
func EscapeFTSQuery(raw string, fts5Syntax bool) string {
	if fts5Syntax {
		return `"` + strings.ReplaceAll(raw, `"`, `""`) + `"`
	}
	return `"` + strings.ReplaceAll(raw, `"`, " ") + `"`
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ListDirectories returns distinct non-empty directories, sorted, skipping
// conversations in exclude. Failures log and return an empty list.
func (m *Mirror) ListDirectories(ctx context.Context, exclude map[string]struct{}) []string {
	if !m.Exists() {
		return []string{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	dirs, err := listDirectories(ctx, m.db, exclude)
	if err != nil {
		m.logger.Error("list directories failed", "err", err)
		return []string{}
	}
	return dirs
}

func listDirectories(ctx context.Context, db *sql.DB, exclude map[string]struct{}) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, directory FROM conversation_index
		WHERE directory IS NOT NULL AND directory != ''
	`)
	if err != nil {
		return nil, fmt.Errorf("query directories: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	out := []string{}
	for rows.Next() {
		var id, dir string
		if err := rows.Scan(&id, &dir); err != nil {
			return nil, fmt.Errorf("scan directory row: %w", err)
		}
		if _, skip := exclude[id]; skip {
			continue
		}
		if _, dup := seen[dir]; dup {
			continue
		}
		seen[dir] = struct{}{}
		out = append(out, dir)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate directories: %w", err)
	}
	sort.Strings(out)
	return out, nil
}
