package ui

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"opencode-trace/internal/export"
	"opencode-trace/internal/highlight"
	"opencode-trace/internal/index"
	"opencode-trace/internal/service"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/x/ansi"
)

const (
	titleWidth   = 48
	snippetWidth = 72
)

type conversationItem struct {
	s service.ConversationSummary
}

func (i conversationItem) Title() string {
	title := i.s.Title
	if title == "" {
		title = i.s.ID
	}
	if i.s.Archived {
		title = "[archived] " + title
	}
	return shorten(title, titleWidth)
}

func (i conversationItem) Description() string {
	parts := []string{}
	if base := dirBase(i.s.Directory); base != "" {
		parts = append(parts, base)
	}
	parts = append(parts, service.FormatMillis(i.s.TimeUpdated))
	if i.s.Model != "" {
		parts = append(parts, i.s.Model)
	}
	return strings.Join(parts, " | ")
}

func (i conversationItem) FilterValue() string {
	return strings.ToLower(i.s.ID + " " + i.s.Title + " " + i.s.Directory)
}

type searchItem struct {
	r index.ConversationSearchResult
}

func (i searchItem) Title() string {
	title := i.r.Title
	if title == "" {
		title = i.r.ConversationID
	}
	return shorten(title, titleWidth)
}

func (i searchItem) Description() string {
	meta := fmt.Sprintf("%d matches", i.r.TotalMatches)
	if i.r.TotalMatches == 1 {
		meta = "1 match"
	}
	if base := dirBase(i.r.Directory); base != "" {
		meta = base + " | " + meta
	}
	if len(i.r.Matches) == 0 {
		return meta
	}
	first := i.r.Matches[0]
	snippet := strings.Join(strings.Fields(highlight.StripMarkers(first.Snippet)), " ")
	return meta + " | " + first.Role + ": " + shorten(snippet, snippetWidth)
}

func (i searchItem) FilterValue() string {
	return strings.ToLower(i.r.ConversationID + " " + i.r.Title)
}

func itemID(it list.Item) string {
	switch v := it.(type) {
	case conversationItem:
		return v.s.ID
	case searchItem:
		return v.r.ConversationID
	}
	return ""
}

func dirBase(dir string) string {
	if dir == "" {
		return ""
	}
	base := filepath.Base(dir)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func (m *Model) renderSelected(force bool) tea.Cmd {
	if m.selectedID == "" {
		m.viewport.SetContent("No conversation selected")
		m.clearMatches()
		return nil
	}

	conv, ok := m.exports[m.selectedID]
	if !ok {
		m.viewport.SetContent("Loading transcript...")
		m.clearMatches()
		return nil
	}

	cacheKey := m.renderCacheKey(m.selectedID)
	if !force {
		if rendered, ok := m.rendered[cacheKey]; ok {
			m.setViewportFromRendered(cacheKey, rendered, false)
			return nil
		}
	}
	m.rendering = true
	m.renderNonce++
	m.viewport.SetContent("Rendering transcript...")
	wrap := m.viewport.Width - 2
	if wrap < 20 {
		wrap = 20
	}
	toggles := export.TranscriptToggles{IncludeTools: m.includeTools}
	return renderTranscriptCmd(m.selectedID, cacheKey, conv, toggles, m.cfg.GlamourStyle, wrap, m.renderNonce)
}

func renderTranscriptCmd(id, cacheKey string, conv *service.ConversationExport, toggles export.TranscriptToggles, style string, wrap, nonce int) tea.Cmd {
	return func() tea.Msg {
		md := export.BuildTranscriptMarkdown(conv.Messages, toggles)
		if strings.TrimSpace(md) == "" {
			md = "_No transcript content with current filters._"
		}
		md = sanitizeMarkdownForDisplay(md)

		out := renderMsg{id: id, cacheKey: cacheKey, rendered: md, nonce: nonce}
		if len(md) > 500_000 {
			return out
		}
		if style == "" {
			style = "dark"
		}
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(style),
			glamour.WithWordWrap(wrap),
		)
		if err != nil {
			return out
		}
		if rendered, err := r.Render(md); err == nil {
			out.rendered = rendered
		}
		return out
	}
}

func (m Model) renderCacheKey(id string) string {
	return fmt.Sprintf("%s|w=%d|t=%t", id, m.viewport.Width, m.includeTools)
}

func (m Model) highlightCacheKey(cacheKey, query string) string {
	return fmt.Sprintf("%s|re=%t|q=%s", cacheKey, m.regex, strings.ToLower(query))
}

// matcher mirrors the active search so in-transcript hits line up with the list.
func (m Model) matcher() highlight.Matcher {
	query := strings.TrimSpace(m.searchQuery)
	if query == "" {
		return highlight.Matcher{}
	}
	if m.regex {
		pm, err := highlight.Pattern(query)
		if err != nil {
			return highlight.Matcher{}
		}
		return pm
	}
	return highlight.Literal(query)
}

func (m *Model) refreshViewportFromCache() {
	if m.selectedID == "" {
		m.clearMatches()
		return
	}
	cacheKey := m.renderCacheKey(m.selectedID)
	rendered, ok := m.rendered[cacheKey]
	if !ok {
		return
	}
	oldOffset := m.viewport.YOffset
	m.setViewportFromRendered(cacheKey, rendered, false)
	m.viewport.SetYOffset(m.clampViewportOffset(oldOffset))
}

func (m *Model) setViewportFromRendered(cacheKey, rendered string, gotoTop bool) {
	content := rendered
	if mt := m.matcher(); !mt.Empty() {
		hKey := m.highlightCacheKey(cacheKey, strings.TrimSpace(m.searchQuery))
		res, ok := m.highlighted[hKey]
		if !ok {
			res = highlight.ApplyANSI(rendered, mt, func(s string) string {
				return searchMatchStyle.Render(s)
			})
			m.highlighted[hKey] = res
		}
		content = res.Text
		m.setMatchMeta(res)
	} else {
		m.clearMatches()
	}

	m.viewport.SetContent(content)
	if gotoTop {
		m.viewport.GotoTop()
		if len(m.matchLines) > 0 {
			m.matchIndex = 0
			m.viewport.SetYOffset(m.clampViewportOffset(m.matchLines[0]))
		}
	}
}

func (m *Model) setMatchMeta(res highlight.Result) {
	if res.Count == 0 || len(res.LineIndex) == 0 {
		m.clearMatches()
		return
	}
	m.matchCount = res.Count
	m.matchLines = append(m.matchLines[:0], res.LineIndex...)
	if m.matchIndex < 0 || m.matchIndex >= len(m.matchLines) {
		m.matchIndex = 0
	}
}

func (m *Model) clearMatches() {
	m.matchLines = nil
	m.matchCount = 0
	m.matchIndex = -1
}

func (m *Model) jumpToMatch(delta int) {
	if len(m.matchLines) == 0 {
		m.status = "No search matches in transcript"
		return
	}

	if m.matchIndex < 0 || m.matchIndex >= len(m.matchLines) {
		m.matchIndex = 0
	} else if delta > 0 {
		m.matchIndex = (m.matchIndex + 1) % len(m.matchLines)
	} else if delta < 0 {
		m.matchIndex = (m.matchIndex - 1 + len(m.matchLines)) % len(m.matchLines)
	}

	m.viewport.SetYOffset(m.clampViewportOffset(m.matchLines[m.matchIndex]))
	m.status = fmt.Sprintf("Match %d/%d", m.matchIndex+1, m.matchCount)
}

func (m *Model) clampViewportOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	if maxOffset < 0 {
		maxOffset = 0
	}
	if offset > maxOffset {
		return maxOffset
	}
	return offset
}

func sanitizeMarkdownForDisplay(md string) string {
	md = stripEmbeddedImageData(md)
	md = clampLongLines(md, 8000)
	const maxDisplayChars = 1_000_000
	if len(md) <= maxDisplayChars {
		return md
	}
	trimmed := strings.TrimRight(md[:maxDisplayChars], "\n")
	return trimmed + "\n\n... [transcript truncated for display; use export for full content] ...\n"
}

// stripEmbeddedImageData replaces inline base64 image payloads with a size note.
func stripEmbeddedImageData(s string) string {
	const prefix = "data:image/"
	var b strings.Builder
	pos := 0
	for {
		i := strings.Index(s[pos:], prefix)
		if i < 0 {
			b.WriteString(s[pos:])
			break
		}
		start := pos + i
		b.WriteString(s[pos:start])

		marker := strings.Index(s[start:], ";base64,")
		if marker < 0 {
			b.WriteString(prefix)
			pos = start + len(prefix)
			continue
		}

		payloadStart := start + marker + len(";base64,")
		j := payloadStart
		for j < len(s) && isBase64Byte(s[j]) {
			j++
		}
		b.WriteString("[embedded image data omitted: " + strconv.Itoa(j-payloadStart) + " base64 chars]")
		pos = j
	}
	return b.String()
}

func isBase64Byte(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '+' || c == '/' || c == '=':
		return true
	}
	return false
}

func clampLongLines(s string, max int) string {
	if max <= 0 || len(s) == 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if len(line) <= max {
			continue
		}
		head := line[:max/2]
		tail := line[len(line)-max/2:]
		lines[i] = head + "... [line truncated " + strconv.Itoa(len(line)-max) + " chars] ..." + tail
	}
	return strings.Join(lines, "\n")
}

// shorten truncates by display width and keeps escape sequences intact.
func shorten(s string, n int) string {
	s = strings.TrimSpace(s)
	if ansi.StringWidth(s) <= n {
		return s
	}
	if n <= 3 {
		return ansi.Truncate(s, n, "")
	}
	return ansi.Truncate(s, n, "...")
}
