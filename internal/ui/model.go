package ui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"opencode-trace/internal/clipboard"
	"opencode-trace/internal/config"
	"opencode-trace/internal/export"
	"opencode-trace/internal/extension"
	"opencode-trace/internal/highlight"
	"opencode-trace/internal/index"
	"opencode-trace/internal/service"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

type inputMode int

const (
	inputNone inputMode = iota
	inputSearch
	inputRename
)

type Model struct {
	cfg      config.AppConfig
	svc      *service.Service
	exporter *export.Exporter
	logger   *slog.Logger

	list     list.Model
	viewport viewport.Model
	help     help.Model
	spinner  spinner.Model
	search   textinput.Model
	rename   textinput.Model
	keys     keyMap

	width  int
	height int

	syncing      bool
	input        inputMode
	focusOnList  bool
	regex        bool
	showAll      bool
	showArchived bool
	includeTools bool
	rendering    bool
	renderNonce  int

	searchQuery string
	selectedID  string
	summaries   map[string]service.ConversationSummary
	results     map[string]index.ConversationSearchResult
	exports     map[string]*service.ConversationExport
	rendered    map[string]string
	highlighted map[string]highlight.Result
	matchLines  []int
	matchCount  int
	matchIndex  int

	status string
	err    error
}

type syncDoneMsg struct {
	res     service.SyncResult
	rebuild bool
	err     error
}
type conversationsMsg struct {
	items    []service.ConversationSummary
	archived bool
	err      error
}
type searchResultsMsg struct {
	query   string
	regex   bool
	results []index.ConversationSearchResult
}
type exportLoadedMsg struct {
	id  string
	exp *service.ConversationExport
	err error
}
type renderMsg struct {
	id       string
	cacheKey string
	rendered string
	nonce    int
}
type exportMsg struct {
	path string
	err  error
}
type copyMsg struct {
	err error
}
type actionMsg struct {
	status string
	err    error
}

func NewModel(cfg config.AppConfig, svc *service.Service, exp *export.Exporter, logger *slog.Logger) Model {
	if logger == nil {
		logger = slog.Default()
	}
	l := list.New([]list.Item{}, list.NewDefaultDelegate(), 40, 20)
	l.Title = "Conversations"
	l.SetShowFilter(false)
	l.SetFilteringEnabled(false)
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.DisableQuitKeybindings()

	vp := viewport.New(60, 20)
	vp.SetContent("Syncing OpenCode history...")

	h := help.New()
	h.ShowAll = false

	sp := spinner.New()
	sp.Spinner = spinner.Points

	ti := textinput.New()
	ti.Placeholder = "Search conversations..."
	ti.Prompt = "/ "
	ti.CharLimit = 256

	rn := textinput.New()
	rn.Placeholder = "New title (empty clears)"
	rn.Prompt = "title: "
	rn.CharLimit = 200

	return Model{
		cfg:      cfg,
		svc:      svc,
		exporter: exp,
		logger:   logger,
		list:     l,
		viewport: vp,
		help:     h,
		spinner:  sp,
		search:   ti,
		rename:   rn,
		keys:     defaultKeys(),

		syncing:     true,
		focusOnList: true,
		summaries:   make(map[string]service.ConversationSummary),
		results:     make(map[string]index.ConversationSearchResult),
		exports:     make(map[string]*service.ConversationExport),
		rendered:    make(map[string]string),
		highlighted: make(map[string]highlight.Result),
		matchIndex:  -1,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.syncCmd(false))
}

func (m Model) syncCmd(rebuild bool) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		var (
			res service.SyncResult
			err error
		)
		if rebuild {
			res, err = m.svc.Rebuild(ctx)
		} else {
			res, err = m.svc.Sync(ctx, false)
		}
		return syncDoneMsg{res: res, rebuild: rebuild, err: err}
	}
}

func (m Model) conversationsCmd() tea.Cmd {
	archived, showAll := m.showArchived, m.showAll
	return func() tea.Msg {
		ctx := context.Background()
		var (
			items []service.ConversationSummary
			err   error
		)
		if archived {
			items, err = m.svc.ListArchivedConversations(ctx)
		} else {
			items, err = m.svc.ListConversations(ctx, showAll)
		}
		return conversationsMsg{items: items, archived: archived, err: err}
	}
}

func (m Model) searchCmd(query string) tea.Cmd {
	regex := m.regex
	return func() tea.Msg {
		res := m.svc.Search(context.Background(), service.SearchRequest{Query: query, Regex: regex})
		return searchResultsMsg{query: query, regex: regex, results: res}
	}
}

// refreshCmd repopulates the list for whatever view is active.
func (m Model) refreshCmd() tea.Cmd {
	if m.searchQuery != "" {
		return m.searchCmd(m.searchQuery)
	}
	return m.conversationsCmd()
}

func (m Model) loadExportCmd(id string) tea.Cmd {
	if id == "" {
		return nil
	}
	return func() tea.Msg {
		exp, err := m.svc.LoadConversationExport(context.Background(), id)
		return exportLoadedMsg{id: id, exp: exp, err: err}
	}
}

func (m Model) exportCmd(id string) tea.Cmd {
	conv, ok := m.exports[id]
	if !ok {
		return nil
	}
	toggles := export.TranscriptToggles{IncludeTools: m.includeTools}
	return func() tea.Msg {
		path, err := m.exporter.Export(conv, export.Markdown, toggles)
		return exportMsg{path: path, err: err}
	}
}

func (m Model) copyCmd(id string) tea.Cmd {
	conv, ok := m.exports[id]
	if !ok {
		return nil
	}
	toggles := export.TranscriptToggles{IncludeTools: m.includeTools}
	return func() tea.Msg {
		body, err := m.exporter.Render(conv, export.Markdown, toggles)
		if err != nil {
			return copyMsg{err: err}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return copyMsg{err: clipboard.Copy(ctx, string(body))}
	}
}

func (m Model) archiveCmd(id string, archive bool) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		if archive {
			return actionMsg{status: "Archived " + id, err: m.svc.Archive(ctx, id)}
		}
		return actionMsg{status: "Unarchived " + id, err: m.svc.Unarchive(ctx, id)}
	}
}

func (m Model) renameCmd(id, title string) tea.Cmd {
	return func() tea.Msg {
		field := extension.Value(title)
		status := "Renamed to " + title
		if title == "" {
			field = extension.Null()
			status = "Title override cleared"
		}
		_, err := m.svc.SetOverrides(context.Background(), id, field, extension.Unset())
		return actionMsg{status: status, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()
		cmds = append(cmds, m.renderSelected(true))

	case syncDoneMsg:
		m.syncing = false
		m.err = msg.err
		if msg.err != nil {
			m.status = "Sync failed: " + msg.err.Error()
			m.logger.Error("sync from tui failed", "err", msg.err)
		} else {
			verb := "Synced"
			if msg.rebuild {
				verb = "Rebuilt"
			}
			m.status = fmt.Sprintf("%s %d conversations, %d parts", verb, msg.res.ConversationsSynced, msg.res.PartsIndexed)
			m.exports = make(map[string]*service.ConversationExport)
			m.rendered = make(map[string]string)
			m.highlighted = make(map[string]highlight.Result)
		}
		cmds = append(cmds, m.refreshCmd())

	case conversationsMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = "Listing failed"
			break
		}
		if m.searchQuery != "" || msg.archived != m.showArchived {
			break
		}
		m.applyConversations(msg.items)
		cmds = append(cmds, m.loadExportCmd(m.selectedID))

	case searchResultsMsg:
		if msg.query != m.searchQuery || msg.regex != m.regex {
			break
		}
		m.applySearchResults(msg.results)
		cmds = append(cmds, m.loadExportCmd(m.selectedID))

	case exportLoadedMsg:
		if msg.err != nil {
			if errors.Is(msg.err, service.ErrNotFound) {
				m.status = "Conversation not synced yet"
			} else {
				m.err = msg.err
				m.status = "Transcript load failed"
			}
			break
		}
		m.exports[msg.id] = msg.exp
		if _, ok := m.summaries[msg.id]; !ok {
			m.summaries[msg.id] = msg.exp.Summary
		}
		if m.selectedID == msg.id {
			cmds = append(cmds, m.renderSelected(true))
		}

	case renderMsg:
		if msg.nonce != m.renderNonce {
			break
		}
		m.rendering = false
		m.rendered[msg.cacheKey] = msg.rendered
		if m.selectedID == msg.id {
			m.setViewportFromRendered(msg.cacheKey, msg.rendered, true)
		}

	case exportMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = "Export failed: " + msg.err.Error()
		} else {
			m.status = "Exported: " + exportDisplayPath(msg.path)
		}

	case copyMsg:
		if msg.err != nil {
			m.err = msg.err
			if errors.Is(msg.err, clipboard.ErrToolNotFound) {
				m.status = "Could not copy: clipboard tool not found"
			} else {
				m.status = "Could not copy: " + msg.err.Error()
			}
		} else {
			m.status = "Copied transcript to clipboard"
		}

	case actionMsg:
		if msg.err != nil {
			m.err = msg.err
			if errors.Is(msg.err, extension.ErrSlugTaken) {
				m.status = "Slug already in use"
			} else {
				m.status = "Action failed: " + msg.err.Error()
			}
			break
		}
		m.status = msg.status
		delete(m.exports, m.selectedID)
		cmds = append(cmds, m.refreshCmd())

	case tea.KeyMsg:
		switch m.input {
		case inputSearch:
			return m.updateSearchInput(msg)
		case inputRename:
			return m.updateRenameInput(msg)
		}
		if next, cmd, handled := m.handleKey(msg); handled {
			return next, cmd
		}

		if m.focusOnList {
			prev := m.selectedID
			var cmd tea.Cmd
			m.list, cmd = m.list.Update(msg)
			cmds = append(cmds, cmd)
			m.selectedID = m.currentSelectedID()
			if m.selectedID != prev {
				if _, ok := m.exports[m.selectedID]; !ok {
					cmds = append(cmds, m.loadExportCmd(m.selectedID))
				}
				cmds = append(cmds, m.renderSelected(false))
			}
		} else {
			switch msg.String() {
			case "up", "k":
				m.viewport.LineUp(1)
			case "down", "j":
				m.viewport.LineDown(1)
			}
		}
	}

	if m.syncing {
		var spin tea.Cmd
		m.spinner, spin = m.spinner.Update(msg)
		cmds = append(cmds, spin)
	}
	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (Model, tea.Cmd, bool) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit, true
	case key.Matches(msg, m.keys.Search):
		m.input = inputSearch
		m.search.SetValue(m.searchQuery)
		m.search.CursorEnd()
		cmd := m.search.Focus()
		return m, cmd, true
	case key.Matches(msg, m.keys.Regex):
		m.regex = !m.regex
		m.clearRenderState()
		if m.searchQuery != "" {
			return m, m.searchCmd(m.searchQuery), true
		}
		return m, nil, true
	case key.Matches(msg, m.keys.Esc):
		if m.searchQuery == "" {
			return m, nil, true
		}
		m.searchQuery = ""
		m.search.SetValue("")
		m.refreshViewportFromCache()
		return m, m.conversationsCmd(), true
	case key.Matches(msg, m.keys.Tab):
		m.focusOnList = !m.focusOnList
		return m, nil, true
	case key.Matches(msg, m.keys.FocusLeft):
		m.focusOnList = true
		return m, nil, true
	case key.Matches(msg, m.keys.FocusRight):
		m.focusOnList = false
		return m, nil, true
	case key.Matches(msg, m.keys.PageUp):
		if !m.focusOnList {
			m.viewport.HalfViewUp()
		}
		return m, nil, true
	case key.Matches(msg, m.keys.PageDown):
		if !m.focusOnList {
			m.viewport.HalfViewDown()
		}
		return m, nil, true
	case key.Matches(msg, m.keys.PrevMatch):
		if !m.focusOnList {
			m.jumpToMatch(-1)
		}
		return m, nil, true
	case key.Matches(msg, m.keys.NextMatch):
		if !m.focusOnList {
			m.jumpToMatch(1)
		}
		return m, nil, true
	case key.Matches(msg, m.keys.ToggleTools):
		m.includeTools = !m.includeTools
		cmd := m.renderSelected(true)
		return m, cmd, true
	case key.Matches(msg, m.keys.ShowAll):
		m.showAll = !m.showAll
		return m, m.conversationsCmd(), true
	case key.Matches(msg, m.keys.Archived):
		m.showArchived = !m.showArchived
		m.searchQuery = ""
		m.search.SetValue("")
		if m.showArchived {
			m.list.Title = "Archived"
		} else {
			m.list.Title = "Conversations"
		}
		return m, m.conversationsCmd(), true
	case key.Matches(msg, m.keys.Archive):
		if m.selectedID == "" {
			return m, nil, true
		}
		archive := !m.summaries[m.selectedID].Archived
		return m, m.archiveCmd(m.selectedID, archive), true
	case key.Matches(msg, m.keys.Rename):
		if m.selectedID == "" {
			return m, nil, true
		}
		m.input = inputRename
		m.rename.SetValue(m.summaries[m.selectedID].Title)
		m.rename.CursorEnd()
		cmd := m.rename.Focus()
		return m, cmd, true
	case key.Matches(msg, m.keys.Sync):
		if m.syncing {
			return m, nil, true
		}
		m.syncing = true
		m.status = "Syncing..."
		return m, tea.Batch(m.spinner.Tick, m.syncCmd(false)), true
	case key.Matches(msg, m.keys.Rebuild):
		if m.syncing {
			return m, nil, true
		}
		m.syncing = true
		m.status = "Rebuilding search index..."
		return m, tea.Batch(m.spinner.Tick, m.syncCmd(true)), true
	case key.Matches(msg, m.keys.Export):
		return m, m.exportCmd(m.selectedID), true
	case key.Matches(msg, m.keys.Copy):
		return m, m.copyCmd(m.selectedID), true
	}
	return m, nil, false
}

func (m Model) updateSearchInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case msg.Type == tea.KeyEsc:
		m.input = inputNone
		m.search.Blur()
		m.search.SetValue("")
		m.searchQuery = ""
		m.refreshViewportFromCache()
		return m, m.conversationsCmd()
	case msg.Type == tea.KeyEnter:
		m.input = inputNone
		m.search.Blur()
		return m, nil
	case key.Matches(msg, m.keys.Regex):
		m.regex = !m.regex
		m.clearRenderState()
		if m.searchQuery != "" {
			return m, m.searchCmd(m.searchQuery)
		}
		return m, nil
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.search, cmd = m.search.Update(msg)
	cmds = append(cmds, cmd)
	if q := strings.TrimSpace(m.search.Value()); q != m.searchQuery {
		m.searchQuery = q
		m.refreshViewportFromCache()
		if q == "" {
			cmds = append(cmds, m.conversationsCmd())
		} else {
			cmds = append(cmds, m.searchCmd(q))
		}
	}
	return m, tea.Batch(cmds...)
}

func (m Model) updateRenameInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.input = inputNone
		m.rename.Blur()
		return m, nil
	case tea.KeyEnter:
		m.input = inputNone
		m.rename.Blur()
		return m, m.renameCmd(m.selectedID, strings.TrimSpace(m.rename.Value()))
	}
	var cmd tea.Cmd
	m.rename, cmd = m.rename.Update(msg)
	return m, cmd
}

func (m *Model) applyConversations(in []service.ConversationSummary) {
	items := make([]list.Item, 0, len(in))
	m.summaries = make(map[string]service.ConversationSummary, len(in))
	m.results = make(map[string]index.ConversationSearchResult)
	for _, s := range in {
		m.summaries[s.ID] = s
		items = append(items, conversationItem{s: s})
	}
	empty := "No conversations found.\n\nPress S to sync or R to rebuild the search index."
	if m.showArchived {
		empty = "No archived conversations."
	}
	m.setItems(items, empty)
}

func (m *Model) applySearchResults(in []index.ConversationSearchResult) {
	items := make([]list.Item, 0, len(in))
	m.results = make(map[string]index.ConversationSearchResult, len(in))
	for _, r := range in {
		m.results[r.ConversationID] = r
		items = append(items, searchItem{r: r})
	}
	m.setItems(items, "No conversations matched your search.")
}

func (m *Model) setItems(items []list.Item, empty string) {
	m.list.SetItems(items)
	if len(items) == 0 {
		m.selectedID = ""
		m.viewport.SetContent(empty)
		m.clearMatches()
		return
	}
	selectIdx := 0
	for idx, it := range items {
		if itemID(it) == m.selectedID {
			selectIdx = idx
			break
		}
	}
	m.list.Select(selectIdx)
	m.selectedID = itemID(items[selectIdx])
}

func (m *Model) currentSelectedID() string {
	return itemID(m.list.SelectedItem())
}

func (m *Model) clearRenderState() {
	m.highlighted = make(map[string]highlight.Result)
	m.refreshViewportFromCache()
}

// exportDisplayPath shortens paths under the working directory.
func exportDisplayPath(path string) string {
	clean := filepath.ToSlash(filepath.Clean(path))
	if idx := strings.Index(clean, "/docs/opencode/"); idx >= 0 {
		return clean[idx+1:]
	}
	return clean
}
