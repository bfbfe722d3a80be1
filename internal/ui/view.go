package ui

import (
	"fmt"
	"strings"

	"opencode-trace/internal/service"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"
)

func (m *Model) resize() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	left, right := m.paneWidths()

	bodyHeight := m.height - 2
	if bodyHeight < 8 {
		bodyHeight = 8
	}

	m.list.SetSize(left-2, bodyHeight-2)
	m.viewport.Width = right - 2
	m.viewport.Height = bodyHeight - 2
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Starting..."
	}

	left, right := m.paneWidths()
	leftPane := panelStyle(m.focusOnList).Width(left).Height(m.height - 2).Render(m.list.View())
	rightPane := panelStyle(!m.focusOnList).Width(right).Height(m.height - 2).Render(m.viewport.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, leftPane, rightPane)

	helpView := m.help.View(m.keys)
	switch {
	case m.input == inputSearch:
		helpView = m.search.View() + "  " + helpView
	case m.input == inputRename:
		helpView = m.rename.View() + "  enter save | esc cancel"
	case m.searchQuery != "":
		helpView = "search: " + m.searchQuery + "  " + helpView
	}

	return lipgloss.JoinVertical(lipgloss.Left, m.statusLine(), body, helpView)
}

func (m Model) statusLine() string {
	status := ""
	if m.syncing {
		status = m.spinner.View() + " syncing..."
	}
	if s, ok := m.summaries[m.selectedID]; ok && m.selectedID != "" {
		status = fmt.Sprintf("conversation=%s  updated=%s  model=%s", shorten(s.ID, 18), service.FormatMillis(s.TimeUpdated), s.Model)
	}
	if m.showArchived {
		status += "  [archived]"
	}
	if m.showAll {
		status += "  [all]"
	}
	if m.searchQuery != "" || m.input == inputSearch {
		status += "  [search]"
		if m.regex {
			status += "  [regex]"
		}
		if m.searchQuery != "" {
			if m.matchCount > 0 {
				cur := m.matchIndex + 1
				if cur < 1 {
					cur = 1
				}
				status += fmt.Sprintf("  [match %d/%d]", cur, m.matchCount)
			} else {
				status += "  [match 0]"
			}
		}
	} else if m.regex {
		status += "  [regex]"
	}
	if m.includeTools {
		status += "  [tools]"
	}
	if m.rendering {
		status += "  [rendering]"
	}
	if msg := strings.TrimSpace(m.status); msg != "" {
		status += "  " + shorten(msg, 80)
	}
	if m.err != nil {
		status += "  err=" + m.err.Error()
	}
	return statusStyle.Render(status)
}

func (m *Model) paneWidths() (int, int) {
	left := m.width / 3
	if left < 32 {
		left = 32
	}
	if left > m.width-32 {
		left = m.width - 32
	}
	if left < 20 {
		left = 20
	}
	right := m.width - left - 1
	if right < 20 {
		right = 20
	}
	return left, right
}

var (
	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Background(lipgloss.Color("24")).
			Padding(0, 1)
	searchMatchStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("16")).
				Background(lipgloss.Color("220"))
)

func panelStyle(active bool) lipgloss.Style {
	color := lipgloss.Color("240")
	if active {
		color = lipgloss.Color("39")
	}
	return lipgloss.NewStyle().
		Border(lipgloss.NormalBorder(), true).
		BorderForeground(color).
		Padding(0, 1)
}

type keyMap struct {
	Up          key.Binding
	Down        key.Binding
	FocusLeft   key.Binding
	FocusRight  key.Binding
	Tab         key.Binding
	PageUp      key.Binding
	PageDown    key.Binding
	PrevMatch   key.Binding
	NextMatch   key.Binding
	Search      key.Binding
	Regex       key.Binding
	Esc         key.Binding
	Archive     key.Binding
	Archived    key.Binding
	ShowAll     key.Binding
	Rename      key.Binding
	Sync        key.Binding
	Rebuild     key.Binding
	Export      key.Binding
	Copy        key.Binding
	ToggleTools key.Binding
	Quit        key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Up:          key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:        key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		FocusLeft:   key.NewBinding(key.WithKeys("left"), key.WithHelp("←", "focus list")),
		FocusRight:  key.NewBinding(key.WithKeys("right"), key.WithHelp("→", "focus transcript")),
		Tab:         key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "toggle focus")),
		PageUp:      key.NewBinding(key.WithKeys("pgup", "b"), key.WithHelp("pgup", "page up")),
		PageDown:    key.NewBinding(key.WithKeys("pgdown", "f"), key.WithHelp("pgdn", "page down")),
		PrevMatch:   key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "prev match")),
		NextMatch:   key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "next match")),
		Search:      key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "search")),
		Regex:       key.NewBinding(key.WithKeys("ctrl+r"), key.WithHelp("ctrl+r", "toggle regex")),
		Esc:         key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "clear search")),
		Archive:     key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "archive/unarchive")),
		Archived:    key.NewBinding(key.WithKeys("A"), key.WithHelp("A", "archived view")),
		ShowAll:     key.NewBinding(key.WithKeys("."), key.WithHelp(".", "show subagents")),
		Rename:      key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "rename")),
		Sync:        key.NewBinding(key.WithKeys("S"), key.WithHelp("S", "sync")),
		Rebuild:     key.NewBinding(key.WithKeys("R"), key.WithHelp("R", "rebuild index")),
		Export:      key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "export markdown")),
		Copy:        key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "copy markdown")),
		ToggleTools: key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "toggle tools")),
		Quit:        key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Tab, k.Search, k.NextMatch, k.Archive, k.Rename, k.Export, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.FocusLeft, k.FocusRight, k.Tab},
		{k.PageDown, k.PageUp, k.NextMatch, k.PrevMatch, k.Search, k.Regex, k.Esc},
		{k.Archive, k.Archived, k.ShowAll, k.Rename, k.Sync, k.Rebuild},
		{k.Export, k.Copy, k.ToggleTools, k.Quit},
	}
}
