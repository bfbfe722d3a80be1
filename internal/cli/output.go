package cli

import (
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	metaStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	matchStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
)

const maxLineWidth = 120

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func highlightMatch(s string) string {
	return matchStyle.Render(s)
}

// oneLine collapses whitespace and truncates to the display width.
func oneLine(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return ansi.Truncate(s, width, "...")
}

func displayTitle(title, id string) string {
	if strings.TrimSpace(title) == "" {
		return id
	}
	return title
}

func dirBase(dir string) string {
	if dir == "" {
		return ""
	}
	base := filepath.Base(dir)
	if base == "." || base == "/" {
		return dir
	}
	return base
}
