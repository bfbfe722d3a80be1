package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"opencode-trace/internal/service"
	"opencode-trace/internal/upstream"
)

type Format int

const (
	Markdown Format = iota
	JSON
)

func (f Format) ext() string {
	if f == JSON {
		return ".json"
	}
	return ".md"
}

// TranscriptToggles selects which non-text parts reach the Markdown body.
type TranscriptToggles struct {
	IncludeTools     bool
	IncludeReasoning bool
}

type Exporter struct {
	overrideDir string
	cwd         string
	now         func() time.Time
}

func New(overrideDir string) (*Exporter, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve cwd: %w", err)
	}
	return &Exporter{overrideDir: strings.TrimSpace(overrideDir), cwd: cwd, now: time.Now}, nil
}

// Export writes the conversation to its default location and returns the path.
func (e *Exporter) Export(conv *service.ConversationExport, format Format, toggles TranscriptToggles) (string, error) {
	return e.ExportTo(e.outputPath(conv.Summary, format), conv, format, toggles)
}

func (e *Exporter) ExportTo(path string, conv *service.ConversationExport, format Format, toggles TranscriptToggles) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	body, err := e.Render(conv, format, toggles)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write export file: %w", err)
	}
	return path, nil
}

func (e *Exporter) Render(conv *service.ConversationExport, format Format, toggles TranscriptToggles) ([]byte, error) {
	now := e.now().UTC()
	if format == JSON {
		return BuildSessionJSON(conv, now)
	}
	md := BuildSessionMarkdown(conv.Summary, BuildTranscriptMarkdown(conv.Messages, toggles), now)
	return []byte(md), nil
}

func BuildTranscriptMarkdown(messages []service.ExportMessage, toggles TranscriptToggles) string {
	var b strings.Builder
	for _, m := range messages {
		var header string
		switch m.Role() {
		case "user":
			header = "## User"
		case "assistant":
			header = "## Assistant"
			if agent := m.Agent(); agent != "" {
				header += " (" + agent + ")"
			}
		default:
			continue
		}

		var sections []string
		for _, p := range m.Parts {
			if s := renderPart(p, toggles); s != "" {
				sections = append(sections, s)
			}
		}
		if len(sections) == 0 {
			continue
		}
		b.WriteString(header + "\n\n")
		for _, s := range sections {
			b.WriteString(s + "\n\n")
		}
	}
	return strings.TrimSpace(b.String()) + "\n"
}

func renderPart(p upstream.Part, toggles TranscriptToggles) string {
	switch p.Type() {
	case "text":
		if p.Synthetic() {
			return ""
		}
		text, _ := p.Text()
		return strings.TrimSpace(text)
	case "reasoning":
		if !toggles.IncludeReasoning {
			return ""
		}
		text, _ := p.Text()
		text = strings.TrimSpace(text)
		if text == "" {
			return ""
		}
		return "> " + strings.ReplaceAll(text, "\n", "\n> ")
	case "tool":
		if !toggles.IncludeTools {
			return ""
		}
		return renderTool(p)
	default:
		return ""
	}
}

func renderTool(p upstream.Part) string {
	state := upstream.Payload(p.State())
	title := "### Tool: " + safeValue(p.Tool())
	if status := state.String("status"); status != "" {
		title += " (" + status + ")"
	}

	var b strings.Builder
	b.WriteString(title)
	if input := state.Lookup("input"); input != nil {
		if raw, err := json.MarshalIndent(input, "", "  "); err == nil {
			b.WriteString("\n\n```json\n" + string(raw) + "\n```")
		}
	}
	if output := strings.TrimSpace(state.String("output")); output != "" {
		b.WriteString("\n\n```text\n" + output + "\n```")
	}
	return b.String()
}

func BuildSessionMarkdown(sum service.ConversationSummary, transcript string, now time.Time) string {
	var b strings.Builder
	b.WriteString("# " + safeValue(sum.Title) + "\n\n")
	b.WriteString("Exported: " + now.Format(time.RFC3339) + "\n\n")
	b.WriteString("```text\n")
	b.WriteString("id: " + sum.ID + "\n")
	if sum.Slug != "" {
		b.WriteString("slug: " + sum.Slug + "\n")
	}
	b.WriteString("directory: " + safeValue(sum.Directory) + "\n")
	b.WriteString("model: " + safeValue(sum.Model) + "\n")
	b.WriteString("updated: " + service.FormatMillis(sum.TimeUpdated) + "\n")
	b.WriteString(fmt.Sprintf("changes: +%d -%d in %d files\n", sum.SummaryAdditions, sum.SummaryDeletions, sum.SummaryFiles))
	b.WriteString("```\n\n")
	b.WriteString(transcript)
	if !strings.HasSuffix(transcript, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

type sessionJSON struct {
	SessionID    string           `json:"sessionID"`
	ExportedAt   string           `json:"exportedAt"`
	MessageCount int              `json:"messageCount"`
	Messages     []map[string]any `json:"messages"`
}

// BuildSessionJSON keeps every upstream payload field and adds ids and the
// nested parts list.
func BuildSessionJSON(conv *service.ConversationExport, now time.Time) ([]byte, error) {
	out := sessionJSON{
		SessionID:    conv.Summary.ID,
		ExportedAt:   now.Format(time.RFC3339),
		MessageCount: len(conv.Messages),
		Messages:     make([]map[string]any, 0, len(conv.Messages)),
	}
	for _, m := range conv.Messages {
		msg := clonePayload(m.Data)
		msg["id"] = m.ID
		msg["sessionID"] = m.SessionID
		parts := make([]map[string]any, 0, len(m.Parts))
		for _, p := range m.Parts {
			part := clonePayload(p.Data)
			part["id"] = p.ID
			part["messageID"] = p.MessageID
			parts = append(parts, part)
		}
		msg["parts"] = parts
		out.Messages = append(out.Messages, msg)
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode session json: %w", err)
	}
	return append(raw, '\n'), nil
}

func clonePayload(p upstream.Payload) map[string]any {
	out := make(map[string]any, len(p)+3)
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (e *Exporter) outputPath(sum service.ConversationSummary, format Format) string {
	name := sum.ID
	if sum.Slug != "" {
		name = sum.Slug
	}
	file := safeFileName(name) + format.ext()

	if e.overrideDir != "" {
		dir := e.overrideDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(e.cwd, dir)
		}
		return filepath.Join(dir, file)
	}

	root := e.cwd
	if sum.Directory != "" {
		if repoRoot := findRepoRoot(sum.Directory); repoRoot != "" {
			root = repoRoot
		}
	}
	return filepath.Join(root, "docs", "opencode", file)
}

func findRepoRoot(start string) string {
	if start == "" {
		return ""
	}
	path := filepath.Clean(start)
	for {
		if st, err := os.Stat(filepath.Join(path, ".git")); err == nil && st != nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return ""
		}
		path = parent
	}
}

func safeFileName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "conversation"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return replacer.Replace(s)
}

func safeValue(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "n/a"
	}
	return s
}
