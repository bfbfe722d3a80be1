// Package highlight marks search hits in terminal text without disturbing
// ANSI escape sequences, and renders the <<MATCH>>/<<END>> markers that
// search snippets carry.
package highlight

import (
	"regexp"
	"strings"
)

const (
	MatchStart = "<<MATCH>>"
	MatchEnd   = "<<END>>"
)

var ansiCSI = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)

// Matcher reports match spans in plain text.
type Matcher struct {
	re *regexp.Regexp
}

// Literal matches query case-insensitively. An empty query matches nothing.
func Literal(query string) Matcher {
	query = strings.TrimSpace(query)
	if query == "" {
		return Matcher{}
	}
	return Matcher{re: regexp.MustCompile("(?i)" + regexp.QuoteMeta(query))}
}

// Pattern compiles expr case-insensitively, the way regex search does.
func Pattern(expr string) (Matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Matcher{}, nil
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return Matcher{}, err
	}
	return Matcher{re: re}, nil
}

func (m Matcher) Empty() bool { return m.re == nil }

func (m Matcher) spans(s string) [][]int {
	if m.re == nil || s == "" {
		return nil
	}
	var out [][]int
	for _, loc := range m.re.FindAllStringIndex(s, -1) {
		if loc[1] > loc[0] {
			out = append(out, loc)
		}
	}
	return out
}

type Result struct {
	Text      string
	Count     int
	LineIndex []int
}

// ApplyANSI wraps every match in input. Matches never span an escape
// sequence or a line break. LineIndex lists lines holding at least one match.
func ApplyANSI(input string, m Matcher, wrap func(string) string) Result {
	if m.Empty() {
		return Result{Text: input}
	}
	if wrap == nil {
		wrap = func(s string) string { return s }
	}

	var out strings.Builder
	var lineMatches []int
	total := 0
	for lineNo, line := range strings.SplitAfter(input, "\n") {
		core, nl := strings.CutSuffix(line, "\n")
		rendered, count := applyToANSIText(core, m, wrap)
		out.WriteString(rendered)
		if nl {
			out.WriteByte('\n')
		}
		if count > 0 {
			lineMatches = append(lineMatches, lineNo)
			total += count
		}
	}
	return Result{Text: out.String(), Count: total, LineIndex: lineMatches}
}

func applyToANSIText(s string, m Matcher, wrap func(string) string) (string, int) {
	var out strings.Builder
	total := 0
	pos := 0
	for _, esc := range ansiCSI.FindAllStringIndex(s, -1) {
		total += applyToPlain(&out, s[pos:esc[0]], m, wrap)
		out.WriteString(s[esc[0]:esc[1]])
		pos = esc[1]
	}
	total += applyToPlain(&out, s[pos:], m, wrap)
	return out.String(), total
}

func applyToPlain(out *strings.Builder, s string, m Matcher, wrap func(string) string) int {
	spans := m.spans(s)
	start := 0
	for _, sp := range spans {
		out.WriteString(s[start:sp[0]])
		out.WriteString(wrap(s[sp[0]:sp[1]]))
		start = sp[1]
	}
	out.WriteString(s[start:])
	return len(spans)
}

// RenderMarkers replaces each <<MATCH>>…<<END>> pair with wrap(inner).
// An unterminated marker keeps the rest of the text unwrapped.
func RenderMarkers(snippet string, wrap func(string) string) string {
	if wrap == nil {
		wrap = func(s string) string { return s }
	}
	var out strings.Builder
	rest := snippet
	for {
		before, after, ok := strings.Cut(rest, MatchStart)
		out.WriteString(before)
		if !ok {
			break
		}
		inner, tail, closed := strings.Cut(after, MatchEnd)
		if !closed {
			out.WriteString(after)
			break
		}
		out.WriteString(wrap(inner))
		rest = tail
	}
	return out.String()
}

// StripMarkers removes the markers and keeps the text between them.
func StripMarkers(snippet string) string {
	return RenderMarkers(snippet, nil)
}
