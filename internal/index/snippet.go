package index

import (
	"regexp"
	"unicode/utf8"
)

// RegexSnippet centres a window of roughly length characters on the first
// match of re and wraps the match in markers. Positions are counted in runes.
func RegexSnippet(re *regexp.Regexp, content string, length int) string {
	loc := re.FindStringIndex(content)
	if loc == nil {
		return truncateRunes(content, length)
	}

	runes := []rune(content)
	start := utf8.RuneCountInString(content[:loc[0]])
	end := start + utf8.RuneCountInString(content[loc[0]:loc[1]])

	context := (length - (end - start)) / 2
	// A match wider than the window is shown whole with no side context.
	if context < 0 {
		context = 0
	}
	from := start - context
	if from < 0 {
		from = 0
	}
	to := end + context
	if to > len(runes) {
		to = len(runes)
	}

	var out []rune
	if from > 0 {
		out = append(out, []rune(ellipsis)...)
	}
	out = append(out, runes[from:start]...)
	out = append(out, []rune(matchStart)...)
	out = append(out, runes[start:end]...)
	out = append(out, []rune(matchEnd)...)
	out = append(out, runes[end:to]...)
	if to < len(runes) {
		out = append(out, []rune(ellipsis)...)
	}
	return string(out)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + ellipsis
}
