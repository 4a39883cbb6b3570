package document

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// StripHeading removes a leading ATX heading line from content.
func StripHeading(content string) string {
	content = strings.TrimLeft(content, "\n")
	first, rest, _ := strings.Cut(content, "\n")
	if headingRe.MatchString(strings.TrimSpace(first)) {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(content)
}

// FirstParagraph returns the first non-heading paragraph of a section body.
func FirstParagraph(content string) string {
	body := StripHeading(content)
	for _, para := range strings.Split(body, "\n\n") {
		p := strings.TrimSpace(para)
		if p == "" || headingRe.MatchString(p) {
			continue
		}
		return p
	}
	return ""
}

var markupRe = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)|<[^>]+>|\[IMAGE:[^\]]*\]|[*_` + "`" + `#>|]`)

// Words splits text into words after dropping markdown and HTML markup.
func Words(text string) []string {
	clean := markupRe.ReplaceAllString(text, " ")
	return strings.FieldsFunc(clean, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\'' && r != '-'
	})
}

// WordCount counts words in the section body, ignoring its heading.
func WordCount(content string) int {
	return len(Words(StripHeading(content)))
}

var sentenceEnd = regexp.MustCompile(`[.!?]+(\s+|$)`)

// Sentences splits prose into rough sentences. List and table lines and
// headings are skipped.
func Sentences(text string) []string {
	var prose []string
	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "#") || strings.HasPrefix(t, "|") ||
			strings.HasPrefix(t, "- ") || strings.HasPrefix(t, "* ") || strings.HasPrefix(t, "+ ") {
			continue
		}
		prose = append(prose, t)
	}
	joined := strings.Join(prose, " ")
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(joined, -1) {
		s := strings.TrimSpace(joined[last:loc[1]])
		if s != "" {
			out = append(out, s)
		}
		last = loc[1]
	}
	if tail := strings.TrimSpace(joined[last:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
