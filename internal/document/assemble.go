package document

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)

// SortByOrder returns a copy of sections ordered by their Order field.
func SortByOrder(sections []Section) []Section {
	out := make([]Section, len(sections))
	copy(out, sections)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// HasHeading reports whether the first non-blank line of content is a
// markdown ATX heading.
func HasHeading(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		return headingRe.MatchString(strings.TrimSpace(line))
	}
	return false
}

// WithHeading prefixes content with the section heading when it lacks one.
func WithHeading(s Section) string {
	body := strings.TrimSpace(s.Content)
	if HasHeading(body) {
		return body
	}
	level := s.Level
	if level < 1 || level > 6 {
		level = 2
	}
	head := strings.Repeat("#", level) + " " + s.Heading
	if body == "" {
		return head
	}
	return head + "\n\n" + body
}

// Assemble joins sections in ascending order into one markdown document,
// re-injecting the stored heading for any section whose content lacks one.
func Assemble(title string, sections []Section) string {
	ordered := SortByOrder(sections)
	parts := make([]string, 0, len(ordered)+1)
	if title != "" {
		parts = append(parts, "# "+title)
	}
	for _, s := range ordered {
		parts = append(parts, WithHeading(s))
	}
	return strings.Join(parts, "\n\n") + "\n"
}

// Decompose splits a markdown document into sections at level 2+ ATX
// headings. A leading level 1 heading becomes the title. Text before the
// first section heading becomes an "Introduction" section. Headings inside
// fenced code blocks are ignored.
func Decompose(markdown string) (string, []Section) {
	lines := strings.Split(strings.ReplaceAll(markdown, "\r\n", "\n"), "\n")

	var (
		title    string
		sections []Section
		current  *Section
		buf      []string
		preamble []string
		inFence  bool
		seen     = map[string]bool{}
	)

	flush := func() {
		if current == nil {
			return
		}
		current.Content = strings.TrimSpace(strings.Join(buf, "\n"))
		sections = append(sections, *current)
		current = nil
		buf = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}
		if !inFence {
			if m := headingRe.FindStringSubmatch(trimmed); m != nil {
				level := len(m[1])
				text := strings.TrimSpace(m[2])
				if level == 1 && title == "" && current == nil && len(sections) == 0 {
					title = text
					continue
				}
				if level >= 3 && current != nil {
					// Subheadings stay inside their parent section.
					buf = append(buf, line)
					continue
				}
				flush()
				current = &Section{
					Key:     uniqueKey(seen, Slug(text)),
					Heading: text,
					Level:   level,
					Order:   len(sections) + 1,
				}
				buf = []string{line}
				continue
			}
		}
		if current == nil {
			preamble = append(preamble, line)
			continue
		}
		buf = append(buf, line)
	}
	flush()

	if intro := strings.TrimSpace(strings.Join(preamble, "\n")); intro != "" {
		lead := Section{
			Key:     uniqueKey(seen, "introduction"),
			Heading: "Introduction",
			Level:   2,
			Content: intro,
		}
		sections = append([]Section{lead}, sections...)
	}
	for i := range sections {
		sections[i].Order = i + 1
	}
	return title, sections
}

// uniqueKey returns base, or base-N with the smallest N from 2 up that no
// earlier section was given.
func uniqueKey(seen map[string]bool, base string) string {
	if base == "" {
		base = "section"
	}
	key := base
	for n := 2; seen[key]; n++ {
		key = fmt.Sprintf("%s-%d", base, n)
	}
	seen[key] = true
	return key
}

var slugStrip = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// Slug turns heading text into a stable lowercase key.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugStrip.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
