package engine

import (
	"regexp"
	"strings"

	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/prompt"
)

// dupPrefix is how many leading characters of a section body must match
// another section's in the same batch for it to be treated as a duplicate.
const dupPrefix = 200

// BatchResult is the parsed response to a batch call.
type BatchResult struct {
	// Assigned maps section keys to their generated content.
	Assigned map[string]string
	// Duplicates lists keys whose content repeated another section's.
	Duplicates []string
}

// ParseBatch splits a batch response on [SECTION: key] markers. Only keys
// from the batch are accepted and the first block for a key wins. A
// multi-section batch missing the marker of any of its keys yields no
// assignments, since the block before the gap may hold the missing
// section's text; the response is never split on headings instead. A
// single-section batch without markers takes the whole response.
func ParseBatch(resp string, keys []string) BatchResult {
	res := BatchResult{Assigned: map[string]string{}}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}

	locs := prompt.MarkerRe.FindAllStringSubmatchIndex(resp, -1)
	if len(locs) == 0 {
		if len(keys) == 1 && strings.TrimSpace(resp) != "" {
			res.Assigned[keys[0]] = resp
		}
		return res
	}

	if len(keys) > 1 {
		marked := make(map[string]bool, len(locs))
		for _, loc := range locs {
			marked[strings.TrimSpace(resp[loc[2]:loc[3]])] = true
		}
		for _, k := range keys {
			if !marked[k] {
				return res
			}
		}
	}

	seen := map[string]string{}
	for i, loc := range locs {
		key := strings.TrimSpace(resp[loc[2]:loc[3]])
		end := len(resp)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if !want[key] {
			continue
		}
		if _, done := res.Assigned[key]; done {
			continue
		}
		if containsKey(res.Duplicates, key) {
			continue
		}
		body := strings.TrimSpace(resp[loc[1]:end])
		if body == "" {
			continue
		}
		sig := signature(body)
		if other, dup := seen[sig]; dup && other != key {
			res.Duplicates = append(res.Duplicates, key)
			continue
		}
		seen[sig] = key
		res.Assigned[key] = body
	}
	return res
}

func signature(content string) string {
	body := []rune(strings.TrimSpace(document.StripHeading(content)))
	if len(body) > dupPrefix {
		body = body[:dupPrefix]
	}
	return string(body)
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

var (
	fenceRe      = regexp.MustCompile("(?s)^```[a-zA-Z]*[ \t]*\n(.*?)\n?```$")
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
	trailingWSRe = regexp.MustCompile(`[ \t]+\n`)
)

// Cleanup normalises generated section text: it strips a fenced-code wrapper,
// trims trailing whitespace and collapses runs of blank lines. It reports
// false when nothing but a heading is left.
func Cleanup(raw string) (string, bool) {
	s := strings.TrimSpace(strings.ReplaceAll(raw, "\r\n", "\n"))
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	s = trailingWSRe.ReplaceAllString(s, "\n")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)
	if document.StripHeading(s) == "" {
		return "", false
	}
	return s, true
}
