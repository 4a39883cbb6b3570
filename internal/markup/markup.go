// Package markup detects structural elements (lists, tables, images,
// headings) in section content that mixes markdown and inline HTML.
package markup

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Counts is the structural fingerprint of a piece of content.
type Counts struct {
	Images   int
	Lists    int
	Tables   int
	Headings map[int]int
}

// HeadingTotal sums headings over all levels.
func (c Counts) HeadingTotal() int {
	n := 0
	for _, v := range c.Headings {
		n += v
	}
	return n
}

var (
	listItemRe   = regexp.MustCompile(`^\s*([-*+]|\d+[.)])\s+\S`)
	htmlItemRe   = regexp.MustCompile(`(?i)^\s*<li[\s>]`)
	tableSepRe   = regexp.MustCompile(`^\s*\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)+\|?\s*$|^\s*\|\s*:?-{3,}:?\s*\|\s*$`)
	tableRowRe   = regexp.MustCompile(`^\s*\|.*\|\s*$`)
	mdImageRe    = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	placeholdRe  = regexp.MustCompile(`\[IMAGE:[^\]]*\]`)
	atxHeadingRe = regexp.MustCompile(`^(#{1,6})\s+\S`)
)

type lineKind int

const (
	kindProse lineKind = iota
	kindBlank
	kindHeading
	kindListItem
	kindTableRow
	kindTableSep
	kindFence
)

type line struct {
	text string
	kind lineKind
}

func classify(content string) []line {
	raw := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	out := make([]line, 0, len(raw))
	inFence := false
	for _, l := range raw {
		t := strings.TrimSpace(l)
		switch {
		case strings.HasPrefix(t, "```") || strings.HasPrefix(t, "~~~"):
			inFence = !inFence
			out = append(out, line{l, kindFence})
		case inFence:
			out = append(out, line{l, kindFence})
		case t == "":
			out = append(out, line{l, kindBlank})
		case atxHeadingRe.MatchString(t):
			out = append(out, line{l, kindHeading})
		case listItemRe.MatchString(l) || htmlItemRe.MatchString(l):
			out = append(out, line{l, kindListItem})
		case tableSepRe.MatchString(t):
			out = append(out, line{l, kindTableSep})
		case tableRowRe.MatchString(t):
			out = append(out, line{l, kindTableRow})
		default:
			out = append(out, line{l, kindProse})
		}
	}
	return out
}

// Count returns the structural fingerprint of content. A list is a maximal
// run of list item lines (blank lines between items do not break a run);
// <ul>/<ol> elements outside such runs count once per top-level element.
// Fenced code is ignored.
func Count(content string) Counts {
	c := Counts{Headings: map[int]int{}}
	lines := classify(content)

	var visible, rest []string
	inRun := false
	for i, l := range lines {
		if l.kind == kindFence {
			inRun = false
			continue
		}
		visible = append(visible, l.text)
		switch l.kind {
		case kindListItem:
			if !inRun {
				c.Lists++
				inRun = true
			}
			continue
		case kindBlank:
			if inRun && nextNonBlank(lines, i) == kindListItem {
				continue
			}
			inRun = false
		case kindTableSep:
			c.Tables++
			inRun = false
		case kindHeading:
			m := atxHeadingRe.FindStringSubmatch(strings.TrimSpace(l.text))
			c.Headings[len(m[1])]++
			inRun = false
		default:
			inRun = false
		}
		rest = append(rest, l.text)
	}

	text := strings.Join(visible, "\n")
	c.Images += len(mdImageRe.FindAllString(text, -1))
	c.Images += len(placeholdRe.FindAllString(text, -1))

	tables, images, headings := countElements(text)
	c.Tables += tables
	c.Images += images
	for lvl, n := range headings {
		c.Headings[lvl] += n
	}
	c.Lists += countHTMLLists(strings.Join(rest, "\n"))
	return c
}

func nextNonBlank(lines []line, i int) lineKind {
	for j := i + 1; j < len(lines); j++ {
		if lines[j].kind != kindBlank {
			return lines[j].kind
		}
	}
	return kindBlank
}

func countElements(text string) (tables, images int, headings map[int]int) {
	headings = map[int]int{}
	z := html.NewTokenizer(strings.NewReader(text))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, _ := z.TagName()
		switch tag := string(name); tag {
		case "table":
			tables++
		case "img":
			images++
		case "h1", "h2", "h3", "h4", "h5", "h6":
			headings[int(tag[1]-'0')]++
		}
	}
}

// countHTMLLists counts top-level <ul>/<ol> elements that still hold items
// after line-level list runs were removed, so a list already counted as a
// run is not counted twice.
func countHTMLLists(text string) int {
	z := html.NewTokenizer(strings.NewReader(text))
	lists, depth := 0, 0
	hasItem := false
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if depth > 0 && hasItem {
				lists++
			}
			return lists
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "ul", "ol":
				if depth == 0 {
					hasItem = false
				}
				depth++
			case "li":
				if depth > 0 {
					hasItem = true
				}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if tag := string(name); (tag == "ul" || tag == "ol") && depth > 0 {
				depth--
				if depth == 0 && hasItem {
					lists++
				}
			}
		}
	}
}

// Measure splits content into prose and structured character counts.
// List and table lines are structured; headings, blank lines and fenced
// code count toward neither.
func Measure(content string) (prose, structured int) {
	for _, l := range classify(content) {
		n := len([]rune(strings.TrimSpace(l.text)))
		switch l.kind {
		case kindListItem, kindTableRow, kindTableSep:
			structured += n
		case kindProse:
			prose += n
		}
	}
	return prose, structured
}

// HasList, HasTable and HasImage are shortcuts over Count.
func HasList(content string) bool  { return Count(content).Lists > 0 }
func HasTable(content string) bool { return Count(content).Tables > 0 }
func HasImage(content string) bool { return Count(content).Images > 0 }
