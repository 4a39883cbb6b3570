// Package articlectx precomputes document-wide context (central topic, top
// terms, vocabulary metrics, outline) that prompts and audit rules share.
package articlectx

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/lang"
)

// Context is the holistic view of a document at one point in a run.
type Context struct {
	Topic      string
	TopTerms   []string
	Vocabulary Vocabulary
	Outline    []string
}

// Vocabulary summarises word usage across the document.
type Vocabulary struct {
	Total  int
	Unique int
	// TypeToken is unique/total over content tokens.
	TypeToken float64
}

// Summary renders the context as a compact block for prompts.
func (c Context) Summary() string {
	var sb strings.Builder
	if c.Topic != "" {
		fmt.Fprintf(&sb, "Topic: %s\n", c.Topic)
	}
	if len(c.TopTerms) > 0 {
		fmt.Fprintf(&sb, "Key terms: %s\n", strings.Join(c.TopTerms, ", "))
	}
	if len(c.Outline) > 0 {
		sb.WriteString("Outline:\n")
		for _, h := range c.Outline {
			fmt.Fprintf(&sb, "- %s\n", h)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Provider computes article context for a set of sections.
type Provider interface {
	Build(ctx context.Context, title string, sections []document.Section, table *lang.Table) (Context, error)
}

// Local derives the context from term frequencies, without calling out.
type Local struct {
	// TermCount is how many top terms to keep.
	TermCount int
}

// NewLocal returns a Local provider keeping n top terms (10 when n <= 0).
func NewLocal(n int) *Local {
	if n <= 0 {
		n = 10
	}
	return &Local{TermCount: n}
}

func (l *Local) Build(ctx context.Context, title string, sections []document.Section, table *lang.Table) (Context, error) {
	if err := ctx.Err(); err != nil {
		return Context{}, err
	}
	ordered := document.SortByOrder(sections)

	freq := map[string]int{}
	first := map[string]int{}
	pos := 0
	for _, s := range ordered {
		for _, tok := range table.ContentTokens(document.Words(s.Content)) {
			if _, ok := first[tok]; !ok {
				first[tok] = pos
			}
			freq[tok]++
			pos++
		}
	}

	terms := make([]string, 0, len(freq))
	for t := range freq {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return first[terms[i]] < first[terms[j]]
	})
	if len(terms) > l.TermCount {
		terms = terms[:l.TermCount]
	}

	out := Context{
		Topic:      title,
		TopTerms:   terms,
		Vocabulary: Vocabulary{Total: pos, Unique: len(freq)},
	}
	if pos > 0 {
		out.Vocabulary.TypeToken = float64(len(freq)) / float64(pos)
	}
	if out.Topic == "" && len(ordered) > 0 {
		out.Topic = ordered[0].Heading
	}
	for _, s := range ordered {
		out.Outline = append(out.Outline, s.Heading)
	}
	return out, nil
}
