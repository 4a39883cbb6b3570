// Package prompt builds generation prompts for each pass kind, for single
// sections and for marker-delimited batches.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/passwright/internal/articlectx"
	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/generation"
)

// Kind is the category of edit a pass applies.
type Kind string

const (
	KindIntro      Kind = "intro"
	KindDiscourse  Kind = "discourse"
	KindList       Kind = "list"
	KindTable      Kind = "table"
	KindImage      Kind = "image"
	KindPolish     Kind = "polish"
	KindConclusion Kind = "conclusion"
)

var instructions = map[Kind]string{
	KindIntro: `Rewrite the introduction so its first two sentences state what the article covers and who it is for. ` +
		`Preview the main sections in one sentence.`,
	KindDiscourse: `Rewrite the opening of the section so its first sentence either connects to the previous section ` +
		`with a transition or defines the section's subject. Leave the rest of the section as is.`,
	KindList: `Where the section enumerates steps, options or items, restructure that part into a markdown list ` +
		`introduced by a sentence ending in a colon. Keep the surrounding prose.`,
	KindTable: `Where the section compares options, present the comparison as a markdown table with a header row. ` +
		`Keep one paragraph of prose before the table.`,
	KindImage: `Insert exactly one image placeholder of the form [IMAGE: short description] at the point where ` +
		`a visual helps most. Do not change any other text.`,
	KindPolish: `Tighten the wording: remove filler and hedging, vary sentence length, keep every fact.`,
	KindConclusion: `Rewrite the conclusion to summarise the key takeaways and end with one concrete next step.`,
}

const baseRules = `Rules:
- Output markdown only, without code fences around the answer.
- Keep the heading line exactly as given.
- Keep every existing image, list and table.
- Do not shorten the section by more than a third.
- Write in the document's language (%s).`

// ValidKind reports whether k names a known edit kind.
func ValidKind(k Kind) bool {
	_, ok := instructions[k]
	return ok
}

// Kinds lists every edit kind.
func Kinds() []Kind {
	return []Kind{KindIntro, KindDiscourse, KindList, KindTable, KindImage, KindPolish, KindConclusion}
}

// Marker returns the line that opens a section in a batch response.
func Marker(key string) string {
	return "[SECTION: " + key + "]"
}

// MarkerRe matches a batch marker line and captures the section key.
var MarkerRe = regexp.MustCompile(`(?m)^[ \t]*\[SECTION:[ \t]*([^\]\n]+?)[ \t]*\][ \t]*$`)

const defaultMaxContextTokens = 1500

// Request describes one generation unit.
type Request struct {
	Kind     Kind
	Language string
	Title    string
	Context  articlectx.Context
	// Sections holds one section for an individual call, several for a batch.
	Sections []document.Section
	// Previous maps a section key to the tail of the section before it.
	Previous map[string]string
	// Visuals maps a section key to a planned visual description.
	Visuals map[string]string
}

// Builder turns requests into prompts.
type Builder struct {
	MaxContextTokens int
}

// NewBuilder creates a Builder with the given token budget for injected
// context. If maxContextTokens <= 0, the default is used.
func NewBuilder(maxContextTokens int) *Builder {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Builder{MaxContextTokens: maxContextTokens}
}

// Build renders r. A single section yields an individual prompt; more than
// one yields a batch prompt asking for one [SECTION: key] block per section.
func (b *Builder) Build(r Request) generation.Prompt {
	language := r.Language
	if language == "" {
		language = "en"
	}
	system := "You are an editor improving one article section by section.\n\n" +
		instructions[r.Kind] + "\n\n" + fmt.Sprintf(baseRules, language)
	if len(r.Sections) > 1 {
		system += "\n\nYou will receive several sections. Return every section, each starting with its own " +
			"marker line exactly as given, for example " + Marker("key") + ", followed by the rewritten section."
	}

	var sb strings.Builder
	if ctxBlock := b.contextBlock(r); ctxBlock != "" {
		sb.WriteString(ctxBlock)
		sb.WriteString("\n\n")
	}

	var echo []string
	if len(r.Sections) == 1 {
		s := r.Sections[0]
		b.writeHints(&sb, r, s.Key)
		sb.WriteString("[Section]\n")
		sb.WriteString(document.WithHeading(s))
		echo = append(echo, document.WithHeading(s))
	} else {
		sb.WriteString("[Sections]\n")
		for _, s := range r.Sections {
			b.writeHints(&sb, r, s.Key)
			block := Marker(s.Key) + "\n" + document.WithHeading(s)
			sb.WriteString(block)
			sb.WriteString("\n\n")
			echo = append(echo, block)
		}
	}

	return generation.Prompt{
		System: system,
		User:   strings.TrimRight(sb.String(), "\n"),
		Echo:   strings.Join(echo, "\n\n"),
	}
}

func (b *Builder) writeHints(sb *strings.Builder, r Request, key string) {
	if prev, ok := r.Previous[key]; ok && prev != "" {
		fmt.Fprintf(sb, "[Previous section ends with]\n%s\n\n", prev)
	}
	if v, ok := r.Visuals[key]; ok && v != "" {
		fmt.Fprintf(sb, "[Planned visual]\n%s\n\n", v)
	}
}

// contextBlock renders the article context, dropping outline entries from
// the end until the block fits the token budget.
func (b *Builder) contextBlock(r Request) string {
	c := r.Context
	if c.Topic == "" {
		c.Topic = r.Title
	}
	outline := c.Outline
	for {
		c.Outline = outline
		s := c.Summary()
		if s == "" {
			return ""
		}
		block := "[Article Context]\n" + s
		if EstimateTokens(block) <= b.MaxContextTokens || len(outline) == 0 {
			return block
		}
		outline = outline[:len(outline)-1]
	}
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
