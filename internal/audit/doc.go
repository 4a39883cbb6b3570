package audit

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/markup"
)

// BlockKind classifies a top-level markdown block.
type BlockKind int

const (
	BlockParagraph BlockKind = iota
	BlockHeading
	BlockList
	BlockTable
	BlockImage
	BlockCode
	BlockOther
)

// Block is one top-level block of the assembled document.
type Block struct {
	Kind    BlockKind
	Text    string
	Level   int
	Ordered bool
	Items   []string
	Rows    int
}

// Link is an inline link with the block it appears in.
type Link struct {
	Text  string
	Dest  string
	Block int
}

// Image is an inline image or image placeholder with its block.
type Image struct {
	Alt   string
	Dest  string
	Block int
}

// Section is a heading of level two or deeper and its body blocks
// [Start, End).
type Section struct {
	Heading string
	Level   int
	Index   int
	Start   int
	End     int
}

// Doc is the parsed view the rules run against.
type Doc struct {
	Title    string
	Source   string
	Blocks   []Block
	Sections []Section
	Links    []Link
	Images   []Image

	// introEnd is the index of the first section heading.
	introEnd int
}

var parser = goldmark.New(goldmark.WithExtensions(extension.GFM)).Parser()

// Parse reads markdown into a Doc. The first level-one heading is the
// title; title is used when there is none.
func Parse(md, title string) *Doc {
	src := []byte(md)
	root := parser.Parse(text.NewReader(src))
	d := &Doc{Title: strings.TrimSpace(title), Source: md, introEnd: -1}

	titled := false
	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		idx := len(d.Blocks)
		b := d.block(n, src, idx)
		if b.Kind == BlockHeading {
			if b.Level == 1 && !titled && len(d.Sections) == 0 {
				titled = true
				d.Title = b.Text
			} else if b.Level >= 2 {
				if len(d.Sections) > 0 {
					d.Sections[len(d.Sections)-1].End = idx
				}
				d.Sections = append(d.Sections, Section{Heading: b.Text, Level: b.Level, Index: idx, Start: idx + 1})
				if d.introEnd < 0 {
					d.introEnd = idx
				}
			}
		}
		d.Blocks = append(d.Blocks, b)
	}
	if len(d.Sections) > 0 {
		d.Sections[len(d.Sections)-1].End = len(d.Blocks)
	}
	if d.introEnd < 0 {
		d.introEnd = len(d.Blocks)
	}
	return d
}

func (d *Doc) block(n ast.Node, src []byte, idx int) Block {
	d.collectInline(n, src, idx)
	switch v := n.(type) {
	case *ast.Heading:
		return Block{Kind: BlockHeading, Level: v.Level, Text: plainText(n, src)}
	case *ast.Paragraph:
		t := plainText(n, src)
		if onlyImages(n) || placeholderRe.MatchString(t) {
			if placeholderRe.MatchString(t) {
				d.Images = append(d.Images, Image{Alt: t, Block: idx})
			}
			return Block{Kind: BlockImage, Text: t}
		}
		return Block{Kind: BlockParagraph, Text: t}
	case *ast.Blockquote:
		return Block{Kind: BlockParagraph, Text: plainText(n, src)}
	case *ast.List:
		b := Block{Kind: BlockList, Ordered: v.IsOrdered()}
		for item := n.FirstChild(); item != nil; item = item.NextSibling() {
			b.Items = append(b.Items, plainText(item, src))
		}
		b.Text = strings.Join(b.Items, " ")
		return b
	case *east.Table:
		b := Block{Kind: BlockTable, Text: plainText(n, src)}
		for row := n.FirstChild(); row != nil; row = row.NextSibling() {
			if _, ok := row.(*east.TableRow); ok {
				b.Rows++
			}
		}
		return b
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		return Block{Kind: BlockCode}
	case *ast.HTMLBlock:
		raw := rawLines(n, src)
		c := markup.Count(raw)
		switch {
		case c.Images > 0:
			d.Images = append(d.Images, Image{Alt: "html", Block: idx})
			return Block{Kind: BlockImage, Text: raw}
		case c.Tables > 0:
			return Block{Kind: BlockTable, Text: raw, Rows: strings.Count(strings.ToLower(raw), "<tr") - 1}
		case c.Lists > 0:
			return Block{Kind: BlockList, Text: raw, Items: make([]string, strings.Count(strings.ToLower(raw), "<li"))}
		}
		return Block{Kind: BlockOther, Text: raw}
	}
	return Block{Kind: BlockOther, Text: plainText(n, src)}
}

func (d *Doc) collectInline(n ast.Node, src []byte, idx int) {
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := c.(type) {
		case *ast.Link:
			d.Links = append(d.Links, Link{Text: plainText(c, src), Dest: string(v.Destination), Block: idx})
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			u := string(v.URL(src))
			d.Links = append(d.Links, Link{Text: u, Dest: u, Block: idx})
		case *ast.Image:
			d.Images = append(d.Images, Image{Alt: plainText(c, src), Dest: string(v.Destination), Block: idx})
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
}

func plainText(n ast.Node, src []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := c.(type) {
		case *ast.Text:
			sb.Write(v.Segment.Value(src))
			if v.SoftLineBreak() || v.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(v.Value)
		case *ast.AutoLink:
			sb.Write(v.Label(src))
		case *east.TableCell, *ast.ListItem:
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(strings.Fields(sb.String()), " ")
}

func rawLines(n ast.Node, src []byte) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(src))
	}
	return sb.String()
}

// onlyImages reports whether a paragraph holds nothing but images.
func onlyImages(n ast.Node) bool {
	found := false
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch v := c.(type) {
		case *ast.Image:
			found = true
		case *ast.Text:
			if v.Segment.Len() > 0 && !v.SoftLineBreak() {
				return false
			}
		default:
			return false
		}
	}
	return found
}

// Intro returns the blocks between the title and the first section.
func (d *Doc) Intro() []Block {
	var out []Block
	for _, b := range d.Blocks[:d.introEnd] {
		if b.Kind == BlockHeading {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Body returns a section's blocks.
func (d *Doc) Body(s Section) []Block {
	return d.Blocks[s.Start:s.End]
}

// Prose joins paragraph and list text in document order.
func (d *Doc) Prose() string {
	var parts []string
	for _, b := range d.Blocks {
		if b.Kind == BlockParagraph || b.Kind == BlockList {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ParagraphText joins paragraph text only, for sentence-level rules.
func (d *Doc) ParagraphText() string {
	var parts []string
	for _, b := range d.Blocks {
		if b.Kind == BlockParagraph {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Words returns every prose word of the document.
func (d *Doc) Words() []string {
	return document.Words(d.Prose())
}

// FirstParagraph returns the first paragraph of the document body.
func (d *Doc) FirstParagraph() (Block, int, bool) {
	for i, b := range d.Blocks {
		if b.Kind == BlockParagraph {
			return b, i, true
		}
	}
	return Block{}, -1, false
}

func sectionWords(d *Doc, s Section) int {
	n := 0
	for _, b := range d.Body(s) {
		if b.Kind == BlockParagraph || b.Kind == BlockList || b.Kind == BlockTable {
			n += len(document.Words(b.Text))
		}
	}
	return n
}
