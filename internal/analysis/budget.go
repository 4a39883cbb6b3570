// Package analysis classifies document sections and derives the per-pass
// format budget: how many sections may carry lists, tables and images, and
// which sections still need each kind of edit.
package analysis

import (
	"context"
	"math"
	"runtime"
	"sort"
	"strings"

	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/lang"
	"github.com/kalambet/passwright/internal/markup"
)

// Class is the structural role of a section in its document.
type Class string

const (
	ClassMacro         Class = "macro"
	ClassBody          Class = "body"
	ClassComparison    Class = "comparison"
	ClassBridge        Class = "bridge"
	ClassSupplementary Class = "supplementary"
)

// Policy holds the tunable budget constants.
type Policy struct {
	ListRatio            float64
	TableRatio           float64
	TargetProseRatio     float64
	AggressiveProseRatio float64
	ImageMinWords        int
	ChunkSize            int
}

// DefaultPolicy returns the stock budget constants.
func DefaultPolicy() Policy {
	return Policy{
		ListRatio:            0.4,
		TableRatio:           0.15,
		TargetProseRatio:     0.7,
		AggressiveProseRatio: 0.8,
		ImageMinWords:        200,
		ChunkSize:            16,
	}
}

// Meta is the document-level input to classification.
type Meta struct {
	Title          string
	PlannedVisuals map[string]string
}

// Features is what the analyzer measured on one section.
type Features struct {
	Key             string
	Class           Class
	HasList         bool
	HasTable        bool
	HasImage        bool
	Words           int
	ProseChars      int
	StructuredChars int
}

// FormatBudget is derived from the current sections at the start of every
// pass. It is never persisted.
type FormatBudget struct {
	TotalSections    int
	ListSections     int
	TableSections    int
	ImageSections    int
	Sections         []Features
	MaxListSections  int
	MaxTableSections int
	TargetProseRatio float64
	ProseRatio       float64
	Aggressive       bool

	NeedsList      []string
	NeedsTable     []string
	NeedsImage     []string
	NeedsDiscourse []string
}

// RemainingLists is the number of sections that may still gain a list.
func (b *FormatBudget) RemainingLists() int { return max(0, b.MaxListSections-b.ListSections) }

// RemainingTables is the number of sections that may still gain a table.
func (b *FormatBudget) RemainingTables() int { return max(0, b.MaxTableSections-b.TableSections) }

// ListsOverBudget reports whether the document already carries more list
// sections than its budget allows.
func (b *FormatBudget) ListsOverBudget() bool { return b.ListSections > b.MaxListSections }

// TablesOverBudget is ListsOverBudget for tables.
func (b *FormatBudget) TablesOverBudget() bool { return b.TableSections > b.MaxTableSections }

// ClassOf returns the class of the section with key, or "" when unknown.
func (b *FormatBudget) ClassOf(key string) Class {
	for _, f := range b.Sections {
		if f.Key == key {
			return f.Class
		}
	}
	return ""
}

// EdgeWidth is how many sections at each end of a document are treated as
// macro (front) and supplementary (back). Short documents keep a single
// edge section so they retain a body.
func EdgeWidth(total int) int {
	if total >= 6 {
		return 2
	}
	return 1
}

// Analyze classifies sections and computes the format budget. It has no side
// effects and processes sections in chunks of p.ChunkSize, checking ctx and
// yielding the processor between chunks.
func Analyze(ctx context.Context, sections []document.Section, meta Meta, table *lang.Table, p Policy) (*FormatBudget, error) {
	ordered := document.SortByOrder(sections)
	total := len(ordered)
	chunk := p.ChunkSize
	if chunk <= 0 {
		chunk = DefaultPolicy().ChunkSize
	}

	b := &FormatBudget{
		TotalSections:    total,
		Sections:         make([]Features, 0, total),
		MaxListSections:  int(math.Floor(float64(total) * p.ListRatio)),
		MaxTableSections: int(math.Floor(float64(total) * p.TableRatio)),
		TargetProseRatio: p.TargetProseRatio,
	}

	var prose, structured int
	for start := 0; start < total; start += chunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+chunk, total)
		for i := start; i < end; i++ {
			f := measure(ordered[i], i, total, table)
			if f.HasList {
				b.ListSections++
			}
			if f.HasTable {
				b.TableSections++
			}
			if f.HasImage {
				b.ImageSections++
			}
			prose += f.ProseChars
			structured += f.StructuredChars
			b.Sections = append(b.Sections, f)
		}
		runtime.Gosched()
	}
	if prose+structured > 0 {
		b.ProseRatio = float64(prose) / float64(prose+structured)
	}
	b.Aggressive = b.ProseRatio > p.AggressiveProseRatio

	b.NeedsList = needsList(b, ordered, meta, table)
	b.NeedsTable = needsTable(b)
	b.NeedsImage = needsImage(b, ordered, meta, table, p)
	b.NeedsDiscourse = needsDiscourse(ordered, table)
	return b, nil
}

func classify(s document.Section, idx, total int, table *lang.Table) Class {
	edge := EdgeWidth(total)
	switch {
	case idx < edge:
		return ClassMacro
	case idx >= total-edge:
		return ClassSupplementary
	case table.IsComparisonHeading(s.Heading):
		return ClassComparison
	case table.IsBridgeHeading(s.Heading):
		return ClassBridge
	default:
		return ClassBody
	}
}

func measure(s document.Section, idx, total int, table *lang.Table) Features {
	c := markup.Count(s.Content)
	prose, structured := markup.Measure(document.StripHeading(s.Content))
	return Features{
		Key:             s.Key,
		Class:           classify(s, idx, total, table),
		HasList:         c.Lists > 0,
		HasTable:        c.Tables > 0,
		HasImage:        c.Images > 0,
		Words:           document.WordCount(s.Content),
		ProseChars:      prose,
		StructuredChars: structured,
	}
}

func needsList(b *FormatBudget, ordered []document.Section, meta Meta, table *lang.Table) []string {
	remaining := b.RemainingLists()
	instructional := table.IsInstructionalTitle(meta.Title)
	picked := map[string]bool{}
	var out []string

	for i, f := range b.Sections {
		if len(out) >= remaining {
			break
		}
		if f.HasList || f.Class == ClassMacro || f.Class == ClassSupplementary {
			continue
		}
		if table.IsListHeading(ordered[i].Heading) || (instructional && f.Class == ClassBody) {
			out = append(out, f.Key)
			picked[f.Key] = true
		}
	}

	if b.Aggressive && len(out) < remaining {
		var extra []Features
		for _, f := range b.Sections {
			if f.Class == ClassBody && !f.HasList && !picked[f.Key] {
				extra = append(extra, f)
			}
		}
		sort.SliceStable(extra, func(i, j int) bool { return extra[i].Words > extra[j].Words })
		for _, f := range extra {
			if len(out) >= remaining {
				break
			}
			out = append(out, f.Key)
		}
	}
	return out
}

func needsTable(b *FormatBudget) []string {
	remaining := b.RemainingTables()
	var out []string
	for _, f := range b.Sections {
		if len(out) >= remaining {
			break
		}
		if f.Class == ClassComparison && !f.HasTable {
			out = append(out, f.Key)
		}
	}
	return out
}

func needsImage(b *FormatBudget, ordered []document.Section, meta Meta, table *lang.Table, p Policy) []string {
	var planned []string
	for i, f := range b.Sections {
		if !f.HasImage && matchesVisual(ordered[i], meta.PlannedVisuals, table) {
			planned = append(planned, f.Key)
		}
	}
	if len(planned) > 0 {
		return planned
	}

	var out []string
	for _, f := range b.Sections {
		if f.HasImage {
			continue
		}
		if f.Class == ClassMacro || (f.Class == ClassBody && f.Words >= p.ImageMinWords) {
			out = append(out, f.Key)
		}
	}
	return out
}

// matchesVisual reports whether a planned visual targets the section, by
// key, by the visual key appearing in the section key or heading, or by at
// least two shared content tokens between the visual's description and the
// section's heading and lead paragraph.
func matchesVisual(s document.Section, visuals map[string]string, table *lang.Table) bool {
	heading := strings.ToLower(s.Heading)
	subject := table.ContentTokens(document.Words(s.Heading + " " + document.FirstParagraph(s.Content)))
	for key, desc := range visuals {
		k := strings.ToLower(strings.TrimSpace(key))
		if k == "" {
			continue
		}
		if k == s.Key || strings.Contains(s.Key, k) || strings.Contains(heading, k) {
			return true
		}
		if overlap(table.ContentTokens(document.Words(desc)), subject) >= 2 {
			return true
		}
	}
	return false
}

func overlap(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	n := 0
	seen := map[string]bool{}
	for _, t := range b {
		if set[t] && !seen[t] {
			n++
			seen[t] = true
		}
	}
	return n
}

func needsDiscourse(ordered []document.Section, table *lang.Table) []string {
	var out []string
	for i, s := range ordered {
		if i == 0 {
			continue
		}
		para := document.FirstParagraph(s.Content)
		if para == "" {
			continue
		}
		if table.StartsWithTransition(para) || table.StartsWithDefinition(para) {
			continue
		}
		out = append(out, s.Key)
	}
	return out
}
