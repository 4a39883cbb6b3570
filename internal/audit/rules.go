package audit

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/lang"
	"github.com/kalambet/passwright/internal/markup"
)

var placeholderRe = regexp.MustCompile(`^\[IMAGE:[^\]]*\]$`)

// Rule is one independent check over the assembled document.
type Rule struct {
	Name  string
	Hint  string
	Check func(d *Doc, t *lang.Table) Finding
}

// Finding is what a rule reports.
type Finding struct {
	OK      bool
	Detail  string
	Snippet string
}

func pass(format string, args ...any) Finding {
	return Finding{OK: true, Detail: fmt.Sprintf(format, args...)}
}

func fail(snippet, format string, args ...any) Finding {
	return Finding{Detail: fmt.Sprintf(format, args...), Snippet: document.Truncate(snippet, 160)}
}

// Rules returns the rule battery in a stable order.
func Rules() []Rule {
	return []Rule{
		{"certainty_ratio", "State facts directly; cut hedges such as might, perhaps, possibly.", certaintyRatio},
		{"filler_density", "Remove filler words like very, really, basically.", fillerDensity},
		{"heading_hierarchy", "Do not skip heading levels; nest H3 under H2.", headingHierarchy},
		{"list_preamble", "Introduce every list with a sentence saying what it contains.", listPreamble},
		{"pronoun_density", "Name the subject instead of repeating it, they or this.", pronounDensity},
		{"premature_link", "Keep links out of the opening paragraph.", prematureLink},
		{"definitional_first_sentence", "Open with a sentence that defines the topic of the title.", definitionalFirstSentence},
		{"early_core_answer", "Answer the title's question within the first paragraphs.", earlyCoreAnswer},
		{"information_density", "Remove repeated sentences.", informationDensity},
		{"boilerplate_phrases", "Replace stock phrases with specific statements.", boilerplatePhrases},
		{"title_sentiment_consistency", "Keep headings in line with the tone the title promises.", titleSentiment},
		{"section_length_balance", "Split very long sections and expand very short ones.", sectionBalance},
		{"vocabulary_diversity", "Vary word choice; avoid repeating the same terms.", vocabularyDiversity},
		{"intro_topic_preview", "Preview the main sections in the introduction.", introTopicPreview},
		{"intent_format_alignment", "Match the format to the title: steps as a numbered list, comparisons as a table.", intentFormat},
		{"anchor_text_variety", "Use descriptive, distinct anchor text for each link.", anchorVariety},
		{"prose_ratio_band", "Balance prose against lists and tables.", proseBand},
		{"structure_wellformed", "Lists need two or more items; tables need rows with matching columns.", wellFormed},
		{"image_placement", "Place images right after the heading or the first paragraph of a section.", imagePlacement},
		{"sentence_length_distribution", "Mix sentence lengths; split sentences over 35 words.", sentenceLengths},
	}
}

// Run applies every rule and returns the results in rule order. Hints are
// kept only for failing rules.
func Run(d *Doc, t *lang.Table) []document.RuleResult {
	rules := Rules()
	out := make([]document.RuleResult, 0, len(rules))
	for _, r := range rules {
		f := r.Check(d, t)
		res := document.RuleResult{Rule: r.Name, Passed: f.OK, Detail: f.Detail, Snippet: f.Snippet}
		if !f.OK {
			res.Hint = r.Hint
		}
		out = append(out, res)
	}
	return out
}

// Score is the percentage of passing rules.
func Score(results []document.RuleResult) float64 {
	if len(results) == 0 {
		return 0
	}
	n := 0
	for _, r := range results {
		if r.Passed {
			n++
		}
	}
	return float64(n) * 100 / float64(len(results))
}

func certaintyRatio(d *Doc, t *lang.Table) Finding {
	var certain, hedged int
	var example string
	for _, w := range d.Words() {
		switch {
		case t.IsCertainty(w):
			certain++
		case t.IsHedge(w):
			hedged++
			if example == "" {
				example = w
			}
		}
	}
	total := certain + hedged
	if total < 5 {
		return pass("too few modal words to judge (%d)", total)
	}
	ratio := float64(certain) / float64(total)
	if ratio < 0.6 {
		return fail(example, "certainty ratio %.2f below 0.60 (%d hedges)", ratio, hedged)
	}
	return pass("certainty ratio %.2f", ratio)
}

func fillerDensity(d *Doc, t *lang.Table) Finding {
	words := d.Words()
	if len(words) == 0 {
		return pass("no prose")
	}
	var n int
	var example string
	for _, w := range words {
		if t.IsFiller(w) {
			n++
			if example == "" {
				example = w
			}
		}
	}
	density := float64(n) / float64(len(words))
	if density > 0.02 {
		return fail(example, "filler density %.1f%% above 2%%", density*100)
	}
	return pass("filler density %.1f%%", density*100)
}

func headingHierarchy(d *Doc, _ *lang.Table) Finding {
	prev := 1
	for _, b := range d.Blocks {
		if b.Kind != BlockHeading {
			continue
		}
		if b.Level > prev+1 {
			return fail(b.Text, "heading level jumps from H%d to H%d", prev, b.Level)
		}
		prev = b.Level
	}
	return pass("no skipped levels")
}

func listPreamble(d *Doc, _ *lang.Table) Finding {
	lists := 0
	for i, b := range d.Blocks {
		if b.Kind != BlockList {
			continue
		}
		lists++
		if i == 0 || d.Blocks[i-1].Kind != BlockParagraph {
			return fail(b.Text, "list %d has no introducing sentence", lists)
		}
	}
	return pass("%d list(s) introduced", lists)
}

func pronounDensity(d *Doc, t *lang.Table) Finding {
	words := d.Words()
	if len(words) < 50 {
		return pass("too little prose to judge")
	}
	n := 0
	for _, w := range words {
		if t.IsPronoun(w) {
			n++
		}
	}
	density := float64(n) / float64(len(words))
	if density > 0.05 {
		return fail("", "pronoun density %.1f%% above 5%%", density*100)
	}
	return pass("pronoun density %.1f%%", density*100)
}

func prematureLink(d *Doc, _ *lang.Table) Finding {
	b, idx, ok := d.FirstParagraph()
	if !ok {
		return pass("no opening paragraph")
	}
	for _, l := range d.Links {
		if l.Block == idx {
			return fail(b.Text, "opening paragraph links to %s", l.Dest)
		}
	}
	return pass("opening paragraph has no links")
}

func firstSentence(d *Doc) string {
	b, _, ok := d.FirstParagraph()
	if !ok {
		return ""
	}
	s := document.Sentences(b.Text)
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func definitionalFirstSentence(d *Doc, t *lang.Table) Finding {
	s := firstSentence(d)
	if s == "" {
		return fail("", "document has no opening sentence")
	}
	if t.StartsWithDefinition(s) {
		return pass("opening sentence is definitional")
	}
	words := document.Words(s)
	titleTokens := t.ContentTokens(document.Words(d.Title))
	if len(words) <= 35 && sharesToken(t.ContentTokens(words), titleTokens) {
		return pass("opening sentence names the topic")
	}
	return fail(s, "opening sentence neither defines nor names the topic")
}

func earlyCoreAnswer(d *Doc, t *lang.Table) Finding {
	titleTokens := unique(t.ContentTokens(document.Words(d.Title)))
	if len(titleTokens) == 0 {
		return pass("title has no content terms")
	}
	words := d.Words()
	if len(words) > 150 {
		words = words[:150]
	}
	early := toSet(t.ContentTokens(words))
	hit := 0
	for _, tok := range titleTokens {
		if early[tok] {
			hit++
		}
	}
	if hit*2 < len(titleTokens) {
		return fail(strings.Join(words[:min(len(words), 25)], " "),
			"only %d of %d title terms appear in the first 150 words", hit, len(titleTokens))
	}
	return pass("%d of %d title terms appear early", hit, len(titleTokens))
}

func informationDensity(d *Doc, _ *lang.Table) Finding {
	seen := map[string]bool{}
	for _, s := range document.Sentences(d.ParagraphText()) {
		if len(document.Words(s)) < 5 {
			continue
		}
		norm := strings.ToLower(strings.Join(document.Words(s), " "))
		if seen[norm] {
			return fail(s, "sentence repeated")
		}
		seen[norm] = true
	}
	return pass("no repeated sentences")
}

func boilerplatePhrases(d *Doc, t *lang.Table) Finding {
	found := t.GenericPhrases(d.Prose())
	if len(found) > 2 {
		return fail(strings.Join(found, "; "), "%d boilerplate phrases", len(found))
	}
	return pass("%d boilerplate phrase(s)", len(found))
}

func polarity(text string, t *lang.Table) int {
	score := 0
	for _, w := range document.Words(text) {
		if t.IsPositive(w) {
			score++
		}
		if t.IsNegative(w) {
			score--
		}
	}
	switch {
	case score > 0:
		return 1
	case score < 0:
		return -1
	}
	return 0
}

func titleSentiment(d *Doc, t *lang.Table) Finding {
	tp := polarity(d.Title, t)
	if tp == 0 {
		return pass("neutral title")
	}
	var same, opposite int
	var example string
	for _, s := range d.Sections {
		switch polarity(s.Heading, t) {
		case tp:
			same++
		case -tp:
			opposite++
			if example == "" {
				example = s.Heading
			}
		}
	}
	if opposite > 0 && opposite > same {
		return fail(example, "%d heading(s) contradict the title's tone", opposite)
	}
	return pass("headings match the title's tone")
}

func sectionBalance(d *Doc, _ *lang.Table) Finding {
	if len(d.Sections) < 3 {
		return pass("too few sections to compare")
	}
	counts := make([]int, len(d.Sections))
	for i, s := range d.Sections {
		counts[i] = sectionWords(d, s)
	}
	sorted := append([]int(nil), counts...)
	sort.Ints(sorted)
	median := sorted[len(sorted)/2]
	if median == 0 {
		return fail("", "most sections are empty")
	}
	for i, c := range counts {
		if c > 4*median || c*4 < median {
			return fail(d.Sections[i].Heading, "section has %d words against a median of %d", c, median)
		}
	}
	return pass("section lengths within 4x of the median %d", median)
}

// vocabularyDiversity uses a moving-average type-token ratio so long
// documents are not penalised for length.
func vocabularyDiversity(d *Doc, _ *lang.Table) Finding {
	const window = 100
	words := d.Words()
	for i := range words {
		words[i] = strings.ToLower(words[i])
	}
	if len(words) < window {
		return pass("too little prose to judge")
	}
	var sum float64
	steps := len(words) - window + 1
	for i := 0; i < steps; i++ {
		sum += float64(len(toSet(words[i:i+window]))) / window
	}
	mattr := sum / float64(steps)
	if mattr < 0.45 {
		return fail("", "moving type-token ratio %.2f below 0.45", mattr)
	}
	return pass("moving type-token ratio %.2f", mattr)
}

func introTopicPreview(d *Doc, t *lang.Table) Finding {
	var headings []string
	for _, s := range d.Sections {
		if s.Level == 2 {
			headings = append(headings, s.Heading)
		}
	}
	if len(headings) < 2 {
		return pass("too few sections to preview")
	}
	var intro []string
	for _, b := range d.Intro() {
		intro = append(intro, document.Words(b.Text)...)
	}
	introSet := toSet(t.ContentTokens(intro))
	covered := 0
	for _, h := range headings {
		for _, tok := range t.ContentTokens(document.Words(h)) {
			if introSet[tok] {
				covered++
				break
			}
		}
	}
	share := float64(covered) / float64(len(headings))
	if share < 0.3 {
		return fail(strings.Join(intro[:min(len(intro), 25)], " "),
			"introduction previews %d of %d sections", covered, len(headings))
	}
	return pass("introduction previews %d of %d sections", covered, len(headings))
}

func intentFormat(d *Doc, t *lang.Table) Finding {
	switch {
	case t.IsInstructionalTitle(d.Title):
		for _, b := range d.Blocks {
			if b.Kind == BlockList && b.Ordered {
				return pass("instructional title with a numbered list")
			}
		}
		return fail(d.Title, "instructional title without a numbered list")
	case t.IsComparisonHeading(d.Title):
		for _, b := range d.Blocks {
			if b.Kind == BlockTable {
				return pass("comparison title with a table")
			}
		}
		return fail(d.Title, "comparison title without a table")
	}
	return pass("no format implied by the title")
}

func anchorVariety(d *Doc, _ *lang.Table) Finding {
	if len(d.Links) == 0 {
		return pass("no links")
	}
	seen := map[string]bool{}
	for _, l := range d.Links {
		a := strings.ToLower(strings.TrimSpace(l.Text))
		if a == "" {
			return fail(l.Dest, "link without anchor text")
		}
		seen[a] = true
	}
	if len(d.Links) >= 3 && float64(len(seen))/float64(len(d.Links)) < 0.7 {
		return fail("", "%d distinct anchors across %d links", len(seen), len(d.Links))
	}
	return pass("%d distinct anchors across %d links", len(seen), len(d.Links))
}

func proseBand(d *Doc, _ *lang.Table) Finding {
	prose, structured := markup.Measure(d.Source)
	total := prose + structured
	if total == 0 {
		return fail("", "document is empty")
	}
	ratio := float64(prose) / float64(total)
	if ratio < 0.5 || ratio > 0.9 {
		return fail("", "prose ratio %.2f outside 0.50-0.90", ratio)
	}
	return pass("prose ratio %.2f", ratio)
}

func wellFormed(d *Doc, _ *lang.Table) Finding {
	for _, b := range d.Blocks {
		switch {
		case b.Kind == BlockList && len(b.Items) < 2:
			return fail(b.Text, "list with a single item")
		case b.Kind == BlockTable && b.Rows < 1:
			return fail(b.Text, "table without body rows")
		}
	}
	if row, ok := raggedTableRow(d.Source); !ok {
		return fail(row, "table row has a different column count than its header")
	}
	return pass("lists and tables are well formed")
}

// raggedTableRow scans pipe tables outside code fences and returns the first
// row whose cell count differs from its header.
func raggedTableRow(src string) (string, bool) {
	inFence := false
	header := -1
	for _, line := range strings.Split(src, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "```") || strings.HasPrefix(t, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence || !strings.HasPrefix(t, "|") {
			header = -1
			continue
		}
		cells := cellCount(t)
		if header < 0 {
			header = cells
			continue
		}
		if cells != header {
			return t, false
		}
	}
	return "", true
}

func cellCount(row string) int {
	row = strings.TrimSuffix(strings.TrimPrefix(row, "|"), "|")
	return strings.Count(strings.ReplaceAll(row, `\|`, ""), "|") + 1
}

func imagePlacement(d *Doc, _ *lang.Table) Finding {
	if len(d.Images) == 0 {
		return pass("no images")
	}
	for _, img := range d.Images {
		sec, ok := d.sectionOf(img.Block)
		if !ok {
			if img.Block > 2 {
				return fail(img.Alt, "image deep inside the introduction")
			}
			continue
		}
		if img.Block-sec.Start > 1 {
			return fail(img.Alt, "image is block %d of section %q", img.Block-sec.Start+1, sec.Heading)
		}
	}
	return pass("%d image(s) placed near headings", len(d.Images))
}

func (d *Doc) sectionOf(block int) (Section, bool) {
	for _, s := range d.Sections {
		if block >= s.Start && block < s.End {
			return s, true
		}
	}
	return Section{}, false
}

func sentenceLengths(d *Doc, _ *lang.Table) Finding {
	sentences := document.Sentences(d.ParagraphText())
	if len(sentences) < 3 {
		return pass("too few sentences to judge")
	}
	var total, long int
	var example string
	for _, s := range sentences {
		n := len(document.Words(s))
		total += n
		if n > 35 {
			long++
			if example == "" {
				example = s
			}
		}
	}
	avg := float64(total) / float64(len(sentences))
	share := float64(long) / float64(len(sentences))
	if avg < 8 || avg > 25 {
		return fail(example, "average sentence length %.1f words outside 8-25", avg)
	}
	if share > 0.15 {
		return fail(example, "%.0f%% of sentences exceed 35 words", math.Round(share*100))
	}
	return pass("average sentence length %.1f words", avg)
}

func sharesToken(a, b []string) bool {
	set := toSet(b)
	for _, x := range a {
		if set[x] {
			return true
		}
	}
	return false
}

func toSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		out[s] = true
	}
	return out
}

func unique(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
