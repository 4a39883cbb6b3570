package lang

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

func (t *Table) IsComparisonHeading(h string) bool { return t.comparisonHeading.MatchString(h) }
func (t *Table) IsBridgeHeading(h string) bool     { return t.bridgeHeading.MatchString(h) }
func (t *Table) IsListHeading(h string) bool       { return t.listHeading.MatchString(h) }

// IsInstructionalTitle reports whether a document title promises steps or
// a how-to.
func (t *Table) IsInstructionalTitle(title string) bool {
	return t.instructionTitle.MatchString(strings.TrimSpace(title))
}

// StartsWithTransition reports whether text opens with one of the table's
// transition phrases as a whole word or phrase.
func (t *Table) StartsWithTransition(text string) bool {
	s := strings.ToLower(strings.TrimSpace(text))
	for _, p := range t.transitions {
		if !strings.HasPrefix(s, p) {
			continue
		}
		rest := s[len(p):]
		if rest == "" {
			return true
		}
		r, _ := utf8.DecodeRuneInString(rest)
		if !unicode.IsLetter(r) && !unicode.IsNumber(r) {
			return true
		}
	}
	return false
}

// StartsWithDefinition reports whether text opens with a definitional
// sentence such as "X is a ...".
func (t *Table) StartsWithDefinition(text string) bool {
	s := strings.TrimSpace(text)
	for _, re := range t.definitional {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func (t *Table) IsCertainty(w string) bool { return t.certainty[strings.ToLower(w)] }
func (t *Table) IsHedge(w string) bool     { return t.hedges[strings.ToLower(w)] }
func (t *Table) IsFiller(w string) bool    { return t.filler[strings.ToLower(w)] }
func (t *Table) IsPronoun(w string) bool   { return t.pronouns[strings.ToLower(w)] }
func (t *Table) IsStopword(w string) bool  { return t.stopwords[strings.ToLower(w)] }
func (t *Table) IsPositive(w string) bool  { return t.positive[strings.ToLower(w)] }
func (t *Table) IsNegative(w string) bool  { return t.negative[strings.ToLower(w)] }

// GenericPhrases returns the boilerplate phrases found in text.
func (t *Table) GenericPhrases(text string) []string {
	s := strings.ToLower(text)
	var found []string
	for _, p := range t.genericPhrases {
		if strings.Contains(s, p) {
			found = append(found, p)
		}
	}
	return found
}

// ContentTokens lowercases words and drops stopwords and tokens shorter
// than three runes.
func (t *Table) ContentTokens(words []string) []string {
	var out []string
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, "'-"))
		if utf8.RuneCountInString(w) < 3 || t.IsStopword(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}
