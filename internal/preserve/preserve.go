// Package preserve decides whether a generated section rewrite may replace
// the original, vetoing edits that drop images, lists or tables or that cut
// the section too short.
package preserve

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/passwright/internal/markup"
)

// Policy holds the preservation thresholds.
type Policy struct {
	// Floor is the share of the feature budget a document must keep when a
	// reduction is allowed.
	Floor float64
	// MinLengthRatio vetoes candidates shorter than this share of the
	// original.
	MinLengthRatio float64
	// ShortenWarnRatio flags, without vetoing, candidates that shrink by
	// more than this share.
	ShortenWarnRatio float64
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{Floor: 0.3, MinLengthRatio: 0.5, ShortenWarnRatio: 0.3}
}

// DocState is the document-wide feature count the edit is judged against.
type DocState struct {
	ListSections     int
	MaxListSections  int
	TableSections    int
	MaxTableSections int
}

// Element kinds named in violations.
const (
	KindImage  = "image"
	KindList   = "list"
	KindTable  = "table"
	KindLength = "length"
)

// Violation is one reason for a veto.
type Violation struct {
	Kind   string
	Before int
	After  int
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %d -> %d", v.Kind, v.Before, v.After)
}

// Decision is the validator's verdict on one candidate.
type Decision struct {
	Accepted    bool
	Violations  []Violation
	Diagnostics []string
	Before      markup.Counts
	After       markup.Counts
}

// Kinds lists the element kinds that triggered a veto.
func (d Decision) Kinds() []string {
	out := make([]string, len(d.Violations))
	for i, v := range d.Violations {
		out[i] = v.Kind
	}
	return out
}

func (d Decision) String() string {
	if d.Accepted {
		return "accepted"
	}
	parts := make([]string, len(d.Violations))
	for i, v := range d.Violations {
		parts[i] = v.String()
	}
	return "vetoed: " + strings.Join(parts, ", ")
}

// Validate compares a candidate rewrite with the original section content.
func Validate(original, candidate string, doc DocState, p Policy) Decision {
	before := markup.Count(original)
	after := markup.Count(candidate)
	d := Decision{Before: before, After: after}

	if after.Images < before.Images {
		d.Violations = append(d.Violations, Violation{KindImage, before.Images, after.Images})
	}
	if after.Lists < before.Lists && !reductionAllowed(before.Lists, after.Lists, doc.ListSections, doc.MaxListSections, p.Floor) {
		d.Violations = append(d.Violations, Violation{KindList, before.Lists, after.Lists})
	}
	if after.Tables < before.Tables && !reductionAllowed(before.Tables, after.Tables, doc.TableSections, doc.MaxTableSections, p.Floor) {
		d.Violations = append(d.Violations, Violation{KindTable, before.Tables, after.Tables})
	}

	origLen := utf8.RuneCountInString(strings.TrimSpace(original))
	candLen := utf8.RuneCountInString(strings.TrimSpace(candidate))
	if origLen > 0 {
		ratio := float64(candLen) / float64(origLen)
		if ratio < p.MinLengthRatio {
			d.Violations = append(d.Violations, Violation{KindLength, origLen, candLen})
		} else if ratio < 1-p.ShortenWarnRatio {
			d.Diagnostics = append(d.Diagnostics, fmt.Sprintf("shortened by %.0f%%", (1-ratio)*100))
		}
	}
	if hb, ha := before.HeadingTotal(), after.HeadingTotal(); hb != ha {
		d.Diagnostics = append(d.Diagnostics, fmt.Sprintf("heading count changed %d -> %d", hb, ha))
	}

	d.Accepted = len(d.Violations) == 0
	return d
}

// reductionAllowed permits dropping a feature only while the document is
// over its budget for it, and only as long as the number of sections still
// carrying it stays at or above ceil(floor*max).
func reductionAllowed(before, after, docCount, docMax int, floor float64) bool {
	if docCount <= docMax {
		return false
	}
	resulting := docCount
	if before > 0 && after == 0 {
		resulting--
	}
	return resulting >= Floor(docMax, floor)
}

// Floor is the minimum number of sections that must keep a feature.
func Floor(limit int, ratio float64) int {
	return int(math.Ceil(ratio * float64(limit)))
}
