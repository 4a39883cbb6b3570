package engine

import (
	"github.com/kalambet/passwright/internal/analysis"
	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/prompt"
)

// selectCandidates applies the pass's edge exclusion to its base set (allow
// list, budget filter or everything), then drops sections this pass already
// visited. ordered must be sorted by Order. The result keeps document order.
func selectCandidates(spec PassSpec, ordered []document.Section, budget *analysis.FormatBudget) []document.Section {
	if len(ordered) == 0 {
		return nil
	}

	excluded := map[string]bool{}
	if spec.SkipEdges {
		excluded[ordered[0].Key] = true
		excluded[ordered[len(ordered)-1].Key] = true
	}

	var base map[string]bool
	switch spec.Selector {
	case SelectAllow:
		base = allowSet(spec.Allow, ordered)
	case SelectBudget:
		base = budgetSet(spec.Kind, ordered, budget)
	}

	var out []document.Section
	for _, s := range ordered {
		if excluded[s.Key] {
			continue
		}
		if base != nil && !base[s.Key] {
			continue
		}
		if s.LastVisitedPass >= spec.Number {
			continue
		}
		out = append(out, s)
	}
	return out
}

func allowSet(allow []string, ordered []document.Section) map[string]bool {
	set := map[string]bool{}
	for _, a := range allow {
		switch a {
		case "first":
			set[ordered[0].Key] = true
		case "last":
			set[ordered[len(ordered)-1].Key] = true
		default:
			set[a] = true
		}
	}
	return set
}

func budgetSet(kind prompt.Kind, ordered []document.Section, b *analysis.FormatBudget) map[string]bool {
	set := map[string]bool{}
	var keys []string
	switch kind {
	case prompt.KindList:
		keys = b.NeedsList
	case prompt.KindTable:
		keys = b.NeedsTable
	case prompt.KindImage:
		keys = b.NeedsImage
	case prompt.KindDiscourse:
		keys = b.NeedsDiscourse
	}
	for _, k := range keys {
		set[k] = true
	}
	if kind == prompt.KindDiscourse {
		// Neighbours of a flagged section join it.
		for i, s := range ordered {
			if !containsKey(keys, s.Key) {
				continue
			}
			if i > 0 {
				set[ordered[i-1].Key] = true
			}
			if i+1 < len(ordered) {
				set[ordered[i+1].Key] = true
			}
		}
	}
	return set
}
