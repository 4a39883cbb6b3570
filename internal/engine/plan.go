package engine

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/passwright/internal/prompt"
)

// DefaultDocType is used when a job does not name a document type.
const DefaultDocType = "article"

// Selector picks the base candidate set of a pass.
type Selector string

const (
	SelectAll    Selector = "all"
	SelectAllow  Selector = "allow"
	SelectBudget Selector = "budget"
)

// PassSpec declares one pass of a plan.
type PassSpec struct {
	Number    int         `yaml:"number"`
	Name      string      `yaml:"name"`
	Kind      prompt.Kind `yaml:"kind"`
	Selector  Selector    `yaml:"selector"`
	Allow     []string    `yaml:"allow"`
	SkipEdges bool        `yaml:"skip_edges"`
	BatchSize int         `yaml:"batch_size"`
}

// Plan is the fixed pass sequence for one document type.
type Plan struct {
	DocType string
	Passes  []PassSpec
}

// Last returns the number of the final pass.
func (p Plan) Last() int {
	if len(p.Passes) == 0 {
		return 0
	}
	return p.Passes[len(p.Passes)-1].Number
}

// Plans holds every document type's plan.
type Plans map[string]Plan

//go:embed passes.yaml
var passesYAML []byte

// LoadPlans parses the embedded pass plans.
func LoadPlans() (Plans, error) {
	return ParsePlans(passesYAML)
}

// ParsePlans parses and validates plan YAML.
func ParsePlans(data []byte) (Plans, error) {
	var raw struct {
		DocTypes map[string][]PassSpec `yaml:"doc_types"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing pass plans: %w", err)
	}
	if len(raw.DocTypes) == 0 {
		return nil, fmt.Errorf("pass plans declare no document types")
	}
	plans := make(Plans, len(raw.DocTypes))
	for docType, passes := range raw.DocTypes {
		sort.SliceStable(passes, func(i, j int) bool { return passes[i].Number < passes[j].Number })
		if err := validatePlan(docType, passes); err != nil {
			return nil, err
		}
		plans[docType] = Plan{DocType: docType, Passes: passes}
	}
	return plans, nil
}

func validatePlan(docType string, passes []PassSpec) error {
	if len(passes) == 0 {
		return fmt.Errorf("plan %s: no passes", docType)
	}
	for i, p := range passes {
		if p.Number != i+1 {
			return fmt.Errorf("plan %s: pass numbers must run 1..n, got %d at position %d", docType, p.Number, i+1)
		}
		if !prompt.ValidKind(p.Kind) {
			return fmt.Errorf("plan %s pass %d: unknown kind %q", docType, p.Number, p.Kind)
		}
		switch p.Selector {
		case SelectAll:
		case SelectAllow:
			if len(p.Allow) == 0 {
				return fmt.Errorf("plan %s pass %d: allow selector without allow list", docType, p.Number)
			}
		case SelectBudget:
			switch p.Kind {
			case prompt.KindList, prompt.KindTable, prompt.KindImage, prompt.KindDiscourse:
			default:
				return fmt.Errorf("plan %s pass %d: kind %q has no budget filter", docType, p.Number, p.Kind)
			}
		default:
			return fmt.Errorf("plan %s pass %d: unknown selector %q", docType, p.Number, p.Selector)
		}
		if p.BatchSize < 0 {
			return fmt.Errorf("plan %s pass %d: negative batch size", docType, p.Number)
		}
	}
	return nil
}

// For returns the plan for docType; an empty docType selects the default.
func (p Plans) For(docType string) (Plan, error) {
	docType = strings.ToLower(strings.TrimSpace(docType))
	if docType == "" {
		docType = DefaultDocType
	}
	plan, ok := p[docType]
	if !ok {
		return Plan{}, configErr("unknown document type %q (known: %s)", docType, strings.Join(p.DocTypes(), ", "))
	}
	return plan, nil
}

// DocTypes lists the known document types in sorted order.
func (p Plans) DocTypes() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
