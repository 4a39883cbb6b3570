// Package lang holds the per-language pattern tables used by the section
// analyzer, the preservation validator and the auditor.
package lang

import (
	"embed"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fallback is the language used when a job's language has no table.
const Fallback = "en"

//go:embed tables/*.yaml
var tableFS embed.FS

type rawTable struct {
	Code              string   `yaml:"code"`
	Transitions       []string `yaml:"transitions"`
	Definitional      []string `yaml:"definitional"`
	ComparisonHeading string   `yaml:"comparison_heading"`
	BridgeHeading     string   `yaml:"bridge_heading"`
	ListHeading       string   `yaml:"list_heading"`
	InstructionTitle  string   `yaml:"instructional_title"`
	Certainty         []string `yaml:"certainty"`
	Hedges            []string `yaml:"hedges"`
	Filler            []string `yaml:"filler"`
	Pronouns          []string `yaml:"pronouns"`
	GenericPhrases    []string `yaml:"generic_phrases"`
	Positive          []string `yaml:"positive"`
	Negative          []string `yaml:"negative"`
	Stopwords         []string `yaml:"stopwords"`
}

// Table is the compiled, read-only pattern set for one language.
type Table struct {
	Code string

	transitions       []string
	definitional      []*regexp.Regexp
	comparisonHeading *regexp.Regexp
	bridgeHeading     *regexp.Regexp
	listHeading       *regexp.Regexp
	instructionTitle  *regexp.Regexp

	certainty      map[string]bool
	hedges         map[string]bool
	filler         map[string]bool
	pronouns       map[string]bool
	positive       map[string]bool
	negative       map[string]bool
	stopwords      map[string]bool
	genericPhrases []string
}

// Registry maps language codes to tables. It is built once by Load and
// never mutated afterwards.
type Registry struct {
	tables map[string]*Table
}

// Load parses every embedded language table.
func Load() (*Registry, error) {
	entries, err := tableFS.ReadDir("tables")
	if err != nil {
		return nil, fmt.Errorf("reading language tables: %w", err)
	}
	reg := &Registry{tables: make(map[string]*Table, len(entries))}
	for _, e := range entries {
		data, err := tableFS.ReadFile(path.Join("tables", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		t, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", e.Name(), err)
		}
		reg.tables[t.Code] = t
	}
	if _, ok := reg.tables[Fallback]; !ok {
		return nil, fmt.Errorf("fallback language %q missing", Fallback)
	}
	return reg, nil
}

// MustLoad is Load for program start-up and tests.
func MustLoad() *Registry {
	reg, err := Load()
	if err != nil {
		panic(err)
	}
	return reg
}

// Get returns the table for code, or the fallback table.
func (r *Registry) Get(code string) *Table {
	code = strings.ToLower(strings.TrimSpace(code))
	if base, _, ok := strings.Cut(code, "-"); ok {
		code = base
	}
	if t, ok := r.tables[code]; ok {
		return t
	}
	return r.tables[Fallback]
}

// Has reports whether a dedicated table exists for code.
func (r *Registry) Has(code string) bool {
	_, ok := r.tables[strings.ToLower(code)]
	return ok
}

// Codes lists the loaded language codes in sorted order.
func (r *Registry) Codes() []string {
	out := make([]string, 0, len(r.tables))
	for c := range r.tables {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Parse compiles a single YAML table.
func Parse(data []byte) (*Table, error) {
	var raw rawTable
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.Code == "" {
		return nil, fmt.Errorf("table has no code")
	}
	t := &Table{
		Code:           raw.Code,
		certainty:      set(raw.Certainty),
		hedges:         set(raw.Hedges),
		filler:         set(raw.Filler),
		pronouns:       set(raw.Pronouns),
		positive:       set(raw.Positive),
		negative:       set(raw.Negative),
		stopwords:      set(raw.Stopwords),
		genericPhrases: lower(raw.GenericPhrases),
		transitions:    lower(raw.Transitions),
	}
	var err error
	for _, p := range raw.Definitional {
		re, cerr := regexp.Compile("(?i)" + p)
		if cerr != nil {
			return nil, fmt.Errorf("definitional pattern %q: %w", p, cerr)
		}
		t.definitional = append(t.definitional, re)
	}
	if t.comparisonHeading, err = compile("comparison_heading", raw.ComparisonHeading); err != nil {
		return nil, err
	}
	if t.bridgeHeading, err = compile("bridge_heading", raw.BridgeHeading); err != nil {
		return nil, err
	}
	if t.listHeading, err = compile("list_heading", raw.ListHeading); err != nil {
		return nil, err
	}
	if t.instructionTitle, err = compile("instructional_title", raw.InstructionTitle); err != nil {
		return nil, err
	}
	return t, nil
}

func compile(name, pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%s pattern is empty", name)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s pattern: %w", name, err)
	}
	return re, nil
}

func set(words []string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = true
	}
	return m
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
