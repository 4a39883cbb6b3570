package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/generation"
)

const complianceTimeout = 60 * time.Second

// ComplianceResult is an independent score for the document and the
// contradictions found against other documents.
type ComplianceResult struct {
	Score          float64  `json:"score"`
	Contradictions []string `json:"contradictions"`
}

// Compliance scores a document independently of the rule battery.
type Compliance interface {
	Check(ctx context.Context, in Input) (ComplianceResult, error)
}

// StaticCompliance returns a fixed result.
type StaticCompliance struct {
	Result ComplianceResult
}

func (s StaticCompliance) Check(context.Context, Input) (ComplianceResult, error) {
	return s.Result, nil
}

// LLMCompliance asks a generator for a structured compliance verdict.
type LLMCompliance struct {
	gen         generation.Generator
	retryBudget int
	maxChars    int
}

// NewLLMCompliance creates a scorer that sends at most maxChars of the
// document; zero means 24000.
func NewLLMCompliance(gen generation.Generator, retryBudget, maxChars int) *LLMCompliance {
	if maxChars <= 0 {
		maxChars = 24000
	}
	return &LLMCompliance{gen: gen, retryBudget: retryBudget, maxChars: maxChars}
}

const complianceSystem = `You review finished articles for editorial compliance.
Score the article from 0 to 100 for factual consistency, clear structure, direct answers and absence of filler.
List statements that contradict each other or commonly accepted facts as short quotes.
Respond with JSON only.`

// Check returns an error for any failure; the auditor then falls back to
// the algorithmic score.
func (c *LLMCompliance) Check(ctx context.Context, in Input) (ComplianceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, complianceTimeout)
	defer cancel()

	p := generation.Prompt{
		System: complianceSystem,
		User:   fmt.Sprintf("Language: %s\nTitle: %s\n\n%s", in.Language, in.Title, document.Truncate(in.Markdown, c.maxChars)),
		Schema: complianceSchema(),
	}
	raw, err := c.gen.Generate(ctx, p, c.retryBudget)
	if err != nil {
		return ComplianceResult{}, fmt.Errorf("compliance generation: %w", err)
	}
	var res ComplianceResult
	if err := json.Unmarshal([]byte(stripFence(raw)), &res); err != nil {
		return ComplianceResult{}, fmt.Errorf("decoding compliance response: %w", err)
	}
	if res.Score < 0 || res.Score > 100 {
		return ComplianceResult{}, fmt.Errorf("compliance score %.1f out of range", res.Score)
	}
	return res, nil
}

func complianceSchema() *generation.Schema {
	return &generation.Schema{
		Type: "object",
		Properties: map[string]generation.SchemaProperty{
			"score":          {Type: "number", Description: "Compliance score from 0 to 100"},
			"contradictions": {Type: "array", Description: "Contradicting statements quoted from the article"},
		},
		Required: []string{"score", "contradictions"},
	}
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
