package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Settings selects and configures vendors.
type Settings struct {
	Vendors       []string
	OpenAIBaseURL string
	OpenAIModel   string
	OpenAIAPIKey  string
	GeminiModel   string
	GeminiAPIKey  string
	OllamaBaseURL string
	OllamaModel   string
}

// ParseVendors splits a comma-separated vendor list.
func ParseVendors(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Build constructs a Service with vendors in the configured order.
func Build(ctx context.Context, s Settings, logger *slog.Logger) (*Service, error) {
	if len(s.Vendors) == 0 {
		return nil, fmt.Errorf("no generation vendors configured; set generation.vendors")
	}
	vendors := make([]Vendor, 0, len(s.Vendors))
	for _, name := range s.Vendors {
		switch name {
		case "openai":
			v, err := NewOpenAI(s.OpenAIAPIKey, s.OpenAIBaseURL, s.OpenAIModel)
			if err != nil {
				return nil, err
			}
			vendors = append(vendors, v)
		case "gemini":
			v, err := NewGemini(ctx, s.GeminiAPIKey, s.GeminiModel)
			if err != nil {
				return nil, err
			}
			vendors = append(vendors, v)
		case "ollama":
			vendors = append(vendors, NewOllama(s.OllamaBaseURL, s.OllamaModel))
		case "static":
			vendors = append(vendors, Static{})
		default:
			return nil, fmt.Errorf("unknown generation vendor %q", name)
		}
	}
	return NewService(logger, vendors...), nil
}

// LocalOllama returns the Ollama vendor from a service, if configured.
func (s *Service) LocalOllama() (*Ollama, bool) {
	for _, v := range s.vendors {
		if o, ok := v.(*Ollama); ok {
			return o, true
		}
	}
	return nil, false
}
