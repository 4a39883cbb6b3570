// Package generation calls external text-generation vendors with ordered
// fallback and retry.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// Schema describes the JSON object a structured prompt expects back.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Prompt is one generation request.
type Prompt struct {
	System string
	User   string
	// Schema requests structured JSON output when set.
	Schema *Schema
	// Echo is what the static vendor returns for this prompt.
	Echo string
}

// Generator produces text for a prompt. retryBudget is the number of extra
// rounds over the vendor chain after the first one fails.
type Generator interface {
	Generate(ctx context.Context, p Prompt, retryBudget int) (string, error)
}

// Vendor is a single text-generation backend.
type Vendor interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (string, error)
}

// TransientError reports that every vendor failed within the retry budget.
// Callers skip the unit of work and carry on.
type TransientError struct {
	Rounds int
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("generation failed after %d round(s): %v", e.Rounds, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const defaultBackoff = 500 * time.Millisecond

// Service tries vendors in order and backs off exponentially between rounds.
type Service struct {
	vendors []Vendor
	backoff time.Duration
	logger  *slog.Logger
}

// NewService creates a Service over the given vendors, tried in order.
func NewService(logger *slog.Logger, vendors ...Vendor) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{vendors: vendors, backoff: defaultBackoff, logger: logger}
}

// WithBackoff overrides the initial backoff between rounds.
func (s *Service) WithBackoff(d time.Duration) *Service {
	s.backoff = d
	return s
}

// Vendors returns the configured vendor names in fallback order.
func (s *Service) Vendors() []string {
	names := make([]string, len(s.vendors))
	for i, v := range s.vendors {
		names[i] = v.Name()
	}
	return names
}

func (s *Service) Generate(ctx context.Context, p Prompt, retryBudget int) (string, error) {
	if len(s.vendors) == 0 {
		return "", errors.New("generation: no vendors configured")
	}
	if retryBudget < 0 {
		retryBudget = 0
	}

	var errs []error
	rounds := retryBudget + 1
	for round := range rounds {
		for _, v := range s.vendors {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			out, err := v.Complete(ctx, p)
			if err == nil && strings.TrimSpace(out) != "" {
				return out, nil
			}
			if err == nil {
				err = errors.New("empty response")
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			s.logger.Warn("generation vendor failed", "vendor", v.Name(), "round", round+1, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", v.Name(), err))
		}

		if round < rounds-1 {
			wait := time.Duration(float64(s.backoff) * math.Pow(2, float64(round)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return "", &TransientError{Rounds: rounds, Err: errors.Join(errs...)}
}
