package generation

import "context"

// Static returns each prompt's Echo text unchanged. It backs dry runs, where
// every pass executes but no content changes.
type Static struct{}

func (Static) Name() string { return "static" }

func (Static) Complete(_ context.Context, p Prompt) (string, error) {
	return p.Echo, nil
}
