package harnessports

import (
	"context"
	"encoding/json"

	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/fingerprint"
)

// PriorStep is one step already taken in the current flow, or the record of a
// failed generation attempt.
type PriorStep struct {
	Step   string // intent text of the step
	Review string // full review payload, if the step was reviewed
	Error  string // set on records of failed attempts
}

// GenerationInput aggregates everything the generator needs for one attempt.
type GenerationInput struct {
	Identifier string
	Previous   []PriorStep // includes error records of earlier failed attempts
	Capture    fingerprint.Capture
	Attempt    int // 1-based
}

// Generator produces a value for an intent. Implementations typically call a
// model; the harness treats them as opaque and possibly slow.
type Generator interface {
	Generate(ctx context.Context, in GenerationInput) (json.RawMessage, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, in GenerationInput) (json.RawMessage, error)

func (f GeneratorFunc) Generate(ctx context.Context, in GenerationInput) (json.RawMessage, error) {
	return f(ctx, in)
}
