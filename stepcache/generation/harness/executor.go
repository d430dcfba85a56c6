package harness

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	ports "github.com/ZanzyTHEbar/visual-stepcache/stepcache/generation/harness/ports"
)

// StepCode is the cached value for one executable step.
type StepCode struct {
	Code string `json:"code"`
}

// Step is one natural-language instruction in a flow.
type Step struct {
	Intent string
	Review string // optional reviewer feedback attached to the step
}

// Flow is an ordered list of steps run as one session.
type Flow struct {
	Name  string
	Steps []Step
}

// StepOutcome records how a single step was resolved.
type StepOutcome struct {
	Intent    string
	Code      string
	FromCache bool
	Attempts  int
}

// FlowResult summarizes a flow run.
type FlowResult struct {
	ID      string
	Steps   []StepOutcome
	Flushed bool // the flow's new entries were written to the cache file
}

// CacheHits returns the number of steps served from the cache.
func (r *FlowResult) CacheHits() int {
	n := 0
	for _, s := range r.Steps {
		if s.FromCache {
			n++
		}
	}
	return n
}

// StepExecutor runs flows step by step, resolving each step's code through
// the cache and executing it with a Runner. A flow is one cache session: the
// buffer is cleared when it starts and flushed when it ends.
type StepExecutor struct {
	orchestrator   *Orchestrator
	runner         ports.Runner
	flushOnFailure bool
}

func NewStepExecutor(o *Orchestrator, runner ports.Runner, flushOnFailure bool) *StepExecutor {
	return &StepExecutor{orchestrator: o, runner: runner, flushOnFailure: flushOnFailure}
}

// Run executes flow. Entries generated by a failed flow are only persisted
// when the executor was built with flushOnFailure.
func (e *StepExecutor) Run(ctx context.Context, flow Flow) (result *FlowResult, err error) {
	store := e.orchestrator.Store()
	result = &FlowResult{ID: uuid.NewString()}

	ctx, finish := e.orchestrator.tracer.StartSpan(ctx, "flow", map[string]any{
		"flow_id":    result.ID,
		"flow":       flow.Name,
		"step_count": len(flow.Steps),
	})
	defer func() { finish(err) }()

	store.Clear()
	defer func() {
		if err == nil || e.flushOnFailure {
			result.Flushed = store.Flush()
		}
	}()

	var prior []ports.PriorStep
	for i, step := range flow.Steps {
		code, res, err := ResolveAs[StepCode](ctx, e.orchestrator, &Request{
			Identifier: step.Intent,
			Previous:   prior,
			Validate:   validateStepCode,
		})
		if err != nil {
			return result, fmt.Errorf("step %d: %w", i+1, err)
		}

		result.Steps = append(result.Steps, StepOutcome{
			Intent:    step.Intent,
			Code:      code.Code,
			FromCache: res.FromCache,
			Attempts:  res.Attempts,
		})

		if err := e.runner.Run(ctx, code.Code); err != nil {
			return result, fmt.Errorf("step %d %q: %w", i+1, step.Intent, err)
		}

		prior = append(prior, ports.PriorStep{Step: step.Intent, Review: step.Review})
	}

	return result, nil
}

var stepCodeValidator = MustJSONValidator([]byte(`{
  "type": "object",
  "required": ["code"],
  "properties": {"code": {"type": "string", "minLength": 1}}
}`))

func validateStepCode(v json.RawMessage) error { return stepCodeValidator.Validate(v) }
