package harness

import (
	"context"
	"encoding/json"

	ports "github.com/ZanzyTHEbar/visual-stepcache/stepcache/generation/harness/ports"
)

const planIdentifierPrefix = "plan: "

// PlannedStep is one step of a generated plan.
type PlannedStep struct {
	Intent      string `json:"intent"`
	Description string `json:"description,omitempty"`
}

// Plan is the cached value of the planner.
type Plan struct {
	Steps []PlannedStep `json:"steps"`
}

// Flow turns the plan into a runnable flow.
func (p *Plan) Flow(name string) Flow {
	f := Flow{Name: name}
	for _, s := range p.Steps {
		f.Steps = append(f.Steps, Step{Intent: s.Intent})
	}
	return f
}

const planSchema = `{
  "type": "object",
  "required": ["steps"],
  "properties": {
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["intent"],
        "properties": {
          "intent": {"type": "string", "minLength": 1},
          "description": {"type": "string"}
        }
      }
    }
  }
}`

// Planner breaks a goal into steps. Plans are cached like step code, under
// their own identifier namespace so a goal never collides with a step intent.
type Planner struct {
	orchestrator *Orchestrator
	validator    *JSONValidator
}

func NewPlanner(o *Orchestrator) *Planner {
	return &Planner{orchestrator: o, validator: MustJSONValidator([]byte(planSchema))}
}

// Plan resolves a plan for goal given the steps already taken. Generated plans
// that do not match the plan schema count as failed attempts.
func (p *Planner) Plan(ctx context.Context, goal string, prior []ports.PriorStep) (*Plan, *Result, error) {
	plan, res, err := ResolveAs[Plan](ctx, p.orchestrator, &Request{
		Identifier: planIdentifierPrefix + goal,
		Previous:   prior,
		Validate:   func(v json.RawMessage) error { return p.validator.Validate(v) },
	})
	if err != nil {
		return nil, res, err
	}
	return &plan, res, nil
}
