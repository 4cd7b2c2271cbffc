// Package perception turns unstructured input into a structured intent,
// entity, and confidence judgment. The understanding step is delegated to
// the LLM collaborator; this package owns prompting, response parsing, and
// the audit events around the call.
package perception

import (
	"context"
)

// SuggestedAction is one concrete action the planner may turn into a step.
type SuggestedAction struct {
	Action     string                 `json:"action"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Complexity float64                `json:"complexity"`
}

// Result is the structured judgment produced from raw input.
type Result struct {
	Intent           string                 `json:"intent"`
	Entities         map[string]string      `json:"entities,omitempty"`
	Confidence       float64                `json:"confidence"`
	Reasoning        string                 `json:"reasoning,omitempty"`
	SuggestedActions []SuggestedAction      `json:"suggested_actions"`
	Raw              map[string]interface{} `json:"-"`
}

// Perceiver is the perception contract consumed by the orchestrator.
type Perceiver interface {
	Perceive(ctx context.Context, aggregateID string, input map[string]interface{}) (Result, error)
}
