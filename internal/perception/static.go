package perception

import (
	"context"
	"fmt"
	"strings"

	"github.com/atomhq/atom-core/internal/eventstore"
)

// StaticPerceiver maps keywords in the "text" input field to fixed intents.
// It backs --no-llm runs and keeps the pipeline testable without network.
type StaticPerceiver struct {
	events *eventstore.Store
}

// NewStaticPerceiver builds the deterministic fallback perceiver.
func NewStaticPerceiver(events *eventstore.Store) *StaticPerceiver {
	return &StaticPerceiver{events: events}
}

type staticRule struct {
	keyword    string
	intent     string
	confidence float64
	action     string
}

var staticRules = []staticRule{
	{keyword: "report", intent: "generate_report", confidence: 0.9, action: "generate_report"},
	{keyword: "schedule", intent: "schedule_task", confidence: 0.85, action: "schedule_task"},
	{keyword: "email", intent: "send_email", confidence: 0.8, action: "send_email"},
	{keyword: "summarize", intent: "summarize_content", confidence: 0.8, action: "summarize_content"},
	{keyword: "delete", intent: "delete_resource", confidence: 0.6, action: "delete_resource"},
}

// Perceive matches the first rule whose keyword appears in the input text.
// Unmatched input yields a low-confidence unknown intent rather than an
// error so governance still gets a chance to route it to a human.
func (p *StaticPerceiver) Perceive(ctx context.Context, aggregateID string, input map[string]interface{}) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	p.events.Append(eventstore.Event{
		Type:        eventstore.PerceptionStarted,
		AggregateID: aggregateID,
		Data:        map[string]interface{}{"mode": "static"},
	})

	text, _ := input["text"].(string)
	lowered := strings.ToLower(text)

	result := Result{
		Intent:     "unknown",
		Confidence: 0.3,
		Reasoning:  "No static rule matched the input.",
		Raw:        input,
	}
	for _, rule := range staticRules {
		if strings.Contains(lowered, rule.keyword) {
			result = Result{
				Intent:     rule.intent,
				Confidence: rule.confidence,
				Reasoning:  fmt.Sprintf("Matched static keyword %q.", rule.keyword),
				SuggestedActions: []SuggestedAction{
					{Action: rule.action, Params: map[string]interface{}{"text": text}, Complexity: 0.3},
				},
				Raw: input,
			}
			break
		}
	}

	conf := result.Confidence
	p.events.Append(eventstore.Event{
		Type:        eventstore.PerceptionCompleted,
		AggregateID: aggregateID,
		Confidence:  &conf,
		Reasoning:   result.Reasoning,
		Data:        map[string]interface{}{"intent": result.Intent, "mode": "static"},
	})
	return result, nil
}
