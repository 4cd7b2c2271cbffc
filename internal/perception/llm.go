package perception

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/atomhq/atom-core/api/schemas"
	"github.com/atomhq/atom-core/internal/eventstore"
)

// Models occasionally wrap JSON output in markdown fences despite being told
// not to; strip them before unmarshaling.
var jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")

// LLMPerceiver asks the LLM collaborator for a structured judgment of the
// input and records the perception lifecycle in the event log.
type LLMPerceiver struct {
	logger *zap.Logger
	llm    schemas.LLMClient
	events *eventstore.Store
}

// NewLLMPerceiver wires the LLM-backed perception layer.
func NewLLMPerceiver(logger *zap.Logger, llm schemas.LLMClient, events *eventstore.Store) *LLMPerceiver {
	return &LLMPerceiver{
		logger: logger.Named("perception"),
		llm:    llm,
		events: events,
	}
}

// Perceive runs one perception pass over the input.
func (p *LLMPerceiver) Perceive(ctx context.Context, aggregateID string, input map[string]interface{}) (Result, error) {
	p.events.Append(eventstore.Event{
		Type:        eventstore.PerceptionStarted,
		AggregateID: aggregateID,
		Data:        map[string]interface{}{"input_keys": inputKeys(input)},
	})

	prompt, err := p.buildPrompt(input)
	if err != nil {
		p.emitFailure(aggregateID, err)
		return Result{}, err
	}

	response, err := p.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   prompt,
		Tier:         schemas.TierFast,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     0.1,
		},
	})
	if err != nil {
		p.emitFailure(aggregateID, err)
		return Result{}, fmt.Errorf("LLM generation failed: %w", err)
	}

	result, err := parseResponse(response)
	if err != nil {
		p.logger.Error("Failed to parse perception response",
			zap.Error(err),
			zap.String("raw_response", truncate(response, 500)),
		)
		p.emitFailure(aggregateID, err)
		return Result{}, err
	}

	result.Raw = input
	conf := result.Confidence
	p.events.Append(eventstore.Event{
		Type:        eventstore.PerceptionCompleted,
		AggregateID: aggregateID,
		Confidence:  &conf,
		Reasoning:   result.Reasoning,
		Data: map[string]interface{}{
			"intent":       result.Intent,
			"action_count": len(result.SuggestedActions),
		},
	})
	return result, nil
}

func (p *LLMPerceiver) emitFailure(aggregateID string, err error) {
	p.events.Append(eventstore.Event{
		Type:        eventstore.PerceptionFailed,
		AggregateID: aggregateID,
		Data:        map[string]interface{}{"error": err.Error()},
	})
}

const systemPrompt = `You are the perception layer of an automation platform.
You receive raw user input and must produce a structured judgment of it.

**Output Requirements (Strict JSON Format):**
Respond ONLY with a single JSON object:
{
  "intent": "A short machine-readable name for what the user wants.",
  "entities": { "name": "value", ... },
  "confidence": 0.0,
  "reasoning": "One or two sentences explaining the judgment.",
  "suggested_actions": [
    {"action": "action_name", "params": { ... }, "complexity": 0.0}
  ]
}

**Guidelines:**
- confidence and complexity are in [0.0, 1.0].
- Suggest the minimal ordered set of actions that satisfies the intent.
- When the input is ambiguous, lower the confidence instead of guessing.`

func (p *LLMPerceiver) buildPrompt(input map[string]interface{}) (string, error) {
	encoded, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode perception input: %w", err)
	}
	return fmt.Sprintf("Analyze the following input and respond with the JSON judgment only.\n\n%s", string(encoded)), nil
}

func parseResponse(response string) (Result, error) {
	response = strings.TrimSpace(response)
	jsonString := response

	if strings.HasPrefix(response, "```") {
		if matches := jsonObjectRegex.FindStringSubmatch(response); len(matches) > 1 {
			jsonString = matches[1]
		}
	} else if !strings.HasPrefix(response, "{") {
		first := strings.Index(response, "{")
		last := strings.LastIndex(response, "}")
		if first != -1 && last > first {
			jsonString = response[first : last+1]
		}
	}

	var result Result
	if err := json.Unmarshal([]byte(jsonString), &result); err != nil {
		return Result{}, fmt.Errorf("unmarshal perception response: %w", err)
	}
	if result.Intent == "" {
		return Result{}, fmt.Errorf("perception response is missing the intent field")
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return Result{}, fmt.Errorf("perception confidence %.3f outside [0, 1]", result.Confidence)
	}
	return result, nil
}

func inputKeys(input map[string]interface{}) []string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
