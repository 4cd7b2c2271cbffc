package perception

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/atomhq/atom-core/api/schemas"
	"github.com/atomhq/atom-core/internal/eventstore"
)

type stubLLM struct {
	response string
	err      error
	lastReq  schemas.GenerationRequest
}

func (s *stubLLM) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	s.lastReq = req
	return s.response, s.err
}

const validJudgment = `{
	"intent": "send_email",
	"entities": {"recipient": "ops@example.com"},
	"confidence": 0.92,
	"reasoning": "The user explicitly asked to email the ops team.",
	"suggested_actions": [
		{"action": "send_email", "params": {"to": "ops@example.com"}, "complexity": 0.2}
	]
}`

func TestLLMPerceiverParsesJudgment(t *testing.T) {
	events := eventstore.New(zaptest.NewLogger(t))
	llm := &stubLLM{response: validJudgment}
	p := NewLLMPerceiver(zaptest.NewLogger(t), llm, events)

	result, err := p.Perceive(context.Background(), "agent-1", map[string]interface{}{"text": "email the ops team"})
	require.NoError(t, err)

	assert.Equal(t, "send_email", result.Intent)
	assert.Equal(t, "ops@example.com", result.Entities["recipient"])
	assert.InDelta(t, 0.92, result.Confidence, 1e-9)
	require.Len(t, result.SuggestedActions, 1)
	assert.Equal(t, "send_email", result.SuggestedActions[0].Action)

	assert.True(t, llm.lastReq.Options.ForceJSONFormat)
	assert.Equal(t, schemas.TierFast, llm.lastReq.Tier)

	types := eventTypes(events.Events("agent-1"))
	assert.Equal(t, []eventstore.EventType{eventstore.PerceptionStarted, eventstore.PerceptionCompleted}, types)
}

func TestLLMPerceiverStripsMarkdownFences(t *testing.T) {
	events := eventstore.New(zaptest.NewLogger(t))
	llm := &stubLLM{response: "```json\n" + validJudgment + "\n```"}
	p := NewLLMPerceiver(zaptest.NewLogger(t), llm, events)

	result, err := p.Perceive(context.Background(), "agent-1", map[string]interface{}{"text": "email ops"})
	require.NoError(t, err)
	assert.Equal(t, "send_email", result.Intent)
}

func TestLLMPerceiverRecordsFailures(t *testing.T) {
	cases := []struct {
		name string
		llm  *stubLLM
	}{
		{name: "generation error", llm: &stubLLM{err: errors.New("rate limited")}},
		{name: "malformed response", llm: &stubLLM{response: "I cannot help with that."}},
		{name: "missing intent", llm: &stubLLM{response: `{"confidence": 0.5}`}},
		{name: "confidence out of range", llm: &stubLLM{response: `{"intent": "x", "confidence": 1.4}`}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events := eventstore.New(zaptest.NewLogger(t))
			p := NewLLMPerceiver(zaptest.NewLogger(t), tc.llm, events)

			_, err := p.Perceive(context.Background(), "agent-1", map[string]interface{}{"text": "hi"})
			require.Error(t, err)

			types := eventTypes(events.Events("agent-1"))
			assert.Equal(t, []eventstore.EventType{eventstore.PerceptionStarted, eventstore.PerceptionFailed}, types)
		})
	}
}

func TestStaticPerceiverMatchesKeywords(t *testing.T) {
	events := eventstore.New(zaptest.NewLogger(t))
	p := NewStaticPerceiver(events)

	result, err := p.Perceive(context.Background(), "agent-1", map[string]interface{}{"text": "please generate the weekly report"})
	require.NoError(t, err)
	assert.Equal(t, "generate_report", result.Intent)
	assert.InDelta(t, 0.9, result.Confidence, 1e-9)
	require.Len(t, result.SuggestedActions, 1)
}

func TestStaticPerceiverUnknownInput(t *testing.T) {
	events := eventstore.New(zaptest.NewLogger(t))
	p := NewStaticPerceiver(events)

	result, err := p.Perceive(context.Background(), "agent-1", map[string]interface{}{"text": "zxqv"})
	require.NoError(t, err)
	assert.Equal(t, "unknown", result.Intent)
	assert.Less(t, result.Confidence, 0.5)
	assert.Empty(t, result.SuggestedActions)
}

func eventTypes(events []eventstore.Event) []eventstore.EventType {
	types := make([]eventstore.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}
