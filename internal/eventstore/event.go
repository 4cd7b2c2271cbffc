// Package eventstore provides the append-only domain event log. Every state
// transition in the governance core is recorded here; events are immutable
// once appended and are never deleted.
package eventstore

import (
	"time"
)

// EventType classifies events in the perceive-plan-execute lifecycle.
type EventType string

const (
	// Perception lifecycle
	PerceptionStarted   EventType = "perception.started"
	PerceptionCompleted EventType = "perception.completed"
	PerceptionFailed    EventType = "perception.failed"

	// Plan lifecycle
	PlanCreated   EventType = "plan.created"
	PlanStepAdded EventType = "plan.step_added"
	PlanApproved  EventType = "plan.approved"
	PlanRejected  EventType = "plan.rejected"

	// Execution lifecycle
	ExecutionStarted       EventType = "execution.started"
	ExecutionStepCompleted EventType = "execution.step_completed"
	ExecutionStepFailed    EventType = "execution.step_failed"
	ExecutionCompleted     EventType = "execution.completed"
	ExecutionRolledBack    EventType = "execution.rolled_back"
	ExecutionTimedOut      EventType = "execution.timed_out"

	// Trust lifecycle
	AgentPromoted EventType = "agent.promoted"

	// Approval lifecycle
	ApprovalRequested EventType = "approval.requested"
	ApprovalResolved  EventType = "approval.resolved"

	// Supervision lifecycle
	SupervisionStarted     EventType = "supervision.started"
	SupervisionIntervened  EventType = "supervision.intervened"
	SupervisionCompleted   EventType = "supervision.completed"
	SupervisionInterrupted EventType = "supervision.interrupted"
)

// ActorSystem is the default actor attributed to events not caused by a
// specific human or agent.
const ActorSystem = "system"

// Event is an immutable record of a single domain state transition.
// AggregateID groups all events belonging to one logical workflow run.
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	AggregateID string                 `json:"aggregate_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Confidence  *float64               `json:"confidence,omitempty"`
	Reasoning   string                 `json:"reasoning,omitempty"`
	Actor       string                 `json:"actor"`
}
