// Package planning turns a perception judgment into an ordered, reviewable
// plan of action. Plans carry an approval status from birth: confident
// judgments start out approved, everything else waits for a human.
package planning

import (
	"errors"
	"fmt"
	"time"
)

// Status is the approval and execution state of a plan.
type Status string

const (
	// StatusDraft exists for plans assembled incrementally before review.
	// CreatePlan births plans directly into PENDING_APPROVAL or APPROVED.
	StatusDraft           Status = "DRAFT"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusExecuting       Status = "EXECUTING"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusRolledBack      Status = "ROLLED_BACK"
)

var (
	ErrPlanNotFound      = errors.New("plan not found")
	ErrInvalidTransition = errors.New("invalid plan status transition")
)

// validTransitions encodes the plan lifecycle. Transitions only move
// forward: REJECTED and FAILED are absorbing (rollback is the one exit from
// FAILED, and it is itself terminal). Recovering from a failed run means
// creating a new plan, never reviving this one.
var validTransitions = map[Status][]Status{
	StatusDraft:           {StatusPendingApproval, StatusApproved},
	StatusPendingApproval: {StatusApproved, StatusRejected},
	StatusApproved:        {StatusExecuting},
	StatusExecuting:       {StatusCompleted, StatusFailed},
	StatusFailed:          {StatusRolledBack},
}

// CanTransition reports whether a plan may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Step is one ordered unit of work within a plan. Steps execute strictly in
// Index order; the idempotency key makes re-execution of an already-completed
// step a no-op.
type Step struct {
	ID             string                 `json:"id"`
	Index          int                    `json:"index"`
	Action         string                 `json:"action"`
	Params         map[string]interface{} `json:"params,omitempty"`
	Complexity     float64                `json:"complexity"`
	IdempotencyKey string                 `json:"idempotency_key"`
	// DependsOn is recorded for auditability; the engine always runs steps
	// in Index order and does not schedule from it.
	DependsOn []string `json:"depends_on,omitempty"`
}

// Plan is an ordered list of steps derived from a single perception result.
type Plan struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	AggregateID string    `json:"aggregate_id"`
	Intent      string    `json:"intent"`
	Status      Status    `json:"status"`
	Steps       []Step    `json:"steps"`
	Confidence  float64   `json:"confidence"`
	Reasoning   string    `json:"reasoning,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Transition moves the plan to a new status, enforcing the lifecycle.
func (p *Plan) Transition(to Status) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// MaxComplexity returns the complexity of the hardest step, which is what
// governance gates on.
func (p *Plan) MaxComplexity() float64 {
	var max float64
	for _, s := range p.Steps {
		if s.Complexity > max {
			max = s.Complexity
		}
	}
	return max
}

// IdempotencyKey derives the stable key for one step of one plan. Identical
// plan, action, and position always yield the same key, so re-running a plan
// after a crash cannot re-run completed work.
func IdempotencyKey(planID, action string, index int) string {
	return fmt.Sprintf("%s:%s:%d", planID, action, index)
}
