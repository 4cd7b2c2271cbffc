package planning

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atomhq/atom-core/internal/config"
	"github.com/atomhq/atom-core/internal/eventstore"
	"github.com/atomhq/atom-core/internal/perception"
)

// Repository is the plan persistence contract the planner depends on.
type Repository interface {
	SavePlan(ctx context.Context, plan *Plan) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
}

// Planner creates plans from perception results and owns their approval
// transitions.
type Planner struct {
	logger *zap.Logger
	policy config.PlanningConfig
	repo   Repository
	events *eventstore.Store
}

// NewPlanner wires the planning layer.
func NewPlanner(logger *zap.Logger, policy config.PlanningConfig, repo Repository, events *eventstore.Store) *Planner {
	return &Planner{
		logger: logger.Named("planning"),
		policy: policy,
		repo:   repo,
		events: events,
	}
}

// CreatePlan materializes the perception result into an ordered plan. A
// result at or above the auto-approve threshold starts life APPROVED;
// anything less confident starts PENDING_APPROVAL and must pass the human
// gate before it can execute.
func (pl *Planner) CreatePlan(ctx context.Context, agentID, aggregateID string, result perception.Result) (*Plan, error) {
	now := time.Now().UTC()
	plan := &Plan{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		AggregateID: aggregateID,
		Intent:      result.Intent,
		Status:      StatusPendingApproval,
		Confidence:  result.Confidence,
		Reasoning:   result.Reasoning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if result.Confidence >= pl.policy.AutoApproveThreshold {
		plan.Status = StatusApproved
	}

	for i, action := range result.SuggestedActions {
		step := Step{
			ID:             uuid.New().String(),
			Index:          i,
			Action:         action.Action,
			Params:         action.Params,
			Complexity:     action.Complexity,
			IdempotencyKey: IdempotencyKey(plan.ID, action.Action, i),
		}
		if i > 0 {
			step.DependsOn = []string{plan.Steps[i-1].ID}
		}
		plan.Steps = append(plan.Steps, step)
	}

	if err := pl.repo.SavePlan(ctx, plan); err != nil {
		return nil, err
	}

	conf := plan.Confidence
	pl.events.Append(eventstore.Event{
		Type:        eventstore.PlanCreated,
		AggregateID: aggregateID,
		Confidence:  &conf,
		Reasoning:   plan.Reasoning,
		Data: map[string]interface{}{
			"plan_id": plan.ID,
			"intent":  plan.Intent,
			"status":  string(plan.Status),
		},
	})
	for _, step := range plan.Steps {
		pl.events.Append(eventstore.Event{
			Type:        eventstore.PlanStepAdded,
			AggregateID: aggregateID,
			Data: map[string]interface{}{
				"plan_id":         plan.ID,
				"step_id":         step.ID,
				"index":           step.Index,
				"action":          step.Action,
				"idempotency_key": step.IdempotencyKey,
			},
		})
	}
	if plan.Status == StatusApproved {
		pl.events.Append(eventstore.Event{
			Type:        eventstore.PlanApproved,
			AggregateID: aggregateID,
			Data:        map[string]interface{}{"plan_id": plan.ID, "auto": true},
		})
	}

	pl.logger.Info("Plan created",
		zap.String("plan_id", plan.ID),
		zap.String("intent", plan.Intent),
		zap.String("status", string(plan.Status)),
		zap.Int("steps", len(plan.Steps)),
		zap.Float64("confidence", plan.Confidence),
	)
	return plan, nil
}

// GetPlan loads a plan by id.
func (pl *Planner) GetPlan(ctx context.Context, id string) (*Plan, error) {
	return pl.repo.GetPlan(ctx, id)
}

// ApprovePlan records a human approval of a pending plan.
func (pl *Planner) ApprovePlan(ctx context.Context, id, actor string) (*Plan, error) {
	return pl.resolve(ctx, id, actor, StatusApproved, eventstore.PlanApproved)
}

// RejectPlan records a human rejection of a pending plan.
func (pl *Planner) RejectPlan(ctx context.Context, id, actor string) (*Plan, error) {
	return pl.resolve(ctx, id, actor, StatusRejected, eventstore.PlanRejected)
}

func (pl *Planner) resolve(ctx context.Context, id, actor string, to Status, evt eventstore.EventType) (*Plan, error) {
	plan, err := pl.repo.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := plan.Transition(to); err != nil {
		return nil, err
	}
	if err := pl.repo.SavePlan(ctx, plan); err != nil {
		return nil, err
	}

	pl.events.Append(eventstore.Event{
		Type:        evt,
		AggregateID: plan.AggregateID,
		Actor:       actor,
		Data:        map[string]interface{}{"plan_id": plan.ID},
	})
	return plan, nil
}
