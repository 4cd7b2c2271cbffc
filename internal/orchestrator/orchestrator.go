// Package orchestrator drives the perceive, plan, execute cycle and is the
// boundary where governance refusals and pending approvals become structured
// outcomes instead of errors. Each run is bounded by a configured timeout.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atomhq/atom-core/internal/config"
	"github.com/atomhq/atom-core/internal/eventstore"
	"github.com/atomhq/atom-core/internal/execution"
	"github.com/atomhq/atom-core/internal/governance"
	"github.com/atomhq/atom-core/internal/hitl"
	"github.com/atomhq/atom-core/internal/perception"
	"github.com/atomhq/atom-core/internal/planning"
)

// OutcomeStatus classifies how a run ended at this boundary.
type OutcomeStatus string

const (
	OutcomeCompleted       OutcomeStatus = "completed"
	OutcomePendingApproval OutcomeStatus = "pending_approval"
	OutcomeRejected        OutcomeStatus = "rejected"
	OutcomeFailed          OutcomeStatus = "failed"
	OutcomeTimedOut        OutcomeStatus = "timed_out"
)

// Outcome is the structured result of one run. Governance refusals and
// pending approvals are outcomes, not errors; errors mean the machinery
// itself broke.
type Outcome struct {
	Status      OutcomeStatus          `json:"status"`
	AggregateID string                 `json:"aggregate_id"`
	PlanID      string                 `json:"plan_id,omitempty"`
	ApprovalID  string                 `json:"approval_id,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
}

// Request starts one run of the pipeline for one agent.
type Request struct {
	AgentID     string
	WorkspaceID string
	Input       map[string]interface{}
}

// Orchestrator composes the pipeline stages with explicit dependencies.
type Orchestrator struct {
	logger    *zap.Logger
	cfg       config.RunnerConfig
	perceiver perception.Perceiver
	planner   *planning.Planner
	engine    *execution.Engine
	gov       *governance.Service
	gate      *hitl.Gate
	events    *eventstore.Store
}

// New wires the orchestrator.
func New(
	logger *zap.Logger,
	cfg config.RunnerConfig,
	perceiver perception.Perceiver,
	planner *planning.Planner,
	engine *execution.Engine,
	gov *governance.Service,
	gate *hitl.Gate,
	events *eventstore.Store,
) *Orchestrator {
	return &Orchestrator{
		logger:    logger.Named("orchestrator"),
		cfg:       cfg,
		perceiver: perceiver,
		planner:   planner,
		engine:    engine,
		gov:       gov,
		gate:      gate,
		events:    events,
	}
}

// Process runs one full perceive-plan-execute cycle. The plan executes
// synchronously only when both the confidence auto-approval and the
// governance check clear it; otherwise the run parks behind a human
// approval and returns a pending outcome with the plan and approval ids.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	aggregateID := uuid.New().String()
	o.logger.Info("Run started",
		zap.String("aggregate_id", aggregateID),
		zap.String("agent_id", req.AgentID),
	)

	result, err := o.perceiver.Perceive(ctx, aggregateID, req.Input)
	if err != nil {
		return o.failure(aggregateID, "", err), err
	}

	plan, err := o.planner.CreatePlan(ctx, req.AgentID, aggregateID, result)
	if err != nil {
		return o.failure(aggregateID, "", err), err
	}

	// Governance rules on the hardest step; the error case already yields a
	// fail-closed denial, so the decision alone drives the routing.
	decision, err := o.gov.CheckPermission(ctx, req.AgentID, plan.MaxComplexity())
	if err != nil {
		o.logger.Warn("Governance unavailable, routing to human approval",
			zap.String("aggregate_id", aggregateID),
			zap.Error(err),
		)
	}

	if plan.Status != planning.StatusApproved || !decision.Allowed {
		reason := decision.Reason
		if plan.Status != planning.StatusApproved {
			reason = fmt.Sprintf("perception confidence %.2f below the auto-approval threshold", plan.Confidence)
		}
		return o.parkForApproval(ctx, req, plan, reason)
	}

	return o.execute(ctx, req.AgentID, plan.ID, aggregateID)
}

// parkForApproval opens a HITL request for the plan and returns without
// blocking. The caller resumes via AwaitAndExecute or ExecuteApproved.
func (o *Orchestrator) parkForApproval(ctx context.Context, req Request, plan *planning.Plan, reason string) (*Outcome, error) {
	approvalID, err := o.gate.RequestApproval(ctx, hitl.Request{
		AgentID:     req.AgentID,
		ActionType:  plan.Intent,
		Params:      map[string]interface{}{"plan_id": plan.ID},
		Reason:      reason,
		WorkspaceID: req.WorkspaceID,
	})
	if err != nil {
		return o.failure(plan.AggregateID, plan.ID, err), err
	}

	return &Outcome{
		Status:      OutcomePendingApproval,
		AggregateID: plan.AggregateID,
		PlanID:      plan.ID,
		ApprovalID:  approvalID,
		Reason:      reason,
	}, nil
}

// AwaitAndExecute blocks on the approval gate's polling wait and completes
// the run once a human decides. A timeout is treated exactly like a
// rejection. Only the calling goroutine blocks.
func (o *Orchestrator) AwaitAndExecute(ctx context.Context, approvalID, planID string) (*Outcome, error) {
	status, err := o.gate.AwaitDecision(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	plan, err := o.planner.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	if status != hitl.StatusApproved {
		if planning.CanTransition(plan.Status, planning.StatusRejected) {
			if _, err := o.planner.RejectPlan(ctx, planID, "hitl:"+approvalID); err != nil {
				return nil, err
			}
		}
		return &Outcome{
			Status:      OutcomeRejected,
			AggregateID: plan.AggregateID,
			PlanID:      planID,
			ApprovalID:  approvalID,
			Reason:      fmt.Sprintf("approval %s resolved as %s", approvalID, status),
		}, nil
	}

	if plan.Status == planning.StatusPendingApproval {
		if _, err := o.planner.ApprovePlan(ctx, planID, "hitl:"+approvalID); err != nil {
			return nil, err
		}
	}
	return o.ExecuteApproved(ctx, planID)
}

// ExecuteApproved executes a plan that has already cleared approval and
// feeds the outcome back into the agent's confidence.
func (o *Orchestrator) ExecuteApproved(ctx context.Context, planID string) (*Outcome, error) {
	plan, err := o.planner.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, plan.AgentID, plan.ID, plan.AggregateID)
}

func (o *Orchestrator) execute(ctx context.Context, agentID, planID, aggregateID string) (*Outcome, error) {
	result, err := o.engine.ExecutePlan(ctx, planID)

	// Confidence accounting happens regardless of how the run ended; a
	// governance bookkeeping failure is logged, not surfaced over the run's
	// own result.
	if recErr := o.gov.RecordOutcome(context.WithoutCancel(ctx), agentID, err == nil); recErr != nil {
		o.logger.Error("Failed to record execution outcome",
			zap.String("agent_id", agentID),
			zap.Error(recErr),
		)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Outcome{
				Status:      OutcomeTimedOut,
				AggregateID: aggregateID,
				PlanID:      planID,
				Reason:      "run exceeded the configured timeout",
			}, err
		}
		return o.failure(aggregateID, planID, err), err
	}

	return &Outcome{
		Status:      OutcomeCompleted,
		AggregateID: aggregateID,
		PlanID:      planID,
		Output:      result.Output,
	}, nil
}

// EventLog returns the audit trail for one run.
func (o *Orchestrator) EventLog(aggregateID string) []eventstore.Event {
	return o.events.Events(aggregateID)
}

func (o *Orchestrator) failure(aggregateID, planID string, cause error) *Outcome {
	return &Outcome{
		Status:      OutcomeFailed,
		AggregateID: aggregateID,
		PlanID:      planID,
		Reason:      cause.Error(),
	}
}
