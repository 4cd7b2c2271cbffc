package execution

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/atomhq/atom-core/internal/eventstore"
	"github.com/atomhq/atom-core/internal/planning"
)

// IdempotencyStore tracks which step keys have already produced their side
// effect, along with the result the side effect returned. Keys are marked
// only after the side effect succeeds, so a crash between run and mark
// re-runs the step rather than silently dropping it.
type IdempotencyStore interface {
	IsExecuted(ctx context.Context, key string) (bool, map[string]interface{}, error)
	MarkExecuted(ctx context.Context, key string, output map[string]interface{}) error
}

// StepOutcome classifies how a single step ended.
type StepOutcome string

const (
	StepCompleted StepOutcome = "COMPLETED"
	StepSkipped   StepOutcome = "SKIPPED"
	StepFailed    StepOutcome = "FAILED"
)

// StepResult records the outcome of one step of one run.
type StepResult struct {
	StepID  string                 `json:"step_id"`
	Action  string                 `json:"action"`
	Index   int                    `json:"index"`
	Outcome StepOutcome            `json:"outcome"`
	Output  map[string]interface{} `json:"output,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Result is the outcome of a full plan execution attempt.
type Result struct {
	PlanID string                 `json:"plan_id"`
	Status planning.Status        `json:"status"`
	Steps  []StepResult           `json:"steps"`
	Output map[string]interface{} `json:"output,omitempty"`
}

// Engine executes approved plans against the action registry.
type Engine struct {
	logger   *zap.Logger
	registry *Registry
	plans    planning.Repository
	idem     IdempotencyStore
	events   *eventstore.Store
}

// NewEngine wires the execution layer.
func NewEngine(logger *zap.Logger, registry *Registry, plans planning.Repository, idem IdempotencyStore, events *eventstore.Store) *Engine {
	return &Engine{
		logger:   logger.Named("execution"),
		registry: registry,
		plans:    plans,
		idem:     idem,
		events:   events,
	}
}

// ExecutePlan runs the plan's steps strictly in order. Only an APPROVED
// plan is accepted; everything else is refused before any side effect
// happens. The first step failure stops the run, marks the plan FAILED
// (terminal), and surfaces the error.
func (e *Engine) ExecutePlan(ctx context.Context, planID string) (*Result, error) {
	plan, err := e.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != planning.StatusApproved {
		return nil, fmt.Errorf("%w: plan %s is %s", ErrPlanNotApproved, plan.ID, plan.Status)
	}

	if err := plan.Transition(planning.StatusExecuting); err != nil {
		return nil, err
	}
	if err := e.plans.SavePlan(ctx, plan); err != nil {
		return nil, err
	}
	e.events.Append(eventstore.Event{
		Type:        eventstore.ExecutionStarted,
		AggregateID: plan.AggregateID,
		Data:        map[string]interface{}{"plan_id": plan.ID, "steps": len(plan.Steps)},
	})

	result := &Result{PlanID: plan.ID, Output: make(map[string]interface{})}
	for _, step := range plan.Steps {
		stepResult, err := e.executeStep(ctx, plan, step)
		result.Steps = append(result.Steps, stepResult)
		if err != nil {
			return e.fail(ctx, plan, result, step, err)
		}
		if stepResult.Output != nil {
			result.Output[step.Action] = stepResult.Output
		}
	}

	if err := plan.Transition(planning.StatusCompleted); err != nil {
		return result, err
	}
	if err := e.plans.SavePlan(ctx, plan); err != nil {
		return result, err
	}
	result.Status = planning.StatusCompleted
	e.events.Append(eventstore.Event{
		Type:        eventstore.ExecutionCompleted,
		AggregateID: plan.AggregateID,
		Data:        map[string]interface{}{"plan_id": plan.ID},
	})
	e.logger.Info("Plan executed", zap.String("plan_id", plan.ID), zap.Int("steps", len(result.Steps)))
	return result, nil
}

func (e *Engine) executeStep(ctx context.Context, plan *planning.Plan, step planning.Step) (StepResult, error) {
	res := StepResult{StepID: step.ID, Action: step.Action, Index: step.Index}

	if err := ctx.Err(); err != nil {
		res.Outcome = StepFailed
		res.Error = err.Error()
		return res, err
	}

	done, prior, err := e.idem.IsExecuted(ctx, step.IdempotencyKey)
	if err != nil {
		res.Outcome = StepFailed
		res.Error = err.Error()
		return res, fmt.Errorf("idempotency lookup for step %d: %w", step.Index, err)
	}
	if done {
		res.Outcome = StepSkipped
		res.Output = prior
		e.logger.Debug("Step already executed, skipping",
			zap.String("plan_id", plan.ID),
			zap.String("idempotency_key", step.IdempotencyKey),
		)
		return res, nil
	}

	action, ok := e.registry.Resolve(step.Action)
	if !ok {
		res.Outcome = StepFailed
		res.Error = ErrUnknownAction.Error()
		return res, fmt.Errorf("%w: %q", ErrUnknownAction, step.Action)
	}

	output, err := action.Run(ctx, step.Params)
	if err != nil {
		res.Outcome = StepFailed
		res.Error = err.Error()
		return res, fmt.Errorf("step %d (%s): %w", step.Index, step.Action, err)
	}

	// Mark only after the side effect succeeded.
	if err := e.idem.MarkExecuted(ctx, step.IdempotencyKey, output); err != nil {
		res.Outcome = StepFailed
		res.Error = err.Error()
		return res, fmt.Errorf("mark step %d executed: %w", step.Index, err)
	}

	res.Outcome = StepCompleted
	res.Output = output
	e.events.Append(eventstore.Event{
		Type:        eventstore.ExecutionStepCompleted,
		AggregateID: plan.AggregateID,
		Data: map[string]interface{}{
			"plan_id": plan.ID,
			"step_id": step.ID,
			"index":   step.Index,
			"action":  step.Action,
		},
	})
	return res, nil
}

func (e *Engine) fail(ctx context.Context, plan *planning.Plan, result *Result, step planning.Step, cause error) (*Result, error) {
	evtType := eventstore.ExecutionStepFailed
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, context.Canceled) {
		evtType = eventstore.ExecutionTimedOut
	}
	e.events.Append(eventstore.Event{
		Type:        evtType,
		AggregateID: plan.AggregateID,
		Data: map[string]interface{}{
			"plan_id": plan.ID,
			"step_id": step.ID,
			"index":   step.Index,
			"action":  step.Action,
			"error":   cause.Error(),
		},
	})

	if err := plan.Transition(planning.StatusFailed); err == nil {
		// Persist with a fresh context so a deadline that killed the run
		// does not also lose the failure record.
		if saveErr := e.plans.SavePlan(context.WithoutCancel(ctx), plan); saveErr != nil {
			e.logger.Error("Failed to persist failed plan", zap.String("plan_id", plan.ID), zap.Error(saveErr))
		}
	}
	result.Status = planning.StatusFailed
	e.logger.Warn("Plan execution failed",
		zap.String("plan_id", plan.ID),
		zap.Int("step_index", step.Index),
		zap.Error(cause),
	)
	return result, cause
}

// Rollback compensates the executed steps of a failed plan in reverse order.
// Steps without a compensation handler are left in place; compensation
// errors are logged and unwinding continues.
func (e *Engine) Rollback(ctx context.Context, planID string) error {
	plan, err := e.plans.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if err := plan.Transition(planning.StatusRolledBack); err != nil {
		return err
	}

	for i := len(plan.Steps) - 1; i >= 0; i-- {
		step := plan.Steps[i]
		done, _, err := e.idem.IsExecuted(ctx, step.IdempotencyKey)
		if err != nil || !done {
			continue
		}
		action, ok := e.registry.Resolve(step.Action)
		if !ok || action.Compensate == nil {
			continue
		}
		if _, err := action.Compensate(ctx, step.Params); err != nil {
			e.logger.Error("Compensation failed",
				zap.String("plan_id", plan.ID),
				zap.String("action", step.Action),
				zap.Error(err),
			)
		}
	}

	if err := e.plans.SavePlan(ctx, plan); err != nil {
		return err
	}
	e.events.Append(eventstore.Event{
		Type:        eventstore.ExecutionRolledBack,
		AggregateID: plan.AggregateID,
		Data:        map[string]interface{}{"plan_id": plan.ID},
	})
	return nil
}
