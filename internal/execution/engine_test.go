package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/atomhq/atom-core/internal/eventstore"
	"github.com/atomhq/atom-core/internal/planning"
)

type memoryPlans struct {
	mu    sync.Mutex
	plans map[string]*planning.Plan
}

func newMemoryPlans() *memoryPlans {
	return &memoryPlans{plans: make(map[string]*planning.Plan)}
}

func (r *memoryPlans) SavePlan(_ context.Context, plan *planning.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *plan
	r.plans[plan.ID] = &cp
	return nil
}

func (r *memoryPlans) GetPlan(_ context.Context, id string) (*planning.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, ok := r.plans[id]
	if !ok {
		return nil, planning.ErrPlanNotFound
	}
	cp := *plan
	return &cp, nil
}

type memoryIdem struct {
	mu   sync.Mutex
	keys map[string]map[string]interface{}
}

func newMemoryIdem() *memoryIdem {
	return &memoryIdem{keys: make(map[string]map[string]interface{})}
}

func (s *memoryIdem) IsExecuted(_ context.Context, key string) (bool, map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	output, ok := s.keys[key]
	return ok, output, nil
}

func (s *memoryIdem) MarkExecuted(_ context.Context, key string, output map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = output
	return nil
}

func approvedPlan(actions ...string) *planning.Plan {
	plan := &planning.Plan{
		ID:          "plan-1",
		AgentID:     "agent-1",
		AggregateID: "run-1",
		Intent:      "test",
		Status:      planning.StatusApproved,
	}
	for i, action := range actions {
		plan.Steps = append(plan.Steps, planning.Step{
			ID:             action + "-id",
			Index:          i,
			Action:         action,
			IdempotencyKey: planning.IdempotencyKey(plan.ID, action, i),
		})
	}
	return plan
}

type fixture struct {
	engine   *Engine
	registry *Registry
	plans    *memoryPlans
	idem     *memoryIdem
	events   *eventstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: NewRegistry(),
		plans:    newMemoryPlans(),
		idem:     newMemoryIdem(),
		events:   eventstore.New(zaptest.NewLogger(t)),
	}
	f.engine = NewEngine(zaptest.NewLogger(t), f.registry, f.plans, f.idem, f.events)
	return f
}

func TestExecutePlanRunsStepsInOrder(t *testing.T) {
	f := newFixture(t)
	var order []string
	record := func(name string) Handler {
		return func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
			order = append(order, name)
			return map[string]interface{}{"ran": name}, nil
		}
	}
	require.NoError(t, f.registry.Register("first", Action{Run: record("first")}))
	require.NoError(t, f.registry.Register("second", Action{Run: record("second")}))
	require.NoError(t, f.registry.Register("third", Action{Run: record("third")}))

	plan := approvedPlan("first", "second", "third")
	require.NoError(t, f.plans.SavePlan(context.Background(), plan))

	result, err := f.engine.ExecutePlan(context.Background(), plan.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, planning.StatusCompleted, result.Status)
	require.Len(t, result.Steps, 3)
	for _, s := range result.Steps {
		assert.Equal(t, StepCompleted, s.Outcome)
	}

	saved, err := f.plans.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, planning.StatusCompleted, saved.Status)
}

func TestExecutePlanRefusesUnapprovedPlans(t *testing.T) {
	f := newFixture(t)
	for _, status := range []planning.Status{
		planning.StatusDraft,
		planning.StatusPendingApproval,
		planning.StatusRejected,
		planning.StatusFailed,
		planning.StatusCompleted,
	} {
		plan := approvedPlan("noop")
		plan.Status = status
		require.NoError(t, f.plans.SavePlan(context.Background(), plan))

		_, err := f.engine.ExecutePlan(context.Background(), plan.ID)
		assert.ErrorIs(t, err, ErrPlanNotApproved, "status %s", status)
	}
}

func TestExecutePlanStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("downstream unavailable")
	var thirdRan bool
	require.NoError(t, f.registry.Register("ok", Action{Run: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	}}))
	require.NoError(t, f.registry.Register("fails", Action{Run: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, boom
	}}))
	require.NoError(t, f.registry.Register("after", Action{Run: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		thirdRan = true
		return nil, nil
	}}))

	plan := approvedPlan("ok", "fails", "after")
	require.NoError(t, f.plans.SavePlan(context.Background(), plan))

	result, err := f.engine.ExecutePlan(context.Background(), plan.ID)
	require.ErrorIs(t, err, boom)
	assert.False(t, thirdRan, "steps after a failure must not run")
	assert.Equal(t, planning.StatusFailed, result.Status)

	saved, _ := f.plans.GetPlan(context.Background(), plan.ID)
	assert.Equal(t, planning.StatusFailed, saved.Status)

	var stepFailed bool
	for _, e := range f.events.Events("run-1") {
		if e.Type == eventstore.ExecutionStepFailed {
			stepFailed = true
		}
	}
	assert.True(t, stepFailed)
}

func TestExecutePlanSkipsAlreadyExecutedSteps(t *testing.T) {
	// A plan executed after a crash between step and persistence: the
	// already-marked step is skipped and its recorded output carried
	// forward instead of re-running the side effect.
	f := newFixture(t)
	counts := map[string]int{}
	var mu sync.Mutex
	count := func(name string) Handler {
		return func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			return map[string]interface{}{"ran": name}, nil
		}
	}
	require.NoError(t, f.registry.Register("charged", Action{Run: count("charged")}))
	require.NoError(t, f.registry.Register("notify", Action{Run: count("notify")}))

	plan := approvedPlan("charged", "notify")
	require.NoError(t, f.plans.SavePlan(context.Background(), plan))

	priorOutput := map[string]interface{}{"charge_id": "ch-77"}
	require.NoError(t, f.idem.MarkExecuted(context.Background(), plan.Steps[0].IdempotencyKey, priorOutput))

	result, err := f.engine.ExecutePlan(context.Background(), plan.ID)
	require.NoError(t, err)

	assert.Equal(t, 0, counts["charged"], "marked step must not re-run")
	assert.Equal(t, 1, counts["notify"])
	assert.Equal(t, StepSkipped, result.Steps[0].Outcome)
	assert.Equal(t, priorOutput, result.Steps[0].Output, "skipped step must surface its recorded output")
	assert.Equal(t, StepCompleted, result.Steps[1].Outcome)
	assert.Equal(t, priorOutput, result.Output["charged"])
}

func TestExecutePlanUnknownAction(t *testing.T) {
	f := newFixture(t)
	plan := approvedPlan("missing")
	require.NoError(t, f.plans.SavePlan(context.Background(), plan))

	_, err := f.engine.ExecutePlan(context.Background(), plan.ID)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestExecutePlanHonorsContextDeadline(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register("slow", Action{Run: func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	}}))

	plan := approvedPlan("slow")
	require.NoError(t, f.plans.SavePlan(context.Background(), plan))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.engine.ExecutePlan(ctx, plan.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var timedOut bool
	for _, e := range f.events.Events("run-1") {
		if e.Type == eventstore.ExecutionTimedOut {
			timedOut = true
		}
	}
	assert.True(t, timedOut, "deadline expiry must be recorded as a timeout event")
}

func TestRollbackCompensatesInReverseOrder(t *testing.T) {
	f := newFixture(t)
	var compensated []string
	ok := func(context.Context, map[string]interface{}) (map[string]interface{}, error) { return nil, nil }
	comp := func(name string) Handler {
		return func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
			compensated = append(compensated, name)
			return nil, nil
		}
	}
	require.NoError(t, f.registry.Register("a", Action{Run: ok, Compensate: comp("a")}))
	require.NoError(t, f.registry.Register("b", Action{Run: ok, Compensate: comp("b")}))
	require.NoError(t, f.registry.Register("c", Action{Run: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	}}))

	plan := approvedPlan("a", "b", "c")
	require.NoError(t, f.plans.SavePlan(context.Background(), plan))

	_, err := f.engine.ExecutePlan(context.Background(), plan.ID)
	require.Error(t, err)

	require.NoError(t, f.engine.Rollback(context.Background(), plan.ID))
	assert.Equal(t, []string{"b", "a"}, compensated)

	saved, _ := f.plans.GetPlan(context.Background(), plan.ID)
	assert.Equal(t, planning.StatusRolledBack, saved.Status)
}

func TestRollbackRequiresFailedPlan(t *testing.T) {
	f := newFixture(t)
	plan := approvedPlan("noop")
	require.NoError(t, f.plans.SavePlan(context.Background(), plan))

	err := f.engine.Rollback(context.Background(), plan.ID)
	assert.ErrorIs(t, err, planning.ErrInvalidTransition)
}
