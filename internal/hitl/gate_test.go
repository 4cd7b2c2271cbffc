package hitl_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/atomhq/atom-core/api/schemas"
	"github.com/atomhq/atom-core/internal/config"
	"github.com/atomhq/atom-core/internal/eventstore"
	"github.com/atomhq/atom-core/internal/hitl"
)

type memoryRepo struct {
	mu        sync.Mutex
	approvals map[string]hitl.Approval
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{approvals: make(map[string]hitl.Approval)}
}

func (r *memoryRepo) CreateApproval(_ context.Context, a hitl.Approval) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals[a.ID] = a
	return nil
}

func (r *memoryRepo) GetApproval(_ context.Context, id string) (hitl.Approval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.approvals[id]
	if !ok {
		return hitl.Approval{}, hitl.ErrApprovalNotFound
	}
	return a, nil
}

func (r *memoryRepo) SaveApproval(_ context.Context, a hitl.Approval) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals[a.ID] = a
	return nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, schemas.Notification) error { return nil }

func newTestGate(t *testing.T, cfg config.HITLConfig) (*hitl.Gate, *memoryRepo, *eventstore.Store) {
	logger := zaptest.NewLogger(t)
	events := eventstore.New(logger)
	repo := newMemoryRepo()
	return hitl.NewGate(logger, repo, nopNotifier{}, events, cfg), repo, events
}

func fastConfig() config.HITLConfig {
	return config.HITLConfig{PollInterval: 10 * time.Millisecond, MaxWait: time.Second}
}

func TestRequestApproval_ReturnsImmediately(t *testing.T) {
	gate, _, events := newTestGate(t, fastConfig())

	id, err := gate.RequestApproval(context.Background(), hitl.Request{
		AgentID:     "agent-1",
		ActionType:  "send_invoice",
		Reason:      "amount exceeds autonomy ceiling",
		WorkspaceID: "ws-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	status, err := gate.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, hitl.StatusPending, status)

	log := events.Events("agent-1")
	require.Len(t, log, 1)
	assert.Equal(t, eventstore.ApprovalRequested, log[0].Type)
}

func TestStatus_UnknownIDIsNotFound(t *testing.T) {
	gate, _, _ := newTestGate(t, fastConfig())

	_, err := gate.Status(context.Background(), "never-created")
	assert.ErrorIs(t, err, hitl.ErrApprovalNotFound)
}

func TestAwaitDecision_Approved(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate, _, _ := newTestGate(t, fastConfig())
	ctx := context.Background()

	id, err := gate.RequestApproval(ctx, hitl.Request{AgentID: "agent-1", ActionType: "export_data"})
	require.NoError(t, err)

	done := make(chan hitl.Status, 1)
	go func() {
		status, err := gate.AwaitDecision(ctx, id)
		require.NoError(t, err)
		done <- status
	}()

	// Let the waiter poll at least once before the human responds.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, gate.Resolve(ctx, id, true, "ops@example.com"))

	select {
	case status := <-done:
		assert.Equal(t, hitl.StatusApproved, status)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe the approval")
	}
}

func TestAwaitDecision_TimeoutIsRejection(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := config.HITLConfig{PollInterval: 10 * time.Millisecond, MaxWait: 50 * time.Millisecond}
	gate, _, _ := newTestGate(t, cfg)
	ctx := context.Background()

	id, err := gate.RequestApproval(ctx, hitl.Request{AgentID: "agent-1", ActionType: "delete_records"})
	require.NoError(t, err)

	start := time.Now()
	status, err := gate.AwaitDecision(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, hitl.StatusTimedOut, status)
	assert.True(t, status.Terminal())
	assert.Less(t, time.Since(start), time.Second, "wait must not hang past the max wait")

	// The timeout is durable: later polls see it too.
	persisted, err := gate.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, hitl.StatusTimedOut, persisted)
}

func TestResolve_AlreadyResolved(t *testing.T) {
	gate, _, _ := newTestGate(t, fastConfig())
	ctx := context.Background()

	id, err := gate.RequestApproval(ctx, hitl.Request{AgentID: "agent-1", ActionType: "post_message"})
	require.NoError(t, err)

	require.NoError(t, gate.Resolve(ctx, id, false, "ops@example.com"))
	err = gate.Resolve(ctx, id, true, "other@example.com")
	assert.ErrorIs(t, err, hitl.ErrAlreadyResolved)

	status, err := gate.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, hitl.StatusRejected, status)
}

func TestAwaitDecision_OtherTasksKeepRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := config.HITLConfig{PollInterval: 20 * time.Millisecond, MaxWait: 500 * time.Millisecond}
	gate, _, _ := newTestGate(t, cfg)
	ctx := context.Background()

	id, err := gate.RequestApproval(ctx, hitl.Request{AgentID: "agent-1", ActionType: "slow_action"})
	require.NoError(t, err)

	waiterDone := make(chan struct{})
	go func() {
		defer close(waiterDone)
		_, _ = gate.AwaitDecision(ctx, id)
	}()

	// While one task is parked on the gate, unrelated work proceeds.
	progressed := make(chan struct{})
	go func() {
		close(progressed)
	}()

	select {
	case <-progressed:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("concurrent task was blocked by the approval wait")
	}

	<-waiterDone
}
