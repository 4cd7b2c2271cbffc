package supervision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/atomhq/atom-core/internal/config"
	"github.com/atomhq/atom-core/internal/eventstore"
	"github.com/atomhq/atom-core/internal/governance"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memoryRepo struct {
	mu       sync.Mutex
	agents   map[string]governance.Agent
	sessions map[string]*Session
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		agents:   make(map[string]governance.Agent),
		sessions: make(map[string]*Session),
	}
}

func (r *memoryRepo) GetAgent(_ context.Context, id string) (governance.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return governance.Agent{}, governance.ErrAgentNotFound
	}
	return a, nil
}

func (r *memoryRepo) SaveAgent(_ context.Context, a governance.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = a
	return nil
}

func (r *memoryRepo) CreateSession(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *memoryRepo) GetSession(_ context.Context, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memoryRepo) SaveSession(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func testConfig() config.SupervisionConfig {
	return config.SupervisionConfig{
		MaxRatingBoost:         0.1,
		MaxInterventionPenalty: 0.05,
		PenaltyPerIntervention: 0.01,
		StreamBuffer:           8,
	}
}

func newService(t *testing.T) (*Service, *memoryRepo, *governance.Service) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	repo := newMemoryRepo()
	events := eventstore.New(logger)
	gov := governance.NewService(logger, repo, events, config.NewDefaultConfig().Governance)
	return NewService(logger, testConfig(), repo, gov, events, nil), repo, gov
}

func seedSupervised(repo *memoryRepo, confidence float64) {
	repo.agents["agent-1"] = governance.Agent{
		ID:         "agent-1",
		Name:       "atlas",
		Maturity:   governance.Supervised,
		Confidence: confidence,
	}
}

func TestStartSessionRequiresSupervisedTier(t *testing.T) {
	svc, repo, _ := newService(t)
	repo.agents["agent-1"] = governance.Agent{ID: "agent-1", Maturity: governance.Student, Confidence: 0.3}

	_, err := svc.StartSession(context.Background(), "agent-1", "scheduled", "ws-1", "sup-1")
	assert.ErrorIs(t, err, ErrNotSupervised)

	seedSupervised(repo, 0.75)
	session, err := svc.StartSession(context.Background(), "agent-1", "scheduled", "ws-1", "sup-1")
	require.NoError(t, err)
	assert.Equal(t, SessionRunning, session.Status)
}

func TestInterveneCountsAndTerminates(t *testing.T) {
	svc, repo, _ := newService(t)
	seedSupervised(repo, 0.75)
	session, err := svc.StartSession(context.Background(), "agent-1", "manual", "ws-1", "sup-1")
	require.NoError(t, err)

	_, err = svc.Intervene(context.Background(), session.ID, InterventionPause, "hold on")
	require.NoError(t, err)
	updated, err := svc.Intervene(context.Background(), session.ID, InterventionCorrect, "use the staging table")
	require.NoError(t, err)
	assert.Len(t, updated.Interventions, 2)
	assert.Equal(t, SessionRunning, updated.Status)

	terminated, err := svc.Intervene(context.Background(), session.ID, InterventionTerminate, "wrong direction")
	require.NoError(t, err)
	assert.Equal(t, SessionInterrupted, terminated.Status)
	require.NotNil(t, terminated.EndedAt)

	// An interrupted session accepts no further supervisor actions.
	_, err = svc.Intervene(context.Background(), session.ID, InterventionPause, "")
	assert.ErrorIs(t, err, ErrSessionNotRunning)
	_, err = svc.Complete(context.Background(), session.ID, 5, "")
	assert.ErrorIs(t, err, ErrSessionNotRunning)
}

func TestInterveneRejectsUnknownKind(t *testing.T) {
	svc, repo, _ := newService(t)
	seedSupervised(repo, 0.75)
	session, err := svc.StartSession(context.Background(), "agent-1", "manual", "ws-1", "sup-1")
	require.NoError(t, err)

	_, err = svc.Intervene(context.Background(), session.ID, InterventionKind("shout"), "")
	assert.Error(t, err)
}

func TestCompleteBoostFormula(t *testing.T) {
	cases := []struct {
		name          string
		rating        int
		interventions int
		want          float64
	}{
		{name: "perfect clean session", rating: 5, interventions: 0, want: 0.1},
		{name: "good session one intervention", rating: 5, interventions: 1, want: 0.09},
		{name: "penalty capped", rating: 5, interventions: 20, want: 0.05},
		{name: "lowest rating earns nothing", rating: 1, interventions: 0, want: 0},
		{name: "low rating heavy interventions floors at zero", rating: 1, interventions: 4, want: 0},
		{name: "middling session", rating: 3, interventions: 2, want: 0.03},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, repo, _ := newService(t)
			seedSupervised(repo, 0.75)
			session, err := svc.StartSession(context.Background(), "agent-1", "manual", "ws-1", "sup-1")
			require.NoError(t, err)

			for i := 0; i < tc.interventions; i++ {
				_, err := svc.Intervene(context.Background(), session.ID, InterventionCorrect, "adjust")
				require.NoError(t, err)
			}

			done, err := svc.Complete(context.Background(), session.ID, tc.rating, "feedback")
			require.NoError(t, err)
			assert.InDelta(t, tc.want, done.Boost, 1e-9)
			assert.Equal(t, SessionCompleted, done.Status)

			agent, err := repo.GetAgent(context.Background(), "agent-1")
			require.NoError(t, err)
			assert.InDelta(t, 0.75+tc.want, agent.Confidence, 1e-9)
		})
	}
}

func TestCompleteValidatesRating(t *testing.T) {
	svc, repo, _ := newService(t)
	seedSupervised(repo, 0.75)
	session, err := svc.StartSession(context.Background(), "agent-1", "manual", "ws-1", "sup-1")
	require.NoError(t, err)

	for _, rating := range []int{0, 6, -1} {
		_, err := svc.Complete(context.Background(), session.ID, rating, "")
		assert.Error(t, err, "rating %d", rating)
	}
}

func TestCompleteBoostPromotesAcrossBand(t *testing.T) {
	svc, repo, _ := newService(t)
	seedSupervised(repo, 0.85)
	session, err := svc.StartSession(context.Background(), "agent-1", "manual", "ws-1", "sup-1")
	require.NoError(t, err)

	// 0.85 + 0.1 crosses the 0.9 band: the agent graduates.
	_, err = svc.Complete(context.Background(), session.ID, 5, "flawless")
	require.NoError(t, err)

	agent, err := repo.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, governance.Autonomous, agent.Maturity)
	assert.InDelta(t, 0.95, agent.Confidence, 1e-9)
}

func TestMonitorStreamsAndStops(t *testing.T) {
	svc, repo, _ := newService(t)
	seedSupervised(repo, 0.75)
	session, err := svc.StartSession(context.Background(), "agent-1", "manual", "ws-1", "sup-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, stop, err := svc.Monitor(ctx, session.ID)
	require.NoError(t, err)
	defer stop()

	_, err = svc.Intervene(context.Background(), session.ID, InterventionPause, "hold")
	require.NoError(t, err)
	_, err = svc.Complete(context.Background(), session.ID, 4, "fine")
	require.NoError(t, err)

	var kinds []string
	deadline := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case e := <-stream:
			kinds = append(kinds, e.Kind)
		case <-deadline:
			t.Fatal("timed out waiting for stream events")
		}
	}
	assert.Equal(t, []string{"intervention", "completed"}, kinds)

	// Stopping twice is safe, and the channel closes.
	stop()
	stop()
	_, open := <-stream
	assert.False(t, open)
}

func TestMonitorStopReleasesWatcher(t *testing.T) {
	// Stopping the stream must also end the context watcher even when the
	// caller's context never ends; goleak in TestMain catches a straggler.
	svc, repo, _ := newService(t)
	seedSupervised(repo, 0.75)
	session, err := svc.StartSession(context.Background(), "agent-1", "manual", "ws-1", "sup-1")
	require.NoError(t, err)

	stream, stop, err := svc.Monitor(context.Background(), session.ID)
	require.NoError(t, err)

	stop()
	_, open := <-stream
	assert.False(t, open)
}

func TestMonitorUnknownSession(t *testing.T) {
	svc, _, _ := newService(t)
	_, _, err := svc.Monitor(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMonitorDetachesOnContextCancel(t *testing.T) {
	svc, repo, _ := newService(t)
	seedSupervised(repo, 0.75)
	session, err := svc.StartSession(context.Background(), "agent-1", "manual", "ws-1", "sup-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stream, _, err := svc.Monitor(ctx, session.ID)
	require.NoError(t, err)

	cancel()
	select {
	case _, open := <-stream:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("stream did not close after context cancel")
	}
}
