// Package store provides the persistence collaborator. Postgres backs
// production deployments; Memory backs tests and standalone runs. Both
// satisfy the repository interfaces the domain packages declare, so nothing
// above this package knows which one it is talking to.
package store

import (
	"context"
	"sync"

	"github.com/atomhq/atom-core/internal/eventstore"
	"github.com/atomhq/atom-core/internal/governance"
	"github.com/atomhq/atom-core/internal/hitl"
	"github.com/atomhq/atom-core/internal/planning"
	"github.com/atomhq/atom-core/internal/supervision"
)

// Memory is the in-process store. Safe for concurrent use.
type Memory struct {
	mu        sync.RWMutex
	agents    map[string]governance.Agent
	plans     map[string]*planning.Plan
	approvals map[string]hitl.Approval
	sessions  map[string]*supervision.Session
	keys      map[string]map[string]interface{}
	events    []eventstore.Event
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:    make(map[string]governance.Agent),
		plans:     make(map[string]*planning.Plan),
		approvals: make(map[string]hitl.Approval),
		sessions:  make(map[string]*supervision.Session),
		keys:      make(map[string]map[string]interface{}),
	}
}

// -- governance.Repository --

func (m *Memory) GetAgent(_ context.Context, id string) (governance.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return governance.Agent{}, governance.ErrAgentNotFound
	}
	return a, nil
}

func (m *Memory) SaveAgent(_ context.Context, a governance.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
	return nil
}

// -- planning.Repository --

func (m *Memory) SavePlan(_ context.Context, plan *planning.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *plan
	cp.Steps = append([]planning.Step(nil), plan.Steps...)
	m.plans[plan.ID] = &cp
	return nil
}

func (m *Memory) GetPlan(_ context.Context, id string) (*planning.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.plans[id]
	if !ok {
		return nil, planning.ErrPlanNotFound
	}
	cp := *plan
	cp.Steps = append([]planning.Step(nil), plan.Steps...)
	return &cp, nil
}

// -- hitl.Repository --

func (m *Memory) CreateApproval(_ context.Context, a hitl.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[a.ID] = a
	return nil
}

func (m *Memory) GetApproval(_ context.Context, id string) (hitl.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return hitl.Approval{}, hitl.ErrApprovalNotFound
	}
	return a, nil
}

func (m *Memory) SaveApproval(_ context.Context, a hitl.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[a.ID] = a
	return nil
}

// -- supervision.Repository --

func (m *Memory) CreateSession(_ context.Context, s *supervision.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*supervision.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, supervision.ErrSessionNotFound
	}
	cp := *s
	cp.Interventions = append([]supervision.Intervention(nil), s.Interventions...)
	return &cp, nil
}

func (m *Memory) SaveSession(_ context.Context, s *supervision.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.Interventions = append([]supervision.Intervention(nil), s.Interventions...)
	m.sessions[s.ID] = &cp
	return nil
}

// -- execution.IdempotencyStore --

func (m *Memory) IsExecuted(_ context.Context, key string) (bool, map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	output, ok := m.keys[key]
	return ok, output, nil
}

func (m *Memory) MarkExecuted(_ context.Context, key string, output map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = output
	return nil
}

// -- durable event sink --

func (m *Memory) AppendEvents(_ context.Context, events []eventstore.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *Memory) EventsFor(_ context.Context, aggregateID string) ([]eventstore.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []eventstore.Event
	for _, e := range m.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out, nil
}
