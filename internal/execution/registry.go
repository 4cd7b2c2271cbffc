// Package execution runs approved plans step by step. Steps execute strictly
// in plan order, each guarded by an idempotency key so a re-run after a
// crash never repeats completed work. Execution never starts on a plan the
// governance
// and approval layers have not cleared.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrPlanNotApproved = errors.New("plan is not approved for execution")
	ErrUnknownAction   = errors.New("no handler registered for action")
)

// Handler performs one action. It must be safe to call with a context that
// may already be near its deadline.
type Handler func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)

// Action couples a handler with its optional compensation. Compensate is
// invoked during rollback with the same params the forward run received;
// actions without one are skipped when unwinding.
type Action struct {
	Run        Handler
	Compensate Handler
}

// Registry maps action names to their handlers.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register binds a handler to an action name, replacing any previous binding.
func (r *Registry) Register(name string, action Action) error {
	if action.Run == nil {
		return fmt.Errorf("action %q has no run handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = action
	return nil
}

// Resolve looks up the handler for an action name.
func (r *Registry) Resolve(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	action, ok := r.actions[name]
	return action, ok
}
