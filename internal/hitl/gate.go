// Package hitl implements the human-in-the-loop approval gate. A pending
// approval suspends only the waiting task; the wait is polling-based with a
// hard timeout that is treated as a rejection. Polling rather than push
// wake-up is a deliberate simplicity tradeoff.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atomhq/atom-core/api/schemas"
	"github.com/atomhq/atom-core/internal/config"
	"github.com/atomhq/atom-core/internal/eventstore"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	// StatusTimedOut marks a wait that expired with no human response. The
	// caller treats it exactly like a rejection; only the audit log
	// distinguishes the two.
	StatusTimedOut Status = "TIMEOUT"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s != StatusPending
}

var (
	// ErrApprovalNotFound is returned for ids that were never created,
	// distinct from a pending status.
	ErrApprovalNotFound = errors.New("approval not found")
	// ErrAlreadyResolved is returned when resolving a non-pending approval.
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Approval is a single pending human decision.
type Approval struct {
	ID          string                 `json:"id"`
	AgentID     string                 `json:"agent_id"`
	ActionType  string                 `json:"action_type"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Reason      string                 `json:"reason"`
	WorkspaceID string                 `json:"workspace_id"`
	Status      Status                 `json:"status"`
	RequestedAt time.Time              `json:"requested_at"`
	DecidedAt   *time.Time             `json:"decided_at,omitempty"`
	DecidedBy   string                 `json:"decided_by,omitempty"`
}

// Repository is the persistence collaborator for approvals.
type Repository interface {
	CreateApproval(ctx context.Context, a Approval) error
	GetApproval(ctx context.Context, id string) (Approval, error)
	SaveApproval(ctx context.Context, a Approval) error
}

// Request carries everything needed to open an approval.
type Request struct {
	AgentID     string
	ActionType  string
	Params      map[string]interface{}
	Reason      string
	WorkspaceID string
}

// Gate creates approval requests, answers status polls, and runs the
// caller-side wait loop.
type Gate struct {
	logger   *zap.Logger
	repo     Repository
	notifier schemas.Notifier
	events   *eventstore.Store
	cfg      config.HITLConfig
}

// NewGate wires the approval gate.
func NewGate(logger *zap.Logger, repo Repository, notifier schemas.Notifier, events *eventstore.Store, cfg config.HITLConfig) *Gate {
	return &Gate{
		logger:   logger.Named("hitl"),
		repo:     repo,
		notifier: notifier,
		events:   events,
		cfg:      cfg,
	}
}

// RequestApproval creates a pending approval, surfaces it to the human
// channel, and returns the id immediately without blocking on a decision.
// Notification failure is logged but does not fail the request; humans can
// still find it by polling.
func (g *Gate) RequestApproval(ctx context.Context, req Request) (string, error) {
	approval := Approval{
		ID:          uuid.New().String(),
		AgentID:     req.AgentID,
		ActionType:  req.ActionType,
		Params:      req.Params,
		Reason:      req.Reason,
		WorkspaceID: req.WorkspaceID,
		Status:      StatusPending,
		RequestedAt: time.Now().UTC(),
	}

	if err := g.repo.CreateApproval(ctx, approval); err != nil {
		return "", fmt.Errorf("create approval: %w", err)
	}

	g.events.Append(eventstore.Event{
		Type:        eventstore.ApprovalRequested,
		AggregateID: req.AgentID,
		Reasoning:   req.Reason,
		Data: map[string]interface{}{
			"approval_id": approval.ID,
			"action_type": req.ActionType,
		},
	})

	if err := g.notifier.Notify(ctx, schemas.Notification{
		Kind:        schemas.NotifyApprovalRequested,
		WorkspaceID: req.WorkspaceID,
		Subject:     fmt.Sprintf("Approval required: %s", req.ActionType),
		Body:        req.Reason,
		Data: map[string]interface{}{
			"approval_id": approval.ID,
			"agent_id":    req.AgentID,
		},
	}); err != nil {
		g.logger.Warn("Failed to notify human channel of approval request",
			zap.String("approval_id", approval.ID),
			zap.Error(err),
		)
	}

	g.logger.Info("Approval requested",
		zap.String("approval_id", approval.ID),
		zap.String("agent_id", req.AgentID),
		zap.String("action_type", req.ActionType),
	)
	return approval.ID, nil
}

// Status returns the current status of an approval. An id that was never
// created yields ErrApprovalNotFound.
func (g *Gate) Status(ctx context.Context, approvalID string) (Status, error) {
	a, err := g.repo.GetApproval(ctx, approvalID)
	if err != nil {
		return "", err
	}
	return a.Status, nil
}

// Resolve records a human decision on a pending approval.
func (g *Gate) Resolve(ctx context.Context, approvalID string, approved bool, decidedBy string) error {
	a, err := g.repo.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, approvalID, a.Status)
	}

	now := time.Now().UTC()
	a.DecidedAt = &now
	a.DecidedBy = decidedBy
	if approved {
		a.Status = StatusApproved
	} else {
		a.Status = StatusRejected
	}

	if err := g.repo.SaveApproval(ctx, a); err != nil {
		return fmt.Errorf("persist approval decision: %w", err)
	}

	g.events.Append(eventstore.Event{
		Type:        eventstore.ApprovalResolved,
		AggregateID: a.AgentID,
		Actor:       decidedBy,
		Data: map[string]interface{}{
			"approval_id": approvalID,
			"status":      string(a.Status),
		},
	})
	return nil
}

// AwaitDecision polls the approval on the configured interval until it is
// resolved or the maximum wait expires. Expiry marks the approval TIMEOUT
// and reports it; the action must not proceed. Only the calling goroutine
// blocks here, so other agents keep running.
func (g *Gate) AwaitDecision(ctx context.Context, approvalID string) (Status, error) {
	deadline := time.NewTimer(g.cfg.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := g.Status(ctx, approvalID)
		if err != nil {
			return "", err
		}
		if status.Terminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return g.expire(ctx, approvalID)
		case <-ticker.C:
		}
	}
}

// expire marks a still-pending approval as timed out. Losing the race with a
// late human decision is fine: the decided status wins and is returned.
func (g *Gate) expire(ctx context.Context, approvalID string) (Status, error) {
	a, err := g.repo.GetApproval(ctx, approvalID)
	if err != nil {
		return "", err
	}
	if a.Status.Terminal() {
		return a.Status, nil
	}

	now := time.Now().UTC()
	a.Status = StatusTimedOut
	a.DecidedAt = &now
	if err := g.repo.SaveApproval(ctx, a); err != nil {
		g.logger.Warn("Failed to persist approval timeout", zap.String("approval_id", approvalID), zap.Error(err))
	}

	g.events.Append(eventstore.Event{
		Type:        eventstore.ApprovalResolved,
		AggregateID: a.AgentID,
		Data: map[string]interface{}{
			"approval_id": approvalID,
			"status":      string(StatusTimedOut),
		},
	})

	g.logger.Info("Approval wait expired, treating as rejection",
		zap.String("approval_id", approvalID),
		zap.Duration("max_wait", g.cfg.MaxWait),
	)
	return StatusTimedOut, nil
}
