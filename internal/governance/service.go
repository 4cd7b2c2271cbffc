package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atomhq/atom-core/internal/config"
	"github.com/atomhq/atom-core/internal/eventstore"
)

// ErrAgentNotFound is returned when the agent id has no backing record.
var ErrAgentNotFound = errors.New("agent not found")

// Agent is the maturity entity. The Service is the single source of truth
// for trust state; no other component reads or mutates it directly.
type Agent struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Maturity   Maturity  `json:"maturity"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Repository is the persistence collaborator for agents. Implementations own
// transaction boundaries; momentary unavailability must surface as an error.
type Repository interface {
	GetAgent(ctx context.Context, id string) (Agent, error)
	SaveAgent(ctx context.Context, a Agent) error
}

// Decision is the structured outcome of a permission check. A refusal is an
// expected result, not an error; Reason always explains it.
type Decision struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_human_approval"`
	Reason           string `json:"reason"`
}

// Service answers permission checks and records execution outcomes that move
// confidence up or down.
type Service struct {
	logger *zap.Logger
	repo   Repository
	events *eventstore.Store
	policy config.GovernanceConfig

	// Per-agent locks serialize read-modify-write of confidence. One agent
	// can have multiple in-flight executions recording outcomes concurrently.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService creates a governance service with the given policy.
func NewService(logger *zap.Logger, repo Repository, events *eventstore.Store, policy config.GovernanceConfig) *Service {
	return &Service{
		logger: logger.Named("governance"),
		repo:   repo,
		events: events,
		policy: policy,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Service) agentLock(agentID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[agentID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[agentID] = mu
	}
	return mu
}

// CheckPermission decides whether the agent may perform an action of the
// given complexity unsupervised. Any failure to consult agent state fails
// closed: the returned decision denies the action. The error is returned
// alongside for the audit trail, never instead of the denial.
func (s *Service) CheckPermission(ctx context.Context, agentID string, complexity float64) (Decision, error) {
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		s.logger.Warn("Permission check failed closed",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		return Decision{
			Allowed:          false,
			RequiresApproval: true,
			Reason:           fmt.Sprintf("governance check unavailable, denying by default: %v", err),
		}, err
	}

	return s.decide(agent, complexity), nil
}

func (s *Service) decide(agent Agent, complexity float64) Decision {
	// Nothing above the hard ceiling runs unsupervised, regardless of tier.
	if complexity > s.policy.HardCeiling {
		return Decision{
			Allowed:          false,
			RequiresApproval: true,
			Reason: fmt.Sprintf("action complexity %.2f exceeds the hard ceiling %.2f for all tiers",
				complexity, s.policy.HardCeiling),
		}
	}

	ceiling, ok := s.policy.CeilingFor(string(agent.Maturity))
	if !ok {
		return Decision{
			Allowed:          false,
			RequiresApproval: true,
			Reason:           fmt.Sprintf("no complexity ceiling configured for tier %s", agent.Maturity),
		}
	}

	switch agent.Maturity {
	case Student, Intern:
		if complexity > ceiling {
			return Decision{
				Allowed:          false,
				RequiresApproval: true,
				Reason: fmt.Sprintf("%s agents require human approval for complexity above %.2f",
					agent.Maturity, ceiling),
			}
		}
		return Decision{Allowed: true, Reason: fmt.Sprintf("within the %s tier ceiling", agent.Maturity)}

	case Supervised:
		if complexity > ceiling {
			return Decision{
				Allowed:          false,
				RequiresApproval: true,
				Reason:           fmt.Sprintf("complexity %.2f exceeds the SUPERVISED ceiling %.2f", complexity, ceiling),
			}
		}
		return Decision{Allowed: true, Reason: "allowed under supervision"}

	case Autonomous:
		if complexity > ceiling {
			return Decision{
				Allowed:          false,
				RequiresApproval: true,
				Reason:           fmt.Sprintf("complexity %.2f exceeds the AUTONOMOUS ceiling %.2f", complexity, ceiling),
			}
		}
		return Decision{Allowed: true, Reason: "autonomous agent within ceiling"}
	}

	return Decision{
		Allowed:          false,
		RequiresApproval: true,
		Reason:           fmt.Sprintf("unknown maturity tier %q", agent.Maturity),
	}
}

// RecordOutcome updates the agent's confidence after a completed action.
// Successes nudge confidence up; failures cost more than successes gain.
// The adjustment is serialized per agent and clamped to [0, 1]; an upward
// band crossing triggers a promotion.
func (s *Service) RecordOutcome(ctx context.Context, agentID string, success bool) error {
	mu := s.agentLock(agentID)
	mu.Lock()
	defer mu.Unlock()

	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("record outcome for agent %s: %w", agentID, err)
	}

	before := agent.Confidence
	if success {
		agent.Confidence += s.policy.SuccessIncrement
	} else {
		agent.Confidence -= s.policy.FailureDecrement
	}
	agent.Confidence = clamp01(agent.Confidence)
	agent.UpdatedAt = time.Now().UTC()

	promoted := s.reconcilePromotion(&agent)

	if err := s.repo.SaveAgent(ctx, agent); err != nil {
		return fmt.Errorf("persist outcome for agent %s: %w", agentID, err)
	}

	s.logger.Debug("Outcome recorded",
		zap.String("agent_id", agentID),
		zap.Bool("success", success),
		zap.Float64("confidence_before", before),
		zap.Float64("confidence_after", agent.Confidence),
	)

	if promoted {
		s.emitPromotion(agent, before, "confidence crossed tier boundary")
	}
	return nil
}

// ApplyBoost raises the agent's confidence by the given amount (clamped to
// 1.0) and runs the promotion check atomically with the update. Used by the
// supervision service when a session completes well.
func (s *Service) ApplyBoost(ctx context.Context, agentID string, boost float64, reason string) (Agent, error) {
	mu := s.agentLock(agentID)
	mu.Lock()
	defer mu.Unlock()

	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return Agent{}, fmt.Errorf("apply boost for agent %s: %w", agentID, err)
	}

	before := agent.Confidence
	agent.Confidence = clamp01(agent.Confidence + boost)
	agent.UpdatedAt = time.Now().UTC()

	promoted := s.reconcilePromotion(&agent)

	if err := s.repo.SaveAgent(ctx, agent); err != nil {
		return Agent{}, fmt.Errorf("persist boost for agent %s: %w", agentID, err)
	}

	if promoted {
		s.emitPromotion(agent, before, reason)
	}
	return agent, nil
}

// Promote explicitly raises the agent's tier. Downward moves are rejected;
// the state machine only promotes.
func (s *Service) Promote(ctx context.Context, agentID string, to Maturity, reason string) error {
	if !to.Valid() {
		return fmt.Errorf("invalid maturity tier %q", to)
	}

	mu := s.agentLock(agentID)
	mu.Lock()
	defer mu.Unlock()

	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("promote agent %s: %w", agentID, err)
	}
	if to.Rank() <= agent.Maturity.Rank() {
		return fmt.Errorf("cannot promote agent %s from %s to %s: not an upward move", agentID, agent.Maturity, to)
	}

	before := agent.Confidence
	agent.Maturity = to
	agent.UpdatedAt = time.Now().UTC()
	if err := s.repo.SaveAgent(ctx, agent); err != nil {
		return fmt.Errorf("persist promotion for agent %s: %w", agentID, err)
	}

	s.emitPromotion(agent, before, reason)
	return nil
}

// Register stores a new agent. The tier must be valid and consistent with
// the confidence value; registration never skips the earned bands.
func (s *Service) Register(ctx context.Context, agent Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if !agent.Maturity.Valid() {
		return fmt.Errorf("invalid maturity tier %q", agent.Maturity)
	}
	if band := MaturityForConfidence(agent.Confidence); agent.Maturity.Rank() > band.Rank() {
		return fmt.Errorf("cannot register agent %s at %s with confidence %.2f", agent.ID, agent.Maturity, agent.Confidence)
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = time.Now().UTC()
	}
	return s.repo.SaveAgent(ctx, agent)
}

// Agent returns the current trust state for an agent.
func (s *Service) Agent(ctx context.Context, agentID string) (Agent, error) {
	return s.repo.GetAgent(ctx, agentID)
}

// reconcilePromotion promotes the agent when its confidence band exceeds the
// stored maturity. It never demotes.
func (s *Service) reconcilePromotion(agent *Agent) bool {
	band := MaturityForConfidence(agent.Confidence)
	if band.Rank() > agent.Maturity.Rank() {
		agent.Maturity = band
		return true
	}
	return false
}

func (s *Service) emitPromotion(agent Agent, confidenceBefore float64, reason string) {
	s.logger.Info("Agent promoted",
		zap.String("agent_id", agent.ID),
		zap.String("maturity", string(agent.Maturity)),
		zap.Float64("confidence", agent.Confidence),
	)
	conf := agent.Confidence
	s.events.Append(eventstore.Event{
		Type:        eventstore.AgentPromoted,
		AggregateID: agent.ID,
		Confidence:  &conf,
		Reasoning:   reason,
		Data: map[string]interface{}{
			"maturity":          string(agent.Maturity),
			"confidence_before": confidenceBefore,
		},
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
