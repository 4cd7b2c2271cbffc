package supervision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atomhq/atom-core/api/schemas"
	"github.com/atomhq/atom-core/internal/config"
	"github.com/atomhq/atom-core/internal/eventstore"
	"github.com/atomhq/atom-core/internal/governance"
)

// Repository is the session persistence contract.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
}

// Service owns supervision sessions and their monitor streams.
type Service struct {
	logger   *zap.Logger
	cfg      config.SupervisionConfig
	repo     Repository
	gov      *governance.Service
	events   *eventstore.Store
	notifier schemas.Notifier

	// Per-session mutation lock plus the live monitor streams.
	mu      sync.Mutex
	streams map[string][]chan StreamEvent
}

// NewService wires the supervision service.
func NewService(logger *zap.Logger, cfg config.SupervisionConfig, repo Repository, gov *governance.Service, events *eventstore.Store, notifier schemas.Notifier) *Service {
	return &Service{
		logger:   logger.Named("supervision"),
		cfg:      cfg,
		repo:     repo,
		gov:      gov,
		events:   events,
		notifier: notifier,
		streams:  make(map[string][]chan StreamEvent),
	}
}

// StartSession opens a supervision session for an agent. Only SUPERVISED
// agents are eligible; supervising a tier that does not need it (or one that
// is not trusted enough to earn it) is refused.
func (s *Service) StartSession(ctx context.Context, agentID, trigger, workspaceID, supervisorID string) (*Session, error) {
	agent, err := s.gov.Agent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("start supervision for agent %s: %w", agentID, err)
	}
	if agent.Maturity != governance.Supervised {
		return nil, fmt.Errorf("%w: agent %s is %s", ErrNotSupervised, agentID, agent.Maturity)
	}

	session := &Session{
		ID:           uuid.New().String(),
		AgentID:      agentID,
		WorkspaceID:  workspaceID,
		SupervisorID: supervisorID,
		Trigger:      trigger,
		Status:       SessionRunning,
		StartedAt:    time.Now().UTC(),
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("persist supervision session: %w", err)
	}

	s.events.Append(eventstore.Event{
		Type:        eventstore.SupervisionStarted,
		AggregateID: agentID,
		Actor:       supervisorID,
		Data: map[string]interface{}{
			"session_id": session.ID,
			"trigger":    trigger,
		},
	})
	s.publish(session.ID, StreamEvent{
		SessionID: session.ID,
		Kind:      "started",
		At:        session.StartedAt,
		Data:      map[string]interface{}{"agent_id": agentID, "trigger": trigger},
	})

	s.logger.Info("Supervision session started",
		zap.String("session_id", session.ID),
		zap.String("agent_id", agentID),
		zap.String("supervisor_id", supervisorID),
	)
	return session, nil
}

// Monitor opens a push stream of session events. The returned stop function
// detaches the stream and closes the channel; calling it more than once is
// safe. The stream also detaches when the context is canceled, so an
// abandoned consumer never leaks a goroutine.
func (s *Service) Monitor(ctx context.Context, sessionID string) (<-chan StreamEvent, func(), error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, nil, err
	}

	ch := make(chan StreamEvent, s.cfg.StreamBuffer)
	s.mu.Lock()
	s.streams[sessionID] = append(s.streams[sessionID], ch)
	s.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.detach(sessionID, ch)
			close(ch)
			close(done)
		})
	}

	// The watcher must also exit when the caller stops the stream, not
	// only when ctx ends, or it would linger for the context's lifetime.
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return ch, stop, nil
}

func (s *Service) detach(sessionID string, ch chan StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.streams[sessionID][:0]
	for _, c := range s.streams[sessionID] {
		if c != ch {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		delete(s.streams, sessionID)
	} else {
		s.streams[sessionID] = live
	}
}

// publish fans an event out to the session's streams. A full buffer drops
// the event for that consumer rather than blocking the session.
func (s *Service) publish(sessionID string, e StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.streams[sessionID] {
		select {
		case ch <- e:
		default:
			s.logger.Warn("Monitor stream full, dropping event",
				zap.String("session_id", sessionID),
				zap.String("kind", e.Kind),
			)
		}
	}
}

// Intervene records a supervisor action against a running session. A
// terminate intervention ends the session as INTERRUPTED; no boost is ever
// earned from an interrupted session.
func (s *Service) Intervene(ctx context.Context, sessionID string, kind InterventionKind, guidance string) (*Session, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown intervention kind %q", kind)
	}

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != SessionRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotRunning, sessionID, session.Status)
	}

	now := time.Now().UTC()
	session.Interventions = append(session.Interventions, Intervention{
		ID:       uuid.New().String(),
		Kind:     kind,
		Guidance: guidance,
		At:       now,
	})
	if kind == InterventionTerminate {
		session.Status = SessionInterrupted
		session.EndedAt = &now
	}
	if err := s.repo.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("persist intervention: %w", err)
	}

	s.events.Append(eventstore.Event{
		Type:        eventstore.SupervisionIntervened,
		AggregateID: session.AgentID,
		Actor:       session.SupervisorID,
		Reasoning:   guidance,
		Data: map[string]interface{}{
			"session_id":    sessionID,
			"kind":          string(kind),
			"interventions": len(session.Interventions),
		},
	})
	if kind == InterventionTerminate {
		s.events.Append(eventstore.Event{
			Type:        eventstore.SupervisionInterrupted,
			AggregateID: session.AgentID,
			Actor:       session.SupervisorID,
			Data:        map[string]interface{}{"session_id": sessionID},
		})
		s.alert(ctx, session, fmt.Sprintf("Session %s terminated by supervisor", sessionID))
	}

	s.publish(sessionID, StreamEvent{
		SessionID: sessionID,
		Kind:      "intervention",
		At:        now,
		Data:      map[string]interface{}{"kind": string(kind), "guidance": guidance},
	})
	return session, nil
}

// Complete closes a running session with a rating and applies the earned
// confidence boost through governance. The boost never goes negative: a
// heavily-intervened session earns nothing, it does not punish beyond that.
func (s *Service) Complete(ctx context.Context, sessionID string, rating int, feedback string) (*Session, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("rating must be between 1 and 5, got %d", rating)
	}

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != SessionRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotRunning, sessionID, session.Status)
	}

	boost := s.computeBoost(rating, len(session.Interventions))

	now := time.Now().UTC()
	session.Status = SessionCompleted
	session.Rating = rating
	session.Feedback = feedback
	session.Boost = boost
	session.EndedAt = &now
	if err := s.repo.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("persist session completion: %w", err)
	}

	if boost > 0 {
		reason := fmt.Sprintf("supervision session %s rated %d/5 with %d interventions",
			sessionID, rating, len(session.Interventions))
		if _, err := s.gov.ApplyBoost(ctx, session.AgentID, boost, reason); err != nil {
			return nil, fmt.Errorf("apply supervision boost: %w", err)
		}
	}

	s.events.Append(eventstore.Event{
		Type:        eventstore.SupervisionCompleted,
		AggregateID: session.AgentID,
		Actor:       session.SupervisorID,
		Reasoning:   feedback,
		Data: map[string]interface{}{
			"session_id":    sessionID,
			"rating":        rating,
			"boost":         boost,
			"interventions": len(session.Interventions),
		},
	})
	s.publish(sessionID, StreamEvent{
		SessionID: sessionID,
		Kind:      "completed",
		At:        now,
		Data:      map[string]interface{}{"rating": rating, "boost": boost},
	})

	s.logger.Info("Supervision session completed",
		zap.String("session_id", sessionID),
		zap.Int("rating", rating),
		zap.Float64("boost", boost),
	)
	return session, nil
}

// computeBoost derives the confidence boost: a linear rating component and a
// linear intervention penalty, both capped, net floored at zero.
func (s *Service) computeBoost(rating, interventions int) float64 {
	// Rating 1 contributes nothing; rating 5 reaches the cap.
	ratingBoost := float64(rating-1) / 4.0 * s.cfg.MaxRatingBoost
	penalty := float64(interventions) * s.cfg.PenaltyPerIntervention
	if penalty > s.cfg.MaxInterventionPenalty {
		penalty = s.cfg.MaxInterventionPenalty
	}
	boost := ratingBoost - penalty
	if boost < 0 {
		return 0
	}
	return boost
}

// Session returns the current state of a session.
func (s *Service) Session(ctx context.Context, sessionID string) (*Session, error) {
	return s.repo.GetSession(ctx, sessionID)
}

func (s *Service) alert(ctx context.Context, session *Session, body string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, schemas.Notification{
		Kind:        schemas.NotifySupervisionAlert,
		WorkspaceID: session.WorkspaceID,
		Subject:     "Supervision alert",
		Body:        body,
		Data:        map[string]interface{}{"session_id": session.ID, "agent_id": session.AgentID},
	}); err != nil {
		s.logger.Warn("Failed to send supervision alert",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}
}
