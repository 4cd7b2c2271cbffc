package eventstore

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscriber is a callback invoked synchronously on every append. A panic in
// one subscriber is recovered and logged; it never reaches the appender or
// the other subscribers.
type Subscriber func(Event)

// Store is an in-memory append-only event log with synchronous fan-out.
// Append is safe to call from concurrently running tasks; reads return
// snapshots, so they never observe partial mutation.
type Store struct {
	logger *zap.Logger

	mu     sync.RWMutex
	events []Event
	subs   []Subscriber
}

// New creates an empty event store.
func New(logger *zap.Logger) *Store {
	return &Store{
		logger: logger.Named("eventstore"),
	}
}

// Append records the event and synchronously notifies every subscriber.
// Missing id, timestamp, and actor fields are filled in. A well-formed event
// is never rejected.
func (s *Store) Append(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Actor == "" {
		e.Actor = ActorSystem
	}

	s.mu.Lock()
	s.events = append(s.events, e)
	subs := make([]Subscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	s.logger.Debug("Event appended",
		zap.String("type", string(e.Type)),
		zap.String("aggregate_id", e.AggregateID),
		zap.String("event_id", e.ID),
	)

	for _, sub := range subs {
		s.dispatch(sub, e)
	}
	return e
}

// dispatch isolates a single subscriber invocation so one failure cannot
// block the others or the appender.
func (s *Store) dispatch(sub Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in event subscriber",
				zap.String("event_id", e.ID),
				zap.String("event_type", string(e.Type)),
				zap.Any("panic_value", r),
			)
		}
	}()
	sub(e)
}

// Events returns the events for one aggregate in append order.
func (s *Store) Events(aggregateID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out
}

// All returns a snapshot of the full log in global append order.
func (s *Store) All() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Subscribe registers a callback invoked on every future append. It is not
// retroactive; existing events are not replayed.
func (s *Store) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}
