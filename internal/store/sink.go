package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atomhq/atom-core/internal/eventstore"
)

// EventWriter persists event batches. Both Postgres and Memory satisfy it.
type EventWriter interface {
	AppendEvents(ctx context.Context, events []eventstore.Event) error
}

// Sink tees event store appends into durable storage. Enqueue is called
// synchronously from the event store's fan-out, so it must never block;
// batching and the actual writes happen on the sink's own goroutine.
type Sink struct {
	logger        *zap.Logger
	writer        EventWriter
	buf           chan eventstore.Event
	batchSize     int
	flushInterval time.Duration
}

// NewSink creates a sink draining into the writer.
func NewSink(logger *zap.Logger, writer EventWriter, batchSize int, flushInterval time.Duration) *Sink {
	if batchSize <= 0 {
		batchSize = 64
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Sink{
		logger:        logger.Named("eventsink"),
		writer:        writer,
		buf:           make(chan eventstore.Event, batchSize*4),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// Enqueue accepts one event for durable storage. When the buffer is full the
// event is dropped from the durable tee (never from the in-memory log) and
// the drop is logged.
func (s *Sink) Enqueue(e eventstore.Event) {
	select {
	case s.buf <- e:
	default:
		s.logger.Warn("Event sink buffer full, dropping durable copy",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.Type)),
		)
	}
}

// Run drains the buffer until the context is canceled, then flushes what is
// left. Intended to run in its own goroutine (errgroup in cmd).
func (s *Sink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]eventstore.Event, 0, s.batchSize)
	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.writer.AppendEvents(flushCtx, batch); err != nil {
			s.logger.Error("Failed to persist event batch",
				zap.Int("batch_size", len(batch)),
				zap.Error(err),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Final drain with a bounded fresh context.
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			for {
				select {
				case e := <-s.buf:
					batch = append(batch, e)
					if len(batch) >= s.batchSize {
						flush(drainCtx)
					}
				default:
					flush(drainCtx)
					return ctx.Err()
				}
			}
		case e := <-s.buf:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}
