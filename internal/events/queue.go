package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Queue publishes asynchronously so that slow sinks never hold up the
// anchoring engine. Events that do not fit the buffer are dropped and logged.
type Queue struct {
	next    Publisher
	ch      chan Event
	timeout time.Duration
	logger  *zap.Logger

	once sync.Once
	wg   sync.WaitGroup
}

// NewQueue creates a Queue with the given buffer size. timeout bounds each
// delivery to next.
func NewQueue(next Publisher, size int, timeout time.Duration, logger *zap.Logger) *Queue {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Queue{
		next:    next,
		ch:      make(chan Event, size),
		timeout: timeout,
		logger:  logger,
	}
}

// Start launches the delivery loop.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for ev := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := q.next.Publish(ctx, ev); err != nil {
			q.logger.Error("event delivery failed",
				zap.String("event_id", ev.ID.String()),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Publish implements Publisher. It only enqueues; it never blocks.
func (q *Queue) Publish(_ context.Context, ev Event) error {
	select {
	case q.ch <- ev:
	default:
		q.logger.Error("event queue full, event dropped",
			zap.String("event_id", ev.ID.String()),
			zap.String("event_type", string(ev.Type)),
			zap.String("owner_id", ev.OwnerID),
		)
	}
	return nil
}

// Stop closes the queue and waits for buffered events to drain, or for ctx.
// Publish must not be called after Stop.
func (q *Queue) Stop(ctx context.Context) error {
	q.once.Do(func() { close(q.ch) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
