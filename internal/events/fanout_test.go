package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/safetrip/idanchor/internal/events"
)

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestFanout_deliversToAllSinks(t *testing.T) {
	broken := &recorder{err: errors.New("broker down")}
	ok := &recorder{}
	f := events.NewFanout(
		events.Sink{Name: "kafka", Publisher: broken},
		events.Sink{Name: "log", Publisher: ok},
	)

	err := f.Publish(context.Background(), events.New(events.TypeDiscrepancy, "tourist-1", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka: broker down")
	assert.Equal(t, 1, broken.Len())
	assert.Equal(t, 1, ok.Len())
	assert.Equal(t, 2, f.Len())
}

func TestQueue_drainsOnStop(t *testing.T) {
	rec := &recorder{}
	q := events.NewQueue(rec, 16, time.Second, zap.NewNop())
	q.Start()

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Publish(context.Background(), events.New(events.TypeAnchorConfirmed, "tourist-1", nil)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))
	assert.Equal(t, 10, rec.Len())
}

func TestQueue_dropsWhenFull(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	q := events.NewQueue(&recorder{}, 1, time.Second, zap.New(core))
	// not started, so the second event cannot be buffered
	require.NoError(t, q.Publish(context.Background(), events.New(events.TypeAnchorConfirmed, "tourist-1", nil)))
	require.NoError(t, q.Publish(context.Background(), events.New(events.TypeAnchorConfirmed, "tourist-1", nil)))

	assert.Equal(t, 1, logs.FilterMessage("event queue full, event dropped").Len())
}

func TestLogPublisher_levels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := events.NewLogPublisher(zap.New(core))

	require.NoError(t, p.Publish(context.Background(), events.New(events.TypeDiscrepancy, "tourist-1", nil)))
	require.NoError(t, p.Publish(context.Background(), events.New(events.TypeAnchorConfirmed, "tourist-1", nil)))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "tourist-1", entries[0].ContextMap()["owner_id"])
}
