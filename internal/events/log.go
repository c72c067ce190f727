package events

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to the service log. Discrepancies are logged at
// warn level so they surface even when no other sink is configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("event_id", ev.ID.String()),
		zap.String("event_type", string(ev.Type)),
		zap.String("owner_id", ev.OwnerID),
		zap.Any("payload", ev.Payload),
	}
	switch ev.Type {
	case TypeDiscrepancy, TypeAnchorFailed:
		p.logger.Warn("event", fields...)
	default:
		p.logger.Info("event", fields...)
	}
	return nil
}
