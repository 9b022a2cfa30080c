package kafka

import (
	"context"

	"github.com/weiawesome/wes-sync-relay/internal/domain"
	"github.com/weiawesome/wes-sync-relay/pkg/log"
)

// EventProducer streams room lifecycle events. Action payloads are never
// produced.
type EventProducer interface {
	ProduceRoomEvent(ctx context.Context, ev domain.RoomEvent) error
	Close() error
}

// Publisher adapts an EventProducer to a hub observer.
type Publisher struct {
	producer EventProducer
}

func NewPublisher(p EventProducer) *Publisher {
	return &Publisher{producer: p}
}

func (p *Publisher) OnRoomEvent(ctx context.Context, ev domain.RoomEvent) {
	if err := p.producer.ProduceRoomEvent(ctx, ev); err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldRoomID, ev.RoomID).Str("event", string(ev.Type)).Msg("failed to produce room event")
	}
}

// NoOpProducer is used when Kafka is not configured.
type NoOpProducer struct{}

func NewNoOpProducer() *NoOpProducer { return &NoOpProducer{} }

func (NoOpProducer) ProduceRoomEvent(context.Context, domain.RoomEvent) error { return nil }

func (NoOpProducer) Close() error { return nil }
