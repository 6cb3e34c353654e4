package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/example/taxi-dispatch/internal/observability"
)

// RideEvent is the message published to the broadcast topic on every ride
// transition.
type RideEvent struct {
	RideID   string         `json:"ride_id"`
	Event    string         `json:"event"`
	Status   string         `json:"status"`
	DriverID string         `json:"driver_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	At       time.Time      `json:"at"`
}

// EventPublisher writes ride events to Kafka, keyed by ride id so per-ride
// ordering is preserved.
type EventPublisher struct {
	writer *kafka.Writer
	log    *slog.Logger
}

func NewEventPublisher(brokers []string, topic string, log *slog.Logger) *EventPublisher {
	return &EventPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
		log: log,
	}
}

func (p *EventPublisher) Publish(ctx context.Context, ev RideEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("failed to encode ride event", "ride_id", ev.RideID, "error", err)
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.RideID),
		Value: data,
		Time:  ev.At,
	})
	if err != nil {
		observability.RideEventsPublished.WithLabelValues("err").Inc()
		p.log.Warn("failed to publish ride event", "ride_id", ev.RideID, "event", ev.Event, "error", err)
		return
	}
	observability.RideEventsPublished.WithLabelValues("ok").Inc()
}

func (p *EventPublisher) Close() error { return p.writer.Close() }
